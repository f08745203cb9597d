package hardware

import (
	"context"
	"strings"

	apperrors "github.com/wfunc/bill-acceptor/internal/errors"
)

// 远程命令名称（MQTT与WebSocket共用）
const (
	CommandConnect    = "connect"
	CommandAutoDetect = "autodetect"
	CommandInitialize = "initialize"
	CommandStart      = "start"
	CommandStop       = "stop"
	CommandDisconnect = "disconnect"
	CommandStatus     = "status"
)

// Command 远程命令
type Command struct {
	ID       string `json:"id,omitempty"`
	Command  string `json:"command"`
	Port     string `json:"port,omitempty"`
	Protocol string `json:"protocol,omitempty"`
}

// CommandResult 命令执行结果
type CommandResult struct {
	ID       string           `json:"id,omitempty"`
	Command  string           `json:"command"`
	Success  bool             `json:"success"`
	Code     int              `json:"code,omitempty"`
	Error    string           `json:"error,omitempty"`
	Snapshot AcceptorSnapshot `json:"snapshot"`
}

// Execute 执行远程命令并返回执行后的快照
func (m *Manager) Execute(ctx context.Context, cmd Command) CommandResult {
	var err error
	switch strings.ToLower(strings.TrimSpace(cmd.Command)) {
	case CommandConnect:
		err = m.Connect(ctx, cmd.Port, cmd.Protocol)
	case CommandAutoDetect:
		err = m.AutoDetectAndConnect(ctx)
	case CommandInitialize:
		err = m.Initialize(ctx)
	case CommandStart:
		err = m.StartAccepting()
	case CommandStop:
		err = m.StopAccepting()
	case CommandDisconnect:
		err = m.Disconnect()
	case CommandStatus:
	default:
		err = apperrors.Newf(apperrors.ErrInvalidParam, "unknown command %q", cmd.Command)
	}

	result := CommandResult{
		ID:       cmd.ID,
		Command:  cmd.Command,
		Success:  err == nil,
		Snapshot: m.Snapshot(),
	}
	if err != nil {
		result.Code = int(apperrors.GetCode(err))
		result.Error = err.Error()
	}
	return result
}

package hardware

import (
	"time"
)

// AcceptorState 纸币器状态机状态
type AcceptorState int32

const (
	StateStatus AcceptorState = iota
	StateStack
	StateSendAck
	StateGetData
	StateInitialize
	StateReset
	StateFatalError
	StateVendValid
	StateWaitingForCommand
)

var stateNames = [...]string{
	StateStatus:            "Status",
	StateStack:             "Stack",
	StateSendAck:           "SendAck",
	StateGetData:           "GetData",
	StateInitialize:        "Initialize",
	StateReset:             "Reset",
	StateFatalError:        "FatalError",
	StateVendValid:         "VendValid",
	StateWaitingForCommand: "WaitingForCommand",
}

func (s AcceptorState) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "Unknown"
}

// ConnectionStats 当前连接的统计信息（断开后清零，不持久化）
type ConnectionStats struct {
	CommandsSent   uint64    `json:"commands_sent"`
	Responses      uint64    `json:"responses"`
	Timeouts       uint64    `json:"timeouts"`
	ChecksumErrors uint64    `json:"checksum_errors"`
	InvalidFrames  uint64    `json:"invalid_frames"`
	UnknownStatus  uint64    `json:"unknown_status"`
	BillsAccepted  uint64    `json:"bills_accepted"`
	TotalAmount    uint64    `json:"total_amount"`
	LastError      string    `json:"last_error,omitempty"`
	LastErrorTime  time.Time `json:"last_error_time,omitempty"`
	ConnectedAt    time.Time `json:"connected_at"`
}

// AcceptorSnapshot 纸币器运行状态快照
type AcceptorSnapshot struct {
	Connected bool            `json:"connected"`
	Port      string          `json:"port,omitempty"`
	Protocol  string          `json:"protocol,omitempty"`
	State     string          `json:"state"`
	Accepting bool            `json:"accepting"`
	Stats     ConnectionStats `json:"stats"`
}

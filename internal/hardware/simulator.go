package hardware

import (
	"bytes"
	"sync"
	"time"

	apperrors "github.com/wfunc/bill-acceptor/internal/errors"
)

// SimulatorPortName 模拟纸币器的串口名称
const SimulatorPortName = "sim"

type simStatus struct {
	status byte
	data   byte
}

// SimulatedAcceptor 模拟纸币器（调试模式下替代真实串口）
type SimulatedAcceptor struct {
	mu      sync.Mutex
	codec   FrameCodec
	open    bool
	rx      bytes.Buffer // 设备发往主机的数据
	idle    simStatus
	queue   []simStatus // 待上报的状态序列
	silent  bool
	latency time.Duration
	fault   error // 不为nil时读写都返回该错误，模拟拔出设备
	written [][]byte
}

// NewSimulatedAcceptor 创建指定协议的模拟纸币器
func NewSimulatedAcceptor(variant ProtocolVariant) *SimulatedAcceptor {
	return &SimulatedAcceptor{
		codec:   CodecFor(variant),
		idle:    simStatus{status: StatusEnable},
		latency: 2 * time.Millisecond,
	}
}

// Opener 返回只认识SimulatorPortName的打开函数；线路参数与协议不符时设备不应答
func (s *SimulatedAcceptor) Opener() PortOpener {
	return func(name string, line LineSettings, readTimeout time.Duration) (SerialPort, error) {
		if name != SimulatorPortName {
			return nil, apperrors.Newf(apperrors.ErrSerialPortOpen, "no such port %s", name)
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.fault != nil {
			return nil, s.fault
		}
		s.open = true
		s.rx.Reset()
		s.silent = line != s.codec.LineSettings()
		return s, nil
	}
}

// Enumerate 模拟串口列表
func (s *SimulatedAcceptor) Enumerate() ([]string, error) {
	return []string{SimulatorPortName}, nil
}

// InsertBill 模拟投入面额表第index张纸币
func (s *SimulatedAcceptor) InsertBill(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, simStatus{status: StatusAccepting})
	s.queue = append(s.queue, simStatus{status: StatusEscrow, data: DenominationCodeBase + byte(index)})
}

// SetIdleStatus 设置空闲时上报的状态（如 STACKER_FULL）
func (s *SimulatedAcceptor) SetIdleStatus(status, data byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idle = simStatus{status: status, data: data}
}

// SetFault 设置读写错误，nil表示恢复正常
func (s *SimulatedAcceptor) SetFault(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = err
}

// Written 主机写入的全部帧
func (s *SimulatedAcceptor) Written() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.written))
	copy(out, s.written)
	return out
}

// Write 解析主机命令并准备应答
func (s *SimulatedAcceptor) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return 0, apperrors.New(apperrors.ErrPortClosed, SimulatorPortName)
	}
	if s.fault != nil {
		return 0, s.fault
	}
	s.written = append(s.written, append([]byte(nil), p...))
	if s.silent {
		return len(p), nil
	}

	kind, ok := s.commandKind(p)
	if !ok {
		return len(p), nil
	}

	var reply simStatus
	switch kind {
	case CmdStatus:
		reply = s.next()
	case CmdStack:
		if len(s.queue) > 0 && s.queue[0].status == StatusEscrow {
			s.queue = append([]simStatus{
				{status: StatusStacking},
				{status: StatusVendValid},
				{status: StatusStacked},
			}, s.queue[1:]...)
		}
		reply = simStatus{status: ACK}
	default:
		reply = simStatus{status: ACK}
	}

	s.rx.Write(s.codec.BuildResponse(reply.status, reply.data))
	return len(p), nil
}

// next 取下一条状态；暂存中的纸币一直报告ESCROW直到收到STACK
func (s *SimulatedAcceptor) next() simStatus {
	if len(s.queue) == 0 {
		return s.idle
	}
	st := s.queue[0]
	if st.status == StatusEscrow {
		return st
	}
	s.queue = s.queue[1:]
	return st
}

func (s *SimulatedAcceptor) commandKind(p []byte) (CommandKind, bool) {
	for _, kind := range []CommandKind{CmdStatus, CmdStack, CmdAck, CmdEnable, CmdReset} {
		if bytes.Equal(p, s.codec.Encode(kind)) {
			return kind, true
		}
	}
	return 0, false
}

// Read 返回已准备好的应答，没有数据时短暂等待后返回0
func (s *SimulatedAcceptor) Read(p []byte) (int, error) {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return 0, apperrors.New(apperrors.ErrPortClosed, SimulatorPortName)
	}
	if fault := s.fault; fault != nil {
		s.mu.Unlock()
		return 0, fault
	}
	if s.rx.Len() > 0 {
		n, err := s.rx.Read(p)
		s.mu.Unlock()
		return n, err
	}
	latency := s.latency
	s.mu.Unlock()

	time.Sleep(latency)
	return 0, nil
}

// Flush 清空缓冲
func (s *SimulatedAcceptor) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rx.Reset()
	return nil
}

// Close 关闭模拟串口
func (s *SimulatedAcceptor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	return nil
}

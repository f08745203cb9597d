package hardware

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/wfunc/bill-acceptor/internal/errors"
	"github.com/wfunc/bill-acceptor/internal/logger"
	"go.uber.org/zap"
)

// EngineOptions 状态机参数
type EngineOptions struct {
	Pacing time.Duration // 停留在Status时两次轮询的间隔
	Table  *StatusTable
	Logger *zap.Logger

	// OnFault 串口读写失败时调用，在轮询协程中执行，不能阻塞
	OnFault func(err error)
}

// Engine 纸币器状态机，每个连接一个，单协程轮询
type Engine struct {
	transport *Transport
	codec     FrameCodec
	table     *StatusTable
	bus       *EventBus
	pacing    time.Duration
	onFault   func(err error)
	logger    *zap.Logger

	// token 串行化轮询周期、空闲读取与主机命令
	token     sync.Mutex
	state     atomic.Int32
	accepting atomic.Bool

	// 以下字段只在持有token时访问
	last        ResponseFrame
	lastEntry   StatusEntry
	pendingBill int
	raised      string

	statsMu sync.Mutex
	stats   ConnectionStats

	ctx       context.Context
	cancel    context.CancelFunc
	wake      chan struct{}
	done      chan struct{}
	started   atomic.Bool
	closeOnce sync.Once
}

// NewEngine 创建状态机，初始状态WaitingForCommand
func NewEngine(t *Transport, bus *EventBus, opts EngineOptions) *Engine {
	if opts.Table == nil {
		opts.Table = NewStatusTable(nil)
	}
	if opts.Pacing <= 0 {
		opts.Pacing = 100 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = logger.WithModule("acceptor")
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		transport: t,
		codec:     t.Codec(),
		table:     opts.Table,
		bus:       bus,
		pacing:    opts.Pacing,
		onFault:   opts.OnFault,
		logger:    opts.Logger.With(zap.String("port", t.Name())),
		ctx:       ctx,
		cancel:    cancel,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	e.state.Store(int32(StateWaitingForCommand))
	e.stats.ConnectedAt = time.Now()
	return e
}

// Start 启动轮询协程
func (e *Engine) Start() {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	go e.run()
}

// Port 串口名称
func (e *Engine) Port() string { return e.transport.Name() }

// Variant 当前协议
func (e *Engine) Variant() ProtocolVariant { return e.codec.Variant() }

// State 当前状态
func (e *Engine) State() AcceptorState { return AcceptorState(e.state.Load()) }

// Accepting 是否处于收币流程
func (e *Engine) Accepting() bool { return e.accepting.Load() }

// Stats 当前连接统计
func (e *Engine) Stats() ConnectionStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

// Initialize 进入Initialize，下一周期发送Enable后开始轮询
func (e *Engine) Initialize() {
	e.token.Lock()
	e.accepting.Store(true)
	e.setState(StateInitialize)
	e.token.Unlock()
	e.logger.Info("纸币器初始化")
	e.poke()
}

// StartAccepting 开始收币，强制进入Status
func (e *Engine) StartAccepting() {
	e.token.Lock()
	e.accepting.Store(true)
	e.setState(StateStatus)
	e.token.Unlock()
	e.logger.Info("开始收币")
	e.poke()
}

// StopAccepting 置停止标志，轮询协程在下一条命令前转入WaitingForCommand
func (e *Engine) StopAccepting() {
	if e.accepting.Swap(false) {
		e.logger.Info("停止收币")
	}
	e.poke()
}

// Close 停止轮询并关闭串口，只执行一次
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.accepting.Store(false)
		e.cancel()
		err = e.transport.Close()
		if e.started.Load() {
			<-e.done
		}

		e.token.Lock()
		e.setState(StateWaitingForCommand)
		e.pendingBill = 0
		e.token.Unlock()
	})
	return err
}

func (e *Engine) poke() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) run() {
	defer close(e.done)
	e.logger.Debug("轮询协程启动")

	for {
		if e.ctx.Err() != nil || e.transport.Closed() {
			e.logger.Debug("轮询协程退出")
			return
		}

		if e.cycle(e.ctx) {
			select {
			case <-time.After(e.pacing):
			case <-e.wake:
			case <-e.ctx.Done():
			}
			// 下一次Exchange会清空缓冲，先处理间隙内的主动上报
			e.listen()
		}
	}
}

// cycle 执行一个完整的命令/应答周期，返回true表示需要节拍等待
func (e *Engine) cycle(ctx context.Context) bool {
	e.token.Lock()
	defer e.token.Unlock()

	if !e.accepting.Load() {
		e.setState(StateWaitingForCommand)
		return true
	}

	switch e.State() {
	case StateInitialize:
		e.command(ctx, CmdEnable)
		e.setState(StateStatus)
		return false

	case StateStatus:
		return e.pollStatus(ctx)

	case StateStack:
		e.resolveEscrow()
		e.command(ctx, CmdStack)
		e.setState(StateStatus)
		return false

	case StateSendAck:
		e.command(ctx, CmdAck)
		e.setState(StateStatus)
		return false

	case StateGetData:
		code, _ := e.last.Data()
		label := ErrorLabel(code)
		e.raise(label, fmt.Sprintf("bill rejected: %s", label), false)
		e.setState(StateStatus)
		return false

	case StateFatalError:
		code, _ := e.last.Data()
		label := FatalLabel(code)
		if label == UnknownLabel && e.lastEntry.Label != "" {
			label = e.lastEntry.Label
		}
		e.raise(label, fmt.Sprintf("fatal error: %s", label), true)
		e.setState(StateStatus)
		return false

	case StateVendValid:
		if e.pendingBill > 0 {
			e.acceptBill()
		} else {
			e.logger.Warn("收到VEND_VALID但没有暂存纸币")
			e.emitLog("vend valid without escrowed bill")
		}
		e.setState(StateStatus)
		return false

	case StateReset:
		e.command(ctx, CmdReset)
		e.setState(StateStatus)
		return false

	default:
		e.setState(StateStatus)
		return false
	}
}

// pollStatus 发送STATUS并按主状态字节迁移
func (e *Engine) pollStatus(ctx context.Context) bool {
	resp, err := e.exchange(ctx, CmdStatus)
	if err != nil {
		e.handleTransportError(err)
		return true
	}
	return e.handleStatus(resp)
}

// handleStatus 校验并分类一帧状态应答，轮询应答与主动上报共用；返回true表示停留在Status
func (e *Engine) handleStatus(resp []byte) bool {
	frame := e.codec.Decode(resp)
	if err := frameError(frame); err != nil {
		e.handleTransportError(err)
		return true
	}

	status, _ := frame.Status()
	entry, known := e.table.Classify(status)
	if !known {
		e.count(func(s *ConnectionStats) { s.UnknownStatus++ })
		e.logger.Debug("未知状态字节", zap.Uint8("status", status))
		return true
	}

	e.last = frame
	e.lastEntry = entry

	if entry.State == StateStatus {
		if entry.Label != "" {
			e.raise(entry.Label, fmt.Sprintf("device error: %s", entry.Label), false)
		} else {
			e.raised = ""
		}
		if status == StatusStacked && e.pendingBill > 0 {
			// 设备跳过VEND_VALID直接报STACKED
			e.acceptBill()
		}
		return true
	}

	if entry.State == StateWaitingForCommand {
		e.accepting.Store(false)
		e.logger.Info("设备报告禁用，等待主机命令")
	}
	e.setState(entry.State)
	return false
}

// resolveEscrow 用byte[3]面额码解析暂存纸币面值
func (e *Engine) resolveEscrow() {
	code, ok := e.last.Data()
	value := 0
	if ok {
		value = e.table.Denomination(code)
	}
	if value <= 0 {
		e.logger.Warn("无法识别的面额码", zap.Uint8("code", code))
		e.emitLog(fmt.Sprintf("unknown denomination code 0x%02X", code))
		return
	}
	e.pendingBill = value
	e.logger.Info("纸币进入暂存", zap.Int("amount", value))
	e.emitLog(fmt.Sprintf("bill in escrow: %d", value))
}

func (e *Engine) acceptBill() {
	amount := e.pendingBill
	e.pendingBill = 0

	e.count(func(s *ConnectionStats) {
		s.BillsAccepted++
		s.TotalAmount += uint64(amount)
	})

	ev := NewEvent(EventBillAccepted, e.Port())
	ev.Amount = amount
	e.publish(ev)

	e.logger.Info("纸币已收入", zap.Int("amount", amount))
	e.emitLog(fmt.Sprintf("bill accepted: %d", amount))
}

func (e *Engine) exchange(ctx context.Context, kind CommandKind) ([]byte, error) {
	e.count(func(s *ConnectionStats) { s.CommandsSent++ })
	e.logger.Debug("发送命令", zap.String("command", kind.String()))

	resp, err := e.transport.Exchange(ctx, e.codec.Encode(kind))
	if err != nil {
		return nil, err
	}
	e.count(func(s *ConnectionStats) { s.Responses++ })
	return resp, nil
}

// command 发送非轮询命令，应答只记录不参与迁移
func (e *Engine) command(ctx context.Context, kind CommandKind) {
	resp, err := e.exchange(ctx, kind)
	if err != nil {
		if apperrors.IsRetryable(err) {
			e.count(func(s *ConnectionStats) { s.Timeouts++ })
			e.logger.Debug("命令无应答", zap.String("command", kind.String()), zap.Error(err))
			return
		}
		e.handleTransportError(err)
		return
	}

	frame := e.codec.Decode(resp)
	e.logger.Debug("命令应答",
		zap.String("command", kind.String()),
		zap.Bool("ok", frame.OK()),
		zap.Binary("raw", frame.Raw))
}

// handleTransportError 可重试的错误只记录，本周期放弃，下一周期重新轮询
func (e *Engine) handleTransportError(err error) {
	code := apperrors.GetCode(err)
	switch {
	case code == apperrors.ErrPortClosed || code == apperrors.ErrCanceled:
		e.logger.Debug("串口已关闭，结束本周期")
	case apperrors.IsRetryable(err):
		e.count(func(s *ConnectionStats) {
			switch code {
			case apperrors.ErrChecksum:
				s.ChecksumErrors++
			case apperrors.ErrFrameInvalid:
				s.InvalidFrames++
			default:
				s.Timeouts++
			}
		})
		e.logger.Warn("本周期无有效应答", zap.Error(err))
		e.emitLogCode(code, retryMessage(code, err))
	case code == apperrors.ErrSerialPortWrite || code == apperrors.ErrSerialPortRead:
		e.logger.Error("串口读写失败", zap.Error(err))
		e.raise("IO_ERROR", err.Error(), false)
		if e.onFault != nil {
			e.onFault(err)
		}
	default:
		e.logger.Error("串口通信失败", zap.Error(err))
		e.raise("IO_ERROR", err.Error(), false)
	}
}

func retryMessage(code apperrors.ErrorCode, err error) string {
	switch code {
	case apperrors.ErrNoResponse:
		return "no response from device"
	case apperrors.ErrChecksum:
		return "checksum mismatch, response discarded"
	case apperrors.ErrFrameInvalid:
		return "invalid frame discarded"
	default:
		return err.Error()
	}
}

// frameError 结构或校验不合格的应答转换为可重试错误
func frameError(f ResponseFrame) error {
	switch {
	case !f.Valid:
		return apperrors.Newf(apperrors.ErrFrameInvalid, "% X", f.Raw)
	case !f.ChecksumOK:
		return apperrors.Newf(apperrors.ErrChecksum, "% X", f.Raw)
	}
	return nil
}

// listen 两次轮询之间收取设备主动上报的数据：收币时与轮询应答走同一分类迁移，空闲时只记录
func (e *Engine) listen() {
	e.token.Lock()
	defer e.token.Unlock()

	raw, err := e.transport.TryRead()
	if err != nil {
		e.handleTransportError(err)
		return
	}
	if len(raw) == 0 {
		return
	}

	if e.accepting.Load() && e.State() == StateStatus {
		e.logger.Debug("收到设备主动上报", zap.Binary("raw", raw))
		e.handleStatus(raw)
		return
	}

	frame := e.codec.Decode(raw)
	if !frame.OK() {
		e.logger.Debug("丢弃空闲期间的无效数据", zap.Binary("raw", raw))
		return
	}
	status, _ := frame.Status()
	entry, known := e.table.Classify(status)
	if !known {
		e.logger.Debug("空闲期间收到未知状态", zap.Uint8("status", status))
		return
	}
	e.logger.Info("收到设备主动上报", zap.String("status", entry.Name))
	e.emitLog(fmt.Sprintf("unsolicited status %s", entry.Name))
}

// setState 状态变化时发布StateChanged，重复设置不产生事件
func (e *Engine) setState(s AcceptorState) {
	old := AcceptorState(e.state.Swap(int32(s)))
	if old == s {
		return
	}
	e.logger.Debug("状态迁移", zap.String("from", old.String()), zap.String("to", s.String()))

	ev := NewEvent(EventStateChanged, e.Port())
	ev.State = s.String()
	e.publish(ev)
}

// raise 上报设备错误，同一标签连续出现只上报一次
func (e *Engine) raise(label, message string, fatal bool) {
	if label == e.raised {
		return
	}
	e.raised = label

	e.count(func(s *ConnectionStats) {
		s.LastError = label
		s.LastErrorTime = time.Now()
	})

	if fatal {
		e.logger.Error("纸币器致命错误", zap.String("label", label))
	} else {
		e.logger.Warn("纸币器错误", zap.String("label", label))
	}

	ev := NewEvent(EventError, e.Port())
	ev.Label = label
	ev.Message = message
	e.publish(ev)
	e.emitLog(message)
}

func (e *Engine) emitLog(message string) {
	e.emitLogCode(0, message)
}

// emitLogCode 发布带错误码的日志事件
func (e *Engine) emitLogCode(code apperrors.ErrorCode, message string) {
	ev := NewEvent(EventLog, e.Port())
	ev.Code = int(code)
	ev.Message = message
	e.publish(ev)
}

func (e *Engine) publish(ev Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

func (e *Engine) count(fn func(*ConnectionStats)) {
	e.statsMu.Lock()
	fn(&e.stats)
	e.statsMu.Unlock()
}

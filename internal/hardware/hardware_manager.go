package hardware

import (
	"context"
	"strings"
	"sync"
	"time"

	apperrors "github.com/wfunc/bill-acceptor/internal/errors"
	"github.com/wfunc/bill-acceptor/internal/logger"
	"go.uber.org/zap"
)

// ManagerConfig 纸币器管理配置
type ManagerConfig struct {
	Port          string // auto 或设备路径
	Protocol      string // auto | tbv | arduino
	Driver        string // tarm | bugst
	Transport     TransportOptions
	ProbeWindow   time.Duration
	Pacing        time.Duration
	Patterns      []string
	Denominations []int

	// ReconnectInterval 串口故障后的重连间隔，0为默认值，负数关闭自动重连
	ReconnectInterval time.Duration
}

// DefaultManagerConfig 默认配置
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Port:          "auto",
		Protocol:      "auto",
		Transport:     DefaultTransportOptions(),
		ProbeWindow:   time.Second,
		Pacing:        100 * time.Millisecond,
		Denominations: DefaultDenominations,
	}
}

// ManagerOption 管理器选项
type ManagerOption func(*Manager)

// WithPortOpener 替换串口打开函数
func WithPortOpener(opener PortOpener) ManagerOption {
	return func(m *Manager) {
		m.opener = opener
		m.discovery.Open = opener
	}
}

// WithEnumerator 替换串口枚举函数
func WithEnumerator(enum PortEnumerator) ManagerOption {
	return func(m *Manager) {
		m.discovery.Enumerate = enum
	}
}

// WithSimulator 使用模拟纸币器代替真实串口
func WithSimulator(sim *SimulatedAcceptor) ManagerOption {
	return func(m *Manager) {
		m.opener = sim.Opener()
		m.discovery.Open = m.opener
		m.discovery.Enumerate = sim.Enumerate
	}
}

// Manager 纸币器管理器：持有事件总线、检测器和当前连接的状态机
type Manager struct {
	mu        sync.Mutex
	cfg       ManagerConfig
	bus       *EventBus
	table     *StatusTable
	discovery *Discovery
	opener    PortOpener
	engine    *Engine
	epoch     uint64 // 每次连接或断开递增，用于作废进行中的重连
	reconnect *reconnector
	logger    *zap.Logger
}

// NewManager 创建管理器
func NewManager(cfg ManagerConfig, opts ...ManagerOption) *Manager {
	discovery := NewDiscovery(cfg.Patterns)
	if cfg.ProbeWindow > 0 {
		discovery.ProbeWindow = cfg.ProbeWindow
	}
	if cfg.Transport.WriteTimeout > 0 {
		discovery.WriteTimeout = cfg.Transport.WriteTimeout
	}

	m := &Manager{
		cfg:       cfg,
		bus:       NewEventBus(),
		table:     NewStatusTable(cfg.Denominations),
		discovery: discovery,
		opener:    OpenSerialPort,
		logger:    logger.WithModule("acceptor"),
	}
	if opener, err := PortOpenerFor(cfg.Driver); err != nil {
		m.logger.Error("串口驱动无效，使用tarm", zap.Error(err))
	} else {
		m.opener = opener
		discovery.Open = opener
	}
	for _, opt := range opts {
		opt(m)
	}
	if cfg.ReconnectInterval >= 0 {
		m.reconnect = newReconnector(m, cfg.ReconnectInterval)
	}
	return m
}

// Subscribe 订阅纸币器事件
func (m *Manager) Subscribe() (<-chan Event, func()) {
	return m.bus.Subscribe()
}

// ListPorts 列出可用串口
func (m *Manager) ListPorts() ([]string, error) {
	return m.discovery.Enumerate()
}

// Connect 连接指定串口；protocol为auto时在该串口上依次探测各协议
func (m *Manager) Connect(ctx context.Context, port, protocol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.engine != nil {
		return apperrors.Newf(apperrors.ErrAlreadyConnected, "connected to %s", m.engine.Port())
	}
	port = strings.TrimSpace(port)
	if port == "" || strings.EqualFold(port, "auto") {
		return m.autoDetectLocked(ctx)
	}

	variant, fixed, err := ParseVariant(protocol)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrInvalidParam)
	}
	if !fixed {
		variant, err = m.probePortLocked(ctx, port)
		if err != nil {
			return err
		}
	}
	return m.attachLocked(port, variant)
}

// AutoDetectAndConnect 扫描全部串口并连接第一个应答的纸币器
func (m *Manager) AutoDetectAndConnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.engine != nil {
		return apperrors.Newf(apperrors.ErrAlreadyConnected, "connected to %s", m.engine.Port())
	}
	return m.autoDetectLocked(ctx)
}

// Initialize 未连接时先自动检测并连接，然后发送Enable开始轮询
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.engine == nil {
		if err := m.connectConfiguredLocked(ctx); err != nil {
			return err
		}
	}
	m.engine.Initialize()
	return nil
}

// StartAccepting 开始收币
func (m *Manager) StartAccepting() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.engine == nil {
		return apperrors.New(apperrors.ErrNotConnected)
	}
	m.engine.StartAccepting()
	return nil
}

// StopAccepting 停止收币
func (m *Manager) StopAccepting() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.engine == nil {
		return apperrors.New(apperrors.ErrNotConnected)
	}
	m.engine.StopAccepting()
	return nil
}

// Disconnect 停止轮询并释放串口，同时取消进行中的重连；未连接时不发布事件
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.epoch++
	if m.engine == nil {
		return nil
	}

	engine := m.engine
	m.engine = nil
	err := engine.Close()

	ev := NewEvent(EventDisconnected, engine.Port())
	ev.Message = "disconnected"
	m.bus.Publish(ev)
	m.logger.Info("纸币器已断开", zap.String("port", engine.Port()))

	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrPortClosed, engine.Port())
	}
	return nil
}

// Snapshot 当前状态快照
func (m *Manager) Snapshot() AcceptorSnapshot {
	m.mu.Lock()
	engine := m.engine
	m.mu.Unlock()

	if engine == nil {
		return AcceptorSnapshot{State: StateWaitingForCommand.String()}
	}
	return AcceptorSnapshot{
		Connected: true,
		Port:      engine.Port(),
		Protocol:  engine.Variant().String(),
		State:     engine.State().String(),
		Accepting: engine.Accepting(),
		Stats:     engine.Stats(),
	}
}

// Close 停止重连、断开连接并关闭事件总线
func (m *Manager) Close() error {
	if m.reconnect != nil {
		m.reconnect.stop()
	}
	err := m.Disconnect()
	m.bus.Close()
	return err
}

// connectConfiguredLocked 按配置的串口连接，auto时扫描
func (m *Manager) connectConfiguredLocked(ctx context.Context) error {
	port := strings.TrimSpace(m.cfg.Port)
	if port == "" || strings.EqualFold(port, "auto") {
		return m.autoDetectLocked(ctx)
	}

	variant, fixed, err := ParseVariant(m.cfg.Protocol)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrConfigValidate)
	}
	if !fixed {
		if variant, err = m.probePortLocked(ctx, port); err != nil {
			return err
		}
	}
	return m.attachLocked(port, variant)
}

func (m *Manager) autoDetectLocked(ctx context.Context) error {
	m.publishLog("", "searching for bill acceptor")

	port, variant, err := m.discovery.FindDevice(ctx)
	if err != nil {
		m.publishLog("", "bill acceptor not found")
		return err
	}
	return m.attachLocked(port, variant)
}

// probePortLocked 在单个串口上按顺序尝试各协议
func (m *Manager) probePortLocked(ctx context.Context, port string) (ProtocolVariant, error) {
	var lastErr error
	for _, variant := range DetectionOrder {
		ok, err := m.discovery.Probe(ctx, port, variant)
		if err != nil {
			if apperrors.Is(err, apperrors.ErrPortBusy) {
				return 0, err
			}
			lastErr = err
			continue
		}
		if ok {
			return variant, nil
		}
	}
	if lastErr != nil {
		return 0, lastErr
	}
	return 0, apperrors.Newf(apperrors.ErrDeviceNotFound, "no acceptor answered on %s", port)
}

// attachLocked 打开串口、创建状态机并发布Connected
func (m *Manager) attachLocked(port string, variant ProtocolVariant) error {
	t, err := OpenTransport(port, CodecFor(variant), m.opener, m.cfg.Transport)
	if err != nil {
		m.logger.Error("连接纸币器失败", zap.String("port", port), zap.Error(err))
		return err
	}

	var engine *Engine
	opts := EngineOptions{
		Pacing: m.cfg.Pacing,
		Table:  m.table,
	}
	if m.reconnect != nil {
		opts.OnFault = func(err error) { m.reconnect.notify(engine, err) }
	}
	engine = NewEngine(t, m.bus, opts)
	m.engine = engine
	m.epoch++
	engine.Start()

	m.logger.Info("纸币器已连接", zap.String("port", port), zap.String("protocol", variant.String()))

	ev := NewEvent(EventConnected, port)
	ev.Message = "connected to " + port + " (" + variant.String() + ")"
	m.bus.Publish(ev)
	return nil
}

func (m *Manager) publishLog(port, message string) {
	ev := NewEvent(EventLog, port)
	ev.Message = message
	m.bus.Publish(ev)
}

package hardware

import (
	"errors"
	"os"
	"sync"
	"time"

	apperrors "github.com/wfunc/bill-acceptor/internal/errors"
	"github.com/wfunc/bill-acceptor/internal/logger"
	"go.uber.org/zap"
)

// DefaultReconnectInterval 串口故障后的重连间隔
const DefaultReconnectInterval = 3 * time.Second

var errReconnectAborted = errors.New("reconnect aborted")

// SerialPortExists 检查串口设备是否存在
func SerialPortExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// reconnector 串口读写失败时释放连接，并按原串口与协议定期重连
type reconnector struct {
	m        *Manager
	interval time.Duration
	trigger  chan *Engine
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	logger   *zap.Logger
}

func newReconnector(m *Manager, interval time.Duration) *reconnector {
	if interval == 0 {
		interval = DefaultReconnectInterval
	}
	r := &reconnector{
		m:        m,
		interval: interval,
		trigger:  make(chan *Engine, 1),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger.WithModule("reconnect"),
	}
	go r.loop()
	return r
}

// notify 由轮询协程调用，只投递不等待
func (r *reconnector) notify(failed *Engine, err error) {
	select {
	case r.trigger <- failed:
		r.logger.Warn("串口故障，准备重连", zap.String("port", failed.Port()), zap.Error(err))
	default:
		// 已经有重连请求在队列中
	}
}

func (r *reconnector) stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.done
}

func (r *reconnector) loop() {
	defer close(r.done)
	for {
		select {
		case failed := <-r.trigger:
			r.recover(failed)
		case <-r.stopCh:
			return
		}
	}
}

// recover 释放故障连接后重试，直到连上、被手动连接/断开打断或管理器关闭
func (r *reconnector) recover(failed *Engine) {
	link, ok := r.m.dropEngine(failed, "connection lost")
	if !ok {
		return
	}

	for attempt := 1; ; attempt++ {
		select {
		case <-time.After(r.interval):
		case <-r.stopCh:
			return
		}

		err := r.m.reattach(link)
		switch {
		case err == nil:
			r.logger.Info("串口重连成功",
				zap.String("port", link.port),
				zap.Int("attempt", attempt))
			return
		case errors.Is(err, errReconnectAborted):
			r.logger.Info("重连已取消", zap.String("port", link.port))
			return
		case !apperrors.IsRetryable(err):
			r.logger.Error("串口重连失败，放弃重连",
				zap.String("port", link.port),
				zap.Int("attempt", attempt),
				zap.Error(err))
			r.m.publishLog(link.port, "reconnect abandoned: "+err.Error())
			return
		default:
			r.logger.Warn("串口重连失败，稍后重试",
				zap.String("port", link.port),
				zap.Int("attempt", attempt),
				zap.Bool("device_present", link.port == SimulatorPortName || SerialPortExists(link.port)),
				zap.Duration("interval", r.interval),
				zap.Error(err))
		}
	}
}

// lostLink 故障前的连接参数
type lostLink struct {
	port      string
	variant   ProtocolVariant
	accepting bool
	epoch     uint64
}

// dropEngine 释放故障连接；failed已不是当前连接时返回false
func (m *Manager) dropEngine(failed *Engine, reason string) (lostLink, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.engine == nil || m.engine != failed {
		return lostLink{}, false
	}

	link := lostLink{
		port:      failed.Port(),
		variant:   failed.Variant(),
		accepting: failed.Accepting(),
	}
	m.engine = nil
	m.epoch++
	link.epoch = m.epoch
	if err := failed.Close(); err != nil {
		m.logger.Debug("关闭故障串口失败", zap.Error(err))
	}

	ev := NewEvent(EventDisconnected, link.port)
	ev.Message = reason
	m.bus.Publish(ev)
	m.logger.Warn("纸币器连接中断", zap.String("port", link.port))
	return link, true
}

// reattach 按故障前的参数重新连接，期间有手动连接或断开时放弃
func (m *Manager) reattach(link lostLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.engine != nil || m.epoch != link.epoch {
		return errReconnectAborted
	}
	if err := m.attachLocked(link.port, link.variant); err != nil {
		if !apperrors.Is(err, apperrors.ErrSerialPortOpen) {
			return err
		}
		// 打开失败视为设备暂时离线，继续重试
		offline := apperrors.New(apperrors.ErrDeviceOffline, link.port)
		offline.Cause = err
		return offline
	}
	if link.accepting {
		m.engine.Initialize()
	}
	return nil
}

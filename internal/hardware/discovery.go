package hardware

import (
	"context"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	apperrors "github.com/wfunc/bill-acceptor/internal/errors"
	"github.com/wfunc/bill-acceptor/internal/logger"
	bugst "go.bug.st/serial"
	"go.uber.org/zap"
)

// defaultPortPatterns 系统接口枚举失败时的设备路径兜底
var defaultPortPatterns = []string{
	"/dev/ttyUSB*",
	"/dev/ttyACM*",
	"/dev/ttyS*",
	"/dev/cu.usbserial*",
	"/dev/cu.usbmodem*",
}

// PortEnumerator 枚举系统可见串口
type PortEnumerator func() ([]string, error)

// ListPorts 枚举串口：优先go.bug.st/serial，再合并额外的glob匹配结果
func ListPorts(extraPatterns []string) ([]string, error) {
	seen := make(map[string]struct{})
	var ports []string
	add := func(name string) {
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		ports = append(ports, name)
	}

	list, err := bugst.GetPortsList()
	for _, name := range list {
		add(name)
	}

	patterns := extraPatterns
	if err != nil || (len(list) == 0 && runtime.GOOS != "windows") {
		patterns = append(append([]string(nil), defaultPortPatterns...), extraPatterns...)
	}
	for _, pattern := range patterns {
		matches, globErr := filepath.Glob(pattern)
		if globErr != nil {
			continue
		}
		for _, name := range matches {
			add(name)
		}
	}

	if err != nil && len(ports) == 0 {
		return nil, apperrors.Wrap(err, apperrors.ErrDeviceNotFound, "enumerate serial ports")
	}

	sort.Strings(ports)
	return ports, nil
}

// Discovery 自动检测纸币器所在串口与协议
type Discovery struct {
	Enumerate    PortEnumerator
	Open         PortOpener
	Variants     []ProtocolVariant
	ProbeWindow  time.Duration
	PollInterval time.Duration
	WriteTimeout time.Duration

	logger *zap.Logger
}

// NewDiscovery 创建检测器，patterns为额外的设备glob
func NewDiscovery(patterns []string) *Discovery {
	return &Discovery{
		Enumerate:    func() ([]string, error) { return ListPorts(patterns) },
		Open:         OpenSerialPort,
		Variants:     DetectionOrder,
		ProbeWindow:  time.Second,
		PollInterval: 100 * time.Millisecond,
		WriteTimeout: time.Second,
		logger:       logger.WithModule("discovery"),
	}
}

// FindDevice 逐个串口、逐个协议发送STATUS探测，返回第一个应答的组合
func (d *Discovery) FindDevice(ctx context.Context) (string, ProtocolVariant, error) {
	ports, err := d.Enumerate()
	if err != nil {
		return "", 0, err
	}

	d.log().Info("开始检测纸币器", zap.Strings("ports", ports))

	for _, port := range ports {
		for _, variant := range d.variants() {
			if err := ctx.Err(); err != nil {
				return "", 0, apperrors.Wrap(err, apperrors.ErrCanceled)
			}

			ok, err := d.Probe(ctx, port, variant)
			if err != nil {
				if apperrors.Is(err, apperrors.ErrPortBusy) {
					d.log().Warn("串口被其他程序占用，跳过", zap.String("port", port))
					break
				}
				d.log().Debug("探测失败", zap.String("port", port),
					zap.String("protocol", variant.String()), zap.Error(err))
				continue
			}
			if ok {
				d.log().Info("找到纸币器", zap.String("port", port), zap.String("protocol", variant.String()))
				return port, variant, nil
			}
		}
	}

	d.log().Warn("未找到纸币器", zap.Int("scanned", len(ports)))
	return "", 0, apperrors.Newf(apperrors.ErrDeviceNotFound, "scanned %d ports", len(ports))
}

// Probe 以指定协议打开串口并发送一次STATUS，首字节为协议前导字节或ENQ/ACK即视为命中
func (d *Discovery) Probe(ctx context.Context, port string, variant ProtocolVariant) (bool, error) {
	codec := CodecFor(variant)
	t, err := OpenTransport(port, codec, d.Open, TransportOptions{
		WriteTimeout: d.WriteTimeout,
		ReadWindow:   d.ProbeWindow,
		PollInterval: d.PollInterval,
	})
	if err != nil {
		return false, err
	}
	defer t.Close()

	resp, err := t.Exchange(ctx, codec.Encode(CmdStatus))
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNoResponse) {
			return false, nil
		}
		return false, err
	}

	switch resp[0] {
	case codec.LeadingByte(), ENQ, ACK:
		return true, nil
	default:
		d.log().Debug("探测应答不匹配", zap.String("port", port),
			zap.String("protocol", variant.String()), zap.Uint8("first", resp[0]))
		return false, nil
	}
}

func (d *Discovery) variants() []ProtocolVariant {
	if len(d.Variants) == 0 {
		return DetectionOrder
	}
	return d.Variants
}

func (d *Discovery) log() *zap.Logger {
	if d.logger == nil {
		return logger.WithModule("discovery")
	}
	return d.logger
}

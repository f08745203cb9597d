package hardware

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	apperrors "github.com/wfunc/bill-acceptor/internal/errors"
	"github.com/wfunc/bill-acceptor/internal/logger"
	"go.uber.org/zap"
)

const readBufferSize = 256

// TransportOptions 串口收发参数
type TransportOptions struct {
	WriteTimeout time.Duration // 单次写入超时
	ReadWindow   time.Duration // 等待应答的总时长
	PollInterval time.Duration // 两次读取之间的间隔
}

// DefaultTransportOptions 默认约3秒应答窗口
func DefaultTransportOptions() TransportOptions {
	return TransportOptions{
		WriteTimeout: time.Second,
		ReadWindow:   3 * time.Second,
		PollInterval: 200 * time.Millisecond,
	}
}

// Transport 独占一个串口句柄，负责定时写入与有界读取
type Transport struct {
	name  string
	codec FrameCodec
	opts  TransportOptions
	port  SerialPort

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
	logger    *zap.Logger
}

// OpenTransport 按编解码器的线路参数打开串口
func OpenTransport(name string, codec FrameCodec, opener PortOpener, opts TransportOptions) (*Transport, error) {
	if opener == nil {
		opener = OpenSerialPort
	}
	if opts.ReadWindow <= 0 || opts.PollInterval <= 0 {
		def := DefaultTransportOptions()
		if opts.ReadWindow <= 0 {
			opts.ReadWindow = def.ReadWindow
		}
		if opts.PollInterval <= 0 {
			opts.PollInterval = def.PollInterval
		}
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultTransportOptions().WriteTimeout
	}

	port, err := opener(name, codec.LineSettings(), opts.PollInterval)
	if err != nil {
		if IsPortBusy(err) {
			return nil, apperrors.Wrapf(err, apperrors.ErrPortBusy, "port %s", name)
		}
		return nil, apperrors.Wrapf(err, apperrors.ErrSerialPortOpen, "port %s", name)
	}

	t := &Transport{
		name:   name,
		codec:  codec,
		opts:   opts,
		port:   port,
		closed: make(chan struct{}),
		logger: logger.WithModule("serial").With(zap.String("port", name)),
	}

	if err := port.Flush(); err != nil {
		t.logger.Debug("清空串口缓冲失败", zap.Error(err))
	}

	t.logger.Info("串口已打开",
		zap.String("protocol", codec.Variant().String()),
		zap.String("line", codec.LineSettings().String()))

	return t, nil
}

// Name 串口名称
func (t *Transport) Name() string { return t.name }

// Codec 当前连接使用的编解码器
func (t *Transport) Codec() FrameCodec { return t.codec }

// Closed 串口是否已关闭
func (t *Transport) Closed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

// Discard 丢弃收发缓冲区中的残留数据
func (t *Transport) Discard() error {
	if t.Closed() {
		return apperrors.New(apperrors.ErrPortClosed, t.name)
	}
	if err := t.port.Flush(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrSerialPortWrite, "flush")
	}
	return nil
}

// Write 带超时写入
func (t *Transport) Write(ctx context.Context, frame []byte) error {
	if t.Closed() {
		return apperrors.New(apperrors.ErrPortClosed, t.name)
	}

	logger.LogSerialFrame("tx", t.name, frame)

	done := make(chan error, 1)
	go func() {
		n, err := t.port.Write(frame)
		if err == nil && n != len(frame) {
			err = io.ErrShortWrite
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			if t.Closed() {
				return apperrors.New(apperrors.ErrPortClosed, t.name)
			}
			return apperrors.Wrap(err, apperrors.ErrSerialPortWrite, t.name)
		}
		return nil
	case <-time.After(t.opts.WriteTimeout):
		return apperrors.Newf(apperrors.ErrSerialTimeout, "write to %s timed out after %s", t.name, t.opts.WriteTimeout)
	case <-t.closed:
		return apperrors.New(apperrors.ErrPortClosed, t.name)
	case <-ctx.Done():
		return apperrors.Wrap(ctx.Err(), apperrors.ErrCanceled)
	}
}

// ReadResponse 在ReadWindow内读取应答；收到首字节后继续读到线路空闲为止。
// 真实串口的Read本身最多阻塞PollInterval，只有Read提前空手返回时才补足间隔
func (t *Transport) ReadResponse(ctx context.Context) ([]byte, error) {
	buf := make([]byte, readBufferSize)
	var resp []byte
	deadline := time.Now().Add(t.opts.ReadWindow)

	for {
		if t.Closed() {
			return nil, apperrors.New(apperrors.ErrPortClosed, t.name)
		}
		if err := ctx.Err(); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCanceled)
		}

		started := time.Now()
		n, err := t.port.Read(buf)
		if n > 0 {
			resp = append(resp, buf[:n]...)
		}
		if err != nil && !errors.Is(err, io.EOF) {
			if t.Closed() {
				return nil, apperrors.New(apperrors.ErrPortClosed, t.name)
			}
			return nil, apperrors.Wrap(err, apperrors.ErrSerialPortRead, t.name)
		}

		remaining := time.Until(deadline)
		if n == 0 && len(resp) > 0 {
			break
		}
		if remaining <= 0 {
			break
		}
		if n > 0 {
			// 应答可能分多次到达
			continue
		}

		wait := t.opts.PollInterval - time.Since(started)
		if wait <= 0 {
			continue
		}
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-time.After(wait):
		case <-t.closed:
			return nil, apperrors.New(apperrors.ErrPortClosed, t.name)
		case <-ctx.Done():
			return nil, apperrors.Wrap(ctx.Err(), apperrors.ErrCanceled)
		}
	}

	if len(resp) == 0 {
		return nil, apperrors.Newf(apperrors.ErrNoResponse, "no response from %s within %s", t.name, t.opts.ReadWindow)
	}

	logger.LogSerialFrame("rx", t.name, resp)
	return resp, nil
}

// Exchange 清空缓冲、写入命令并等待应答
func (t *Transport) Exchange(ctx context.Context, frame []byte) ([]byte, error) {
	if err := t.Discard(); err != nil {
		return nil, err
	}
	if err := t.Write(ctx, frame); err != nil {
		return nil, err
	}
	return t.ReadResponse(ctx)
}

// TryRead 单次读取，用于空闲时收取设备主动上报的数据
func (t *Transport) TryRead() ([]byte, error) {
	if t.Closed() {
		return nil, apperrors.New(apperrors.ErrPortClosed, t.name)
	}
	buf := make([]byte, readBufferSize)
	n, err := t.port.Read(buf)
	if err != nil && !errors.Is(err, io.EOF) {
		if t.Closed() {
			return nil, apperrors.New(apperrors.ErrPortClosed, t.name)
		}
		return nil, apperrors.Wrap(err, apperrors.ErrSerialPortRead, t.name)
	}
	if n == 0 {
		return nil, nil
	}
	logger.LogSerialFrame("rx", t.name, buf[:n])
	return append([]byte(nil), buf[:n]...), nil
}

// Close 关闭串口，只执行一次；进行中的读写随之失败
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.closeErr = t.port.Close()
		if t.closeErr != nil {
			t.logger.Error("关闭串口失败", zap.Error(t.closeErr))
			return
		}
		t.logger.Info("串口已关闭")
	})
	return t.closeErr
}

// IsPortBusy 判断打开失败是否因为串口被其他进程占用
func IsPortBusy(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EBUSY) || errors.Is(err, syscall.EACCES) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "busy") ||
		strings.Contains(msg, "access is denied") ||
		strings.Contains(msg, "permission denied")
}

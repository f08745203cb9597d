package hardware

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	apperrors "github.com/wfunc/bill-acceptor/internal/errors"
	bugst "go.bug.st/serial"
)

// MockSerialPort 模拟串口
type MockSerialPort struct {
	mock.Mock
}

func (m *MockSerialPort) Read(p []byte) (int, error) {
	args := m.Called(p)
	data, _ := args.Get(0).([]byte)
	return copy(p, data), args.Error(1)
}

func (m *MockSerialPort) Write(p []byte) (int, error) {
	args := m.Called(p)
	return args.Int(0), args.Error(1)
}

func (m *MockSerialPort) Flush() error {
	return m.Called().Error(0)
}

func (m *MockSerialPort) Close() error {
	return m.Called().Error(0)
}

func openerFor(port SerialPort) PortOpener {
	return func(string, LineSettings, time.Duration) (SerialPort, error) {
		return port, nil
	}
}

func fastOptions() TransportOptions {
	return TransportOptions{
		WriteTimeout: 50 * time.Millisecond,
		ReadWindow:   30 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	}
}

// TestTransportExchange 应答分两次到达时拼接完整
func TestTransportExchange(t *testing.T) {
	codec := CodecFor(VariantTbvStxEtx)
	resp := codec.BuildResponse(StatusEnable, 0)

	port := new(MockSerialPort)
	port.On("Flush").Return(nil)
	port.On("Write", codec.Encode(CmdStatus)).Return(7, nil).Once()
	port.On("Read", mock.Anything).Return(resp[:3], nil).Once()
	port.On("Read", mock.Anything).Return(resp[3:], nil).Once()
	port.On("Read", mock.Anything).Return([]byte(nil), io.EOF)
	port.On("Close").Return(nil)

	tr, err := OpenTransport("ttyTEST", codec, openerFor(port), fastOptions())
	require.NoError(t, err)
	defer tr.Close()

	got, err := tr.Exchange(context.Background(), codec.Encode(CmdStatus))
	require.NoError(t, err)
	assert.Equal(t, resp, got)
	assert.True(t, codec.Decode(got).OK())

	port.AssertExpectations(t)
}

// TestTransportNoResponse 读取窗口用尽返回ErrNoResponse
func TestTransportNoResponse(t *testing.T) {
	port := new(MockSerialPort)
	port.On("Flush").Return(nil)
	port.On("Read", mock.Anything).Return([]byte(nil), io.EOF)
	port.On("Close").Return(nil)

	tr, err := OpenTransport("ttyTEST", CodecFor(VariantArduinoHeader), openerFor(port), fastOptions())
	require.NoError(t, err)
	defer tr.Close()

	_, err = tr.ReadResponse(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrNoResponse))
	// 立即返回的Read由PollInterval补足间隔
	reads := 0
	for _, call := range port.Calls {
		if call.Method == "Read" {
			reads++
		}
	}
	assert.GreaterOrEqual(t, reads, 2)
	assert.LessOrEqual(t, reads, 4)
}

// blockingPort 与tarm/serial一致：无数据时Read阻塞readTimeout后返回0, io.EOF
type blockingPort struct {
	mu          sync.Mutex
	readTimeout time.Duration
	reply       []byte
	rx          []byte
}

func (p *blockingPort) opener() PortOpener {
	return func(_ string, _ LineSettings, readTimeout time.Duration) (SerialPort, error) {
		p.readTimeout = readTimeout
		return p, nil
	}
}

func (p *blockingPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rx = append(p.rx, p.reply...)
	return len(b), nil
}

func (p *blockingPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if len(p.rx) > 0 {
		n := copy(b, p.rx)
		p.rx = p.rx[n:]
		p.mu.Unlock()
		return n, nil
	}
	p.mu.Unlock()
	time.Sleep(p.readTimeout)
	return 0, io.EOF
}

func (p *blockingPort) Flush() error { return nil }
func (p *blockingPort) Close() error { return nil }

// TestTransportReadWindowWithBlockingRead 阻塞式Read不会把应答窗口拉长
func TestTransportReadWindowWithBlockingRead(t *testing.T) {
	opts := TransportOptions{
		WriteTimeout: 50 * time.Millisecond,
		ReadWindow:   300 * time.Millisecond,
		PollInterval: 50 * time.Millisecond,
	}
	codec := CodecFor(VariantTbvStxEtx)

	t.Run("无应答", func(t *testing.T) {
		tr, err := OpenTransport("ttyTEST", codec, (&blockingPort{}).opener(), opts)
		require.NoError(t, err)
		defer tr.Close()

		start := time.Now()
		_, err = tr.Exchange(context.Background(), codec.Encode(CmdStatus))
		elapsed := time.Since(start)

		require.Error(t, err)
		assert.True(t, apperrors.Is(err, apperrors.ErrNoResponse))
		assert.GreaterOrEqual(t, elapsed, opts.ReadWindow)
		assert.Less(t, elapsed, opts.ReadWindow+opts.PollInterval+100*time.Millisecond)
	})

	t.Run("有应答", func(t *testing.T) {
		resp := codec.BuildResponse(StatusEnable, 0)
		tr, err := OpenTransport("ttyTEST", codec, (&blockingPort{reply: resp}).opener(), opts)
		require.NoError(t, err)
		defer tr.Close()

		start := time.Now()
		got, err := tr.Exchange(context.Background(), codec.Encode(CmdStatus))
		elapsed := time.Since(start)

		require.NoError(t, err)
		assert.Equal(t, resp, got)
		// 只多等一次空闲读取
		assert.Less(t, elapsed, opts.PollInterval+100*time.Millisecond)
	})
}

// TestTransportReadError 底层读错误
func TestTransportReadError(t *testing.T) {
	port := new(MockSerialPort)
	port.On("Flush").Return(nil)
	port.On("Read", mock.Anything).Return([]byte(nil), errors.New("device disconnected"))
	port.On("Close").Return(nil)

	tr, err := OpenTransport("ttyTEST", CodecFor(VariantTbvStxEtx), openerFor(port), fastOptions())
	require.NoError(t, err)
	defer tr.Close()

	_, err = tr.ReadResponse(context.Background())
	assert.True(t, apperrors.Is(err, apperrors.ErrSerialPortRead))
}

// TestTransportWriteTimeout 写入超过WriteTimeout
func TestTransportWriteTimeout(t *testing.T) {
	port := new(MockSerialPort)
	port.On("Flush").Return(nil)
	port.On("Write", mock.Anything).Return(7, nil).After(300 * time.Millisecond)
	port.On("Close").Return(nil)

	tr, err := OpenTransport("ttyTEST", CodecFor(VariantTbvStxEtx), openerFor(port), fastOptions())
	require.NoError(t, err)
	defer tr.Close()

	start := time.Now()
	err = tr.Write(context.Background(), CodecFor(VariantTbvStxEtx).Encode(CmdStatus))
	assert.True(t, apperrors.Is(err, apperrors.ErrSerialTimeout))
	assert.Less(t, time.Since(start), 250*time.Millisecond)
}

// TestTransportCloseInterruptsRead 关闭串口后进行中的读取立即失败
func TestTransportCloseInterruptsRead(t *testing.T) {
	port := new(MockSerialPort)
	port.On("Flush").Return(nil)
	port.On("Read", mock.Anything).Return([]byte(nil), io.EOF)
	port.On("Close").Return(nil).Once()

	tr, err := OpenTransport("ttyTEST", CodecFor(VariantTbvStxEtx), openerFor(port), TransportOptions{
		WriteTimeout: time.Second,
		ReadWindow:   10 * time.Second,
		PollInterval: time.Second,
	})
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = tr.Close()
	}()

	start := time.Now()
	_, err = tr.ReadResponse(context.Background())
	assert.True(t, apperrors.Is(err, apperrors.ErrPortClosed))
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	// 重复关闭只关闭一次底层串口
	assert.NoError(t, tr.Close())
	assert.True(t, tr.Closed())
	port.AssertNumberOfCalls(t, "Close", 1)

	err = tr.Write(context.Background(), []byte{0x00})
	assert.True(t, apperrors.Is(err, apperrors.ErrPortClosed))
	_, err = tr.TryRead()
	assert.True(t, apperrors.Is(err, apperrors.ErrPortClosed))
}

// TestTransportContextCanceled 取消上下文中断等待
func TestTransportContextCanceled(t *testing.T) {
	port := new(MockSerialPort)
	port.On("Flush").Return(nil)
	port.On("Read", mock.Anything).Return([]byte(nil), io.EOF)
	port.On("Close").Return(nil)

	tr, err := OpenTransport("ttyTEST", CodecFor(VariantTbvStxEtx), openerFor(port), TransportOptions{
		ReadWindow:   10 * time.Second,
		PollInterval: time.Second,
	})
	require.NoError(t, err)
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err = tr.ReadResponse(ctx)
	assert.True(t, apperrors.Is(err, apperrors.ErrCanceled))
}

// TestTransportTryRead 空闲读取
func TestTransportTryRead(t *testing.T) {
	port := new(MockSerialPort)
	port.On("Flush").Return(nil)
	port.On("Read", mock.Anything).Return([]byte{0x02, 0x08}, nil).Once()
	port.On("Read", mock.Anything).Return([]byte(nil), io.EOF)
	port.On("Close").Return(nil)

	tr, err := OpenTransport("ttyTEST", CodecFor(VariantTbvStxEtx), openerFor(port), fastOptions())
	require.NoError(t, err)
	defer tr.Close()

	got, err := tr.TryRead()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 0x08}, got)

	got, err = tr.TryRead()
	require.NoError(t, err)
	assert.Nil(t, got)
}

// TestOpenTransportErrors 打开失败区分占用与其他错误
func TestOpenTransportErrors(t *testing.T) {
	busy := func(string, LineSettings, time.Duration) (SerialPort, error) {
		return nil, fmt.Errorf("open /dev/ttyUSB0: %w", syscall.EBUSY)
	}
	_, err := OpenTransport("/dev/ttyUSB0", CodecFor(VariantTbvStxEtx), busy, fastOptions())
	assert.True(t, apperrors.Is(err, apperrors.ErrPortBusy))

	missing := func(string, LineSettings, time.Duration) (SerialPort, error) {
		return nil, fmt.Errorf("open /dev/ttyUSB9: %w", os.ErrNotExist)
	}
	_, err = OpenTransport("/dev/ttyUSB9", CodecFor(VariantTbvStxEtx), missing, fastOptions())
	assert.True(t, apperrors.Is(err, apperrors.ErrSerialPortOpen))
}

// TestOpenTransportLineSettings 按协议线路参数打开
func TestOpenTransportLineSettings(t *testing.T) {
	var got LineSettings
	var gotTimeout time.Duration
	opener := func(_ string, line LineSettings, timeout time.Duration) (SerialPort, error) {
		got, gotTimeout = line, timeout
		port := new(MockSerialPort)
		port.On("Flush").Return(nil)
		port.On("Close").Return(nil)
		return port, nil
	}

	tr, err := OpenTransport("ttyTEST", CodecFor(VariantArduinoHeader), opener, fastOptions())
	require.NoError(t, err)
	defer tr.Close()

	assert.Equal(t, CodecFor(VariantArduinoHeader).LineSettings(), got)
	assert.Equal(t, 10*time.Millisecond, gotTimeout)
}

func TestIsPortBusy(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"EBUSY", fmt.Errorf("open: %w", syscall.EBUSY), true},
		{"权限", fmt.Errorf("open: %w", os.ErrPermission), true},
		{"Windows占用", errors.New("Access is denied."), true},
		{"设备不存在", fmt.Errorf("open: %w", os.ErrNotExist), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsPortBusy(tt.err))
		})
	}
}

// TestPortOpenerFor 串口驱动选择
func TestPortOpenerFor(t *testing.T) {
	for _, driver := range []string{"", "tarm", "bugst", " BUGST "} {
		opener, err := PortOpenerFor(driver)
		require.NoError(t, err, driver)
		assert.NotNil(t, opener)
	}
	_, err := PortOpenerFor("ftdi")
	assert.Error(t, err)
}

// TestBugstMode 线路参数换算到go.bug.st并默认拉高DTR/RTS
func TestBugstMode(t *testing.T) {
	tbv := bugstMode(CodecFor(VariantTbvStxEtx).LineSettings())
	assert.Equal(t, 9600, tbv.BaudRate)
	assert.Equal(t, 7, tbv.DataBits)
	assert.Equal(t, bugst.EvenParity, tbv.Parity)
	assert.Equal(t, bugst.OneStopBit, tbv.StopBits)
	require.NotNil(t, tbv.InitialStatusBits)
	assert.True(t, tbv.InitialStatusBits.DTR)
	assert.True(t, tbv.InitialStatusBits.RTS)

	header := bugstMode(CodecFor(VariantArduinoHeader).LineSettings())
	assert.Equal(t, 8, header.DataBits)
	assert.Equal(t, bugst.NoParity, header.Parity)
	assert.Equal(t, bugst.OneStopBit, header.StopBits)
}

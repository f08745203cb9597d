package hardware

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/tarm/serial"
	bugst "go.bug.st/serial"
)

// 串口驱动
const (
	DriverTarm  = "tarm"
	DriverBugst = "bugst"
)

// SerialPort 串口接口（用于测试）
type SerialPort interface {
	io.ReadWriteCloser
	Flush() error
}

// PortOpener 按线路参数打开串口，测试中替换为模拟串口
type PortOpener func(name string, line LineSettings, readTimeout time.Duration) (SerialPort, error)

// PortOpenerFor 按驱动名返回打开函数，空值为tarm
func PortOpenerFor(driver string) (PortOpener, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverTarm:
		return OpenSerialPort, nil
	case DriverBugst:
		return OpenControlledSerialPort, nil
	default:
		return nil, fmt.Errorf("unknown serial driver %q: want %s or %s", driver, DriverTarm, DriverBugst)
	}
}

// OpenSerialPort 使用tarm/serial打开真实串口。
// Linux打开tty时由内核拉高DTR和RTS；tarm在Windows上只使能DTR
func OpenSerialPort(name string, line LineSettings, readTimeout time.Duration) (SerialPort, error) {
	cfg := &serial.Config{
		Name:        name,
		Baud:        line.Baud,
		Size:        line.DataBits,
		Parity:      line.Parity,
		StopBits:    line.StopBits,
		ReadTimeout: readTimeout,
	}

	port, err := serial.OpenPort(cfg)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", name, err)
	}
	return port, nil
}

// OpenControlledSerialPort 使用go.bug.st/serial打开串口，并显式拉高DTR与RTS
func OpenControlledSerialPort(name string, line LineSettings, readTimeout time.Duration) (SerialPort, error) {
	port, err := bugst.Open(name, bugstMode(line))
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", name, err)
	}

	setup := []func() error{
		func() error { return port.SetReadTimeout(readTimeout) },
		func() error { return port.SetDTR(true) },
		func() error { return port.SetRTS(true) },
	}
	for _, fn := range setup {
		if err := fn(); err != nil {
			_ = port.Close()
			return nil, fmt.Errorf("configure serial port %s: %w", name, err)
		}
	}
	return bugstPort{port}, nil
}

// bugstPort 适配SerialPort，Flush清空输入输出缓冲
type bugstPort struct {
	bugst.Port
}

func (p bugstPort) Flush() error {
	if err := p.ResetInputBuffer(); err != nil {
		return err
	}
	return p.ResetOutputBuffer()
}

func bugstMode(line LineSettings) *bugst.Mode {
	mode := &bugst.Mode{
		BaudRate:          line.Baud,
		DataBits:          int(line.DataBits),
		Parity:            bugst.NoParity,
		StopBits:          bugst.OneStopBit,
		InitialStatusBits: &bugst.ModemOutputBits{DTR: true, RTS: true},
	}

	switch line.Parity {
	case serial.ParityOdd:
		mode.Parity = bugst.OddParity
	case serial.ParityEven:
		mode.Parity = bugst.EvenParity
	case serial.ParityMark:
		mode.Parity = bugst.MarkParity
	case serial.ParitySpace:
		mode.Parity = bugst.SpaceParity
	}

	switch line.StopBits {
	case serial.Stop1Half:
		mode.StopBits = bugst.OnePointFiveStopBits
	case serial.Stop2:
		mode.StopBits = bugst.TwoStopBits
	}
	return mode
}

package hardware

import (
	"fmt"
	"strings"

	"github.com/tarm/serial"
)

// 通用协议字节
const (
	ENQ byte = 0x05
	ACK byte = 0x06
)

// ProtocolVariant 纸币器线路协议
type ProtocolVariant int

const (
	// VariantTbvStxEtx STX/ETX帧 + BCC异或校验（TBV-100）
	VariantTbvStxEtx ProtocolVariant = iota
	// VariantArduinoHeader 0xFC帧头 + CRC16校验
	VariantArduinoHeader
)

// DetectionOrder 自动检测时的协议尝试顺序
var DetectionOrder = []ProtocolVariant{VariantTbvStxEtx, VariantArduinoHeader}

func (v ProtocolVariant) String() string {
	switch v {
	case VariantTbvStxEtx:
		return "tbv"
	case VariantArduinoHeader:
		return "arduino"
	default:
		return fmt.Sprintf("variant(%d)", int(v))
	}
}

// ParseVariant 解析协议名称，auto返回ok=false
func ParseVariant(name string) (ProtocolVariant, bool, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "auto":
		return 0, false, nil
	case "tbv", "stx", "tbv_stx_etx":
		return VariantTbvStxEtx, true, nil
	case "arduino", "header", "arduino_header":
		return VariantArduinoHeader, true, nil
	default:
		return 0, false, fmt.Errorf("unknown protocol %q", name)
	}
}

// CommandKind 主机下发的命令类型
type CommandKind int

const (
	CmdStatus CommandKind = iota
	CmdStack
	CmdAck
	CmdEnable
	CmdReset
)

func (k CommandKind) String() string {
	switch k {
	case CmdStatus:
		return "STATUS"
	case CmdStack:
		return "STACK"
	case CmdAck:
		return "ACK"
	case CmdEnable:
		return "ENABLE"
	case CmdReset:
		return "RESET"
	default:
		return fmt.Sprintf("CMD(%d)", int(k))
	}
}

// LineSettings 串口线路参数
type LineSettings struct {
	Baud     int
	DataBits byte
	Parity   serial.Parity
	StopBits serial.StopBits
}

func (l LineSettings) String() string {
	return fmt.Sprintf("%d %d%c%d", l.Baud, l.DataBits, rune(l.Parity), int(l.StopBits))
}

// ResponseFrame 设备应答帧
type ResponseFrame struct {
	Raw        []byte // 实际收到的字节
	Valid      bool   // 帧结构是否合法
	ChecksumOK bool   // 校验是否通过
}

// OK 帧结构与校验均通过
func (r ResponseFrame) OK() bool {
	return r.Valid && r.ChecksumOK
}

// Status 主状态字节 byte[2]
func (r ResponseFrame) Status() (byte, bool) {
	if len(r.Raw) < 3 {
		return 0, false
	}
	return r.Raw[2], true
}

// Data 附加数据字节 byte[3]（面额码或错误码）
func (r ResponseFrame) Data() (byte, bool) {
	if len(r.Raw) < 4 {
		return 0, false
	}
	return r.Raw[3], true
}

// FrameCodec 帧编解码器，每个连接固定一种
type FrameCodec interface {
	Variant() ProtocolVariant
	LineSettings() LineSettings
	// LeadingByte 应答帧首字节
	LeadingByte() byte
	// Encode 每次返回新的命令帧
	Encode(kind CommandKind) []byte
	// Checksum 计算buf[from..to]（含两端）的校验值
	Checksum(buf []byte, from, to int) uint16
	// Decode 不会失败，只报告结构与校验是否合法
	Decode(raw []byte) ResponseFrame
	// BuildResponse 构造设备侧应答帧，供模拟器使用
	BuildResponse(status, data byte) []byte
}

// CodecFor 返回协议对应的编解码器
func CodecFor(v ProtocolVariant) FrameCodec {
	switch v {
	case VariantArduinoHeader:
		return headerCodec{}
	default:
		return tbvCodec{}
	}
}

// crc16Nibble 按半字节迭代计算CRC16（常数4225 = 0x1081），等价于CRC-16/KERMIT
func crc16Nibble(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		q := (crc ^ uint16(b)) & 0x0f
		crc = (crc >> 4) ^ (q * 4225)
		q = (crc ^ uint16(b>>4)) & 0x0f
		crc = (crc >> 4) ^ (q * 4225)
	}
	return crc
}

// xorBCC 异或校验
func xorBCC(data []byte) byte {
	var bcc byte
	for _, b := range data {
		bcc ^= b
	}
	return bcc
}

// inRange 校验闭区间下标
func inRange(buf []byte, from, to int) bool {
	return from >= 0 && to >= from && to < len(buf)
}

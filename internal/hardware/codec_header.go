package hardware

import "github.com/tarm/serial"

// 0xFC帧头协议
const (
	HeaderByte byte = 0xFC

	headerCmdLen  = 5 // 帧头 + 长度 + 命令 + CRC低 + CRC高
	headerMinLen  = 5
	headerRespLen = 6
)

// 帧头协议命令码
var headerCommands = map[CommandKind]byte{
	CmdStatus: 0x11,
	CmdReset:  0x40,
	CmdStack:  0x41,
	CmdAck:    0x50,
	CmdEnable: 0xC3,
}

// headerCodec [0xFC, len, cmd, crcLo, crcHi]，CRC覆盖除CRC外的全部字节
type headerCodec struct{}

func (headerCodec) Variant() ProtocolVariant { return VariantArduinoHeader }

func (headerCodec) LineSettings() LineSettings {
	return LineSettings{Baud: 9600, DataBits: 8, Parity: serial.ParityNone, StopBits: serial.Stop1}
}

func (headerCodec) LeadingByte() byte { return HeaderByte }

func (c headerCodec) Encode(kind CommandKind) []byte {
	frame := []byte{HeaderByte, headerCmdLen, headerCommands[kind], 0x00, 0x00}
	crc := c.Checksum(frame, 0, 2)
	frame[3] = byte(crc)
	frame[4] = byte(crc >> 8)
	return frame
}

func (headerCodec) Checksum(buf []byte, from, to int) uint16 {
	if !inRange(buf, from, to) {
		return 0
	}
	return crc16Nibble(buf[from : to+1])
}

// Decode 长度字节给出整帧长度，多余的尾随字节被截掉
func (c headerCodec) Decode(raw []byte) ResponseFrame {
	frame := ResponseFrame{Raw: append([]byte(nil), raw...)}
	if len(raw) < headerMinLen || raw[0] != HeaderByte {
		return frame
	}
	n := int(raw[1])
	if n < headerMinLen || n > len(raw) {
		return frame
	}
	frame.Raw = frame.Raw[:n]
	frame.Valid = true

	crc := c.Checksum(raw, 0, n-3)
	frame.ChecksumOK = raw[n-2] == byte(crc) && raw[n-1] == byte(crc>>8)
	return frame
}

func (c headerCodec) BuildResponse(status, data byte) []byte {
	frame := []byte{HeaderByte, headerRespLen, status, data, 0x00, 0x00}
	crc := c.Checksum(frame, 0, 3)
	frame[4] = byte(crc)
	frame[5] = byte(crc >> 8)
	return frame
}

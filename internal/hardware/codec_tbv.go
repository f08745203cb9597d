package hardware

import "github.com/tarm/serial"

// TBV-100 STX/ETX帧
const (
	STX byte = 0x02
	ETX byte = 0x03

	tbvLengthByte  byte = 0x08
	tbvFrameLen         = 7
	tbvMinFrameLen      = 5 // STX + 长度 + 状态 + ETX + BCC
)

// TBV命令码
var tbvCommands = map[CommandKind]byte{
	CmdStatus: 0x10,
	CmdEnable: 0x20,
	CmdReset:  0x40,
	CmdStack:  0x42,
	CmdAck:    0x43,
}

// tbvCodec [STX, 0x08, cmd, 0x00, 0x00, ETX, BCC]，BCC为byte[1..5]异或
type tbvCodec struct{}

func (tbvCodec) Variant() ProtocolVariant { return VariantTbvStxEtx }

func (tbvCodec) LineSettings() LineSettings {
	return LineSettings{Baud: 9600, DataBits: 7, Parity: serial.ParityEven, StopBits: serial.Stop1}
}

func (tbvCodec) LeadingByte() byte { return STX }

func (c tbvCodec) Encode(kind CommandKind) []byte {
	frame := []byte{STX, tbvLengthByte, tbvCommands[kind], 0x00, 0x00, ETX, 0x00}
	frame[6] = byte(c.Checksum(frame, 1, 5))
	return frame
}

func (tbvCodec) Checksum(buf []byte, from, to int) uint16 {
	if !inRange(buf, from, to) {
		return 0
	}
	return uint16(xorBCC(buf[from : to+1]))
}

// Decode 首字节STX，倒数第二字节ETX，末字节为byte[1..n-2]的BCC
func (c tbvCodec) Decode(raw []byte) ResponseFrame {
	frame := ResponseFrame{Raw: append([]byte(nil), raw...)}
	n := len(raw)
	if n < tbvMinFrameLen || raw[0] != STX || raw[n-2] != ETX {
		return frame
	}
	frame.Valid = true
	frame.ChecksumOK = byte(c.Checksum(raw, 1, n-2)) == raw[n-1]
	return frame
}

func (c tbvCodec) BuildResponse(status, data byte) []byte {
	frame := []byte{STX, tbvLengthByte, status, data, 0x00, ETX, 0x00}
	frame[tbvFrameLen-1] = byte(c.Checksum(frame, 1, 5))
	return frame
}

package hardware

// 纸币器状态字节
const (
	StatusEnable       byte = 0x11
	StatusAccepting    byte = 0x12
	StatusEscrow       byte = 0x13
	StatusStacking     byte = 0x14
	StatusVendValid    byte = 0x15
	StatusStacked      byte = 0x16
	StatusRejecting    byte = 0x17
	StatusReturning    byte = 0x18
	StatusHolding      byte = 0x19
	StatusDisable      byte = 0x1A
	StatusInitializing byte = 0x1B

	StatusPowerUp             byte = 0x40
	StatusPowerUpBillAcceptor byte = 0x41
	StatusPowerUpBillStacker  byte = 0x42
	StatusStackerFull         byte = 0x43
	StatusStackerOpen         byte = 0x44
	StatusJamInAcceptor       byte = 0x45
	StatusJamInStacker        byte = 0x46
	StatusPause               byte = 0x47
	StatusCheated             byte = 0x48
	StatusFailure             byte = 0x49
	StatusCommunicationError  byte = 0x4A
	StatusErrorRangeStart     byte = 0x50
	StatusErrorRangeEnd       byte = 0x5A
	StatusFatalRangeStart     byte = 0x60
	StatusFatalRangeEnd       byte = 0x69

	// DenominationCodeBase byte[3] 面额码起始值
	DenominationCodeBase byte = 0x61
)

// UnknownLabel 未收录的错误码
const UnknownLabel = "unknown"

const denominationCodeMaxEntries = 16

// StatusEntry 状态表项
type StatusEntry struct {
	Raw   byte
	Name  string
	State AcceptorState
	Label string // 设备错误标签，正常状态为空
}

// deviceErrorLabels 0x43..0x4A 及 0x50.. 错误子区间共用的标签
var deviceErrorLabels = []string{
	"STACKER_FULL",
	"STACKER_OPEN",
	"JAM_IN_ACCEPTOR",
	"JAM_IN_STACKER",
	"PAUSE",
	"CHEATED",
	"FAILURE",
	"COMMUNICATION_ERROR",
	"INVALID_COMMAND",
	"STACK_MOTOR_FAILURE",
	"TRANSPORT_MOTOR_FAILURE",
}

// fatalErrorLabels 0x60..0x69 致命错误子区间
var fatalErrorLabels = []string{
	"STACK_MOTOR_FAILURE",
	"TRANSPORT_MOTOR_SPEED_FAILURE",
	"TRANSPORT_MOTOR_FAILURE",
	"SOLENOID_FAILURE",
	"PB_UNIT_FAILURE",
	"CASHBOX_NOT_READY",
	"VALIDATOR_HEAD_REMOVE",
	"BOOT_ROM_FAILURE",
	"EXTERNAL_ROM_FAILURE",
	"RAM_FAILURE",
}

// DefaultDenominations 面额码 0x61+i 对应的纸币面值
var DefaultDenominations = []int{1000, 2000, 5000, 10000, 20000, 50000}

// StatusTable 状态分类表，构建后只读，可在多个连接间共享
type StatusTable struct {
	entries       map[byte]StatusEntry
	denominations []int
}

// NewStatusTable 构建状态表
func NewStatusTable(denominations []int) *StatusTable {
	if len(denominations) == 0 {
		denominations = DefaultDenominations
	}
	if len(denominations) > denominationCodeMaxEntries {
		denominations = denominations[:denominationCodeMaxEntries]
	}

	t := &StatusTable{
		entries:       make(map[byte]StatusEntry, 96),
		denominations: append([]int(nil), denominations...),
	}

	// 同一字节先登记者优先（0x15 VEND_VALID 先于 NAK）
	add := func(raw byte, name string, state AcceptorState, label string) {
		if _, exists := t.entries[raw]; exists {
			return
		}
		t.entries[raw] = StatusEntry{Raw: raw, Name: name, State: state, Label: label}
	}

	add(StatusEnable, "ENABLE", StateStatus, "")
	add(StatusAccepting, "ACCEPTING", StateStatus, "")
	add(StatusEscrow, "ESCROW", StateStack, "")
	add(StatusStacking, "STACKING", StateStatus, "")
	add(StatusVendValid, "VEND_VALID", StateVendValid, "")
	add(StatusStacked, "STACKED", StateStatus, "")
	add(StatusRejecting, "REJECTING", StateGetData, "")
	add(StatusReturning, "RETURNING", StateStatus, "")
	add(StatusHolding, "HOLDING", StateFatalError, "HOLDING")
	add(StatusDisable, "DISABLE", StateWaitingForCommand, "")
	add(StatusInitializing, "INITIALIZE", StateInitialize, "")

	add(StatusPowerUp, "POWER_UP", StateReset, "")
	add(StatusPowerUpBillAcceptor, "POWER_UP_BILL_IN_ACCEPTOR", StateReset, "")
	add(StatusPowerUpBillStacker, "POWER_UP_BILL_IN_STACKER", StateReset, "")

	for i, raw := 0, StatusStackerFull; raw <= StatusCommunicationError; i, raw = i+1, raw+1 {
		state := StateStatus
		if raw == StatusFailure {
			state = StateFatalError
		}
		add(raw, deviceErrorLabels[i], state, deviceErrorLabels[i])
	}

	add(ENQ, "ENQ", StateStatus, "")
	add(ACK, "ACK", StateStatus, "")
	add(0x15, "INVALID_COMMAND", StateFatalError, "INVALID_COMMAND")

	// 面额与功能设置回显
	for raw := byte(0x30); raw <= 0x3F; raw++ {
		add(raw, "SETTING", StateStatus, "")
	}
	for raw := StatusErrorRangeStart; raw <= StatusErrorRangeEnd; raw++ {
		label := ErrorLabel(raw)
		add(raw, label, StateStatus, label)
	}
	for raw := StatusFatalRangeStart; raw <= StatusFatalRangeEnd; raw++ {
		label := FatalLabel(raw)
		add(raw, label, StateFatalError, label)
	}

	return t
}

// Classify 按主状态字节分类，known=false表示不迁移
func (t *StatusTable) Classify(raw byte) (StatusEntry, bool) {
	entry, ok := t.entries[raw]
	return entry, ok
}

// Denomination 解析面额码，越界返回0
func (t *StatusTable) Denomination(code byte) int {
	if code < DenominationCodeBase {
		return 0
	}
	idx := int(code - DenominationCodeBase)
	if idx >= len(t.denominations) {
		return 0
	}
	return t.denominations[idx]
}

// Denominations 返回面额表副本
func (t *StatusTable) Denominations() []int {
	return append([]int(nil), t.denominations...)
}

// ErrorLabel 错误子区间 0x50..0x5A 的标签
func ErrorLabel(code byte) string {
	if code < StatusErrorRangeStart || code > StatusErrorRangeEnd {
		return UnknownLabel
	}
	idx := int(code - StatusErrorRangeStart)
	if idx >= len(deviceErrorLabels) {
		return UnknownLabel
	}
	return deviceErrorLabels[idx]
}

// FatalLabel 致命错误子区间 0x60..0x69 的标签
func FatalLabel(code byte) string {
	if code < StatusFatalRangeStart || code > StatusFatalRangeEnd {
		return UnknownLabel
	}
	return fatalErrorLabels[code-StatusFatalRangeStart]
}

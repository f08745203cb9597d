package hardware

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	table := NewStatusTable(nil)

	tests := []struct {
		raw   byte
		name  string
		state AcceptorState
		label string
	}{
		{0x11, "ENABLE", StateStatus, ""},
		{0x12, "ACCEPTING", StateStatus, ""},
		{0x13, "ESCROW", StateStack, ""},
		{0x14, "STACKING", StateStatus, ""},
		{0x15, "VEND_VALID", StateVendValid, ""},
		{0x16, "STACKED", StateStatus, ""},
		{0x17, "REJECTING", StateGetData, ""},
		{0x18, "RETURNING", StateStatus, ""},
		{0x19, "HOLDING", StateFatalError, "HOLDING"},
		{0x1A, "DISABLE", StateWaitingForCommand, ""},
		{0x1B, "INITIALIZE", StateInitialize, ""},
		{0x40, "POWER_UP", StateReset, ""},
		{0x41, "POWER_UP_BILL_IN_ACCEPTOR", StateReset, ""},
		{0x42, "POWER_UP_BILL_IN_STACKER", StateReset, ""},
		{0x43, "STACKER_FULL", StateStatus, "STACKER_FULL"},
		{0x44, "STACKER_OPEN", StateStatus, "STACKER_OPEN"},
		{0x45, "JAM_IN_ACCEPTOR", StateStatus, "JAM_IN_ACCEPTOR"},
		{0x46, "JAM_IN_STACKER", StateStatus, "JAM_IN_STACKER"},
		{0x47, "PAUSE", StateStatus, "PAUSE"},
		{0x48, "CHEATED", StateStatus, "CHEATED"},
		{0x49, "FAILURE", StateFatalError, "FAILURE"},
		{0x4A, "COMMUNICATION_ERROR", StateStatus, "COMMUNICATION_ERROR"},
		{0x05, "ENQ", StateStatus, ""},
		{0x06, "ACK", StateStatus, ""},
		{0x30, "SETTING", StateStatus, ""},
		{0x3F, "SETTING", StateStatus, ""},
		{0x50, "STACKER_FULL", StateStatus, "STACKER_FULL"},
		{0x5A, "TRANSPORT_MOTOR_FAILURE", StateStatus, "TRANSPORT_MOTOR_FAILURE"},
		{0x60, "STACK_MOTOR_FAILURE", StateFatalError, "STACK_MOTOR_FAILURE"},
		{0x69, "RAM_FAILURE", StateFatalError, "RAM_FAILURE"},
	}

	for _, tt := range tests {
		entry, ok := table.Classify(tt.raw)
		require.True(t, ok, "0x%02X", tt.raw)
		assert.Equal(t, tt.raw, entry.Raw)
		assert.Equal(t, tt.name, entry.Name, "0x%02X", tt.raw)
		assert.Equal(t, tt.state, entry.State, "0x%02X", tt.raw)
		assert.Equal(t, tt.label, entry.Label, "0x%02X", tt.raw)
	}
}

// TestClassifyUnknown 未收录字节不迁移
func TestClassifyUnknown(t *testing.T) {
	table := NewStatusTable(nil)
	for _, raw := range []byte{0x00, 0x01, 0x10, 0x1C, 0x2F, 0x4B, 0x5B, 0x6A, 0x99, 0xFF} {
		_, ok := table.Classify(raw)
		assert.False(t, ok, "0x%02X", raw)
	}
}

// TestVendValidWinsOverInvalidCommand 0x15 先登记为VEND_VALID
func TestVendValidWinsOverInvalidCommand(t *testing.T) {
	entry, ok := NewStatusTable(nil).Classify(0x15)
	require.True(t, ok)
	assert.Equal(t, StateVendValid, entry.State)
	assert.Empty(t, entry.Label)
}

func TestErrorLabel(t *testing.T) {
	assert.Equal(t, "STACKER_FULL", ErrorLabel(0x50))
	assert.Equal(t, "INVALID_COMMAND", ErrorLabel(0x58))
	assert.Equal(t, "TRANSPORT_MOTOR_FAILURE", ErrorLabel(0x5A))
	assert.Equal(t, UnknownLabel, ErrorLabel(0x4F))
	assert.Equal(t, UnknownLabel, ErrorLabel(0x5B))
	assert.Equal(t, UnknownLabel, ErrorLabel(0x00))
}

func TestFatalLabel(t *testing.T) {
	assert.Equal(t, "STACK_MOTOR_FAILURE", FatalLabel(0x60))
	assert.Equal(t, "CASHBOX_NOT_READY", FatalLabel(0x65))
	assert.Equal(t, "RAM_FAILURE", FatalLabel(0x69))
	assert.Equal(t, UnknownLabel, FatalLabel(0x5F))
	assert.Equal(t, UnknownLabel, FatalLabel(0x6A))
}

func TestDenomination(t *testing.T) {
	table := NewStatusTable(nil)

	tests := []struct {
		code byte
		want int
	}{
		{0x61, 1000},
		{0x62, 2000},
		{0x63, 5000},
		{0x64, 10000},
		{0x65, 20000},
		{0x66, 50000},
		{0x67, 0},
		{0x60, 0},
		{0x00, 0},
		{0xFF, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, table.Denomination(tt.code), "0x%02X", tt.code)
	}
}

// TestCustomDenominations 自定义面额表，超出16项被截断
func TestCustomDenominations(t *testing.T) {
	table := NewStatusTable([]int{1, 5, 10, 20, 50, 100})
	assert.Equal(t, 100, table.Denomination(0x66))

	long := make([]int, 20)
	for i := range long {
		long[i] = (i + 1) * 100
	}
	table = NewStatusTable(long)
	assert.Len(t, table.Denominations(), 16)
	assert.Equal(t, 1600, table.Denomination(0x61+15))
	assert.Zero(t, table.Denomination(0x61+16))

	// 返回副本
	got := table.Denominations()
	got[0] = -1
	assert.Equal(t, 100, table.Denomination(0x61))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "Status", StateStatus.String())
	assert.Equal(t, "WaitingForCommand", StateWaitingForCommand.String())
	assert.Equal(t, "VendValid", StateVendValid.String())
	assert.Equal(t, "Unknown", AcceptorState(42).String())
}

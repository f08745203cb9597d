package config

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apperrors "github.com/wfunc/bill-acceptor/internal/errors"
)

func loadYAML(t *testing.T, doc string) (*Config, error) {
	t.Helper()
	src := viper.New()
	src.SetConfigType("yaml")
	require.NoError(t, src.ReadConfig(bytes.NewBufferString(doc)))
	return Load(src)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := loadYAML(t, "")
	require.NoError(t, err)

	assert.Equal(t, "auto", cfg.Serial.Port)
	assert.Equal(t, "auto", cfg.Serial.Protocol)
	assert.Equal(t, "tarm", cfg.Serial.Driver)
	assert.Equal(t, 3*time.Second, cfg.Serial.ReadWindow)
	assert.Equal(t, 200*time.Millisecond, cfg.Serial.PollInterval)
	assert.Equal(t, time.Second, cfg.Serial.ProbeWindow)
	assert.Equal(t, 100*time.Millisecond, cfg.Serial.Pacing)
	assert.Equal(t, []int{1000, 2000, 5000, 10000, 20000, 50000}, cfg.Serial.Denominations)
	assert.Equal(t, "/ws", cfg.WebSocket.Path)
	assert.False(t, cfg.MQTT.Enabled)
	assert.Equal(t, "acceptor/bill-acceptor/event", cfg.MQTT.Topics.Event)
	assert.Empty(t, cfg.Security.JWT.Secret)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := loadYAML(t, `
serial:
  port: /dev/ttyUSB1
  protocol: arduino
  driver: bugst
  read_window: 1500ms
  poll_interval: 100ms
  patterns: ["/dev/ttyCH*"]
mqtt:
  enabled: true
  client_id: kiosk-7
security:
  jwt:
    secret: s3cret
`)
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyUSB1", cfg.Serial.Port)
	assert.Equal(t, "arduino", cfg.Serial.Protocol)
	assert.Equal(t, "bugst", cfg.Serial.Driver)
	assert.Equal(t, 1500*time.Millisecond, cfg.Serial.ReadWindow)
	assert.Equal(t, []string{"/dev/ttyCH*"}, cfg.Serial.Patterns)
	assert.Equal(t, "acceptor/kiosk-7/status", cfg.MQTT.Topics.Status)
	assert.Equal(t, "acceptor/kiosk-7/command", cfg.MQTT.Topics.Command)
	assert.Equal(t, "s3cret", cfg.Security.JWT.Secret)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"未知协议", "serial:\n  protocol: ccnet\n"},
		{"未知串口驱动", "serial:\n  driver: ftdi\n"},
		{"轮询间隔大于读取窗口", "serial:\n  read_window: 100ms\n  poll_interval: 500ms\n"},
		{"面额非正数", "serial:\n  denominations: [1000, 0]\n"},
		{"MQTT缺少broker", "mqtt:\n  enabled: true\n  broker: \"\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadYAML(t, tt.doc)
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.ErrConfigValidate))
		})
	}
}

func TestLoadParseError(t *testing.T) {
	_, err := loadYAML(t, "serial:\n  read_window: soon\n")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrConfigParse))
}

func TestInitMissingFile(t *testing.T) {
	err := Init(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrConfigLoad))
}

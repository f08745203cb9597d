package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	apperrors "github.com/wfunc/bill-acceptor/internal/errors"
)

// Config 全局配置结构体
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Serial    SerialConfig    `mapstructure:"serial"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Log       LogConfig       `mapstructure:"log"`
	Security  SecurityConfig  `mapstructure:"security"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// WebSocketConfig WebSocket配置
type WebSocketConfig struct {
	Path            string        `mapstructure:"path"`
	ReadBufferSize  int           `mapstructure:"read_buffer_size"`
	WriteBufferSize int           `mapstructure:"write_buffer_size"`
	MaxMessageSize  int64         `mapstructure:"max_message_size"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	PongTimeout     time.Duration `mapstructure:"pong_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
}

// SerialConfig 纸币器串口配置
type SerialConfig struct {
	Port          string        `mapstructure:"port"`     // auto 或设备路径
	Protocol      string        `mapstructure:"protocol"` // auto | tbv | arduino
	Driver        string        `mapstructure:"driver"`   // tarm | bugst（显式拉高DTR/RTS）
	ReadWindow    time.Duration `mapstructure:"read_window"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	ProbeWindow   time.Duration `mapstructure:"probe_window"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	Pacing        time.Duration `mapstructure:"pacing"`
	Reconnect     time.Duration `mapstructure:"reconnect_interval"` // 负数关闭自动重连
	Patterns      []string      `mapstructure:"patterns"`
	AutoConnect   bool          `mapstructure:"auto_connect"`
	AutoStart     bool          `mapstructure:"auto_start"`
	Denominations []int         `mapstructure:"denominations"`
}

// MQTTConfig MQTT配置
type MQTTConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Broker    string        `mapstructure:"broker"`
	ClientID  string        `mapstructure:"client_id"`
	Username  string        `mapstructure:"username"`
	Password  string        `mapstructure:"password"`
	QoS       byte          `mapstructure:"qos"`
	KeepAlive time.Duration `mapstructure:"keep_alive"`
	Topics    MQTTTopics    `mapstructure:"topics"`
}

// MQTTTopics MQTT主题配置
type MQTTTopics struct {
	Status  string `mapstructure:"status"`
	Command string `mapstructure:"command"`
	Event   string `mapstructure:"event"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level   string            `mapstructure:"level"`
	Format  string            `mapstructure:"format"`
	Output  string            `mapstructure:"output"`
	File    LogFileConfig     `mapstructure:"file"`
	Modules map[string]string `mapstructure:"modules"`
}

// LogFileConfig 日志文件配置
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// SecurityConfig 安全配置
type SecurityConfig struct {
	JWT JWTConfig `mapstructure:"jwt"`
}

// JWTConfig JWT配置，Secret为空时不启用接口鉴权
type JWTConfig struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

var (
	cfg  *Config
	once sync.Once
	mu   sync.RWMutex
	v    *viper.Viper
)

// Init 初始化配置
func Init(configPath string) error {
	var err error
	once.Do(func() {
		v = viper.New()

		// 设置配置文件路径
		if configPath != "" {
			v.SetConfigFile(configPath)
		} else {
			v.SetConfigName("config")
			v.SetConfigType("yaml")
			v.AddConfigPath("./config")
			v.AddConfigPath(".")
		}

		// 设置环境变量前缀
		v.SetEnvPrefix("BILL_ACCEPTOR")
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()

		setDefaults(v)

		if err = v.ReadInConfig(); err != nil {
			// 如果配置文件不存在，使用默认配置
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				err = apperrors.Wrapf(err, apperrors.ErrConfigLoad, "read %s", configPath)
				return
			}
			err = nil
		}

		var loaded *Config
		if loaded, err = decode(v); err != nil {
			return
		}

		mu.Lock()
		cfg = loaded
		mu.Unlock()
	})

	return err
}

// Load 从指定viper实例加载配置，不修改全局状态
func Load(src *viper.Viper) (*Config, error) {
	setDefaults(src)
	return decode(src)
}

// decode 反序列化并校验配置
func decode(src *viper.Viper) (*Config, error) {
	loaded := &Config{}
	if err := src.Unmarshal(loaded); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrConfigParse)
	}
	if err := loaded.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrConfigValidate)
	}
	replaceMQTTTopics(loaded)
	return loaded, nil
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	// 服务器默认配置
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// 纸币器默认配置
	v.SetDefault("serial.port", "auto")
	v.SetDefault("serial.protocol", "auto")
	v.SetDefault("serial.driver", "tarm")
	v.SetDefault("serial.read_window", "3s")
	v.SetDefault("serial.poll_interval", "200ms")
	v.SetDefault("serial.probe_window", "1s")
	v.SetDefault("serial.write_timeout", "1s")
	v.SetDefault("serial.pacing", "100ms")
	v.SetDefault("serial.reconnect_interval", "3s")
	v.SetDefault("serial.auto_connect", false)
	v.SetDefault("serial.auto_start", false)
	v.SetDefault("serial.denominations", []int{1000, 2000, 5000, 10000, 20000, 50000})

	// WebSocket默认配置
	v.SetDefault("websocket.path", "/ws")
	v.SetDefault("websocket.read_buffer_size", 1024)
	v.SetDefault("websocket.write_buffer_size", 1024)
	v.SetDefault("websocket.max_message_size", 4096)
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_timeout", "60s")
	v.SetDefault("websocket.write_timeout", "10s")

	// MQTT默认配置
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://127.0.0.1:1883")
	v.SetDefault("mqtt.client_id", "bill-acceptor")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.keep_alive", "30s")
	v.SetDefault("mqtt.topics.status", "acceptor/{client_id}/status")
	v.SetDefault("mqtt.topics.command", "acceptor/{client_id}/command")
	v.SetDefault("mqtt.topics.event", "acceptor/{client_id}/event")

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "both")
	v.SetDefault("log.file.path", "./logs")
	v.SetDefault("log.file.filename", "bill-acceptor.log")
	v.SetDefault("log.file.max_size", 100)
	v.SetDefault("log.file.max_age", 30)
	v.SetDefault("log.file.max_backups", 7)
	v.SetDefault("log.file.compress", true)
}

// Validate 校验配置
func (c *Config) Validate() error {
	switch strings.ToLower(c.Serial.Protocol) {
	case "", "auto", "tbv", "arduino":
	default:
		return fmt.Errorf("serial.protocol %q: want auto, tbv or arduino", c.Serial.Protocol)
	}
	switch strings.ToLower(c.Serial.Driver) {
	case "", "tarm", "bugst":
	default:
		return fmt.Errorf("serial.driver %q: want tarm or bugst", c.Serial.Driver)
	}
	if c.Serial.ReadWindow <= 0 || c.Serial.PollInterval <= 0 {
		return fmt.Errorf("serial.read_window and serial.poll_interval must be positive")
	}
	if c.Serial.PollInterval > c.Serial.ReadWindow {
		return fmt.Errorf("serial.poll_interval %s exceeds read_window %s", c.Serial.PollInterval, c.Serial.ReadWindow)
	}
	if len(c.Serial.Denominations) == 0 {
		return fmt.Errorf("serial.denominations must not be empty")
	}
	for i, d := range c.Serial.Denominations {
		if d <= 0 {
			return fmt.Errorf("serial.denominations[%d] = %d: must be positive", i, d)
		}
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

// replaceMQTTTopics 替换MQTT主题中的变量
func replaceMQTTTopics(c *Config) {
	if c == nil {
		return
	}

	clientID := c.MQTT.ClientID
	c.MQTT.Topics.Status = strings.ReplaceAll(c.MQTT.Topics.Status, "{client_id}", clientID)
	c.MQTT.Topics.Command = strings.ReplaceAll(c.MQTT.Topics.Command, "{client_id}", clientID)
	c.MQTT.Topics.Event = strings.ReplaceAll(c.MQTT.Topics.Event, "{client_id}", clientID)
}

// Get 获取配置实例
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// Watch 监听配置文件变化
func Watch(callback func(*Config)) {
	if v == nil {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		newCfg, err := decode(v)
		if err != nil {
			fmt.Printf("配置重载失败，保留旧配置: %v\n", err)
			return
		}

		mu.Lock()
		cfg = newCfg
		mu.Unlock()

		if callback != nil {
			callback(newCfg)
		}

		fmt.Printf("配置已重新加载: %s\n", e.Name)
	})
	v.WatchConfig()
}

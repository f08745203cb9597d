package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/wfunc/bill-acceptor/internal/config"
	apperrors "github.com/wfunc/bill-acceptor/internal/errors"
	"github.com/wfunc/bill-acceptor/internal/hardware"
	"github.com/wfunc/bill-acceptor/internal/logger"
	"go.uber.org/zap"
)

const (
	apiVersion     = "v1"
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	commandTimeout = 30 * time.Second
)

// Client 桥接用到的MQTT客户端方法，paho.Client满足该接口
type Client interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
	Unsubscribe(topics ...string) paho.Token
	Disconnect(quiesce uint)
}

// Controller 纸币器控制接口
type Controller interface {
	Execute(ctx context.Context, cmd hardware.Command) hardware.CommandResult
	Snapshot() hardware.AcceptorSnapshot
}

// Envelope MQTT消息外壳
type Envelope struct {
	ApiVersion    string      `json:"apiVersion"`
	Type          string      `json:"type"`
	CorrelationID string      `json:"correlationID"`
	RequestID     string      `json:"requestID,omitempty"`
	ErrorCode     int         `json:"errorCode"`
	Payload       interface{} `json:"payload,omitempty"`
	ContentType   string      `json:"contentType"`
	Timestamp     int64       `json:"timestamp"`
}

// Dial 按配置连接Broker
func Dial(cfg *config.MQTTConfig, onConnect paho.OnConnectHandler) (paho.Client, error) {
	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 60 * time.Second
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetKeepAlive(keepAlive).
		SetPingTimeout(10 * time.Second).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	if onConnect != nil {
		opts.SetOnConnectHandler(onConnect)
	}
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.WithModule("mqtt").Warn("MQTT连接断开，等待重连", zap.Error(err))
	})

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		client.Disconnect(0)
		return nil, apperrors.Newf(apperrors.ErrMQTTConnect, "connect to %s timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrMQTTConnect, cfg.Broker)
	}
	return client, nil
}

// Bridge 把纸币器事件发布到MQTT，并执行远程命令
type Bridge struct {
	client Client
	topics config.MQTTTopics
	qos    byte
	ctrl   Controller
	logger *zap.Logger

	mu       sync.Mutex
	inflight sync.WaitGroup
	closed   bool
}

// NewBridge 创建桥接
func NewBridge(client Client, cfg config.MQTTConfig, ctrl Controller) *Bridge {
	return &Bridge{
		client: client,
		topics: cfg.Topics,
		qos:    cfg.QoS,
		ctrl:   ctrl,
		logger: logger.WithModule("mqtt"),
	}
}

// Start 订阅命令主题并发布一次当前状态
func (b *Bridge) Start() error {
	token := b.client.Subscribe(b.topics.Command, b.qos, b.handleCommand)
	if !token.WaitTimeout(publishTimeout) {
		return apperrors.Newf(apperrors.ErrMQTTSubscribe, "subscribe %s timed out", b.topics.Command)
	}
	if err := token.Error(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrMQTTSubscribe, b.topics.Command)
	}
	b.logger.Info("已订阅命令主题", zap.String("topic", b.topics.Command))

	return b.PublishStatus()
}

// Forward 发布事件流，每个事件之后刷新保留的状态消息
func (b *Bridge) Forward(ctx context.Context, events <-chan hardware.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := b.PublishEvent(ev); err != nil {
				b.logger.Warn("发布事件失败", zap.String("type", string(ev.Type)), zap.Error(err))
				continue
			}
			if err := b.PublishStatus(); err != nil {
				b.logger.Warn("发布状态失败", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// PublishEvent 发布单个事件
func (b *Bridge) PublishEvent(ev hardware.Event) error {
	return b.publish(b.topics.Event, false, Envelope{
		Type:          string(ev.Type),
		CorrelationID: ev.ID,
		Payload:       ev,
	})
}

// PublishStatus 发布保留的状态快照
func (b *Bridge) PublishStatus() error {
	if b.ctrl == nil {
		return nil
	}
	return b.publish(b.topics.Status, true, Envelope{
		Type:          "status",
		CorrelationID: uuid.NewString(),
		Payload:       b.ctrl.Snapshot(),
	})
}

// ResultTopic 命令结果主题
func (b *Bridge) ResultTopic() string {
	return b.topics.Command + "/result"
}

// Close 取消订阅并断开连接
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.inflight.Wait()
	if b.client.IsConnected() {
		b.client.Unsubscribe(b.topics.Command).WaitTimeout(publishTimeout)
	}
	b.client.Disconnect(250)
	b.logger.Info("MQTT桥接已关闭")
}

// handleCommand 解析并执行命令，结果发布到ResultTopic
func (b *Bridge) handleCommand(_ paho.Client, msg paho.Message) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.inflight.Add(1)
	b.mu.Unlock()
	defer b.inflight.Done()

	logger.LogMQTTMessage(msg.Topic(), "receive", string(msg.Payload()))

	var cmd hardware.Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil || cmd.Command == "" {
		b.logger.Warn("无效的MQTT命令", zap.String("payload", string(msg.Payload())))
		_ = b.publish(b.ResultTopic(), false, Envelope{
			Type:          "result",
			CorrelationID: uuid.NewString(),
			ErrorCode:     int(apperrors.ErrMessageFormat),
			Payload:       map[string]string{"error": "invalid command payload"},
		})
		return
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}

	b.logger.Info("执行MQTT命令", zap.String("command", cmd.Command), zap.String("id", cmd.ID))

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	result := b.ctrl.Execute(ctx, cmd)

	if err := b.publish(b.ResultTopic(), false, Envelope{
		Type:          "result",
		CorrelationID: cmd.ID,
		RequestID:     cmd.ID,
		ErrorCode:     result.Code,
		Payload:       result,
	}); err != nil {
		b.logger.Warn("发布命令结果失败", zap.Error(err))
	}
}

func (b *Bridge) publish(topic string, retained bool, env Envelope) error {
	env.ApiVersion = apiVersion
	env.ContentType = "application/json"
	env.Timestamp = time.Now().UnixMilli()

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", env.Type, err)
	}

	logger.LogMQTTMessage(topic, "publish", env.Type)

	token := b.client.Publish(topic, b.qos, retained, body)
	if !token.WaitTimeout(publishTimeout) {
		return apperrors.Newf(apperrors.ErrMQTTPublish, "publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrMQTTPublish, topic)
	}
	return nil
}

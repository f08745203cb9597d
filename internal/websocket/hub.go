package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wfunc/bill-acceptor/internal/config"
	"github.com/wfunc/bill-acceptor/internal/hardware"
	"go.uber.org/zap"
)

// MessageType 消息类型
const (
	// 系统消息
	MessageTypeConnected = "connected"
	MessageTypePing      = "ping"
	MessageTypePong      = "pong"
	MessageTypeError     = "error"

	// 纸币器消息
	MessageTypeEvent    = "event"
	MessageTypeSnapshot = "snapshot"
	MessageTypeCommand  = "command"
	MessageTypeResult   = "result"
)

// Message WebSocket消息
type Message struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// CommandHandler 处理客户端下发的纸币器命令
type CommandHandler interface {
	Execute(ctx context.Context, cmd hardware.Command) hardware.CommandResult
	Snapshot() hardware.AcceptorSnapshot
}

// Options 连接参数
type Options struct {
	ReadBufferSize  int
	WriteBufferSize int
	MaxMessageSize  int64
	PingInterval    time.Duration
	PongTimeout     time.Duration
	WriteTimeout    time.Duration
	SendBuffer      int
	CommandTimeout  time.Duration
}

// DefaultOptions 默认连接参数
func DefaultOptions() Options {
	return Options{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		MaxMessageSize:  64 * 1024,
		PingInterval:    54 * time.Second,
		PongTimeout:     60 * time.Second,
		WriteTimeout:    10 * time.Second,
		SendBuffer:      256,
		CommandTimeout:  30 * time.Second,
	}
}

// OptionsFromConfig 从配置生成连接参数，未设置的项使用默认值
func OptionsFromConfig(cfg *config.WebSocketConfig) Options {
	opts := DefaultOptions()
	if cfg == nil {
		return opts
	}
	if cfg.ReadBufferSize > 0 {
		opts.ReadBufferSize = cfg.ReadBufferSize
	}
	if cfg.WriteBufferSize > 0 {
		opts.WriteBufferSize = cfg.WriteBufferSize
	}
	if cfg.MaxMessageSize > 0 {
		opts.MaxMessageSize = cfg.MaxMessageSize
	}
	if cfg.PongTimeout > 0 {
		opts.PongTimeout = cfg.PongTimeout
	}
	if cfg.PingInterval > 0 && cfg.PingInterval < opts.PongTimeout {
		opts.PingInterval = cfg.PingInterval
	} else {
		// ping周期必须小于pong超时
		opts.PingInterval = opts.PongTimeout * 9 / 10
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
	return opts
}

// Hub WebSocket连接管理中心，把纸币器事件推送给所有客户端
type Hub struct {
	clients   map[string]*Client
	clientsMu sync.RWMutex

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	handler  CommandHandler
	opts     Options
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHub 创建Hub，handler可以为nil（只推送事件）
func NewHub(handler CommandHandler, opts Options, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[string]*Client),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		handler:    handler,
		opts:       opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  opts.ReadBufferSize,
			WriteBufferSize: opts.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				// 本机服务，允许任意来源
				return true
			},
		},
		logger: logger,
	}
}

// Run 运行Hub直到ctx取消，退出时关闭所有客户端
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case data := <-h.broadcast:
			h.broadcastMessage(data)

		case <-ctx.Done():
			h.clientsMu.Lock()
			for id, client := range h.clients {
				close(client.Send)
				delete(h.clients, id)
			}
			h.clientsMu.Unlock()
			h.logger.Info("WebSocket Hub已停止")
			return
		}
	}
}

// Forward 把事件流转发给所有客户端，直到ctx取消或事件通道关闭
func (h *Hub) Forward(ctx context.Context, events <-chan hardware.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.BroadcastEvent(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

// BroadcastEvent 广播一个纸币器事件
func (h *Hub) BroadcastEvent(ctx context.Context, ev hardware.Event) {
	data, err := encode(MessageTypeEvent, ev.ID, ev)
	if err != nil {
		h.logger.Error("序列化事件失败", zap.Error(err))
		return
	}

	select {
	case h.broadcast <- data:
	case <-h.done:
	case <-ctx.Done():
	}
}

// ServeWS 升级HTTP连接并启动读写协程
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WebSocket升级失败", zap.Error(err))
		return
	}

	client := NewClient(h, conn)
	if !h.Register(client) {
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()

	h.logger.Info("WebSocket连接建立",
		zap.String("client_id", client.ID),
		zap.String("remote", r.RemoteAddr))
}

// Register 注册客户端，Hub已停止时返回false
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister 注销客户端
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// GetOnlineCount 获取在线客户端数
func (h *Hub) GetOnlineCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// SendToClient 发送消息给指定客户端
func (h *Hub) SendToClient(clientID string, data []byte) error {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()

	client, ok := h.clients[clientID]
	if !ok {
		return ErrClientNotFound
	}

	select {
	case client.Send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// registerClient 注册客户端并推送当前快照
func (h *Hub) registerClient(client *Client) {
	h.clientsMu.Lock()
	h.clients[client.ID] = client
	h.clientsMu.Unlock()

	h.logger.Info("WebSocket客户端连接", zap.String("client_id", client.ID))

	if data, err := encode(MessageTypeConnected, "", map[string]string{"client_id": client.ID}); err == nil {
		_ = h.SendToClient(client.ID, data)
	}
	if h.handler != nil {
		if data, err := encode(MessageTypeSnapshot, "", h.handler.Snapshot()); err == nil {
			_ = h.SendToClient(client.ID, data)
		}
	}
}

// unregisterClient 注销客户端
func (h *Hub) unregisterClient(client *Client) {
	h.clientsMu.Lock()
	if _, ok := h.clients[client.ID]; ok {
		delete(h.clients, client.ID)
		close(client.Send)
		h.logger.Info("WebSocket客户端断开", zap.String("client_id", client.ID))
	}
	h.clientsMu.Unlock()
}

// broadcastMessage 广播消息，发送缓冲区满的客户端丢弃本条
func (h *Hub) broadcastMessage(data []byte) {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()

	for _, client := range h.clients {
		select {
		case client.Send <- data:
		default:
			h.logger.Warn("客户端发送缓冲区满", zap.String("client_id", client.ID))
		}
	}
}

func encode(msgType, id string, payload interface{}) ([]byte, error) {
	msg := Message{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().Unix(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		msg.Data = raw
	}
	return json.Marshal(msg)
}

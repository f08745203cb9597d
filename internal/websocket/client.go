package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/wfunc/bill-acceptor/internal/hardware"
	"github.com/wfunc/bill-acceptor/internal/logger"
	"go.uber.org/zap"
)

// 错误定义
var (
	ErrClientNotFound = errors.New("客户端未找到")
	ErrSendBufferFull = errors.New("发送缓冲区已满")
)

// Client WebSocket客户端
type Client struct {
	ID   string
	Hub  *Hub
	Conn *websocket.Conn
	Send chan []byte
}

// NewClient 创建新客户端
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	size := hub.opts.SendBuffer
	if size <= 0 {
		size = 256
	}
	return &Client{
		ID:   uuid.New().String(),
		Hub:  hub,
		Conn: conn,
		Send: make(chan []byte, size),
	}
}

// ReadPump 读取消息
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	opts := c.Hub.opts
	c.Conn.SetReadLimit(opts.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(opts.PongTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(opts.PongTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.logger.Error("WebSocket读取错误",
					zap.String("client_id", c.ID),
					zap.Error(err))
			}
			return
		}

		c.handleMessage(message)
	}
}

// WritePump 写入消息
func (c *Client) WritePump() {
	opts := c.Hub.opts
	ticker := time.NewTicker(opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
			if !ok {
				// Hub关闭了通道
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage 处理接收到的消息
func (c *Client) handleMessage(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.Hub.logger.Warn("解析WebSocket消息失败",
			zap.String("client_id", c.ID),
			zap.Error(err))
		c.sendError("", "消息格式错误")
		return
	}
	logger.LogWebSocketMessage("receive", msg.Type, msg.Data)

	switch msg.Type {
	case MessageTypePing:
		c.send(MessageTypePong, msg.ID, nil)

	case MessageTypePong:
		c.Hub.logger.Debug("收到pong", zap.String("client_id", c.ID))

	case MessageTypeSnapshot:
		if c.Hub.handler == nil {
			c.sendError(msg.ID, "纸币器不可用")
			return
		}
		c.send(MessageTypeSnapshot, msg.ID, c.Hub.handler.Snapshot())

	case MessageTypeCommand:
		if c.Hub.handler == nil {
			c.sendError(msg.ID, "纸币器不可用")
			return
		}
		var cmd hardware.Command
		if err := json.Unmarshal(msg.Data, &cmd); err != nil || cmd.Command == "" {
			c.sendError(msg.ID, "命令格式错误")
			return
		}
		if cmd.ID == "" {
			cmd.ID = msg.ID
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.Hub.opts.CommandTimeout)
		result := c.Hub.handler.Execute(ctx, cmd)
		cancel()
		c.send(MessageTypeResult, msg.ID, result)

	default:
		c.Hub.logger.Warn("收到不支持的消息类型",
			zap.String("client_id", c.ID),
			zap.String("type", msg.Type))
		c.sendError(msg.ID, "不支持的消息类型: "+msg.Type)
	}
}

func (c *Client) send(msgType, id string, payload interface{}) {
	data, err := encode(msgType, id, payload)
	if err != nil {
		c.Hub.logger.Error("序列化消息失败", zap.Error(err))
		return
	}
	if err := c.Hub.SendToClient(c.ID, data); err != nil {
		c.Hub.logger.Debug("发送消息失败", zap.String("client_id", c.ID), zap.Error(err))
	}
}

// sendError 发送错误消息
func (c *Client) sendError(id, message string) {
	c.send(MessageTypeError, id, map[string]string{"error": message})
}

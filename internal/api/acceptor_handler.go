package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	apperrors "github.com/wfunc/bill-acceptor/internal/errors"
	"github.com/wfunc/bill-acceptor/internal/hardware"
	"github.com/wfunc/bill-acceptor/internal/middleware"
	"go.uber.org/zap"
)

// Acceptor 纸币器管理接口，hardware.Manager满足该接口
type Acceptor interface {
	Execute(ctx context.Context, cmd hardware.Command) hardware.CommandResult
	Snapshot() hardware.AcceptorSnapshot
	ListPorts() ([]string, error)
}

// AcceptorHandler 纸币器HTTP处理器
type AcceptorHandler struct {
	acceptor Acceptor
	logger   *zap.Logger
}

// NewAcceptorHandler 创建纸币器处理器
func NewAcceptorHandler(acceptor Acceptor, logger *zap.Logger) *AcceptorHandler {
	return &AcceptorHandler{acceptor: acceptor, logger: logger}
}

// ConnectRequest 连接请求
type ConnectRequest struct {
	Port     string `json:"port" binding:"required"`
	Protocol string `json:"protocol"`
}

// PortsResponse 串口列表响应
type PortsResponse struct {
	Ports []string `json:"ports"`
	Count int      `json:"count"`
}

// GetSnapshot 获取纸币器状态
func (h *AcceptorHandler) GetSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, h.acceptor.Snapshot())
}

// ListPorts 列出可用串口
func (h *AcceptorHandler) ListPorts(c *gin.Context) {
	ports, err := h.acceptor.ListPorts()
	if err != nil {
		h.renderError(c, apperrors.Wrap(err, apperrors.ErrSerialPortOpen, "enumerate ports"))
		return
	}
	if ports == nil {
		ports = []string{}
	}
	c.JSON(http.StatusOK, PortsResponse{Ports: ports, Count: len(ports)})
}

// Connect 连接指定串口
func (h *AcceptorHandler) Connect(c *gin.Context) {
	var req ConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.renderError(c, apperrors.Wrap(err, apperrors.ErrInvalidParam))
		return
	}
	h.execute(c, hardware.Command{
		Command:  hardware.CommandConnect,
		Port:     req.Port,
		Protocol: req.Protocol,
	})
}

// AutoDetect 自动检测并连接
func (h *AcceptorHandler) AutoDetect(c *gin.Context) {
	h.execute(c, hardware.Command{Command: hardware.CommandAutoDetect})
}

// Initialize 初始化纸币器
func (h *AcceptorHandler) Initialize(c *gin.Context) {
	h.execute(c, hardware.Command{Command: hardware.CommandInitialize})
}

// Start 开始收币
func (h *AcceptorHandler) Start(c *gin.Context) {
	h.execute(c, hardware.Command{Command: hardware.CommandStart})
}

// Stop 停止收币
func (h *AcceptorHandler) Stop(c *gin.Context) {
	h.execute(c, hardware.Command{Command: hardware.CommandStop})
}

// Disconnect 断开纸币器
func (h *AcceptorHandler) Disconnect(c *gin.Context) {
	h.execute(c, hardware.Command{Command: hardware.CommandDisconnect})
}

func (h *AcceptorHandler) execute(c *gin.Context, cmd hardware.Command) {
	cmd.ID = middleware.GetRequestID(c)
	start := time.Now()
	result := h.acceptor.Execute(c.Request.Context(), cmd)

	operator, _ := middleware.GetOperator(c)
	h.logger.Info("执行纸币器命令",
		zap.String("command", cmd.Command),
		zap.String("operator", operator),
		zap.Bool("success", result.Success),
		zap.Duration("elapsed", time.Since(start)))

	if !result.Success {
		h.renderError(c, apperrors.New(apperrors.ErrorCode(result.Code), result.Error))
		return
	}
	c.JSON(http.StatusOK, result)
}

// renderError 按AppError的HTTP状态码输出错误
func (h *AcceptorHandler) renderError(c *gin.Context, err *apperrors.AppError) {
	status := err.HTTPStatus()
	if status >= http.StatusInternalServerError {
		h.logger.Error("请求失败", zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	c.JSON(status, apperrors.NewErrorResponse(err, middleware.GetRequestID(c)))
}

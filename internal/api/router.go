package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	apperrors "github.com/wfunc/bill-acceptor/internal/errors"
	"github.com/wfunc/bill-acceptor/internal/middleware"
	"github.com/wfunc/bill-acceptor/internal/utils"
	ws "github.com/wfunc/bill-acceptor/internal/websocket"
	"go.uber.org/zap"
)

// Router API路由器
type Router struct {
	engine         *gin.Engine
	acceptor       Acceptor
	handler        *AcceptorHandler
	hub            *ws.Hub
	authMiddleware *middleware.AuthMiddleware
	wsPath         string
	startedAt      time.Time
	log            *zap.Logger
}

// RouterOptions 路由器选项
type RouterOptions struct {
	Hub    *ws.Hub           // 为nil时不注册WebSocket路由
	JWT    *utils.JWTManager // 为nil或未配置密钥时不鉴权
	WSPath string
}

// NewRouter 创建路由器
func NewRouter(acceptor Acceptor, opts RouterOptions, log *zap.Logger) *Router {
	// 创建Gin引擎
	engine := gin.New()

	// 全局中间件
	engine.Use(gin.Recovery())
	engine.Use(middleware.RequestID())
	engine.Use(middleware.AccessLog())

	wsPath := opts.WSPath
	if wsPath == "" {
		wsPath = "/ws"
	}

	router := &Router{
		engine:         engine,
		acceptor:       acceptor,
		handler:        NewAcceptorHandler(acceptor, log),
		hub:            opts.Hub,
		authMiddleware: middleware.NewAuthMiddleware(opts.JWT),
		wsPath:         wsPath,
		startedAt:      time.Now(),
		log:            log,
	}

	// 设置路由
	router.setupRoutes()

	return router
}

// setupRoutes 设置路由
func (r *Router) setupRoutes() {
	// 健康检查
	r.engine.GET("/health", r.healthCheck)

	// API v1路由组
	v1 := r.engine.Group("/api/v1")
	{
		acceptor := v1.Group("/acceptor")
		{
			acceptor.GET("", r.handler.GetSnapshot)
			acceptor.GET("/ports", r.handler.ListPorts)

			// 控制接口需要control权限
			control := acceptor.Group("")
			control.Use(r.authMiddleware.RequireScope(middleware.ScopeControl))
			{
				control.POST("/connect", r.handler.Connect)
				control.POST("/autodetect", r.handler.AutoDetect)
				control.POST("/initialize", r.handler.Initialize)
				control.POST("/start", r.handler.Start)
				control.POST("/stop", r.handler.Stop)
				control.POST("/disconnect", r.handler.Disconnect)
			}
		}
	}

	// WebSocket路由
	if r.hub != nil {
		r.engine.GET(r.wsPath, r.authMiddleware.RequireAuth(), func(c *gin.Context) {
			r.hub.ServeWS(c.Writer, c.Request)
		})
	}

	// 404处理
	r.engine.NoRoute(func(c *gin.Context) {
		err := apperrors.Newf(apperrors.ErrNotFound, "%s %s", c.Request.Method, c.Request.URL.Path)
		c.JSON(err.HTTPStatus(), apperrors.NewErrorResponse(err, middleware.GetRequestID(c)))
	})
}

// healthCheck 健康检查
func (r *Router) healthCheck(c *gin.Context) {
	snap := r.acceptor.Snapshot()

	resp := gin.H{
		"status":    "healthy",
		"message":   "服务运行正常",
		"uptime":    time.Since(r.startedAt).Truncate(time.Second).String(),
		"connected": snap.Connected,
		"state":     snap.State,
	}
	if r.hub != nil {
		resp["ws_clients"] = r.hub.GetOnlineCount()
	}
	c.JSON(http.StatusOK, resp)
}

// Handler 返回HTTP处理器
func (r *Router) Handler() http.Handler {
	return r.engine
}

// GetEngine 获取Gin引擎（用于测试）
func (r *Router) GetEngine() *gin.Engine {
	return r.engine
}

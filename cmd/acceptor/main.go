package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/gin-gonic/gin"
	"github.com/wfunc/bill-acceptor/internal/api"
	"github.com/wfunc/bill-acceptor/internal/config"
	"github.com/wfunc/bill-acceptor/internal/errors"
	"github.com/wfunc/bill-acceptor/internal/hardware"
	"github.com/wfunc/bill-acceptor/internal/logger"
	"github.com/wfunc/bill-acceptor/internal/mqtt"
	"github.com/wfunc/bill-acceptor/internal/utils"
	ws "github.com/wfunc/bill-acceptor/internal/websocket"
	"go.uber.org/zap"
)

// 版本信息
var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Server 服务实例
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	manager    *hardware.Manager
	sim        *hardware.SimulatedAcceptor
	hub        *ws.Hub
	httpServer *http.Server
	bridge     atomic.Pointer[mqtt.Bridge]

	// 关闭控制
	shutdownCh chan struct{}
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
}

func main() {
	// 命令行参数
	var (
		configPath  = flag.String("config", "", "配置文件路径")
		showVersion = flag.Bool("version", false, "显示版本信息")
		listPorts   = flag.Bool("list-ports", false, "列出可用串口后退出")
		probe       = flag.String("probe", "", "探测指定串口（auto为扫描全部串口）后退出")
		simulate    = flag.String("simulate", "", "使用模拟纸币器（tbv或arduino）")
		simInterval = flag.Duration("sim-interval", 0, "模拟模式下自动投币间隔，0为不投币")
		issueToken  = flag.String("issue-token", "", "为指定操作员签发令牌后退出")
		tokenScope  = flag.String("scope", "control", "签发令牌的权限范围（control或read）")
	)

	flag.Parse()

	// 显示版本信息
	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	// 加载配置
	if err := config.Init(*configPath); err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}

	cfg := config.Get()

	// 初始化日志系统
	if err := logger.Init(&cfg.Log); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Cleanup()

	switch {
	case *listPorts:
		os.Exit(runListPorts(cfg))
	case *probe != "":
		os.Exit(runProbe(cfg, *probe))
	case *issueToken != "":
		os.Exit(runIssueToken(cfg, *issueToken, *tokenScope))
	}

	// 创建服务实例
	server := NewServer(cfg)

	if *simulate != "" {
		if err := server.EnableSimulator(*simulate, *simInterval); err != nil {
			fmt.Printf("模拟模式参数错误: %v\n", err)
			os.Exit(1)
		}
	}

	// 启动服务
	if err := server.Start(); err != nil {
		logger.Fatal("服务启动失败", zap.Error(err))
	}

	// 等待退出信号
	server.WaitForShutdown()

	// 优雅关闭
	if err := server.Shutdown(); err != nil {
		logger.Error("服务关闭失败", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("服务已安全关闭")
}

// NewServer 创建服务实例
func NewServer(cfg *config.Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		cfg:        cfg,
		logger:     logger.GetLogger(),
		shutdownCh: make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// EnableSimulator 用模拟纸币器代替真实串口，interval大于0时定期投入纸币
func (s *Server) EnableSimulator(protocol string, interval time.Duration) error {
	variant, fixed, err := hardware.ParseVariant(protocol)
	if err != nil {
		return err
	}
	if !fixed {
		variant = hardware.VariantArduinoHeader
	}
	s.sim = hardware.NewSimulatedAcceptor(variant)

	if interval > 0 {
		denominations := len(s.cfg.Serial.Denominations)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for i := 0; ; i++ {
				select {
				case <-ticker.C:
					s.sim.InsertBill(i % denominations)
				case <-s.ctx.Done():
					return
				}
			}
		}()
	}

	s.logger.Info("已启用模拟纸币器", zap.String("protocol", variant.String()), zap.Duration("interval", interval))
	return nil
}

// Start 启动服务
func (s *Server) Start() error {
	s.logger.Info("正在启动纸币器服务...",
		zap.String("version", Version),
		zap.String("mode", s.cfg.Server.Mode),
	)

	// 初始化各个组件
	if err := s.initComponents(); err != nil {
		return errors.Wrap(err, errors.ErrUnknown, "初始化组件失败")
	}

	// 启动各个服务
	if err := s.startServices(); err != nil {
		return errors.Wrap(err, errors.ErrUnknown, "启动服务失败")
	}

	// 监听配置变化
	config.Watch(func(newCfg *config.Config) {
		s.logger.Info("配置已更新，正在重新加载...")
		s.reloadConfig(newCfg)
	})

	s.logger.Info("服务启动成功",
		zap.String("http", s.httpServer.Addr),
		zap.String("websocket", s.cfg.WebSocket.Path),
		zap.Bool("mqtt", s.cfg.MQTT.Enabled),
	)

	return nil
}

// initComponents 初始化组件
func (s *Server) initComponents() error {
	s.logger.Info("初始化组件...")

	var opts []hardware.ManagerOption
	if s.sim != nil {
		opts = append(opts, hardware.WithSimulator(s.sim))
	}
	s.manager = hardware.NewManager(managerConfig(s.cfg), opts...)

	wsOpts := ws.OptionsFromConfig(&s.cfg.WebSocket)
	s.hub = ws.NewHub(s.manager, wsOpts, logger.WithModule("websocket"))

	jwt := utils.NewJWTManager(s.cfg.Security.JWT.Secret, s.cfg.Security.JWT.Issuer, utils.DefaultTokenExpiry)
	if !jwt.Enabled() {
		s.logger.Warn("未配置security.jwt.secret，控制接口不鉴权")
	}

	if s.cfg.Server.Mode != "" {
		gin.SetMode(s.cfg.Server.Mode)
	}
	router := api.NewRouter(s.manager, api.RouterOptions{
		Hub:    s.hub,
		JWT:    jwt,
		WSPath: s.cfg.WebSocket.Path,
	}, logger.WithModule("api"))

	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(s.cfg.Server.Host, strconv.Itoa(s.cfg.Server.Port)),
		Handler:      router.Handler(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	s.logger.Info("所有组件初始化完成")
	return nil
}

// startServices 启动服务
func (s *Server) startServices() error {
	s.logger.Info("启动服务...")

	// WebSocket推送
	events, unsubscribe := s.manager.Subscribe()
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.hub.Run(s.ctx)
	}()
	go func() {
		defer s.wg.Done()
		defer unsubscribe()
		s.hub.Forward(s.ctx, events)
	}()

	// 事件日志
	logEvents, unsubscribeLog := s.manager.Subscribe()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer unsubscribeLog()
		s.logEvents(logEvents)
	}()

	// HTTP服务
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return errors.Wrapf(err, errors.ErrUnknown, "listen %s", s.httpServer.Addr)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP服务异常退出", zap.Error(err))
		}
	}()

	// MQTT客户端
	if s.cfg.MQTT.Enabled {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.startMQTT()
		}()
	}

	// 自动连接纸币器
	if s.cfg.Serial.AutoConnect || s.cfg.Serial.AutoStart || s.sim != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.autoConnect()
		}()
	}

	s.logger.Info("所有服务启动完成")
	return nil
}

// startMQTT 连接Broker并启动桥接；Broker不可用时只记录日志，其余服务照常运行
func (s *Server) startMQTT() {
	log := logger.WithModule("mqtt")

	client, err := mqtt.Dial(&s.cfg.MQTT, func(paho.Client) {
		// CleanSession下重连会丢失订阅
		if b := s.bridge.Load(); b != nil {
			if err := b.Start(); err != nil {
				log.Warn("重连后订阅失败", zap.Error(err))
			}
		}
	})
	if err != nil {
		log.Error("MQTT连接失败", zap.String("broker", s.cfg.MQTT.Broker), zap.Error(err))
		return
	}
	if s.ctx.Err() != nil {
		client.Disconnect(0)
		return
	}

	bridge := mqtt.NewBridge(client, s.cfg.MQTT, s.manager)
	s.bridge.Store(bridge)
	if err := bridge.Start(); err != nil {
		log.Warn("启动MQTT桥接失败", zap.Error(err))
	}

	events, unsubscribe := s.manager.Subscribe()
	defer unsubscribe()
	log.Info("MQTT桥接已启动", zap.String("broker", s.cfg.MQTT.Broker))
	bridge.Forward(s.ctx, events)
}

// autoConnect 按配置连接纸币器，auto_start时初始化并开始收币
func (s *Server) autoConnect() {
	ctx, cancel := context.WithTimeout(s.ctx, time.Minute)
	defer cancel()

	port, protocol := s.cfg.Serial.Port, s.cfg.Serial.Protocol
	if s.sim != nil {
		port, protocol = hardware.SimulatorPortName, "auto"
	}

	if err := s.manager.Connect(ctx, port, protocol); err != nil {
		s.logger.Warn("自动连接纸币器失败", zap.String("port", port), zap.Error(err))
		return
	}
	if s.cfg.Serial.AutoStart || s.sim != nil {
		if err := s.manager.Initialize(ctx); err != nil {
			s.logger.Warn("自动初始化纸币器失败", zap.Error(err))
		}
	}
}

// logEvents 把纸币器事件写入日志
func (s *Server) logEvents(events <-chan hardware.Event) {
	log := logger.WithModule("acceptor")
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case hardware.EventBillAccepted:
				log.Info("纸币已收入", zap.String("port", ev.Port), zap.Int("amount", ev.Amount))
			case hardware.EventError:
				log.Warn("纸币器故障", zap.String("port", ev.Port), zap.String("label", ev.Label), zap.String("message", ev.Message))
			case hardware.EventStateChanged:
				log.Debug("状态变化", zap.String("state", ev.State))
			default:
				log.Info(ev.Message, zap.String("type", string(ev.Type)), zap.String("port", ev.Port))
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// WaitForShutdown 等待关闭信号
func (s *Server) WaitForShutdown() {
	// 创建信号通道
	sigCh := make(chan os.Signal, 1)

	// 监听系统信号
	signal.Notify(sigCh,
		syscall.SIGINT,  // Ctrl+C
		syscall.SIGTERM, // kill命令
		syscall.SIGQUIT, // Ctrl+\
	)

	// 等待信号
	sig := <-sigCh
	s.logger.Info("收到退出信号", zap.String("signal", sig.String()))

	// 发送关闭信号
	close(s.shutdownCh)
}

// Shutdown 优雅关闭服务
func (s *Server) Shutdown() error {
	s.logger.Info("正在优雅关闭服务...")

	// 创建超时上下文
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	// 停止接收新请求
	s.logger.Info("停止接收新请求...")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("HTTP服务关闭失败", zap.Error(err))
	}

	// 取消主上下文，触发所有goroutine退出
	s.cancel()

	// 释放串口
	if err := s.manager.Close(); err != nil {
		s.logger.Warn("关闭纸币器失败", zap.Error(err))
	}
	if b := s.bridge.Load(); b != nil {
		b.Close()
	}

	// 等待所有服务关闭
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	// 等待关闭完成或超时
	select {
	case <-done:
		s.logger.Info("所有服务已正常关闭")
	case <-shutdownCtx.Done():
		s.logger.Warn("关闭超时，强制退出")
		return errors.New(errors.ErrTimeout, "shutdown timed out")
	}

	// 同步日志
	if err := logger.Sync(); err != nil {
		fmt.Printf("同步日志失败: %v\n", err)
	}

	return nil
}

// reloadConfig 重新加载配置，运行中只应用日志级别
func (s *Server) reloadConfig(newCfg *config.Config) {
	if newCfg.Log.Level != logger.Level() {
		logger.SetLevel(newCfg.Log.Level)
		s.logger.Info("日志级别已更新", zap.String("level", newCfg.Log.Level))
	}
	if newCfg.Serial.Port != s.cfg.Serial.Port || newCfg.Serial.Protocol != s.cfg.Serial.Protocol {
		s.logger.Info("串口配置变化将在下次连接时生效")
	}
	s.cfg = newCfg

	s.logger.Info("配置重新加载完成")
}

// managerConfig 由配置文件生成纸币器管理配置
func managerConfig(cfg *config.Config) hardware.ManagerConfig {
	mc := hardware.DefaultManagerConfig()
	mc.Port = cfg.Serial.Port
	mc.Protocol = cfg.Serial.Protocol
	mc.Driver = cfg.Serial.Driver
	mc.Transport = hardware.TransportOptions{
		WriteTimeout: cfg.Serial.WriteTimeout,
		ReadWindow:   cfg.Serial.ReadWindow,
		PollInterval: cfg.Serial.PollInterval,
	}
	mc.ProbeWindow = cfg.Serial.ProbeWindow
	mc.Pacing = cfg.Serial.Pacing
	mc.ReconnectInterval = cfg.Serial.Reconnect
	mc.Patterns = cfg.Serial.Patterns
	if len(cfg.Serial.Denominations) > 0 {
		mc.Denominations = cfg.Serial.Denominations
	}
	return mc
}

// printVersion 打印版本信息
func printVersion() {
	fmt.Printf("纸币器服务\n")
	fmt.Printf("版本: %s\n", Version)
	fmt.Printf("构建时间: %s\n", BuildTime)
	fmt.Printf("Git提交: %s\n", GitCommit)
	fmt.Printf("Go版本: %s\n", runtime.Version())
	fmt.Printf("操作系统: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

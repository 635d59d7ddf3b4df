package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"valuescan/config"
	"valuescan/pkg/logger"
	"valuescan/risk"
	"valuescan/signal"
	"valuescan/trader"
)

// Server 状态与控制接口 (gin)。只读查询 + 手动熔断开关。
type Server struct {
	router     *gin.Engine
	httpServer *http.Server

	manager    *trader.Manager
	aggregator *signal.Aggregator
	gate       *risk.Gate
	database   *config.Database

	startedAt time.Time
	log       *zap.SugaredLogger
}

// NewServer 创建 API 服务
func NewServer(addr string, manager *trader.Manager, aggregator *signal.Aggregator,
	gate *risk.Gate, database *config.Database) *Server {

	// 设置为Release模式（减少日志输出）
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	s := &Server{
		router:     router,
		manager:    manager,
		aggregator: aggregator,
		gate:       gate,
		database:   database,
		startedAt:  time.Now(),
		log:        logger.Sugar("api"),
	}
	s.httpServer = &http.Server{Addr: addr, Handler: router}

	s.setupRoutes()
	return s
}

// corsMiddleware CORS中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	apiGroup := s.router.Group("/api")
	{
		apiGroup.GET("/health", s.handleHealth)
		apiGroup.GET("/status", s.handleStatus)
		apiGroup.GET("/positions", s.handlePositions)
		apiGroup.GET("/signals", s.handleSignals)
		apiGroup.GET("/trades", s.handleTrades)
		apiGroup.POST("/halt", s.handleHalt)
		apiGroup.POST("/resume", s.handleResume)
	}
}

// Start 后台启动 HTTP 服务
func (s *Server) Start() {
	go func() {
		s.log.Infof("🌐 API 服务监听中: %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("❌ API 服务异常退出: %v", err)
		}
	}()
}

// Stop 优雅关闭
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handleHealth 存活检查
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.startedAt).String(),
	})
}

// handleStatus 系统状态总览：账本、在管持仓数、待匹配信号数
func (s *Server) handleStatus(c *gin.Context) {
	snap := s.gate.Ledger().Snapshot()
	positions := s.manager.Positions()
	pending := s.aggregator.PendingCounts()

	c.JSON(http.StatusOK, gin.H{
		"auto_trading":   !s.manager.Fatal(),
		"fatal_halt":     s.manager.Fatal(),
		"emergency_stop": s.manager.EmergencyStopped(),
		"ledger": gin.H{
			"day":           snap.TradingDay,
			"trades_opened": snap.TradesOpenedToday,
			"realized_pnl":  snap.RealizedPnLToday,
			"halted":        snap.Halted,
			"halt_reason":   snap.HaltReason,
		},
		"open_positions": len(positions),
		"pending_signals": gin.H{
			"alpha": pending.Alpha,
			"fomo":  pending.Fomo,
		},
	})
}

// handlePositions 在管持仓列表
func (s *Server) handlePositions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"positions": s.manager.Positions()})
}

// handleSignals 最近的聚合候选与归档信号
func (s *Server) handleSignals(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	records, err := s.database.RecentSignals(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"candidates": s.aggregator.RecentCandidates(limit),
		"archived":   records,
	})
}

// handleTrades 最近的交易流水
func (s *Server) handleTrades(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	trades, err := s.database.RecentTrades(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

// handleHalt 手动熔断：停止接受新开仓（已有持仓继续维护）
func (s *Server) handleHalt(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "MANUAL_HALT"
	}

	s.gate.Ledger().Halt(req.Reason)
	s.log.Warnf("⛔ 手动熔断已触发: %s", req.Reason)
	c.JSON(http.StatusOK, gin.H{"halted": true, "reason": req.Reason})
}

// handleResume 解除手动熔断
func (s *Server) handleResume(c *gin.Context) {
	s.gate.Ledger().Resume()
	s.log.Infof("✅ 熔断已解除，恢复接受新开仓")
	c.JSON(http.StatusOK, gin.H{"halted": false})
}

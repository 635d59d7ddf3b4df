package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"valuescan/api"
	"valuescan/bridge"
	"valuescan/config"
	"valuescan/market"
	"valuescan/notify"
	"valuescan/pkg/logger"
	"valuescan/risk"
	vsignal "valuescan/signal"
	"valuescan/trader"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "配置加载失败: %v\n", err)
		os.Exit(1)
	}

	logger.InitLogger(cfg.LogDir, cfg.Debug)
	log := logger.Sugar("main")
	log.Infof("🚀 ValueScan 交易引擎启动中...")

	db, err := config.NewDatabase(cfg.DatabasePath)
	if err != nil {
		log.Errorf("❌ 数据库初始化失败: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	gateway := trader.NewBinanceGateway(cfg.BinanceAPIKey, cfg.BinanceSecretKey, cfg.BinanceTestnet)

	stream := market.NewStream(cfg.BinanceTestnet)
	stream.Start()
	defer stream.Stop()

	notifier := notify.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID)

	ledger := risk.NewLedger()
	gate := risk.NewGate(ledger, risk.GateConfig{
		MaxPositionPercent:      cfg.MaxPositionPercent,
		MaxTotalPositionPercent: cfg.MaxTotalPositionPercent,
		MaxDailyTrades:          cfg.MaxDailyTrades,
		MaxDailyLossPercent:     cfg.MaxDailyLossPercent,
		MinNotional:             cfg.MinNotional,
	})

	aggregator := vsignal.NewAggregator(vsignal.AggregatorConfig{
		Window:        cfg.ConfluenceWindow,
		MinScore:      cfg.MinScore,
		SkewTolerance: cfg.SkewTolerance,
	})

	marginMode := trader.MarginIsolated
	if cfg.MarginMode == "CROSSED" {
		marginMode = trader.MarginCrossed
	}
	pyramid := make([]trader.PyramidLevel, len(cfg.PyramidLevels))
	for i, lv := range cfg.PyramidLevels {
		pyramid[i] = trader.PyramidLevel{
			ProfitThresholdPct: lv.ProfitThresholdPct,
			ExitFraction:       lv.ExitFraction,
		}
	}

	manager, err := trader.NewManager(trader.ManagerConfig{
		SymbolSuffix:          cfg.SymbolSuffix,
		Leverage:              cfg.Leverage,
		MarginMode:            marginMode,
		StopLossPercent:       cfg.StopLossPercent,
		TrailingActivationPct: cfg.TrailingActivationPct,
		TrailingCallbackPct:   cfg.TrailingCallbackPct,
		PyramidLevels:         pyramid,
		WarningMarginRatio:    cfg.WarningMarginRatio,
		CriticalMarginRatio:   cfg.CriticalMarginRatio,
		MonitorInterval:       cfg.MonitorInterval,
		CallTimeout:           cfg.CallTimeout,
		EmergencyStopFile:     cfg.EmergencyStopFile,
		CloseAllOnStop:        cfg.CloseAllOnStop,
		AutoTradingEnabled:    cfg.AutoTradingEnabled,
	}, gateway, trader.NewRetrier(trader.RetryPolicy{
		MaxAttempts:            cfg.MaxRetryAttempts,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		Backoff:                cfg.RetryBackoff,
	}), gate, aggregator,
		trader.WithNotifier(notifier),
		trader.WithJournal(db),
		trader.WithPriceCache(stream),
	)
	if err != nil {
		log.Errorf("❌ 持仓管理器初始化失败: %v", err)
		os.Exit(1)
	}

	go manager.Run()

	// 告警接入: 解析 → 归档 → 聚合 → 风控+开仓
	ingest := bridge.NewServer(cfg.BridgeListenAddr, cfg.SkewTolerance, func(sig *vsignal.Signal) {
		if err := db.RecordSignal(sig.ID, sig.Symbol, sig.Category.String(), 0); err != nil {
			log.Warnf("⚠️  信号归档失败: %v", err)
		}

		cand, err := aggregator.Ingest(sig)
		if err != nil {
			log.Warnf("⚠️  信号聚合失败: %v", err)
			return
		}
		if cand == nil {
			return
		}

		if err := db.RecordSignal(cand.Alpha.ID+"+"+cand.Fomo.ID, cand.Symbol, "CONFLUENCE", cand.Score); err != nil {
			log.Warnf("⚠️  候选归档失败: %v", err)
		}
		go manager.HandleCandidate(cand)
	})
	if err := ingest.Start(); err != nil {
		log.Errorf("❌ 告警接入桥启动失败: %v", err)
		os.Exit(1)
	}
	defer ingest.Stop()

	apiServer := api.NewServer(cfg.APIListenAddr, manager, aggregator, gate, db)
	apiServer.Start()

	// 每分钟把当日风控账本落库一次
	ledgerDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ledgerDone:
				return
			case <-ticker.C:
				snap := ledger.Snapshot()
				if err := db.UpsertLedgerDay(snap.TradingDay, snap.TradesOpenedToday,
					snap.RealizedPnLToday, snap.Halted, snap.HaltReason); err != nil {
					log.Warnf("⚠️  账本落库失败: %v", err)
				}
			}
		}
	}()

	log.Infof("✅ 全部组件已启动 (接入: %s, API: %s, 自动交易: %v)",
		cfg.BridgeListenAddr, cfg.APIListenAddr, cfg.AutoTradingEnabled)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Infof("⏳ 收到退出信号，开始优雅关闭...")
	close(ledgerDone)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		log.Warnf("⚠️  API 服务关闭异常: %v", err)
	}

	manager.Stop()

	snap := ledger.Snapshot()
	_ = db.UpsertLedgerDay(snap.TradingDay, snap.TradesOpenedToday, snap.RealizedPnLToday, snap.Halted, snap.HaltReason)

	log.Infof("✅ 已退出")
}

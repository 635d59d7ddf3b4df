package trader

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"valuescan/pkg/logger"
	"valuescan/risk"
	"valuescan/signal"
)

// RiskSignalSource 风险信号查询面，由信号聚合器提供。
// 只用于加速已有持仓的止盈，绝不作为开仓依据。
type RiskSignalSource interface {
	LatestRiskSignal(symbol string) *signal.Signal
}

// Notifier 交易事件通知（Telegram 等），全部尽力而为，失败不影响交易流程
type Notifier interface {
	PositionOpened(p *Position)
	PositionClosed(p *Position, exitPrice, realizedPnL float64, reason string)
	PartialClose(p *Position, closedQty, price, realizedPnL float64, level int)
	OpenFailed(symbol string, err error)
	MarginWarning(p *Position, ratio float64)
	FatalHalt(reason string)
}

// TradeJournal 交易流水落库接口
type TradeJournal interface {
	RecordTrade(symbol, action string, quantity, price, realizedPnL float64, reason string) error
}

// PriceCache 标记价格缓存（WebSocket 推送），读不到或不新鲜时回退 REST
type PriceCache interface {
	Get(symbol string) (price float64, updatedAt time.Time, ok bool)
	Watch(symbol string)
	Unwatch(symbol string)
}

// 平仓原因
const (
	ReasonTrailingStop    = "TRAILING_STOP"
	ReasonPyramidExit     = "PYRAMID_EXIT"
	ReasonRiskSignal      = "RISK_SIGNAL_EXIT"
	ReasonLiquidationRisk = "LIQUIDATION_RISK"
	ReasonEmergencyStop   = "EMERGENCY_STOP"
)

// ManagerConfig 持仓管理器配置。百分比一律小数表示 (0.02 = 2%)。
type ManagerConfig struct {
	SymbolSuffix          string         // 交易对后缀，默认 USDT
	Leverage              int            // 杠杆倍数 (1-125，建议不超过 20)
	MarginMode            MarginMode     // 保证金模式
	StopLossPercent       float64        // 固定止损比例（基于开仓价）
	TrailingActivationPct float64        // 移动止损激活盈利比例
	TrailingCallbackPct   float64        // 峰值回撤触发比例
	PyramidLevels         []PyramidLevel // 分批止盈级别模板
	WarningMarginRatio    float64        // 保证金率告警线
	CriticalMarginRatio   float64        // 保证金率强平线（触发强制平仓）
	MonitorInterval       time.Duration  // 维护循环间隔
	CallTimeout           time.Duration  // 单次网关调用超时
	EmergencyStopFile     string         // 紧急停止哨兵文件
	CloseAllOnStop        bool           // 紧急停止时是否平掉全部持仓
	AutoTradingEnabled    bool           // false = 观察模式，只记录不下单
}

// Manager 持仓管理器：持有全部在管仓位，串行维护循环逐仓执行
// 移动止损、分批止盈与保证金风险升级。
type Manager struct {
	mu        sync.Mutex
	positions map[string]*Position // 基础标的 -> 持仓

	cfg     ManagerConfig
	gateway Gateway
	retrier *Retrier
	gate    *risk.Gate
	signals RiskSignalSource

	notifier Notifier     // 可选
	journal  TradeJournal // 可选
	prices   PriceCache   // 可选

	lastTotalBalance float64 // 最近一次成功读取的总余额，熔断阈值判断用

	stopCh    chan struct{}
	wg        sync.WaitGroup
	fatal     bool
	emergency bool

	now func() time.Time
	log *zap.SugaredLogger
}

// ManagerOption 可选依赖注入
type ManagerOption func(*Manager)

func WithNotifier(n Notifier) ManagerOption     { return func(m *Manager) { m.notifier = n } }
func WithJournal(j TradeJournal) ManagerOption  { return func(m *Manager) { m.journal = j } }
func WithPriceCache(p PriceCache) ManagerOption { return func(m *Manager) { m.prices = p } }

// WithManagerClock 注入时钟（测试用）
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager 创建持仓管理器
func NewManager(cfg ManagerConfig, gateway Gateway, retrier *Retrier,
	gate *risk.Gate, signals RiskSignalSource, opts ...ManagerOption) (*Manager, error) {

	if err := ValidatePyramidLevels(cfg.PyramidLevels); err != nil {
		return nil, err
	}
	if cfg.SymbolSuffix == "" {
		cfg.SymbolSuffix = "USDT"
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = 10 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}

	m := &Manager{
		positions: make(map[string]*Position),
		cfg:       cfg,
		gateway:   gateway,
		retrier:   retrier,
		gate:      gate,
		signals:   signals,
		stopCh:    make(chan struct{}),
		now:       time.Now,
		log:       logger.Sugar("trader"),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.log.Infof("📊 持仓管理器已初始化: 杠杆=%dx, 模式=%s, 止损=%.1f%%, 追踪=%.1f%%/%.1f%%, 间隔=%v",
		cfg.Leverage, cfg.MarginMode, cfg.StopLossPercent*100,
		cfg.TrailingActivationPct*100, cfg.TrailingCallbackPct*100, cfg.MonitorInterval)
	return m, nil
}

func (m *Manager) callCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), m.cfg.CallTimeout)
}

// Exposure 当前敞口快照（风控评估用）
func (m *Manager) Exposure() risk.Exposure {
	m.mu.Lock()
	defer m.mu.Unlock()

	exp := risk.Exposure{OpenSymbols: make(map[string]bool, len(m.positions))}
	for symbol, p := range m.positions {
		exp.OpenSymbols[symbol] = true
		if p.Leverage > 0 {
			exp.MarginInUse += p.EntryPrice * p.RemainingQty / float64(p.Leverage)
		}
	}
	return exp
}

// HandleCandidate 处理一条聚合信号：查询账户与价格，过风控门，通过则开仓。
// 在告警接入路径上被调用，可能与维护循环交错执行。
func (m *Manager) HandleCandidate(cand *signal.ConfluenceCandidate) {
	if m.Fatal() {
		m.log.Warnf("🚨 系统处于致命停机状态，忽略聚合信号 %s", cand.Symbol)
		return
	}
	if m.emergencyStopActive() {
		m.log.Warnf("🚨 紧急停止已激活，拒绝开仓 %s", cand.Symbol)
		return
	}
	if !m.cfg.AutoTradingEnabled {
		m.log.Infof("⏸️  自动交易已禁用 (观察模式)，跳过 %s (score=%.2f)", cand.Symbol, cand.Score)
		return
	}

	account, err := m.fetchAccountState()
	if err != nil {
		m.log.Errorf("❌ 获取账户余额失败，跳过 %s: %v", cand.Symbol, err)
		return
	}

	exchSymbol := cand.Symbol + m.cfg.SymbolSuffix
	price, err := m.fetchMarkPrice(exchSymbol)
	if err != nil {
		m.log.Errorf("❌ 获取 %s 价格失败，跳过交易: %v", exchSymbol, err)
		return
	}

	rec := m.gate.Evaluate(cand, price, account, m.Exposure())
	if rec.Action != risk.ActionBuy {
		return
	}

	if err := m.open(cand.Symbol, exchSymbol, rec); err != nil {
		m.log.Errorf("❌ 开仓 %s 失败: %v", cand.Symbol, err)
	}
}

// open 开多仓并立即挂保护性止损单。
// 止损单确认之前的任何失败都会立刻平掉已有敞口并标记 FAILED，
// 绝不留下没有止损保护的裸仓位。
func (m *Manager) open(symbol, exchSymbol string, rec risk.Recommendation) error {
	p := &Position{
		ID:               uuid.NewString(),
		Symbol:           symbol,
		ExchangeSymbol:   exchSymbol,
		Side:             SideLong,
		Leverage:         m.cfg.Leverage,
		MarginMode:       m.cfg.MarginMode,
		Pyramid:          clonePyramidLevels(m.cfg.PyramidLevels),
		Trailing:         Trailing{ActivationPct: m.cfg.TrailingActivationPct, CallbackPct: m.cfg.TrailingCallbackPct},
		Status:           StatusPendingOpen,
		Score:            rec.Score,
	}

	// 占位防止同标的并发开仓
	m.mu.Lock()
	if _, exists := m.positions[symbol]; exists {
		m.mu.Unlock()
		m.gate.Ledger().Release()
		m.log.Warnf("⚠️  %s 已有在管持仓，放弃本次开仓", symbol)
		return nil
	}
	m.positions[symbol] = p
	m.mu.Unlock()

	fail := func(err error) error {
		m.mu.Lock()
		p.Status = StatusFailed
		delete(m.positions, symbol)
		m.mu.Unlock()
		m.gate.Ledger().Release()
		if m.notifier != nil {
			m.notifier.OpenFailed(symbol, err)
		}
		m.journalTrade(exchSymbol, "OPEN_FAILED", rec.Quantity, 0, 0, err.Error())
		return err
	}

	// 1. 配置杠杆与保证金模式
	if err := m.retrier.Do(context.Background(), "set_leverage", func(ctx context.Context) error {
		cctx, cancel := m.callCtx()
		defer cancel()
		return m.gateway.SetLeverage(cctx, exchSymbol, m.cfg.Leverage)
	}); err != nil {
		return fail(err)
	}
	if err := m.retrier.Do(context.Background(), "set_margin_mode", func(ctx context.Context) error {
		cctx, cancel := m.callCtx()
		defer cancel()
		return m.gateway.SetMarginMode(cctx, exchSymbol, m.cfg.MarginMode)
	}); err != nil {
		return fail(err)
	}

	// 2. 市价开仓
	var entryPrice, executedQty float64
	if err := m.retrier.Do(context.Background(), "open_market", func(ctx context.Context) error {
		cctx, cancel := m.callCtx()
		defer cancel()
		var err error
		entryPrice, executedQty, err = m.gateway.OpenMarketPosition(cctx, exchSymbol, SideLong, rec.Quantity)
		return err
	}); err != nil {
		return fail(err)
	}

	// 仓位已对外可见（状态接口会拷贝读取），字段更新一律在锁内进行
	m.mu.Lock()
	p.EntryPrice = entryPrice
	p.OriginalQuantity = executedQty
	p.RemainingQty = executedQty
	p.OpenedAt = m.now()
	p.LastMarkPrice = entryPrice
	p.LastMarginRatio = 1.0
	p.Trailing.PeakPrice = entryPrice
	m.mu.Unlock()

	// 3. 挂保护性止损单，失败则立即平掉刚开的仓
	stopPrice := entryPrice * (1 - m.cfg.StopLossPercent)
	if err := m.retrier.Do(context.Background(), "place_stop", func(ctx context.Context) error {
		cctx, cancel := m.callCtx()
		defer cancel()
		return m.gateway.PlaceStopOrder(cctx, exchSymbol, stopPrice, executedQty)
	}); err != nil {
		m.log.Errorf("❌ 挂止损单失败，立即平掉 %s 以消除裸敞口: %v", exchSymbol, err)
		cctx, cancel := m.callCtx()
		pnl, closeErr := m.gateway.ClosePosition(cctx, exchSymbol, executedQty)
		cancel()
		if closeErr != nil {
			m.log.Errorf("🚨 紧急平仓 %s 也失败，需人工立即处理: %v", exchSymbol, closeErr)
		} else {
			// 紧急平仓的已实现盈亏同样计入当日账本
			m.recordRealizedPnL(pnl)
			m.journalTrade(exchSymbol, "CLOSE", executedQty, entryPrice, pnl, "止损挂单失败后紧急平仓")
		}
		return fail(err)
	}

	m.mu.Lock()
	p.StopLossPrice = stopPrice
	p.Status = StatusOpen
	m.mu.Unlock()

	if m.prices != nil {
		m.prices.Watch(exchSymbol)
	}

	m.log.Infof("🚀 多仓已开: %s x%.6f @ %.4f (杠杆 %dx, 止损 %.4f, 评分 %.2f)",
		exchSymbol, executedQty, entryPrice, m.cfg.Leverage, stopPrice, rec.Score)
	if m.notifier != nil {
		m.notifier.PositionOpened(p)
	}
	m.journalTrade(exchSymbol, "OPEN", executedQty, entryPrice, 0, rec.Reason)
	return nil
}

// Run 维护循环：固定间隔串行遍历全部在管持仓。
// 同一持仓的两次维护永不重叠；瞬时故障后改用退避间隔，
// 连续失败达到上限时循环自我停机并上报致命状态。
func (m *Manager) Run() {
	m.wg.Add(1)
	defer m.wg.Done()

	m.log.Infof("🔄 维护循环已启动 (间隔 %v)", m.cfg.MonitorInterval)

	delay := m.cfg.MonitorInterval
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-m.stopCh:
			m.log.Infof("⏹ 维护循环收到停止信号")
			return
		case <-timer.C:
		}

		m.checkEmergencyStop()

		err := m.tick()
		switch {
		case errors.Is(err, ErrConsecutiveFailures):
			m.mu.Lock()
			m.fatal = true
			m.mu.Unlock()
			m.log.Errorf("🚨 维护循环进入致命停机状态，停止发起交易所调用")
			if m.notifier != nil {
				m.notifier.FatalHalt("连续交易所故障达到上限")
			}
			return
		case err != nil:
			delay = m.retrier.Backoff()
		default:
			delay = m.cfg.MonitorInterval
		}
		timer.Reset(delay)
	}
}

// Stop 停止维护循环（不平仓）
func (m *Manager) Stop() {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	m.wg.Wait()
}

// tick 维护一轮：刷新余额后逐仓执行维护。返回首个瞬时错误用于退避调度。
func (m *Manager) tick() error {
	// 刷新余额缓存（日亏损熔断阈值判断用）
	var firstErr error
	if _, err := m.fetchAccountState(); err != nil {
		if errors.Is(err, ErrConsecutiveFailures) {
			return err
		}
		firstErr = err
	}
	for _, p := range m.activePositions() {
		if err := m.maintainPosition(p); err != nil {
			if errors.Is(err, ErrConsecutiveFailures) {
				return err
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (m *Manager) activePositions() []*Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Position, 0, len(m.positions))
	for _, p := range m.positions {
		if p.Active() {
			out = append(out, p)
		}
	}
	return out
}

// maintainPosition 单仓维护：取价与保证金率，依次执行
// 保证金风险升级 → 移动止损 → 风险信号加速 / 分批止盈。
// 每轮至多执行一个止盈级别。瞬时故障时保留上次观测值，本轮直接跳过决策。
func (m *Manager) maintainPosition(p *Position) error {
	price, err := m.fetchMarkPrice(p.ExchangeSymbol)
	if err != nil {
		m.log.Warnf("⏳ 获取 %s 价格失败，本轮维护跳过 (保留上次观测 %.4f): %v",
			p.ExchangeSymbol, p.LastMarkPrice, err)
		return err
	}

	var marginRatio float64
	if err := m.retrier.Do(context.Background(), "margin_ratio", func(ctx context.Context) error {
		cctx, cancel := m.callCtx()
		defer cancel()
		var err error
		marginRatio, err = m.gateway.GetMarginRatio(cctx, p.ExchangeSymbol)
		return err
	}); err != nil {
		m.log.Warnf("⏳ 获取 %s 保证金率失败，本轮维护跳过: %v", p.ExchangeSymbol, err)
		return err
	}

	// 观测值与移动止损状态会被状态接口并发拷贝读取，统一在锁内更新
	m.mu.Lock()
	p.LastMarkPrice = price
	p.LastMarginRatio = marginRatio
	p.LastSeenAt = m.now()

	gain := p.UnrealizedGainPct(price)
	trailingActivated := false
	if !p.Trailing.Active && gain >= p.Trailing.ActivationPct {
		p.Trailing.Active = true
		p.Trailing.PeakPrice = price
		trailingActivated = true
	}
	if p.Trailing.Active && price > p.Trailing.PeakPrice {
		p.Trailing.PeakPrice = price
	}
	dynStop := p.Trailing.DynamicStop()
	trailingHit := p.Trailing.Active && price <= dynStop
	peak := p.Trailing.PeakPrice
	m.mu.Unlock()

	// 1. 保证金风险升级：低于强平线无条件立即全平
	if marginRatio <= m.cfg.CriticalMarginRatio {
		m.log.Errorf("🚨 %s 保证金率 %.3f ≤ 强平线 %.3f，强制平仓",
			p.ExchangeSymbol, marginRatio, m.cfg.CriticalMarginRatio)
		return m.closeRemaining(p, price, ReasonLiquidationRisk)
	}
	if marginRatio <= m.cfg.WarningMarginRatio {
		// 同一段告警区间只通知一次，回升到告警线以上后重新武装
		if !p.marginWarned {
			m.mu.Lock()
			p.marginWarned = true
			m.mu.Unlock()
			m.log.Warnf("⚠️  强平风险: %s 保证金率 %.3f ≤ 告警线 %.3f",
				p.ExchangeSymbol, marginRatio, m.cfg.WarningMarginRatio)
			if m.notifier != nil {
				m.notifier.MarginWarning(p, marginRatio)
			}
		}
	} else if p.marginWarned {
		m.mu.Lock()
		p.marginWarned = false
		m.mu.Unlock()
		m.log.Infof("✅ %s 保证金率回升至 %.3f，解除告警", p.ExchangeSymbol, marginRatio)
	}

	// 2. 移动止损
	if trailingActivated {
		m.log.Infof("🎯 %s 移动止损已激活: 盈利 %.2f%% ≥ %.2f%%",
			p.ExchangeSymbol, gain*100, p.Trailing.ActivationPct*100)
	}
	if trailingHit {
		m.log.Warnf("🛑 %s 触发移动止损: 当前 %.4f ≤ 止损 %.4f (峰值 %.4f)",
			p.ExchangeSymbol, price, dynStop, peak)
		return m.closeRemaining(p, price, ReasonTrailingStop)
	}

	// 3. 风险信号加速止盈：直接触发下一个未执行级别，绕过其价格阈值。
	//    风险信号永不触发开仓，这是硬性不变式。
	if sig := m.signals.LatestRiskSignal(p.Symbol); sig != nil {
		m.mu.Lock()
		fresh := sig.Timestamp.After(p.lastRiskSignalAt)
		if fresh {
			p.lastRiskSignalAt = sig.Timestamp
		}
		m.mu.Unlock()
		if fresh {
			if idx := p.NextPyramidLevel(); idx >= 0 {
				m.log.Warnf("⚠️  %s 收到风险信号，提前执行止盈级别 %d", p.ExchangeSymbol, idx+1)
				return m.executePyramidLevel(p, idx, price, ReasonRiskSignal)
			}
			return nil
		}
	}

	// 4. 分批止盈：只检查第一个未执行级别，永不跳级
	if idx := p.NextPyramidLevel(); idx >= 0 && gain >= p.Pyramid[idx].ProfitThresholdPct {
		m.log.Infof("🎯 %s 触发金字塔退出级别 %d: 盈利 %.2f%% ≥ %.2f%%",
			p.ExchangeSymbol, idx+1, gain*100, p.Pyramid[idx].ProfitThresholdPct*100)
		return m.executePyramidLevel(p, idx, price, ReasonPyramidExit)
	}

	return nil
}

// executePyramidLevel 执行一个止盈级别的部分平仓
func (m *Manager) executePyramidLevel(p *Position, idx int, price float64, reason string) error {
	level := &p.Pyramid[idx]
	closeQty := level.ExitFraction * p.OriginalQuantity
	if closeQty > p.RemainingQty {
		closeQty = p.RemainingQty
	}

	var pnl float64
	if err := m.retrier.Do(context.Background(), "partial_close", func(ctx context.Context) error {
		cctx, cancel := m.callCtx()
		defer cancel()
		var err error
		pnl, err = m.gateway.ClosePosition(cctx, p.ExchangeSymbol, closeQty)
		return err
	}); err != nil {
		m.log.Errorf("❌ 部分平仓 %s 失败: %v", p.ExchangeSymbol, err)
		return err
	}

	m.mu.Lock()
	level.Executed = true
	p.RemainingQty -= closeQty
	exhausted := p.RemainingQty <= p.OriginalQuantity*1e-9
	if exhausted {
		p.RemainingQty = 0
	} else {
		p.Status = StatusPartiallyClosed
	}
	remaining := p.RemainingQty
	m.mu.Unlock()

	m.recordRealizedPnL(pnl)
	m.journalTrade(p.ExchangeSymbol, "PARTIAL_CLOSE", closeQty, price, pnl, reason)

	m.log.Infof("📉 %s 级别 %d 已平 %.6f (剩余 %.6f, 盈亏 %+.2f USDT)",
		p.ExchangeSymbol, idx+1, closeQty, remaining, pnl)
	if m.notifier != nil {
		m.notifier.PartialClose(p, closeQty, price, pnl, idx+1)
	}

	if exhausted {
		m.finishClose(p, price, pnl, reason, false)
	}
	return nil
}

// closeRemaining 市价平掉全部剩余数量
func (m *Manager) closeRemaining(p *Position, price float64, reason string) error {
	var pnl float64
	if err := m.retrier.Do(context.Background(), "close_position", func(ctx context.Context) error {
		cctx, cancel := m.callCtx()
		defer cancel()
		var err error
		pnl, err = m.gateway.ClosePosition(cctx, p.ExchangeSymbol, p.RemainingQty)
		return err
	}); err != nil {
		m.log.Errorf("❌ 平仓 %s 失败: %v", p.ExchangeSymbol, err)
		return err
	}

	m.mu.Lock()
	closedQty := p.RemainingQty
	p.RemainingQty = 0
	m.mu.Unlock()
	m.recordRealizedPnL(pnl)
	m.journalTrade(p.ExchangeSymbol, "CLOSE", closedQty, price, pnl, reason)
	m.finishClose(p, price, pnl, reason, true)
	return nil
}

// finishClose 收尾：撤掉残留止损挂单，移出在管集合
func (m *Manager) finishClose(p *Position, exitPrice, lastPnL float64, reason string, notifyClose bool) {
	cctx, cancel := m.callCtx()
	if err := m.gateway.CancelAllOrders(cctx, p.ExchangeSymbol); err != nil {
		m.log.Warnf("⚠️  撤销 %s 挂单失败: %v", p.ExchangeSymbol, err)
	}
	cancel()

	m.mu.Lock()
	p.Status = StatusClosed
	delete(m.positions, p.Symbol)
	m.mu.Unlock()
	if m.prices != nil {
		m.prices.Unwatch(p.ExchangeSymbol)
	}

	m.log.Infof("✅ 仓位已关闭: %s (原因: %s)", p.ExchangeSymbol, reason)
	if notifyClose && m.notifier != nil {
		m.notifier.PositionClosed(p, exitPrice, lastPnL, reason)
	}
}

// recordRealizedPnL 把已实现盈亏计入风控账本（触发日亏损熔断判断）
func (m *Manager) recordRealizedPnL(pnl float64) {
	m.mu.Lock()
	balance := m.lastTotalBalance
	m.mu.Unlock()
	m.gate.Ledger().RecordRealizedPnL(pnl, balance, m.gate.Config().MaxDailyLossPercent)
}

// checkEmergencyStop 每轮检查一次紧急停止哨兵文件。
// 文件存在期间拒绝新开仓；按配置可平掉全部持仓。文件删除后自动恢复。
func (m *Manager) checkEmergencyStop() {
	if m.cfg.EmergencyStopFile == "" {
		return
	}

	_, statErr := os.Stat(m.cfg.EmergencyStopFile)
	present := statErr == nil

	m.mu.Lock()
	wasActive := m.emergency
	m.emergency = present
	m.mu.Unlock()

	if present && !wasActive {
		m.log.Errorf("🚨 检测到紧急停止文件 %s，停止接受新开仓", m.cfg.EmergencyStopFile)
		if m.cfg.CloseAllOnStop {
			for _, p := range m.activePositions() {
				if err := m.closeRemaining(p, p.LastMarkPrice, ReasonEmergencyStop); err != nil {
					m.log.Errorf("❌ 紧急平仓 %s 失败: %v", p.ExchangeSymbol, err)
				}
			}
		}
	}
	if !present && wasActive {
		m.log.Warnf("✅ 紧急停止文件已移除，恢复接受新开仓")
	}
}

func (m *Manager) emergencyStopActive() bool {
	if m.cfg.EmergencyStopFile == "" {
		return false
	}
	// 接入路径上实时检查，避免等到下一轮维护才生效
	if _, err := os.Stat(m.cfg.EmergencyStopFile); err == nil {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emergency
}

// fetchAccountState 读取账户余额并缓存总额
func (m *Manager) fetchAccountState() (risk.AccountState, error) {
	var account AccountState
	err := m.retrier.Do(context.Background(), "account_state", func(ctx context.Context) error {
		cctx, cancel := m.callCtx()
		defer cancel()
		var err error
		account, err = m.gateway.GetAccountState(cctx)
		return err
	})
	if err != nil {
		return risk.AccountState{}, err
	}

	m.mu.Lock()
	m.lastTotalBalance = account.TotalBalance
	m.mu.Unlock()
	return risk.AccountState{
		TotalBalance:     account.TotalBalance,
		AvailableBalance: account.AvailableBalance,
	}, nil
}

// fetchMarkPrice 优先读 WebSocket 缓存（两个维护周期内的值视为新鲜），否则回退 REST
func (m *Manager) fetchMarkPrice(exchSymbol string) (float64, error) {
	if m.prices != nil {
		if price, updatedAt, ok := m.prices.Get(exchSymbol); ok &&
			m.now().Sub(updatedAt) <= 2*m.cfg.MonitorInterval {
			return price, nil
		}
	}

	var price float64
	err := m.retrier.Do(context.Background(), "mark_price", func(ctx context.Context) error {
		cctx, cancel := m.callCtx()
		defer cancel()
		var err error
		price, err = m.gateway.GetMarkPrice(cctx, exchSymbol)
		return err
	})
	return price, err
}

// Fatal 是否处于致命停机状态
func (m *Manager) Fatal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fatal || m.retrier.Exhausted()
}

// EmergencyStopped 紧急停止哨兵是否激活
func (m *Manager) EmergencyStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emergency
}

// Positions 在管持仓快照（状态接口用）
func (m *Manager) Positions() []Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	return out
}

func (m *Manager) journalTrade(symbol, action string, quantity, price, pnl float64, reason string) {
	if m.journal == nil {
		return
	}
	if err := m.journal.RecordTrade(symbol, action, quantity, price, pnl, reason); err != nil {
		m.log.Warnf("⚠️  交易流水落库失败 (%s %s): %v", symbol, action, err)
	}
}

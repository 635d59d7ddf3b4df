package trader

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"valuescan/risk"
	"valuescan/signal"
)

// fakeGateway 可编程的交易所替身
type fakeGateway struct {
	mu sync.Mutex

	markPrice   float64
	marginRatio float64
	account     AccountState
	closePnL    float64

	accountErr   error
	priceErr     error
	openErr      error
	stopErr      error
	closeErr     error
	openFailures int // 前 N 次市价开仓返回瞬时错误
	openCalls    int

	stopOrders  []float64 // 止损触发价
	closedQtys  []float64 // 平仓数量
	cancelCalls int
	leverage    int
	marginMode  MarginMode
}

func (g *fakeGateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.leverage = leverage
	return nil
}

func (g *fakeGateway) SetMarginMode(ctx context.Context, symbol string, mode MarginMode) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.marginMode = mode
	return nil
}

func (g *fakeGateway) OpenMarketPosition(ctx context.Context, symbol string, side Side, quantity float64) (float64, float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.openCalls++
	if g.openFailures > 0 {
		g.openFailures--
		return 0, 0, &TransientError{Op: "open_market", Err: context.DeadlineExceeded}
	}
	if g.openErr != nil {
		return 0, 0, g.openErr
	}
	return g.markPrice, quantity, nil
}

func (g *fakeGateway) PlaceStopOrder(ctx context.Context, symbol string, triggerPrice, quantity float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopErr != nil {
		return g.stopErr
	}
	g.stopOrders = append(g.stopOrders, triggerPrice)
	return nil
}

func (g *fakeGateway) ClosePosition(ctx context.Context, symbol string, quantity float64) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closeErr != nil {
		return 0, g.closeErr
	}
	g.closedQtys = append(g.closedQtys, quantity)
	return g.closePnL, nil
}

func (g *fakeGateway) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.priceErr != nil {
		return 0, g.priceErr
	}
	return g.markPrice, nil
}

func (g *fakeGateway) GetMarginRatio(ctx context.Context, symbol string) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.marginRatio, nil
}

func (g *fakeGateway) GetAccountState(ctx context.Context) (AccountState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.accountErr != nil {
		return AccountState{}, g.accountErr
	}
	return g.account, nil
}

func (g *fakeGateway) CancelAllOrders(ctx context.Context, symbol string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelCalls++
	return nil
}

func (g *fakeGateway) setPrice(p float64) {
	g.mu.Lock()
	g.markPrice = p
	g.mu.Unlock()
}

func (g *fakeGateway) closedTotal() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.closedQtys)
}

func (g *fakeGateway) openCallCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.openCalls
}

// fakeNotifier 通知替身，记录各类通知次数
type fakeNotifier struct {
	mu             sync.Mutex
	marginWarnings int
}

func (n *fakeNotifier) PositionOpened(p *Position)                                          {}
func (n *fakeNotifier) PositionClosed(p *Position, exitPrice, realizedPnL float64, reason string) {}
func (n *fakeNotifier) PartialClose(p *Position, closedQty, price, realizedPnL float64, level int) {
}
func (n *fakeNotifier) OpenFailed(symbol string, err error) {}
func (n *fakeNotifier) FatalHalt(reason string)             {}

func (n *fakeNotifier) MarginWarning(p *Position, ratio float64) {
	n.mu.Lock()
	n.marginWarnings++
	n.mu.Unlock()
}

func (n *fakeNotifier) marginWarningCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.marginWarnings
}

// fakeSignals 风险信号面替身
type fakeSignals struct {
	mu  sync.Mutex
	sig *signal.Signal
}

func (f *fakeSignals) LatestRiskSignal(symbol string) *signal.Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sig != nil && f.sig.Symbol == symbol {
		return f.sig
	}
	return nil
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		markPrice:   100,
		marginRatio: 0.9,
		account:     AccountState{TotalBalance: 1000, AvailableBalance: 1000},
		closePnL:    5,
	}
}

func newTestManager(t *testing.T, g *fakeGateway, mutate func(*ManagerConfig), opts ...ManagerOption) (*Manager, *fakeSignals) {
	t.Helper()

	cfg := ManagerConfig{
		SymbolSuffix:          "USDT",
		Leverage:              5,
		MarginMode:            MarginIsolated,
		StopLossPercent:       0.02,
		TrailingActivationPct: 0.02,
		TrailingCallbackPct:   0.01,
		PyramidLevels:         defaultLevels(),
		WarningMarginRatio:    0.30,
		CriticalMarginRatio:   0.20,
		MonitorInterval:       10 * time.Second,
		CallTimeout:           5 * time.Second,
		AutoTradingEnabled:    true,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	gate := risk.NewGate(risk.NewLedger(), risk.GateConfig{
		MaxPositionPercent:      0.05,
		MaxTotalPositionPercent: 0.25,
		MaxDailyTrades:          10,
		MaxDailyLossPercent:     0.05,
		MinNotional:             5.0,
	})
	sigs := &fakeSignals{}

	m, err := NewManager(cfg, g,
		NewRetrier(RetryPolicy{MaxAttempts: 3, MaxConsecutiveFailures: 10, Backoff: time.Millisecond}),
		gate, sigs, opts...)
	require.NoError(t, err)
	return m, sigs
}

func btcCandidate() *signal.ConfluenceCandidate {
	return &signal.ConfluenceCandidate{Symbol: "BTC", Score: 0.8}
}

func TestManager_OpenPlacesProtectiveStop(t *testing.T) {
	g := newFakeGateway()
	m, _ := newTestManager(t, g, nil)

	m.HandleCandidate(btcCandidate())

	positions := m.Positions()
	require.Len(t, positions, 1)
	p := positions[0]

	assert.Equal(t, "BTCUSDT", p.ExchangeSymbol)
	assert.Equal(t, StatusOpen, p.Status)
	assert.InDelta(t, 100.0, p.EntryPrice, 1e-9)
	assert.InDelta(t, 0.45, p.OriginalQuantity, 1e-9)
	assert.InDelta(t, 98.0, p.StopLossPrice, 1e-9)

	require.Len(t, g.stopOrders, 1)
	assert.InDelta(t, 98.0, g.stopOrders[0], 1e-9)
	assert.Equal(t, 5, g.leverage)
	assert.Equal(t, MarginIsolated, g.marginMode)
	assert.Equal(t, 1, m.gate.Ledger().Snapshot().TradesOpenedToday)
}

func TestManager_ObserveModeNeverTrades(t *testing.T) {
	g := newFakeGateway()
	m, _ := newTestManager(t, g, func(c *ManagerConfig) { c.AutoTradingEnabled = false })

	m.HandleCandidate(btcCandidate())

	assert.Empty(t, m.Positions())
	assert.Empty(t, g.stopOrders)
	assert.Equal(t, 0, m.gate.Ledger().Snapshot().TradesOpenedToday)
}

func TestManager_StopFailureForcesCloseOut(t *testing.T) {
	g := newFakeGateway()
	g.stopErr = &RejectedError{Op: "place_stop", Code: -4003, Msg: "invalid stop price"}
	m, _ := newTestManager(t, g, nil)

	m.HandleCandidate(btcCandidate())

	// 裸仓位必须被立即平掉，名额归还
	assert.Empty(t, m.Positions())
	require.Equal(t, 1, g.closedTotal())
	assert.InDelta(t, 0.45, g.closedQtys[0], 1e-9)
	assert.Equal(t, 0, m.gate.Ledger().Snapshot().TradesOpenedToday)
}

func TestManager_StopFailureCloseOutRecordsLoss(t *testing.T) {
	g := newFakeGateway()
	g.stopErr = &RejectedError{Op: "place_stop", Code: -4003, Msg: "invalid stop price"}
	g.closePnL = -7.5
	m, _ := newTestManager(t, g, nil)

	m.HandleCandidate(btcCandidate())

	// 紧急平仓的亏损必须进入当日账本
	assert.Empty(t, m.Positions())
	snap := m.gate.Ledger().Snapshot()
	assert.Equal(t, 0, snap.TradesOpenedToday)
	assert.InDelta(t, -7.5, snap.RealizedPnLToday, 1e-9)
}

func TestManager_OpenRetriesTransientOrder(t *testing.T) {
	g := newFakeGateway()
	g.openFailures = 1
	m, _ := newTestManager(t, g, nil)

	m.HandleCandidate(btcCandidate())

	// 一次瞬时超时不放弃交易，第二次尝试成功开仓
	positions := m.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, StatusOpen, positions[0].Status)
	assert.Equal(t, 2, g.openCallCount())
	assert.Equal(t, 1, m.gate.Ledger().Snapshot().TradesOpenedToday)
	assert.False(t, m.Fatal())
}

func TestManager_StatusReadsDuringMaintenance(t *testing.T) {
	g := newFakeGateway()
	m, _ := newTestManager(t, g, func(c *ManagerConfig) {
		c.PyramidLevels = []PyramidLevel{{ProfitThresholdPct: 0.50, ExitFraction: 1.0}}
	})

	m.HandleCandidate(btcCandidate())
	require.Len(t, m.Positions(), 1)

	// 状态接口在维护循环更新持仓的同时并发读取快照
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			for _, p := range m.Positions() {
				_ = p.EntryPrice + p.RemainingQty + p.Trailing.PeakPrice
			}
			_ = m.Exposure()
		}
	}()

	for _, price := range []float64{101, 103, 104, 103.5, 105} {
		g.setPrice(price)
		require.NoError(t, m.tick())
	}
	close(done)
	wg.Wait()

	require.Len(t, m.Positions(), 1)
	p := m.Positions()[0]
	assert.True(t, p.Trailing.Active)
	assert.InDelta(t, 105.0, p.Trailing.PeakPrice, 1e-9)
}

func TestManager_MarginWarningNotifiedOncePerEpisode(t *testing.T) {
	g := newFakeGateway()
	n := &fakeNotifier{}
	m, _ := newTestManager(t, g, nil, WithNotifier(n))

	m.HandleCandidate(btcCandidate())
	require.Len(t, m.Positions(), 1)

	// 连续处于告警区间只通知一次
	g.mu.Lock()
	g.marginRatio = 0.25
	g.mu.Unlock()
	require.NoError(t, m.tick())
	require.NoError(t, m.tick())
	assert.Equal(t, 1, n.marginWarningCount())

	// 回升解除后再次跌破，重新通知
	g.mu.Lock()
	g.marginRatio = 0.50
	g.mu.Unlock()
	require.NoError(t, m.tick())

	g.mu.Lock()
	g.marginRatio = 0.28
	g.mu.Unlock()
	require.NoError(t, m.tick())
	assert.Equal(t, 2, n.marginWarningCount())
}

func TestManager_DuplicateSymbolSkipped(t *testing.T) {
	g := newFakeGateway()
	m, _ := newTestManager(t, g, nil)

	m.HandleCandidate(btcCandidate())
	m.HandleCandidate(btcCandidate())

	assert.Len(t, m.Positions(), 1)
	assert.Equal(t, 1, m.gate.Ledger().Snapshot().TradesOpenedToday)
}

func TestManager_TrailingStop(t *testing.T) {
	g := newFakeGateway()
	m, _ := newTestManager(t, g, func(c *ManagerConfig) {
		// 单级止盈且阈值很高，隔离出移动止损行为
		c.PyramidLevels = []PyramidLevel{{ProfitThresholdPct: 0.50, ExitFraction: 1.0}}
	})

	m.HandleCandidate(btcCandidate())
	require.Len(t, m.Positions(), 1)

	// 盈利 3% ≥ 激活线 2%，峰值 103，动态止损 101.97
	g.setPrice(103)
	require.NoError(t, m.tick())
	p := m.Positions()[0]
	assert.True(t, p.Trailing.Active)
	assert.InDelta(t, 103.0, p.Trailing.PeakPrice, 1e-9)

	// 回落但未触及动态止损
	g.setPrice(102.5)
	require.NoError(t, m.tick())
	assert.Len(t, m.Positions(), 1)
	assert.Equal(t, 0, g.closedTotal())

	// 跌破 101.97 触发平仓
	g.setPrice(101.9)
	require.NoError(t, m.tick())
	assert.Empty(t, m.Positions())
	require.Equal(t, 1, g.closedTotal())
	assert.InDelta(t, 0.45, g.closedQtys[0], 1e-9)
	assert.Equal(t, 1, g.cancelCalls)
}

func TestManager_PyramidOneLevelPerTickInOrder(t *testing.T) {
	g := newFakeGateway()
	m, _ := newTestManager(t, g, func(c *ManagerConfig) {
		c.TrailingActivationPct = 0.50 // 关闭移动止损干扰
		c.TrailingCallbackPct = 0.25
	})

	m.HandleCandidate(btcCandidate())
	require.Len(t, m.Positions(), 1)

	// 盈利 9% 同时越过全部三级阈值，但每轮只执行一级
	g.setPrice(109)
	require.NoError(t, m.tick())
	require.Equal(t, 1, g.closedTotal())
	assert.InDelta(t, 0.135, g.closedQtys[0], 1e-9) // 30% × 0.45

	p := m.Positions()[0]
	assert.Equal(t, StatusPartiallyClosed, p.Status)
	assert.True(t, p.Pyramid[0].Executed)
	assert.False(t, p.Pyramid[1].Executed)

	require.NoError(t, m.tick())
	require.Equal(t, 2, g.closedTotal())
	assert.InDelta(t, 0.135, g.closedQtys[1], 1e-9)

	// 第三级平掉剩余全部，仓位关闭
	require.NoError(t, m.tick())
	require.Equal(t, 3, g.closedTotal())
	assert.InDelta(t, 0.18, g.closedQtys[2], 1e-9)
	assert.Empty(t, m.Positions())
	assert.Equal(t, 1, g.cancelCalls)
}

func TestManager_PyramidNotTriggeredBelowThreshold(t *testing.T) {
	g := newFakeGateway()
	m, _ := newTestManager(t, g, func(c *ManagerConfig) {
		c.TrailingActivationPct = 0.50
		c.TrailingCallbackPct = 0.25
	})

	m.HandleCandidate(btcCandidate())

	g.setPrice(102) // 2% < 第一级 3%
	require.NoError(t, m.tick())
	assert.Equal(t, 0, g.closedTotal())
	assert.Len(t, m.Positions(), 1)
}

func TestManager_CriticalMarginForcesClose(t *testing.T) {
	g := newFakeGateway()
	m, _ := newTestManager(t, g, nil)

	m.HandleCandidate(btcCandidate())
	require.Len(t, m.Positions(), 1)

	g.mu.Lock()
	g.marginRatio = 0.15 // 低于强平线 0.20
	g.mu.Unlock()

	require.NoError(t, m.tick())
	assert.Empty(t, m.Positions())
	require.Equal(t, 1, g.closedTotal())
	assert.InDelta(t, 0.45, g.closedQtys[0], 1e-9)
}

func TestManager_RiskSignalAcceleratesExit(t *testing.T) {
	g := newFakeGateway()
	m, sigs := newTestManager(t, g, func(c *ManagerConfig) {
		c.TrailingActivationPct = 0.50
		c.TrailingCallbackPct = 0.25
	})

	m.HandleCandidate(btcCandidate())
	require.Len(t, m.Positions(), 1)

	// 盈利只有 0.5%，远低于第一级阈值，但风险信号绕过阈值直接触发
	g.setPrice(100.5)
	sigs.mu.Lock()
	sigs.sig = &signal.Signal{ID: "r1", Symbol: "BTC", Category: signal.CategoryRisk, Timestamp: time.Now()}
	sigs.mu.Unlock()

	require.NoError(t, m.tick())
	require.Equal(t, 1, g.closedTotal())
	assert.InDelta(t, 0.135, g.closedQtys[0], 1e-9)

	// 同一条风险信号只消费一次
	require.NoError(t, m.tick())
	assert.Equal(t, 1, g.closedTotal())
}

func TestManager_EmergencyStopBlocksOpens(t *testing.T) {
	stopFile := filepath.Join(t.TempDir(), "EMERGENCY_STOP")
	require.NoError(t, os.WriteFile(stopFile, nil, 0o644))

	g := newFakeGateway()
	m, _ := newTestManager(t, g, func(c *ManagerConfig) { c.EmergencyStopFile = stopFile })

	m.HandleCandidate(btcCandidate())
	assert.Empty(t, m.Positions())

	// 文件移除后恢复开仓
	require.NoError(t, os.Remove(stopFile))
	m.checkEmergencyStop()
	m.HandleCandidate(btcCandidate())
	assert.Len(t, m.Positions(), 1)
}

func TestManager_EmergencyStopCloseAll(t *testing.T) {
	stopFile := filepath.Join(t.TempDir(), "EMERGENCY_STOP")

	g := newFakeGateway()
	m, _ := newTestManager(t, g, func(c *ManagerConfig) {
		c.EmergencyStopFile = stopFile
		c.CloseAllOnStop = true
	})

	m.HandleCandidate(btcCandidate())
	require.Len(t, m.Positions(), 1)

	require.NoError(t, os.WriteFile(stopFile, nil, 0o644))
	m.checkEmergencyStop()

	assert.Empty(t, m.Positions())
	require.Equal(t, 1, g.closedTotal())
}

func TestManager_TransientFailureSkipsDecisions(t *testing.T) {
	g := newFakeGateway()
	m, _ := newTestManager(t, g, nil)

	m.HandleCandidate(btcCandidate())
	require.Len(t, m.Positions(), 1)

	g.mu.Lock()
	g.priceErr = &TransientError{Op: "mark_price", Err: context.DeadlineExceeded}
	g.mu.Unlock()

	// 取价失败: 本轮跳过决策，持仓与上次观测保持不变
	err := m.tick()
	require.Error(t, err)
	require.Len(t, m.Positions(), 1)
	assert.Equal(t, 0, g.closedTotal())
	assert.InDelta(t, 100.0, m.Positions()[0].LastMarkPrice, 1e-9)
}

func TestManager_FatalAfterConsecutiveFailures(t *testing.T) {
	g := newFakeGateway()
	g.accountErr = &TransientError{Op: "account", Err: context.DeadlineExceeded}

	gate := risk.NewGate(risk.NewLedger(), risk.GateConfig{
		MaxPositionPercent: 0.05, MaxTotalPositionPercent: 0.25,
		MaxDailyTrades: 10, MaxDailyLossPercent: 0.05, MinNotional: 5,
	})
	m, err := NewManager(ManagerConfig{
		Leverage: 5, MarginMode: MarginIsolated, StopLossPercent: 0.02,
		TrailingActivationPct: 0.02, TrailingCallbackPct: 0.01,
		PyramidLevels: defaultLevels(), WarningMarginRatio: 0.30, CriticalMarginRatio: 0.20,
		AutoTradingEnabled: true,
	}, g, NewRetrier(RetryPolicy{MaxConsecutiveFailures: 3, Backoff: time.Millisecond}), gate, &fakeSignals{})
	require.NoError(t, err)

	var tickErr error
	for i := 0; i < 3; i++ {
		tickErr = m.tick()
	}
	assert.ErrorIs(t, tickErr, ErrConsecutiveFailures)
	assert.True(t, m.Fatal())

	// 致命状态下不再接受新信号
	m.HandleCandidate(btcCandidate())
	assert.Empty(t, m.Positions())
}

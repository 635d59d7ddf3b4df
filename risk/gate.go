package risk

import (
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"valuescan/pkg/logger"
	"valuescan/signal"
)

// Action 风控建议动作
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSkip Action = "SKIP"
)

// SKIP 原因
const (
	ReasonDailyLossLimit    = "DAILY_LOSS_LIMIT"
	ReasonDailyTradeLimit   = "DAILY_TRADE_LIMIT"
	ReasonBelowMinNotional  = "BELOW_MIN_NOTIONAL"
	ReasonAlreadyInPosition = "ALREADY_IN_POSITION"
	ReasonNoBalance         = "NO_BALANCE"
	ReasonMaxTotalExposure  = "MAX_TOTAL_EXPOSURE"
)

// AccountState 合约账户余额视图
type AccountState struct {
	TotalBalance     float64 `json:"total_balance"`
	AvailableBalance float64 `json:"available_balance"`
}

// Exposure 当前持仓敞口视图，由持仓管理器在评估时提供
type Exposure struct {
	OpenSymbols map[string]bool // 已持仓标的
	MarginInUse float64         // 已占用本金 (USDT)
}

// Recommendation 风控评估结果
type Recommendation struct {
	Symbol   string  `json:"symbol"`
	Action   Action  `json:"action"`
	Quantity float64 `json:"quantity"`
	Score    float64 `json:"score"`
	Reason   string  `json:"reason"`
}

// GateConfig 风控门配置。百分比一律用小数表示 (0.05 = 5%)。
type GateConfig struct {
	MaxPositionPercent      float64 // 单标的最大本金占比
	MaxTotalPositionPercent float64 // 全部持仓本金占比上限
	MaxDailyTrades          int     // 每日最大开仓次数
	MaxDailyLossPercent     float64 // 每日最大亏损比例（熔断阈值）
	MinNotional             float64 // 最小名义价值 (USDT)
}

// Gate 风控门：把聚合信号变成带数量的 BUY/SKIP 建议，
// 并在返回 BUY 前原子预占当日开仓名额。
type Gate struct {
	ledger *Ledger
	cfg    GateConfig
	log    *zap.SugaredLogger
}

// NewGate 创建风控门
func NewGate(ledger *Ledger, cfg GateConfig) *Gate {
	g := &Gate{ledger: ledger, cfg: cfg, log: logger.Sugar("risk")}
	g.log.Infof("🛡️  风控门已初始化: 单标的=%.1f%%, 总仓位=%.1f%%, 日限=%d笔, 日亏损线=%.1f%%",
		cfg.MaxPositionPercent*100, cfg.MaxTotalPositionPercent*100,
		cfg.MaxDailyTrades, cfg.MaxDailyLossPercent*100)
	return g
}

// Ledger 暴露底层账本（持仓管理器平仓时记账用）
func (g *Gate) Ledger() *Ledger { return g.ledger }

// Config 返回配置（平仓记账需要亏损线阈值）
func (g *Gate) Config() GateConfig { return g.cfg }

// Evaluate 评估一条聚合信号。
// price 为评估时刻从交易所取得的标记价格。
// 返回 BUY 时名额已预占，开仓失败方需调用 Ledger().Release() 归还。
func (g *Gate) Evaluate(candidate *signal.ConfluenceCandidate, price float64,
	account AccountState, exposure Exposure) Recommendation {

	skip := func(reason string) Recommendation {
		g.log.Infof("⏭️  跳过 %s: %s", candidate.Symbol, reason)
		return Recommendation{Symbol: candidate.Symbol, Action: ActionSkip, Score: candidate.Score, Reason: reason}
	}

	// 1. 熔断检查
	if g.ledger.Halted() {
		return skip(ReasonDailyLossLimit)
	}

	// 2. 同标的已持仓不加仓
	if exposure.OpenSymbols[candidate.Symbol] {
		return skip(ReasonAlreadyInPosition)
	}

	// 3. 日开仓次数预检（真正的预占在第 8 步原子完成）
	if g.ledger.Snapshot().TradesOpenedToday >= g.cfg.MaxDailyTrades {
		return skip(ReasonDailyTradeLimit)
	}

	// 4. 余额校验
	if account.TotalBalance <= 0 || price <= 0 {
		return skip(ReasonNoBalance)
	}

	// 5. 总敞口上限
	if exposure.MarginInUse >= account.TotalBalance*g.cfg.MaxTotalPositionPercent {
		return skip(ReasonMaxTotalExposure)
	}

	// 6. 计算仓位: 单标的上限与可用余额取小，再按评分缩放到 [50%, 100%]
	total := decimal.NewFromFloat(account.TotalBalance)
	singleAssetLimit := total.Mul(decimal.NewFromFloat(g.cfg.MaxPositionPercent))
	available := decimal.NewFromFloat(account.AvailableBalance)

	actualMargin := singleAssetLimit
	if available.LessThan(actualMargin) {
		actualMargin = available
	}

	priceDec := decimal.NewFromFloat(price)
	baseQuantity := actualMargin.Div(priceDec)
	multiplier := decimal.NewFromFloat(0.5 + 0.5*candidate.Score)
	adjustedQuantity := baseQuantity.Mul(multiplier)

	// 7. 最小名义价值检查
	notional := adjustedQuantity.Mul(priceDec)
	if notional.LessThan(decimal.NewFromFloat(g.cfg.MinNotional)) {
		return skip(ReasonBelowMinNotional)
	}

	// 8. 原子预占开仓名额（与其它标的的并发评估线性一致）
	if ok, reason := g.ledger.TryReserve(g.cfg.MaxDailyTrades); !ok {
		return skip(reason)
	}

	quantity, _ := adjustedQuantity.Float64()
	g.log.Infof("✅ 风控通过 %s: 数量=%.6f, 评分=%.2f, 本金=%.2f USDT",
		candidate.Symbol, quantity, candidate.Score, actualMargin.InexactFloat64())

	return Recommendation{
		Symbol:   candidate.Symbol,
		Action:   ActionBuy,
		Quantity: quantity,
		Score:    candidate.Score,
		Reason:   fmt.Sprintf("信号评分 %.2f", candidate.Score),
	}
}

package trader

import (
	"fmt"
	"math"
	"time"
)

// Status 持仓生命周期状态
type Status string

const (
	StatusPendingOpen     Status = "PENDING_OPEN"
	StatusOpen            Status = "OPEN"
	StatusPartiallyClosed Status = "PARTIALLY_CLOSED"
	StatusClosed          Status = "CLOSED"
	StatusFailed          Status = "FAILED"
)

// PyramidLevel 分批止盈级别。阈值严格递增，各级 ExitFraction 之和为 1，
// 每级只执行一次且按序执行。
type PyramidLevel struct {
	ProfitThresholdPct float64 `json:"profit_threshold_pct"` // 触发该级的盈利比例 (0.03 = 3%)
	ExitFraction       float64 `json:"exit_fraction"`        // 平掉原始仓位的比例
	Executed           bool    `json:"executed"`
}

// ValidatePyramidLevels 校验分批止盈配置的不变式
func ValidatePyramidLevels(levels []PyramidLevel) error {
	if len(levels) == 0 {
		return fmt.Errorf("pyramid levels: 至少需要一个级别")
	}
	sum := 0.0
	prev := -math.MaxFloat64
	for i, lv := range levels {
		if lv.ProfitThresholdPct <= prev {
			return fmt.Errorf("pyramid levels: 第 %d 级阈值必须严格递增", i+1)
		}
		if lv.ExitFraction <= 0 || lv.ExitFraction > 1 {
			return fmt.Errorf("pyramid levels: 第 %d 级平仓比例必须在 (0,1]", i+1)
		}
		prev = lv.ProfitThresholdPct
		sum += lv.ExitFraction
	}
	if math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("pyramid levels: 平仓比例之和必须为 1.0，当前 %.4f", sum)
	}
	return nil
}

// clonePyramidLevels 每个持仓持有独立的级别副本
func clonePyramidLevels(levels []PyramidLevel) []PyramidLevel {
	out := make([]PyramidLevel, len(levels))
	copy(out, levels)
	return out
}

// Trailing 移动止损状态
type Trailing struct {
	ActivationPct float64 `json:"activation_pct"` // 盈利达到该比例后激活
	CallbackPct   float64 `json:"callback_pct"`   // 从峰值回撤该比例触发平仓
	Active        bool    `json:"active"`
	PeakPrice     float64 `json:"peak_price"`
}

// DynamicStop 当前移动止损价 = 峰值 × (1 − 回调比例)。
// 峰值只增不减，止损价随之单调不减。
func (t *Trailing) DynamicStop() float64 {
	if !t.Active {
		return 0
	}
	return t.PeakPrice * (1 - t.CallbackPct)
}

// Position 一个杠杆多头持仓，生命周期由 Manager 独占管理
type Position struct {
	ID               string         `json:"id"`
	Symbol           string         `json:"symbol"`         // 基础标的，如 BTC
	ExchangeSymbol   string         `json:"exchange_symbol"` // 交易对，如 BTCUSDT
	Side             Side           `json:"side"`
	EntryPrice       float64        `json:"entry_price"`
	OriginalQuantity float64        `json:"original_quantity"`
	RemainingQty     float64        `json:"remaining_quantity"`
	Leverage         int            `json:"leverage"`
	MarginMode       MarginMode     `json:"margin_mode"`
	StopLossPrice    float64        `json:"stop_loss_price"`
	Pyramid          []PyramidLevel `json:"pyramid_levels"`
	Trailing         Trailing       `json:"trailing"`
	Status           Status         `json:"status"`
	OpenedAt         time.Time      `json:"opened_at"`
	Score            float64        `json:"score"`

	// 维护循环的最近一次观测值。瞬时故障期间保留旧值，
	// 该轮决策直接跳过，绝不在清零数据上做判断。
	LastMarkPrice   float64   `json:"last_mark_price"`
	LastMarginRatio float64   `json:"last_margin_ratio"`
	LastSeenAt      time.Time `json:"last_seen_at"`

	lastRiskSignalAt time.Time // 已消费的风险信号时间，避免重复加速
	marginWarned     bool      // 本次告警区间是否已通知，回升后清除
}

// UnrealizedGainPct 基于价格的未实现盈利比例（不乘杠杆，阈值判断用）
func (p *Position) UnrealizedGainPct(price float64) float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	return (price - p.EntryPrice) / p.EntryPrice
}

// LeveragedPnLPct 乘杠杆后的收益比例（仅展示 / 通知用）
func (p *Position) LeveragedPnLPct(price float64) float64 {
	return p.UnrealizedGainPct(price) * float64(p.Leverage)
}

// NextPyramidLevel 返回第一个未执行级别的下标，全部执行完返回 -1。
// 级别按阈值递增排列，保证永不跳级、永不乱序。
func (p *Position) NextPyramidLevel() int {
	for i := range p.Pyramid {
		if !p.Pyramid[i].Executed {
			return i
		}
	}
	return -1
}

// Active 是否仍在维护循环管理中
func (p *Position) Active() bool {
	return p.Status == StatusOpen || p.Status == StatusPartiallyClosed
}

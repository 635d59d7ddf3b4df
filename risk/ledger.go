package risk

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"valuescan/pkg/logger"
)

const dayLayout = "2006-01-02"

// LedgerSnapshot 风控账本快照（状态接口 / 落库用）
type LedgerSnapshot struct {
	TradingDay        string  `json:"trading_day"`
	TradesOpenedToday int     `json:"trades_opened_today"`
	RealizedPnLToday  float64 `json:"realized_pnl_today"`
	Halted            bool    `json:"halted"`
	HaltReason        string  `json:"halt_reason,omitempty"`
}

// Ledger 进程级日内风控账本：当日开仓次数、已实现盈亏与熔断标志。
// 跨日自动清零。Reserve / Record 操作在同一把锁内完成，
// 与并发的风控评估保持线性一致。
type Ledger struct {
	mu sync.Mutex

	day          string
	tradesOpened int
	realizedPnL  float64
	halted       bool
	haltReason   string

	now func() time.Time
	log *zap.SugaredLogger
}

// NewLedger 创建风控账本
func NewLedger() *Ledger {
	l := &Ledger{now: time.Now, log: logger.Sugar("risk")}
	l.day = l.now().Format(dayLayout)
	return l
}

// NewLedgerWithClock 注入时钟（测试用）
func NewLedgerWithClock(now func() time.Time) *Ledger {
	l := &Ledger{now: now, log: logger.Sugar("risk")}
	l.day = l.now().Format(dayLayout)
	return l
}

// rollover 跨日时清零计数与熔断标志，调用方必须持锁
func (l *Ledger) rollover() {
	today := l.now().Format(dayLayout)
	if today == l.day {
		return
	}
	l.log.Infof("📅 交易日切换 %s → %s，日内计数清零", l.day, today)
	l.day = today
	l.tradesOpened = 0
	l.realizedPnL = 0
	l.halted = false
	l.haltReason = ""
}

// TryReserve 原子地预占一个开仓名额。
// 熔断中或当日已达上限时返回 (false, 原因)。
func (l *Ledger) TryReserve(maxDailyTrades int) (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()

	if l.halted {
		return false, l.haltReason
	}
	if l.tradesOpened >= maxDailyTrades {
		return false, ReasonDailyTradeLimit
	}
	l.tradesOpened++
	return true, ""
}

// Release 开仓失败时归还已预占的名额
func (l *Ledger) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()
	if l.tradesOpened > 0 {
		l.tradesOpened--
	}
}

// RecordRealizedPnL 记录一笔已实现盈亏。
// 当日累计亏损超过 totalBalance×maxDailyLossPercent 时立即熔断。
func (l *Ledger) RecordRealizedPnL(pnl, totalBalance, maxDailyLossPercent float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()

	l.realizedPnL += pnl
	l.log.Infof("💰 盈亏已记录: %+.2f USDT, 今日累计 %+.2f USDT", pnl, l.realizedPnL)

	if totalBalance <= 0 || l.halted {
		return
	}
	if l.realizedPnL < -(totalBalance * maxDailyLossPercent) {
		l.halted = true
		l.haltReason = ReasonDailyLossLimit
		l.log.Errorf("⛔ 达到每日亏损上限 (%.1f%%)，交易已熔断直至跨日",
			maxDailyLossPercent*100)
	}
}

// Halt 手动熔断（紧急停止 / 运维介入）
func (l *Ledger) Halt(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.halted = true
	l.haltReason = reason
	l.log.Errorf("⛔ 交易已暂停: %s", reason)
}

// Resume 手动恢复交易
func (l *Ledger) Resume() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.halted = false
	l.haltReason = ""
	l.log.Infof("✅ 交易已恢复")
}

// Halted 当前是否处于熔断状态
func (l *Ledger) Halted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()
	return l.halted
}

// Snapshot 当前账本快照
func (l *Ledger) Snapshot() LedgerSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()
	return LedgerSnapshot{
		TradingDay:        l.day,
		TradesOpenedToday: l.tradesOpened,
		RealizedPnLToday:  l.realizedPnL,
		Halted:            l.halted,
		HaltReason:        l.haltReason,
	}
}

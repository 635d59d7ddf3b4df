package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger_TryReserveUpToLimit(t *testing.T) {
	l := NewLedger()

	for i := 0; i < 3; i++ {
		ok, _ := l.TryReserve(3)
		require.True(t, ok, "第 %d 次预占应成功", i+1)
	}

	ok, reason := l.TryReserve(3)
	assert.False(t, ok)
	assert.Equal(t, ReasonDailyTradeLimit, reason)
}

func TestLedger_ReleaseReturnsSlot(t *testing.T) {
	l := NewLedger()

	ok, _ := l.TryReserve(1)
	require.True(t, ok)

	ok, _ = l.TryReserve(1)
	require.False(t, ok)

	l.Release()
	ok, _ = l.TryReserve(1)
	assert.True(t, ok)
}

func TestLedger_DailyLossHalt(t *testing.T) {
	l := NewLedger()

	// 余额 1000, 亏损线 5% = 50 USDT
	l.RecordRealizedPnL(-30, 1000, 0.05)
	assert.False(t, l.Halted())

	// 恰好 -50 不触发（必须严格超过）
	l.RecordRealizedPnL(-20, 1000, 0.05)
	assert.False(t, l.Halted())

	l.RecordRealizedPnL(-0.01, 1000, 0.05)
	assert.True(t, l.Halted())

	ok, reason := l.TryReserve(10)
	assert.False(t, ok)
	assert.Equal(t, ReasonDailyLossLimit, reason)
}

func TestLedger_ProfitOffsetsLoss(t *testing.T) {
	l := NewLedger()

	l.RecordRealizedPnL(-40, 1000, 0.05)
	l.RecordRealizedPnL(35, 1000, 0.05)
	l.RecordRealizedPnL(-40, 1000, 0.05)
	assert.False(t, l.Halted())

	snap := l.Snapshot()
	assert.InDelta(t, -45, snap.RealizedPnLToday, 1e-9)
}

func TestLedger_DayRolloverResetsEverything(t *testing.T) {
	now := time.Date(2025, 6, 1, 23, 50, 0, 0, time.Local)
	l := NewLedgerWithClock(func() time.Time { return now })

	ok, _ := l.TryReserve(10)
	require.True(t, ok)
	l.RecordRealizedPnL(-100, 1000, 0.05)
	require.True(t, l.Halted())

	// 跨过本地午夜
	now = time.Date(2025, 6, 2, 0, 5, 0, 0, time.Local)

	assert.False(t, l.Halted())
	snap := l.Snapshot()
	assert.Equal(t, "2025-06-02", snap.TradingDay)
	assert.Equal(t, 0, snap.TradesOpenedToday)
	assert.Equal(t, 0.0, snap.RealizedPnLToday)

	ok, _ = l.TryReserve(10)
	assert.True(t, ok)
}

func TestLedger_ManualHaltAndResume(t *testing.T) {
	l := NewLedger()

	l.Halt("MANUAL_HALT")
	assert.True(t, l.Halted())

	ok, reason := l.TryReserve(10)
	assert.False(t, ok)
	assert.Equal(t, "MANUAL_HALT", reason)

	l.Resume()
	assert.False(t, l.Halted())
	ok, _ = l.TryReserve(10)
	assert.True(t, ok)
}

package trader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultLevels() []PyramidLevel {
	return []PyramidLevel{
		{ProfitThresholdPct: 0.03, ExitFraction: 0.3},
		{ProfitThresholdPct: 0.05, ExitFraction: 0.3},
		{ProfitThresholdPct: 0.08, ExitFraction: 0.4},
	}
}

func TestValidatePyramidLevels_Valid(t *testing.T) {
	assert.NoError(t, ValidatePyramidLevels(defaultLevels()))
	assert.NoError(t, ValidatePyramidLevels([]PyramidLevel{{ProfitThresholdPct: 0.05, ExitFraction: 1.0}}))
}

func TestValidatePyramidLevels_Invalid(t *testing.T) {
	assert.Error(t, ValidatePyramidLevels(nil))

	// 阈值未严格递增
	assert.Error(t, ValidatePyramidLevels([]PyramidLevel{
		{ProfitThresholdPct: 0.05, ExitFraction: 0.5},
		{ProfitThresholdPct: 0.05, ExitFraction: 0.5},
	}))

	// 比例之和不为 1
	assert.Error(t, ValidatePyramidLevels([]PyramidLevel{
		{ProfitThresholdPct: 0.03, ExitFraction: 0.3},
		{ProfitThresholdPct: 0.05, ExitFraction: 0.3},
	}))

	// 非法比例
	assert.Error(t, ValidatePyramidLevels([]PyramidLevel{
		{ProfitThresholdPct: 0.03, ExitFraction: 0},
		{ProfitThresholdPct: 0.05, ExitFraction: 1.0},
	}))
}

func TestTrailing_DynamicStopMonotone(t *testing.T) {
	tr := Trailing{ActivationPct: 0.02, CallbackPct: 0.01}
	assert.Equal(t, 0.0, tr.DynamicStop())

	tr.Active = true
	tr.PeakPrice = 100
	assert.InDelta(t, 99.0, tr.DynamicStop(), 1e-9)

	tr.PeakPrice = 105
	assert.InDelta(t, 103.95, tr.DynamicStop(), 1e-9)
}

func TestPosition_UnrealizedGainPct(t *testing.T) {
	p := &Position{EntryPrice: 100, Leverage: 5}

	assert.InDelta(t, 0.03, p.UnrealizedGainPct(103), 1e-9)
	assert.InDelta(t, -0.02, p.UnrealizedGainPct(98), 1e-9)
	// 展示用收益乘杠杆
	assert.InDelta(t, 0.15, p.LeveragedPnLPct(103), 1e-9)

	// 开仓价缺失时不产生 NaN
	broken := &Position{}
	assert.Equal(t, 0.0, broken.UnrealizedGainPct(100))
}

func TestPosition_NextPyramidLevelInOrder(t *testing.T) {
	p := &Position{Pyramid: defaultLevels()}

	require.Equal(t, 0, p.NextPyramidLevel())
	p.Pyramid[0].Executed = true
	require.Equal(t, 1, p.NextPyramidLevel())
	p.Pyramid[1].Executed = true
	require.Equal(t, 2, p.NextPyramidLevel())
	p.Pyramid[2].Executed = true
	assert.Equal(t, -1, p.NextPyramidLevel())
}

func TestPosition_Active(t *testing.T) {
	assert.True(t, (&Position{Status: StatusOpen}).Active())
	assert.True(t, (&Position{Status: StatusPartiallyClosed}).Active())
	assert.False(t, (&Position{Status: StatusPendingOpen}).Active())
	assert.False(t, (&Position{Status: StatusClosed}).Active())
	assert.False(t, (&Position{Status: StatusFailed}).Active())
}

package signal

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSkew = 30 * time.Second

func TestParseAlert_NumericTypeCodes(t *testing.T) {
	now := testBase

	cases := []struct {
		messageType int
		want        Category
	}{
		{110, CategoryAlpha},
		{113, CategoryFomoAlert},
		{112, CategoryFomoIntense},
	}

	for _, tc := range cases {
		line := fmt.Sprintf(`{"message_id":"m1","message_type":%d,"symbol_hint":"BTC"}`, tc.messageType)
		s, err := ParseAlert([]byte(line), now, testSkew)
		require.NoError(t, err, "type=%d", tc.messageType)
		assert.Equal(t, tc.want, s.Category)
		assert.Equal(t, "BTC", s.Symbol)
	}
}

func TestParseAlert_StringCategories(t *testing.T) {
	now := testBase

	cases := map[string]Category{
		"ALPHA":        CategoryAlpha,
		"FOMO_ALERT":   CategoryFomoAlert,
		"FOMO_INTENSE": CategoryFomoIntense,
		"RISK":         CategoryRisk,
		"risk":         CategoryRisk,
	}

	for raw, want := range cases {
		line := fmt.Sprintf(`{"message_id":"m1","category":%q,"symbol_hint":"ETH"}`, raw)
		s, err := ParseAlert([]byte(line), now, testSkew)
		require.NoError(t, err, "category=%s", raw)
		assert.Equal(t, want, s.Category)
	}
}

func TestParseAlert_UntrackedType(t *testing.T) {
	_, err := ParseAlert([]byte(`{"message_id":"m1","message_type":999,"symbol_hint":"BTC"}`), testBase, testSkew)
	assert.ErrorIs(t, err, ErrUntrackedType)

	_, err = ParseAlert([]byte(`{"message_id":"m1","category":"NEWS","symbol_hint":"BTC"}`), testBase, testSkew)
	assert.ErrorIs(t, err, ErrUntrackedType)
}

func TestParseAlert_InvalidInputs(t *testing.T) {
	_, err := ParseAlert([]byte(`{not json`), testBase, testSkew)
	assert.ErrorIs(t, err, ErrInvalidSignal)

	// 缺 message_id
	_, err = ParseAlert([]byte(`{"message_type":110,"symbol_hint":"BTC"}`), testBase, testSkew)
	assert.ErrorIs(t, err, ErrInvalidSignal)

	// 缺标的
	_, err = ParseAlert([]byte(`{"message_id":"m1","message_type":110}`), testBase, testSkew)
	assert.ErrorIs(t, err, ErrInvalidSignal)

	// 非法时间戳格式
	_, err = ParseAlert([]byte(`{"message_id":"m1","message_type":110,"symbol_hint":"BTC","timestamp":"yesterday"}`), testBase, testSkew)
	assert.ErrorIs(t, err, ErrInvalidSignal)
}

func TestParseAlert_TimestampHandling(t *testing.T) {
	now := testBase

	// 显式时间戳
	ts := testBase.Add(-5 * time.Minute)
	line := fmt.Sprintf(`{"message_id":"m1","message_type":110,"symbol_hint":"BTC","timestamp":%q}`, ts.Format(time.RFC3339))
	s, err := ParseAlert([]byte(line), now, testSkew)
	require.NoError(t, err)
	assert.True(t, s.Timestamp.Equal(ts))

	// 缺省时间戳使用接收时间
	s, err = ParseAlert([]byte(`{"message_id":"m2","message_type":110,"symbol_hint":"BTC"}`), now, testSkew)
	require.NoError(t, err)
	assert.True(t, s.Timestamp.Equal(now))

	// 超出容忍度的未来时间戳
	future := testBase.Add(time.Minute)
	line = fmt.Sprintf(`{"message_id":"m3","message_type":110,"symbol_hint":"BTC","timestamp":%q}`, future.Format(time.RFC3339))
	_, err = ParseAlert([]byte(line), now, testSkew)
	assert.ErrorIs(t, err, ErrInvalidSignal)
}

func TestNormalizeSymbol(t *testing.T) {
	cases := map[string]string{
		"BTC":        "BTC",
		"$BTC":       "BTC",
		"btc":        "BTC",
		"BTC/USDT":   "BTC",
		"BTCUSDT":    "BTC",
		"$sol/usdt":  "SOL",
		"  ETH  ":    "ETH",
		"USDT":       "USDT", // 裸 USDT 不剥后缀
		"":           "",
	}

	for in, want := range cases {
		assert.Equal(t, want, NormalizeSymbol(in), "input=%q", in)
	}
}

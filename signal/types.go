package signal

import (
	"encoding/json"
	"time"
)

// Category 信号类别（闭合枚举，在接入边界一次性解析完成）
type Category int

const (
	CategoryUnknown Category = iota
	CategoryAlpha            // Alpha 机会信号
	CategoryFomoAlert        // FOMO 情绪信号
	CategoryFomoIntense      // FOMO 加剧信号（既参与聚合，也作为风险提示）
	CategoryRisk             // 纯风险信号，只用于加速止盈，永不触发开仓
)

func (c Category) String() string {
	switch c {
	case CategoryAlpha:
		return "ALPHA"
	case CategoryFomoAlert:
		return "FOMO_ALERT"
	case CategoryFomoIntense:
		return "FOMO_INTENSE"
	case CategoryRisk:
		return "RISK"
	default:
		return "UNKNOWN"
	}
}

// IsFomo FOMO 系信号（作为 Alpha 的聚合对手方）
func (c Category) IsFomo() bool {
	return c == CategoryFomoAlert || c == CategoryFomoIntense
}

// IsBuySide 是否参与买入侧聚合匹配
func (c Category) IsBuySide() bool {
	return c == CategoryAlpha || c.IsFomo()
}

// Signal 交易信号，创建后不可变
type Signal struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Category  Category        `json:"category"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ConfluenceCandidate 聚合信号 - 同一标的在时间窗口内同时出现 Alpha 和 FOMO
type ConfluenceCandidate struct {
	Symbol      string        `json:"symbol"`
	Alpha       *Signal       `json:"alpha"`
	Fomo        *Signal       `json:"fomo"`
	TimeGap     time.Duration `json:"time_gap"`
	Score       float64       `json:"score"`
	GeneratedAt time.Time     `json:"generated_at"`
}

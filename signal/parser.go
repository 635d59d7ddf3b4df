package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ValueScan 消息类型码
const (
	TypeAlpha        = 110 // Alpha 机会
	TypeFomoIntense  = 112 // FOMO 加剧
	TypeFomoAlert    = 113 // FOMO
)

var (
	// ErrInvalidSignal 入站信号格式非法（缺字段 / 时间戳异常），丢弃并记录
	ErrInvalidSignal = errors.New("invalid signal")

	// ErrUntrackedType 不关注的消息类型，在边界直接忽略
	ErrUntrackedType = errors.New("untracked message type")
)

// RawAlert ValueScan 推送的原始告警（TCP JSON Lines，每行一条）
type RawAlert struct {
	MessageID   string          `json:"message_id"`
	MessageType int             `json:"message_type"`
	Category    string          `json:"category"`
	SymbolHint  string          `json:"symbol_hint"`
	Timestamp   string          `json:"timestamp"`
	Data        json.RawMessage `json:"data"`
}

// categoryOf 把数字类型码 / 字符串类别解析为闭合枚举，只在边界做一次
func categoryOf(a *RawAlert) Category {
	switch a.MessageType {
	case TypeAlpha:
		return CategoryAlpha
	case TypeFomoAlert:
		return CategoryFomoAlert
	case TypeFomoIntense:
		return CategoryFomoIntense
	}

	// 部分新版监控端直接携带字符串类别
	switch strings.ToUpper(strings.TrimSpace(a.Category)) {
	case "ALPHA":
		return CategoryAlpha
	case "FOMO_ALERT":
		return CategoryFomoAlert
	case "FOMO_INTENSE":
		return CategoryFomoIntense
	case "RISK":
		return CategoryRisk
	}
	return CategoryUnknown
}

// NormalizeSymbol 清洗标的符号: 去掉 $ 前缀、交易对分隔符和 USDT 后缀
func NormalizeSymbol(symbol string) string {
	cleaned := strings.ToUpper(strings.TrimSpace(symbol))
	cleaned = strings.TrimPrefix(cleaned, "$")

	if idx := strings.Index(cleaned, "/"); idx >= 0 {
		cleaned = cleaned[:idx]
	}
	if strings.HasSuffix(cleaned, "USDT") && len(cleaned) > 4 {
		cleaned = cleaned[:len(cleaned)-4]
	}
	return cleaned
}

// ParseAlert 解析一行入站 JSON 告警为 Signal。
// 返回 ErrUntrackedType 表示该行应被静默忽略；
// 返回 ErrInvalidSignal 表示格式非法，记录日志后丢弃，不向上传播。
func ParseAlert(line []byte, now time.Time, skewTolerance time.Duration) (*Signal, error) {
	var raw RawAlert
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("%w: 非法 JSON: %v", ErrInvalidSignal, err)
	}

	category := categoryOf(&raw)
	if category == CategoryUnknown {
		return nil, fmt.Errorf("%w: type=%d category=%q", ErrUntrackedType, raw.MessageType, raw.Category)
	}

	if raw.MessageID == "" {
		return nil, fmt.Errorf("%w: 缺少 message_id", ErrInvalidSignal)
	}

	symbol := NormalizeSymbol(raw.SymbolHint)
	if symbol == "" {
		return nil, fmt.Errorf("%w: 无法解析标的符号 (id=%s)", ErrInvalidSignal, raw.MessageID)
	}

	// 时间戳缺省时使用接收时间
	ts := now
	if raw.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339, raw.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("%w: 非法时间戳 %q", ErrInvalidSignal, raw.Timestamp)
		}
		ts = parsed
	}
	if ts.After(now.Add(skewTolerance)) {
		return nil, fmt.Errorf("%w: 时间戳超前 %v", ErrInvalidSignal, ts.Sub(now))
	}

	return &Signal{
		ID:        raw.MessageID,
		Symbol:    symbol,
		Category:  category,
		Timestamp: ts,
		Payload:   raw.Data,
	}, nil
}

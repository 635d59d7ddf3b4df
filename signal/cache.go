package signal

import (
	"sort"
	"time"
)

// Cache 按标的、按类别分桶的时间窗口信号缓存。
// 非并发安全，由 Aggregator 独占持有并在其锁内访问。
type Cache struct {
	window  time.Duration
	buckets map[string]map[Category][]*Signal
	seen    map[string]map[Category]map[string]struct{}
}

// PendingCounts 待匹配信号统计（状态接口用）
type PendingCounts struct {
	Alpha           int `json:"alpha"`
	Fomo            int `json:"fomo"`
	Risk            int `json:"risk"`
	SymbolsWithAny  int `json:"symbols_with_any"`
}

func NewCache(window time.Duration) *Cache {
	return &Cache{
		window:  window,
		buckets: make(map[string]map[Category][]*Signal),
		seen:    make(map[string]map[Category]map[string]struct{}),
	}
}

// Add 按时间序插入信号。同一 symbol/category 桶内 ID 重复时返回 false（至多一次存储）。
func (c *Cache) Add(sig *Signal) bool {
	ids, ok := c.seen[sig.Symbol][sig.Category]
	if !ok {
		if c.seen[sig.Symbol] == nil {
			c.seen[sig.Symbol] = make(map[Category]map[string]struct{})
		}
		ids = make(map[string]struct{})
		c.seen[sig.Symbol][sig.Category] = ids
	}
	if _, dup := ids[sig.ID]; dup {
		return false
	}
	ids[sig.ID] = struct{}{}

	if c.buckets[sig.Symbol] == nil {
		c.buckets[sig.Symbol] = make(map[Category][]*Signal)
	}
	bucket := append(c.buckets[sig.Symbol][sig.Category], sig)
	// 信号基本按序到达，偶发乱序时局部重排即可
	if n := len(bucket); n > 1 && bucket[n-1].Timestamp.Before(bucket[n-2].Timestamp) {
		sort.SliceStable(bucket, func(i, j int) bool {
			return bucket[i].Timestamp.Before(bucket[j].Timestamp)
		})
	}
	c.buckets[sig.Symbol][sig.Category] = bucket
	return true
}

// Evict 清理超过 2×window 的过期信号，保持缓存不变式
func (c *Cache) Evict(now time.Time) {
	cutoff := now.Add(-2 * c.window)

	for symbol, byCategory := range c.buckets {
		for category, bucket := range byCategory {
			kept := bucket[:0]
			for _, sig := range bucket {
				if sig.Timestamp.After(cutoff) {
					kept = append(kept, sig)
				} else {
					delete(c.seen[symbol][category], sig.ID)
				}
			}
			if len(kept) == 0 {
				delete(byCategory, category)
				delete(c.seen[symbol], category)
			} else {
				byCategory[category] = kept
			}
		}
		if len(byCategory) == 0 {
			delete(c.buckets, symbol)
			delete(c.seen, symbol)
		}
	}
}

// Counterparts 返回指定标的、指定类别集合中与 ts 的间隔不超过 window 的信号
func (c *Cache) Counterparts(symbol string, categories []Category, ts time.Time) []*Signal {
	byCategory, ok := c.buckets[symbol]
	if !ok {
		return nil
	}

	var result []*Signal
	for _, category := range categories {
		for _, sig := range byCategory[category] {
			gap := ts.Sub(sig.Timestamp)
			if gap < 0 {
				gap = -gap
			}
			if gap <= c.window {
				result = append(result, sig)
			}
		}
	}
	return result
}

// Counts 统计各类别待匹配信号数量
func (c *Cache) Counts() PendingCounts {
	var counts PendingCounts
	for _, byCategory := range c.buckets {
		any := false
		for category, bucket := range byCategory {
			switch {
			case category == CategoryAlpha:
				counts.Alpha += len(bucket)
			case category.IsFomo():
				counts.Fomo += len(bucket)
			case category == CategoryRisk:
				counts.Risk += len(bucket)
			}
			if len(bucket) > 0 {
				any = true
			}
		}
		if any {
			counts.SymbolsWithAny++
		}
	}
	return counts
}

package signal

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"valuescan/pkg/logger"
)

// 默认允许的时钟偏差：时间戳超前当前时间超过该值的信号视为非法
const DefaultSkewTolerance = 30 * time.Second

// 评分权重: 时间接近度 40% + FOMO 强度 30% + 新鲜度 30%
const (
	weightTimeProximity = 0.4
	weightFomoStrength  = 0.3
	weightFreshness     = 0.3

	fomoStrengthIntense = 1.0
	fomoStrengthAlert   = 0.6
)

const recentCandidateKeep = 50

// AggregatorConfig 聚合器配置
type AggregatorConfig struct {
	Window        time.Duration // 信号匹配时间窗口
	MinScore      float64       // 最低信号评分阈值 (0-1)
	SkewTolerance time.Duration // 时间戳超前容忍度
}

// Aggregator 信号聚合器。
// 接收实时信号流，在时间窗口内匹配 Alpha + FOMO 信号并输出评分达标的聚合信号。
// 每个 (alpha_id, fomo_id) 配对至多产出一次聚合信号。
type Aggregator struct {
	mu sync.Mutex

	cfg   AggregatorConfig
	cache *Cache

	emittedPairs map[string]struct{}    // 已产出聚合信号的配对
	lastRisk     map[string]*Signal     // symbol -> 最近一条风险提示信号
	recent       []*ConfluenceCandidate // 最近产出的聚合信号（状态接口用）

	now func() time.Time
	log *zap.SugaredLogger
}

// AggregatorOption 测试注入用
type AggregatorOption func(*Aggregator)

// WithClock 注入时钟（测试用）
func WithClock(now func() time.Time) AggregatorOption {
	return func(a *Aggregator) { a.now = now }
}

// NewAggregator 创建信号聚合器
func NewAggregator(cfg AggregatorConfig, opts ...AggregatorOption) *Aggregator {
	if cfg.SkewTolerance <= 0 {
		cfg.SkewTolerance = DefaultSkewTolerance
	}

	a := &Aggregator{
		cfg:          cfg,
		cache:        NewCache(cfg.Window),
		emittedPairs: make(map[string]struct{}),
		lastRisk:     make(map[string]*Signal),
		now:          time.Now,
		log:          logger.Sugar("signal"),
	}
	for _, opt := range opts {
		opt(a)
	}

	a.log.Infof("🧩 信号聚合器已初始化: window=%v, min_score=%.2f", cfg.Window, cfg.MinScore)
	return a
}

// Ingest 接收一条新信号并尝试匹配聚合。
// 非法信号返回 ErrInvalidSignal；重复 ID 静默丢弃（记日志，不报错）。
// 匹配成功且评分达标时返回聚合信号，否则返回 (nil, nil)。
func (a *Aggregator) Ingest(sig *Signal) (*ConfluenceCandidate, error) {
	now := a.now()

	if sig == nil || sig.Symbol == "" {
		return nil, fmt.Errorf("%w: 缺少标的符号", ErrInvalidSignal)
	}
	if sig.Timestamp.IsZero() {
		return nil, fmt.Errorf("%w: 缺少时间戳", ErrInvalidSignal)
	}
	if sig.Timestamp.After(now.Add(a.cfg.SkewTolerance)) {
		return nil, fmt.Errorf("%w: 时间戳超前 %v", ErrInvalidSignal, sig.Timestamp.Sub(now))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// 每次接收顺带清理过期信号，无需单独定时器
	a.cache.Evict(now)

	if !a.cache.Add(sig) {
		a.log.Debugf("信号 %s 已处理过，跳过 (%s/%s)", sig.ID, sig.Symbol, sig.Category)
		return nil, nil
	}

	switch sig.Category {
	case CategoryAlpha:
		a.log.Infof("🎯 新 ALPHA 信号: %s", sig.Symbol)
	case CategoryFomoAlert:
		a.log.Infof("📢 新 FOMO 信号: %s", sig.Symbol)
	case CategoryFomoIntense:
		a.log.Infof("📢 新 FOMO 加剧信号: %s", sig.Symbol)
		// FOMO 加剧同时作为风险提示：市场情绪过热，持仓应考虑止盈
		a.recordRisk(sig)
	case CategoryRisk:
		a.log.Warnf("⚠️  风险信号: %s (只用于加速止盈，永不触发开仓)", sig.Symbol)
		a.recordRisk(sig)
		return nil, nil
	}

	return a.tryMatch(sig, now), nil
}

func (a *Aggregator) recordRisk(sig *Signal) {
	if prev, ok := a.lastRisk[sig.Symbol]; !ok || sig.Timestamp.After(prev.Timestamp) {
		a.lastRisk[sig.Symbol] = sig
	}
}

// tryMatch 为新到信号查找对手方类别并尝试产出聚合信号
func (a *Aggregator) tryMatch(sig *Signal, now time.Time) *ConfluenceCandidate {
	var wanted []Category
	if sig.Category == CategoryAlpha {
		wanted = []Category{CategoryFomoAlert, CategoryFomoIntense}
	} else {
		wanted = []Category{CategoryAlpha}
	}

	candidates := a.cache.Counterparts(sig.Symbol, wanted, sig.Timestamp)
	if len(candidates) == 0 {
		return nil
	}

	// 选时间差最小的一条；时间差相同取时间戳更新的
	best := candidates[0]
	bestGap := absGap(sig.Timestamp, best.Timestamp)
	for _, other := range candidates[1:] {
		gap := absGap(sig.Timestamp, other.Timestamp)
		if gap < bestGap || (gap == bestGap && other.Timestamp.After(best.Timestamp)) {
			best = other
			bestGap = gap
		}
	}

	alpha, fomo := sig, best
	if sig.Category != CategoryAlpha {
		alpha, fomo = best, sig
	}

	pairKey := makePairKey(alpha.ID, fomo.ID)
	if _, done := a.emittedPairs[pairKey]; done {
		a.log.Debugf("配对 %s 已产出过聚合信号，跳过", pairKey)
		return nil
	}

	score := a.score(alpha, fomo, bestGap, now)
	if score < a.cfg.MinScore {
		a.log.Infof("%s 匹配成功但评分 %.2f < %.2f，跳过", sig.Symbol, score, a.cfg.MinScore)
		return nil
	}

	a.emittedPairs[pairKey] = struct{}{}

	confluence := &ConfluenceCandidate{
		Symbol:      sig.Symbol,
		Alpha:       alpha,
		Fomo:        fomo,
		TimeGap:     bestGap,
		Score:       score,
		GeneratedAt: now,
	}

	a.recent = append(a.recent, confluence)
	if len(a.recent) > recentCandidateKeep {
		a.recent = a.recent[len(a.recent)-recentCandidateKeep:]
	}

	a.log.Warnf("🔥 检测到聚合信号: %s (gap=%.1fs, score=%.2f)",
		confluence.Symbol, bestGap.Seconds(), score)
	return confluence
}

// score 计算信号强度评分，结果限制在 [0,1]
func (a *Aggregator) score(alpha, fomo *Signal, gap time.Duration, now time.Time) float64 {
	window := a.cfg.Window.Seconds()

	// 1. 时间接近度: 两信号时间越近越好
	timeProximity := clamp01(1.0 - gap.Seconds()/window)

	// 2. FOMO 强度: 加剧信号权重更高
	fomoStrength := fomoStrengthAlert
	if fomo.Category == CategoryFomoIntense {
		fomoStrength = fomoStrengthIntense
	}

	// 3. 新鲜度: 较新一条信号距现在越近越好
	latest := alpha.Timestamp
	if fomo.Timestamp.After(latest) {
		latest = fomo.Timestamp
	}
	freshness := 1.0 - now.Sub(latest).Seconds()/window

	total := weightTimeProximity*timeProximity +
		weightFomoStrength*fomoStrength +
		weightFreshness*freshness
	return clamp01(total)
}

// LatestRiskSignal 返回标的最近一条仍在时间窗口内的风险提示信号，没有则返回 nil。
// 仅供持仓管理器判断是否加速止盈，绝不作为开仓依据。
func (a *Aggregator) LatestRiskSignal(symbol string) *Signal {
	a.mu.Lock()
	defer a.mu.Unlock()

	sig, ok := a.lastRisk[symbol]
	if !ok {
		return nil
	}
	if a.now().Sub(sig.Timestamp) > a.cfg.Window {
		return nil
	}
	return sig
}

// PendingCounts 待匹配信号统计
func (a *Aggregator) PendingCounts() PendingCounts {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cache.Counts()
}

// RecentCandidates 返回最近产出的聚合信号（新的在前）
func (a *Aggregator) RecentCandidates(limit int) []*ConfluenceCandidate {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(a.recent)
	if limit <= 0 || limit > n {
		limit = n
	}
	result := make([]*ConfluenceCandidate, limit)
	for i := 0; i < limit; i++ {
		result[i] = a.recent[n-1-i]
	}
	return result
}

func makePairKey(alphaID, fomoID string) string {
	ids := []string{alphaID, fomoID}
	sort.Strings(ids)
	return ids[0] + "|" + ids[1]
}

func absGap(a, b time.Time) time.Duration {
	if a.After(b) {
		return a.Sub(b)
	}
	return b.Sub(a)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

package trader

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"valuescan/pkg/logger"
)

// RetryPolicy 有界重试策略：固定退避间隔 + 单次调用内尝试上限 + 连续失败上限。
// 显式注入到网关调用方，而不是散落在各处的内联重试。
type RetryPolicy struct {
	MaxAttempts            int           // 单次调用内对瞬时失败的尝试上限
	MaxConsecutiveFailures int           // 跨调用累计的连续瞬时失败上限，达到后进入致命停机
	Backoff                time.Duration // 两次尝试之间的固定退避间隔
}

// DefaultRetryPolicy 默认策略: 每次调用至多 3 次尝试，5 秒退避，累计 10 次连续失败熔断
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, MaxConsecutiveFailures: 10, Backoff: 5 * time.Second}
}

// Retrier 带状态的重试执行器。
// 连续瞬时失败计数跨调用累积，任何一次成功即清零；
// 达到上限后所有后续调用立即返回 ErrConsecutiveFailures，直到手动 Reset。
type Retrier struct {
	mu          sync.Mutex
	policy      RetryPolicy
	consecutive int
	exhausted   bool
	log         *zap.SugaredLogger
}

// NewRetrier 创建重试执行器
func NewRetrier(policy RetryPolicy) *Retrier {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 3
	}
	if policy.MaxConsecutiveFailures <= 0 {
		policy.MaxConsecutiveFailures = 10
	}
	if policy.Backoff <= 0 {
		policy.Backoff = 5 * time.Second
	}
	return &Retrier{policy: policy, log: logger.Sugar("trader")}
}

// Do 执行一次网关调用。
//   - 瞬时失败: 调用内按 Backoff 间隔就地重试，至多尝试 MaxAttempts 次，
//     每次失败计入跨调用的连续失败计数；计数达到上限时返回 ErrConsecutiveFailures
//   - 成功: 清零连续失败计数
//   - 永久拒绝: 立即原样返回，不重试也不计入瞬时失败
//
// 维护循环在整次调用失败后仍按 Backoff() 间隔安排下一轮。
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if r.Exhausted() {
		return ErrConsecutiveFailures
	}

	var err error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			r.recordSuccess(op)
			return nil
		}
		if !IsTransient(err) {
			// 永久拒绝不消耗重试预算
			return err
		}
		if r.recordFailure(op, attempt, err) {
			return ErrConsecutiveFailures
		}
		if attempt < r.policy.MaxAttempts {
			select {
			case <-ctx.Done():
				return err
			case <-time.After(r.policy.Backoff):
			}
		}
	}
	return err
}

func (r *Retrier) recordSuccess(op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.consecutive > 0 {
		r.log.Infof("✅ 网关调用恢复 (%s)，连续失败计数清零", op)
	}
	r.consecutive = 0
}

// recordFailure 记一次瞬时失败，返回是否已触发熔断
func (r *Retrier) recordFailure(op string, attempt int, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.consecutive++
	r.log.Warnf("⏳ 网关瞬时故障 (%s, 第 %d/%d 次尝试, 累计 %d/%d): %v",
		op, attempt, r.policy.MaxAttempts, r.consecutive, r.policy.MaxConsecutiveFailures, err)

	if r.consecutive >= r.policy.MaxConsecutiveFailures {
		r.exhausted = true
		r.log.Errorf("🚨 连续失败 %d 次，停止发起网关调用，需人工介入重启",
			r.policy.MaxConsecutiveFailures)
		return true
	}
	return false
}

// Backoff 当前策略的退避间隔
func (r *Retrier) Backoff() time.Duration { return r.policy.Backoff }

// Exhausted 是否已达连续失败上限
func (r *Retrier) Exhausted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exhausted
}

// Reset 人工重启后清除停机状态
func (r *Retrier) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consecutive = 0
	r.exhausted = false
}

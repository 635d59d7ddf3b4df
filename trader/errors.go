package trader

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/adshao/go-binance/v2/common"
)

// ErrConsecutiveFailures 连续瞬时故障达到上限，维护循环进入致命停机状态
var ErrConsecutiveFailures = errors.New("consecutive exchange failures exceeded")

// TransientError 瞬时故障（网络错误 / 超时），按退避策略重试
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("exchange request failed (%s): %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RejectedError 交易所明确拒绝（精度非法 / 余额不足等），不重试，持仓标记 FAILED
type RejectedError struct {
	Op   string
	Code int64
	Msg  string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("exchange rejected (%s): code=%d %s", e.Op, e.Code, e.Msg)
}

// IsTransient 判断错误是否可重试
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsRejected 判断错误是否为交易所永久拒绝
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// 币安瞬时错误码: -1007 超时, -1001 内部断连, -1021 时间戳漂移
var transientAPICodes = map[int64]bool{
	-1007: true,
	-1001: true,
	-1021: true,
}

// classifyError 把底层调用错误归类为瞬时 / 拒绝。
// 网络错误与超时可重试；其余 API 错误视为交易所拒绝。
func classifyError(op string, err error) error {
	if err == nil {
		return nil
	}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		if transientAPICodes[apiErr.Code] {
			return &TransientError{Op: op, Err: err}
		}
		return &RejectedError{Op: op, Code: apiErr.Code, Msg: apiErr.Message}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &TransientError{Op: op, Err: err}
	}

	// 未知错误按瞬时处理，交给重试预算兜底
	return &TransientError{Op: op, Err: err}
}

package trader

import "context"

// Side 持仓方向，当前只支持做多
type Side string

const SideLong Side = "LONG"

// MarginMode 保证金模式
type MarginMode string

const (
	MarginIsolated MarginMode = "ISOLATED" // 逐仓（推荐，风险隔离）
	MarginCrossed  MarginMode = "CROSSED"  // 全仓
)

// AccountState 合约账户余额 (USDT)
type AccountState struct {
	TotalBalance     float64
	AvailableBalance float64
}

// Gateway 交易所网关统一接口。
// 所有调用均为阻塞网络 IO，通过 ctx 控制超时；
// 失败以 TransientError / RejectedError 区分是否可重试。
type Gateway interface {
	// SetLeverage 设置杠杆倍数
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// SetMarginMode 设置保证金模式
	SetMarginMode(ctx context.Context, symbol string, mode MarginMode) error

	// OpenMarketPosition 市价开仓，返回成交均价与实际成交数量
	OpenMarketPosition(ctx context.Context, symbol string, side Side, quantity float64) (entryPrice, executedQty float64, err error)

	// PlaceStopOrder 挂保护性止损单（触发后市价平掉仓位）
	PlaceStopOrder(ctx context.Context, symbol string, triggerPrice, quantity float64) error

	// ClosePosition 市价平仓指定数量，返回该笔已实现盈亏
	ClosePosition(ctx context.Context, symbol string, quantity float64) (realizedPnL float64, err error)

	// GetMarkPrice 获取当前标记价格
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)

	// GetMarginRatio 获取持仓保证金率（0~1，越低越接近强平）
	GetMarginRatio(ctx context.Context, symbol string) (float64, error)

	// GetAccountState 获取账户余额
	GetAccountState(ctx context.Context) (AccountState, error)

	// CancelAllOrders 撤销该标的全部挂单（平仓后清理止损单）
	CancelAllOrders(ctx context.Context, symbol string) error
}

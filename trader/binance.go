package trader

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"valuescan/pkg/logger"
)

// 币安错误码 -4046: 保证金模式已是目标值，无需修改
const codeNoNeedChangeMarginType = -4046

// symbolRule 交易对精度规则（LOT_SIZE 步长 / 价格最小变动）
type symbolRule struct {
	stepSize    decimal.Decimal
	tickSize    decimal.Decimal
	minQuantity decimal.Decimal
}

// BinanceGateway 币安 USDⓈ-M 合约网关，实现 Gateway 接口。
// 数量与价格一律按交易对规则截断后再下单，避免精度报错。
type BinanceGateway struct {
	client *futures.Client

	mu    sync.RWMutex
	rules map[string]symbolRule

	log *zap.SugaredLogger
}

// NewBinanceGateway 创建币安合约网关
func NewBinanceGateway(apiKey, secretKey string, testnet bool) *BinanceGateway {
	futures.UseTestnet = testnet
	g := &BinanceGateway{
		client: futures.NewClient(apiKey, secretKey),
		rules:  make(map[string]symbolRule),
		log:    logger.Sugar("binance"),
	}
	if testnet {
		g.log.Warnf("⚠️  币安网关运行在测试网")
	}
	return g
}

// SetLeverage 设置杠杆倍数
func (g *BinanceGateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := g.client.NewChangeLeverageService().
		Symbol(symbol).
		Leverage(leverage).
		Do(ctx)
	if err != nil {
		return classifyError("set_leverage", err)
	}
	g.log.Debugf("杠杆已设置: %s %dx", symbol, leverage)
	return nil
}

// SetMarginMode 设置保证金模式，目标模式已生效时币安返回 -4046，视为成功
func (g *BinanceGateway) SetMarginMode(ctx context.Context, symbol string, mode MarginMode) error {
	marginType := futures.MarginTypeIsolated
	if mode == MarginCrossed {
		marginType = futures.MarginTypeCrossed
	}

	err := g.client.NewChangeMarginTypeService().
		Symbol(symbol).
		MarginType(marginType).
		Do(ctx)
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && apiErr.Code == codeNoNeedChangeMarginType {
			return nil
		}
		return classifyError("set_margin_mode", err)
	}
	g.log.Debugf("保证金模式已设置: %s %s", symbol, mode)
	return nil
}

// OpenMarketPosition 市价开仓，返回成交均价与实际成交数量
func (g *BinanceGateway) OpenMarketPosition(ctx context.Context, symbol string, side Side, quantity float64) (float64, float64, error) {
	qtyStr, err := g.formatQuantity(ctx, symbol, quantity)
	if err != nil {
		return 0, 0, err
	}

	orderSide := futures.SideTypeBuy
	if side != SideLong {
		orderSide = futures.SideTypeSell
	}

	res, err := g.client.NewCreateOrderService().
		Symbol(symbol).
		Side(orderSide).
		Type(futures.OrderTypeMarket).
		Quantity(qtyStr).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT).
		Do(ctx)
	if err != nil {
		return 0, 0, classifyError("open_market", err)
	}

	entryPrice, err := strconv.ParseFloat(res.AvgPrice, 64)
	if err != nil {
		return 0, 0, &RejectedError{Op: "open_market", Msg: fmt.Sprintf("成交均价解析失败: %q", res.AvgPrice)}
	}
	executedQty, err := strconv.ParseFloat(res.ExecutedQuantity, 64)
	if err != nil || executedQty <= 0 {
		return 0, 0, &RejectedError{Op: "open_market", Msg: fmt.Sprintf("成交数量异常: %q", res.ExecutedQuantity)}
	}

	g.log.Infof("💰 市价单成交: %s %s %.6f @ %.4f (orderID=%d)",
		symbol, orderSide, executedQty, entryPrice, res.OrderID)
	return entryPrice, executedQty, nil
}

// PlaceStopOrder 挂 STOP_MARKET 止损单，触发后平掉全部仓位
func (g *BinanceGateway) PlaceStopOrder(ctx context.Context, symbol string, triggerPrice, quantity float64) error {
	priceStr, err := g.formatPrice(ctx, symbol, triggerPrice)
	if err != nil {
		return err
	}

	_, err = g.client.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideTypeSell).
		Type(futures.OrderTypeStopMarket).
		StopPrice(priceStr).
		ClosePosition(true).
		Do(ctx)
	if err != nil {
		return classifyError("place_stop", err)
	}

	g.log.Infof("🛡️  止损单已挂: %s 触发价 %s", symbol, priceStr)
	return nil
}

// ClosePosition 市价平掉指定数量 (reduce-only)，已实现盈亏按
// 持仓开仓均价与本次平仓均价之差计算
func (g *BinanceGateway) ClosePosition(ctx context.Context, symbol string, quantity float64) (float64, error) {
	entryPrice, _, _, _, err := g.positionRisk(ctx, symbol)
	if err != nil {
		return 0, err
	}

	qtyStr, err := g.formatQuantity(ctx, symbol, quantity)
	if err != nil {
		return 0, err
	}

	res, err := g.client.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideTypeSell).
		Type(futures.OrderTypeMarket).
		Quantity(qtyStr).
		ReduceOnly(true).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT).
		Do(ctx)
	if err != nil {
		return 0, classifyError("close_position", err)
	}

	closePrice, _ := strconv.ParseFloat(res.AvgPrice, 64)
	closedQty, _ := strconv.ParseFloat(res.ExecutedQuantity, 64)
	pnl := (closePrice - entryPrice) * closedQty

	g.log.Infof("📉 平仓成交: %s %.6f @ %.4f (盈亏 %+.2f USDT)", symbol, closedQty, closePrice, pnl)
	return pnl, nil
}

// GetMarkPrice 获取标记价格
func (g *BinanceGateway) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	res, err := g.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, classifyError("mark_price", err)
	}
	if len(res) == 0 {
		return 0, &RejectedError{Op: "mark_price", Msg: fmt.Sprintf("交易对不存在: %s", symbol)}
	}

	price, err := strconv.ParseFloat(res[0].MarkPrice, 64)
	if err != nil || price <= 0 {
		return 0, &RejectedError{Op: "mark_price", Msg: fmt.Sprintf("标记价格非法: %q", res[0].MarkPrice)}
	}
	return price, nil
}

// GetMarginRatio 保证金率 = (标记价 − 强平价) / 标记价。
// 无强平价（仓位极小或无仓位）视为 1.0，即无强平风险。
func (g *BinanceGateway) GetMarginRatio(ctx context.Context, symbol string) (float64, error) {
	_, liqPrice, markPrice, amt, err := g.positionRisk(ctx, symbol)
	if err != nil {
		return 0, err
	}
	if amt == 0 || liqPrice <= 0 || markPrice <= 0 {
		return 1.0, nil
	}

	ratio := (markPrice - liqPrice) / markPrice
	if ratio < 0 {
		ratio = 0
	}
	return ratio, nil
}

// GetAccountState 获取合约账户余额
func (g *BinanceGateway) GetAccountState(ctx context.Context) (AccountState, error) {
	res, err := g.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return AccountState{}, classifyError("account_state", err)
	}

	total, _ := strconv.ParseFloat(res.TotalWalletBalance, 64)
	available, _ := strconv.ParseFloat(res.AvailableBalance, 64)
	return AccountState{TotalBalance: total, AvailableBalance: available}, nil
}

// CancelAllOrders 撤销该标的全部挂单
func (g *BinanceGateway) CancelAllOrders(ctx context.Context, symbol string) error {
	if err := g.client.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx); err != nil {
		return classifyError("cancel_orders", err)
	}
	return nil
}

// positionRisk 读取单向持仓的开仓均价 / 强平价 / 标记价 / 持仓量
func (g *BinanceGateway) positionRisk(ctx context.Context, symbol string) (entry, liq, mark, amt float64, err error) {
	res, err := g.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, 0, 0, 0, classifyError("position_risk", err)
	}
	if len(res) == 0 {
		return 0, 0, 0, 0, &RejectedError{Op: "position_risk", Msg: fmt.Sprintf("无持仓信息: %s", symbol)}
	}

	p := res[0]
	entry, _ = strconv.ParseFloat(p.EntryPrice, 64)
	liq, _ = strconv.ParseFloat(p.LiquidationPrice, 64)
	mark, _ = strconv.ParseFloat(p.MarkPrice, 64)
	amt, _ = strconv.ParseFloat(p.PositionAmt, 64)
	return entry, liq, mark, amt, nil
}

// rule 获取交易对精度规则，首次访问时拉取全量交易所信息并缓存
func (g *BinanceGateway) rule(ctx context.Context, symbol string) (symbolRule, error) {
	g.mu.RLock()
	r, ok := g.rules[symbol]
	g.mu.RUnlock()
	if ok {
		return r, nil
	}

	info, err := g.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return symbolRule{}, classifyError("exchange_info", err)
	}

	g.mu.Lock()
	for _, s := range info.Symbols {
		r := symbolRule{}
		if f := s.LotSizeFilter(); f != nil {
			r.stepSize, _ = decimal.NewFromString(f.StepSize)
			r.minQuantity, _ = decimal.NewFromString(f.MinQuantity)
		}
		if f := s.PriceFilter(); f != nil {
			r.tickSize, _ = decimal.NewFromString(f.TickSize)
		}
		g.rules[s.Symbol] = r
	}
	r, ok = g.rules[symbol]
	g.mu.Unlock()

	if !ok {
		return symbolRule{}, &RejectedError{Op: "exchange_info", Msg: fmt.Sprintf("交易对不存在: %s", symbol)}
	}
	return r, nil
}

// formatQuantity 按 LOT_SIZE 步长向下截断数量
func (g *BinanceGateway) formatQuantity(ctx context.Context, symbol string, quantity float64) (string, error) {
	r, err := g.rule(ctx, symbol)
	if err != nil {
		return "", err
	}

	qty := truncateToStep(decimal.NewFromFloat(quantity), r.stepSize)
	if qty.LessThanOrEqual(decimal.Zero) || (!r.minQuantity.IsZero() && qty.LessThan(r.minQuantity)) {
		return "", &RejectedError{Op: "format_quantity",
			Msg: fmt.Sprintf("%s 数量 %.8f 截断后低于最小下单量 %s", symbol, quantity, r.minQuantity)}
	}
	return qty.String(), nil
}

// formatPrice 按 tickSize 向下截断价格
func (g *BinanceGateway) formatPrice(ctx context.Context, symbol string, price float64) (string, error) {
	r, err := g.rule(ctx, symbol)
	if err != nil {
		return "", err
	}
	return truncateToStep(decimal.NewFromFloat(price), r.tickSize).String(), nil
}

// truncateToStep 向下截断到步长的整数倍
func truncateToStep(value, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}

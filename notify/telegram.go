package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"valuescan/pkg/logger"
	"valuescan/trader"
)

// Telegram 交易事件通知器。
// 未配置 token/chatID 时为禁用状态，所有方法变为空操作；
// 发送失败只记日志，绝不影响交易流程。
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	log    *zap.SugaredLogger
}

// NewTelegram 创建通知器，token 或 chatID 为空时返回禁用实例
func NewTelegram(token string, chatID int64) *Telegram {
	t := &Telegram{chatID: chatID, log: logger.Sugar("notify")}

	if token == "" || chatID == 0 {
		t.log.Infof("📢 Telegram 通知未配置，已禁用")
		return t
	}

	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		t.log.Errorf("❌ Telegram Bot 初始化失败，通知已禁用: %v", err)
		return t
	}

	t.bot = bot
	t.log.Infof("📢 Telegram 通知已启用 (bot: @%s)", bot.Self.UserName)
	return t
}

// Enabled 通知器是否可用
func (t *Telegram) Enabled() bool { return t.bot != nil }

func (t *Telegram) send(text string) {
	if t.bot == nil {
		return
	}
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := t.bot.Send(msg); err != nil {
		t.log.Warnf("⚠️  Telegram 发送失败: %v", err)
	}
}

// PositionOpened 开仓成功通知
func (t *Telegram) PositionOpened(p *trader.Position) {
	t.send(fmt.Sprintf(
		"🚀 *开仓成功*\n标的: `%s`\n数量: `%.6f`\n开仓价: `%.4f`\n杠杆: `%dx`\n止损价: `%.4f`\n信号评分: `%.2f`",
		p.ExchangeSymbol, p.OriginalQuantity, p.EntryPrice, p.Leverage, p.StopLossPrice, p.Score))
}

// PositionClosed 全部平仓通知
func (t *Telegram) PositionClosed(p *trader.Position, exitPrice, realizedPnL float64, reason string) {
	emoji := "✅"
	if realizedPnL < 0 {
		emoji = "❌"
	}
	t.send(fmt.Sprintf(
		"%s *仓位已关闭*\n标的: `%s`\n平仓价: `%.4f`\n盈亏: `%+.2f USDT`\n原因: `%s`",
		emoji, p.ExchangeSymbol, exitPrice, realizedPnL, reason))
}

// PartialClose 分批止盈通知
func (t *Telegram) PartialClose(p *trader.Position, closedQty, price, realizedPnL float64, level int) {
	t.send(fmt.Sprintf(
		"📉 *分批止盈 (级别 %d)*\n标的: `%s`\n平仓数量: `%.6f`\n成交价: `%.4f`\n盈亏: `%+.2f USDT`\n剩余: `%.6f`",
		level, p.ExchangeSymbol, closedQty, price, realizedPnL, p.RemainingQty))
}

// OpenFailed 开仓失败通知
func (t *Telegram) OpenFailed(symbol string, err error) {
	t.send(fmt.Sprintf("❌ *开仓失败*\n标的: `%s`\n原因: `%v`", symbol, err))
}

// MarginWarning 保证金率告警通知
func (t *Telegram) MarginWarning(p *trader.Position, ratio float64) {
	t.send(fmt.Sprintf(
		"⚠️ *强平风险告警*\n标的: `%s`\n保证金率: `%.1f%%`\n当前价: `%.4f`\n剩余数量: `%.6f`",
		p.ExchangeSymbol, ratio*100, p.LastMarkPrice, p.RemainingQty))
}

// FatalHalt 致命停机通知
func (t *Telegram) FatalHalt(reason string) {
	t.send(fmt.Sprintf("🚨 *系统已停机*\n原因: `%s`\n需人工介入检查后重启", reason))
}

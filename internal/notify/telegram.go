package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"bithumb-trader/pkg/types"
)

// telegramRetries is the number of extra send attempts before a message
// is abandoned. Telegram outages must never back up into the core.
const telegramRetries = 2

// TelegramSink delivers events as Markdown messages to one chat.
type TelegramSink struct {
	api    *tgbotapi.BotAPI
	chatID int64
	logger *slog.Logger
}

// NewTelegramSink authenticates against the Bot API and returns a sink
// bound to the given chat.
func NewTelegramSink(token string, chatID int64, logger *slog.Logger) (*TelegramSink, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}
	logger = logger.With("component", "telegram")
	logger.Info("telegram sink ready", "bot", api.Self.UserName, "chat_id", chatID)
	return &TelegramSink{api: api, chatID: chatID, logger: logger}, nil
}

// newTelegramSinkWithEndpoint is the test seam for pointing the client
// at a local server.
func newTelegramSinkWithEndpoint(token, endpoint string, chatID int64, logger *slog.Logger) (*TelegramSink, error) {
	api, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}
	return &TelegramSink{api: api, chatID: chatID, logger: logger.With("component", "telegram")}, nil
}

// Notify sends the formatted event, retrying transient failures. It
// always returns nil: once the retries are spent the message is logged
// and forgotten.
func (t *TelegramSink) Notify(ctx context.Context, ev types.Event) error {
	msg := tgbotapi.NewMessage(t.chatID, FormatEvent(ev))
	msg.ParseMode = tgbotapi.ModeMarkdown

	var lastErr error
	for attempt := 0; attempt <= telegramRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				t.logger.Warn("telegram send abandoned", "kind", ev.Kind, "error", ctx.Err())
				return nil
			case <-time.After(time.Second):
			}
		}
		if _, lastErr = t.api.Send(msg); lastErr == nil {
			return nil
		}
	}
	t.logger.Warn("telegram send failed after retries", "kind", ev.Kind, "error", lastErr)
	return nil
}

// FormatEvent renders an event as a Telegram Markdown message.
func FormatEvent(ev types.Event) string {
	switch ev.Kind {
	case types.EventBotStarted:
		return fmt.Sprintf("🚀 *Bot started*\n%s", ev.Message)
	case types.EventBotStopped:
		return fmt.Sprintf("🛑 *Bot stopped*\n%s", ev.Message)
	case types.EventTradeOpened:
		return fmt.Sprintf("✅ *Entry* %s\nQty: %.8g @ %.8g\nReason: %s",
			ev.Coin, ev.Qty, ev.Price, ev.Reason)
	case types.EventTradeAdded:
		return fmt.Sprintf("➕ *Pyramid* %s\nQty: %.8g @ %.8g\nReason: %s",
			ev.Coin, ev.Qty, ev.Price, ev.Reason)
	case types.EventPartialExit:
		return fmt.Sprintf("💰 *Partial exit* %s\nQty: %.8g @ %.8g\nP&L: %+.0f KRW\nReason: %s",
			ev.Coin, ev.Qty, ev.Price, ev.PnL, ev.Reason)
	case types.EventFullExit:
		return fmt.Sprintf("📤 *Full exit* %s\nQty: %.8g @ %.8g\nP&L: %+.0f KRW\nReason: %s",
			ev.Coin, ev.Qty, ev.Price, ev.PnL, ev.Reason)
	case types.EventError:
		return fmt.Sprintf("⚠️ *Error*\n`%s`", ev.Message)
	case types.EventDailySummary:
		return fmt.Sprintf("📊 *Daily summary*\n%s", ev.Message)
	default:
		return fmt.Sprintf("%s: %s", ev.Kind, ev.Message)
	}
}

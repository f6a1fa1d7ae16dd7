// Package notify delivers run reports to operators.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/websfactory/oliveyoung-product-collector/internal/model"
)

// Telegram sends run reports to a Telegram chat.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger *zap.Logger
}

// NewTelegram creates the Telegram notifier.
func NewTelegram(token string, chatID int64, logger *zap.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	logger.Info("Telegram notifier ready",
		zap.String("bot", bot.Self.UserName),
		zap.Int64("chat_id", chatID))

	return &Telegram{bot: bot, chatID: chatID, logger: logger}, nil
}

// NotifyRun sends the run report.
func (t *Telegram) NotifyRun(ctx context.Context, run *model.CollectionRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(t.chatID, FormatRun(run))
	msg.ParseMode = tgbotapi.ModeHTML

	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("failed to send run report: %w", err)
	}

	t.logger.Info("Run report sent",
		zap.Int64("run_id", run.ID),
		zap.String("status", string(run.Status)))
	return nil
}

// FormatRun renders the run report message.
func FormatRun(run *model.CollectionRun) string {
	icon := "✅"
	switch run.Status {
	case model.RunPartial:
		icon = "⚠️"
	case model.RunFailed:
		icon = "❌"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>Collection run #%d — %s</b>\n", icon, run.ID, run.Status)
	fmt.Fprintf(&b, "Week %d/%02d, %d categories\n\n", run.Year, run.Week, len(run.Categories))
	fmt.Fprintf(&b, "Products: %d/%d succeeded\n", run.Succeeded, run.TotalRefs)

	if run.Failures() > 0 {
		fmt.Fprintf(&b, "Blocked: %d\n", run.Blocked)
		fmt.Fprintf(&b, "Not found: %d\n", run.NotFound)
		fmt.Fprintf(&b, "Malformed: %d\n", run.Malformed)
		fmt.Fprintf(&b, "Transient: %d\n", run.Transient)
		fmt.Fprintf(&b, "Storage: %d\n", run.StorageFailures)
	}

	if !run.EndedAt.IsZero() {
		fmt.Fprintf(&b, "\nElapsed: %s", run.EndedAt.Sub(run.StartedAt).Round(time.Second))
	}

	return b.String()
}

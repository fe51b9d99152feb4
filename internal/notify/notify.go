// Package notify posts run lifecycle updates to a Telegram chat.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/redloop-ai/redloop/internal/config"
	"github.com/redloop-ai/redloop/internal/logging"
	"github.com/redloop-ai/redloop/internal/runlog"
)

type sendMessageFunc func(context.Context, *bot.SendMessageParams) (*models.Message, error)

// Notifier delivers outbound-only run notifications. A nil Notifier is
// valid and does nothing, so callers need no enabled check.
type Notifier struct {
	chatID int64
	send   sendMessageFunc
}

// New connects the Telegram notifier described by cfg. A disabled
// config yields a nil notifier.
func New(ctx context.Context, cfg config.NotifyConfig) (*Notifier, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	token := strings.TrimSpace(cfg.TelegramToken)
	if token == "" {
		return nil, errors.New("telegram token is required")
	}
	if cfg.TelegramChatID == 0 {
		return nil, errors.New("telegram chat id is required")
	}

	b, err := bot.New(token)
	if err != nil {
		return nil, fmt.Errorf("connect to telegram bot: %w", err)
	}
	me, err := b.GetMe(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch telegram bot profile: %w", err)
	}
	logging.Logger().Info(fmt.Sprintf("Connected to Telegram Bot @%s", strings.TrimSpace(me.Username)))

	return &Notifier{chatID: cfg.TelegramChatID, send: b.SendMessage}, nil
}

// RunStarted announces a new assessment run against host.
func (n *Notifier) RunStarted(ctx context.Context, runID, host, model string) error {
	if n == nil {
		return nil
	}
	body := fmt.Sprintf("# Privilege escalation run started\n\nRun `%s` against `%s` using %s.", runID, host, model)
	return n.post(ctx, body)
}

// RootObtained announces the command that produced a root shell.
func (n *Notifier) RootObtained(ctx context.Context, runID, command string) error {
	if n == nil {
		return nil
	}
	body := fmt.Sprintf("# Got Root!\n\nRun `%s` reached root with:\n\n```bash\n%s\n```", runID, command)
	return n.post(ctx, body)
}

// RunFinished posts the final outcome and the facts gathered about the
// target. A blank state is left out of the message.
func (n *Notifier) RunFinished(ctx context.Context, runID string, status runlog.RunStatus, rounds int, state string) error {
	if n == nil {
		return nil
	}
	body := fmt.Sprintf("# Assessment run finished\n\nRun `%s` ended with **%s** after %d rounds.", runID, status, rounds)
	if facts := strings.TrimSpace(state); facts != "" {
		body += "\n\nWhat was learned about the target:\n\n" + facts
	}
	return n.post(ctx, body)
}

func (n *Notifier) post(ctx context.Context, markdown string) error {
	params := &bot.SendMessageParams{
		ChatID: n.chatID,
		Text:   markdown,
	}
	if formatted, ok := formatTelegram(markdown); ok {
		params.Text = formatted
		params.ParseMode = models.ParseModeHTML
	}
	if _, err := n.send(ctx, params); err != nil {
		return fmt.Errorf("send telegram notification: %w", err)
	}
	return nil
}

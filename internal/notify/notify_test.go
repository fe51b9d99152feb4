package notify

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/redloop-ai/redloop/internal/config"
	"github.com/redloop-ai/redloop/internal/runlog"
)

func captureNotifier(chatID int64, sent *[]*bot.SendMessageParams) *Notifier {
	return &Notifier{
		chatID: chatID,
		send: func(_ context.Context, params *bot.SendMessageParams) (*models.Message, error) {
			*sent = append(*sent, params)
			return &models.Message{ID: 1, Chat: models.Chat{ID: chatIDFromAny(params.ChatID)}}, nil
		},
	}
}

func TestNotifierRunStarted_SendsHTML(t *testing.T) {
	var sent []*bot.SendMessageParams
	notifier := captureNotifier(42, &sent)

	err := notifier.RunStarted(context.Background(), "run-20260823-100501", "lowpriv@192.168.56.10:22", "gpt-4-turbo")
	if err != nil {
		t.Fatalf("run started: %v", err)
	}

	if len(sent) != 1 {
		t.Fatalf("expected one send call, got %d", len(sent))
	}
	if got := chatIDFromAny(sent[0].ChatID); got != 42 {
		t.Fatalf("unexpected chat id: %d", got)
	}
	if sent[0].ParseMode != models.ParseModeHTML {
		t.Fatalf("expected ParseModeHTML, got %q", sent[0].ParseMode)
	}
	want := "<b>Privilege escalation run started</b>\n" +
		"Run <code>run-20260823-100501</code> against <code>lowpriv@192.168.56.10:22</code> using gpt-4-turbo."
	if sent[0].Text != want {
		t.Fatalf("unexpected message text\ngot: %q\nwant: %q", sent[0].Text, want)
	}
}

func TestNotifierRootObtained_WrapsCommandInCodeBlock(t *testing.T) {
	var sent []*bot.SendMessageParams
	notifier := captureNotifier(42, &sent)

	if err := notifier.RootObtained(context.Background(), "run-7", "sudo su -"); err != nil {
		t.Fatalf("root obtained: %v", err)
	}

	if len(sent) != 1 {
		t.Fatalf("expected one send call, got %d", len(sent))
	}
	want := "<b>Got Root!</b>\n" +
		"Run <code>run-7</code> reached root with:\n\n" +
		"<pre><code>sudo su -\n</code></pre>"
	if sent[0].Text != want {
		t.Fatalf("unexpected message text\ngot: %q\nwant: %q", sent[0].Text, want)
	}
}

func TestNotifierRunFinished_IncludesGatheredFacts(t *testing.T) {
	var sent []*bot.SendMessageParams
	notifier := captureNotifier(42, &sent)

	state := "- this is a linux system\n- lowpriv may run vim as root"
	err := notifier.RunFinished(context.Background(), "run-9", runlog.StatusExhausted, 10, state)
	if err != nil {
		t.Fatalf("run finished: %v", err)
	}

	if len(sent) != 1 {
		t.Fatalf("expected one send call, got %d", len(sent))
	}
	text := sent[0].Text
	if !strings.Contains(text, "<b>Assessment run finished</b>") {
		t.Fatalf("missing finish headline: %q", text)
	}
	if !strings.Contains(text, "<b>max-rounds</b> after 10 rounds.") {
		t.Fatalf("missing status summary: %q", text)
	}
	if !strings.Contains(text, "- lowpriv may run vim as root\n") {
		t.Fatalf("missing gathered fact: %q", text)
	}
}

func TestNotifierRunFinished_OmitsBlankState(t *testing.T) {
	var sent []*bot.SendMessageParams
	notifier := captureNotifier(42, &sent)

	if err := notifier.RunFinished(context.Background(), "run-3", runlog.StatusGotRoot, 4, "  \n"); err != nil {
		t.Fatalf("run finished: %v", err)
	}

	if len(sent) != 1 {
		t.Fatalf("expected one send call, got %d", len(sent))
	}
	if strings.Contains(sent[0].Text, "What was learned") {
		t.Fatalf("expected no facts section for blank state, got %q", sent[0].Text)
	}
}

func TestNotifierFormatterFailureFallsBackToPlain(t *testing.T) {
	original := telegramMarkdown
	telegramMarkdown = nil
	defer func() {
		telegramMarkdown = original
	}()

	var sent []*bot.SendMessageParams
	notifier := captureNotifier(42, &sent)

	if err := notifier.RunStarted(context.Background(), "run-1", "lowpriv@host:22", "gpt-4"); err != nil {
		t.Fatalf("run started: %v", err)
	}

	if len(sent) != 1 {
		t.Fatalf("expected one send call, got %d", len(sent))
	}
	if sent[0].ParseMode != "" {
		t.Fatalf("expected empty parse mode on formatter failure, got %q", sent[0].ParseMode)
	}
	if !strings.HasPrefix(sent[0].Text, "# Privilege escalation run started") {
		t.Fatalf("expected plain markdown fallback, got %q", sent[0].Text)
	}
}

func TestNotifierSendFailureIsWrapped(t *testing.T) {
	notifier := &Notifier{
		chatID: 42,
		send: func(context.Context, *bot.SendMessageParams) (*models.Message, error) {
			return nil, errors.New("telegram: forbidden")
		},
	}

	err := notifier.RootObtained(context.Background(), "run-2", "sudo -i")
	if err == nil {
		t.Fatal("expected send error")
	}
	if !strings.Contains(err.Error(), "send telegram notification") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNotifierNilReceiverDoesNothing(t *testing.T) {
	var notifier *Notifier

	if err := notifier.RunStarted(context.Background(), "run-1", "host", "model"); err != nil {
		t.Fatalf("nil run started: %v", err)
	}
	if err := notifier.RootObtained(context.Background(), "run-1", "id"); err != nil {
		t.Fatalf("nil root obtained: %v", err)
	}
	if err := notifier.RunFinished(context.Background(), "run-1", runlog.StatusFailed, 0, ""); err != nil {
		t.Fatalf("nil run finished: %v", err)
	}
}

func TestNewDisabledReturnsNilNotifier(t *testing.T) {
	notifier, err := New(context.Background(), config.NotifyConfig{Enabled: false})
	if err != nil {
		t.Fatalf("new disabled notifier: %v", err)
	}
	if notifier != nil {
		t.Fatalf("expected nil notifier when disabled, got %+v", notifier)
	}
}

func TestNewValidatesTokenAndChatID(t *testing.T) {
	_, err := New(context.Background(), config.NotifyConfig{Enabled: true})
	if err == nil || !strings.Contains(err.Error(), "telegram token is required") {
		t.Fatalf("expected token error, got %v", err)
	}

	_, err = New(context.Background(), config.NotifyConfig{Enabled: true, TelegramToken: "123:abc"})
	if err == nil || !strings.Contains(err.Error(), "telegram chat id is required") {
		t.Fatalf("expected chat id error, got %v", err)
	}
}

func chatIDFromAny(chatID any) int64 {
	switch v := chatID.(type) {
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}

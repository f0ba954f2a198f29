package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"
)

const (
	telegramTokenEnv  = "TASKPILOT_TELEGRAM_TOKEN"
	telegramTextLimit = 4096
)

type telegramMessage struct {
	ChatID    int64
	ThreadID  int
	Text      string
	ParseMode string
}

// telegramSender delivers one message. Replaced in tests.
var telegramSender = sendTelegram

// telegramTask posts params.message to a chat. The bot token comes from
// params.token or the TASKPILOT_TELEGRAM_TOKEN environment variable.
type telegramTask struct {
	token string
	msg   telegramMessage
}

func newTelegramTask(params map[string]any) (Task, error) {
	token := paramString(params, "token", os.Getenv(telegramTokenEnv))
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("telegram: params.token or %s is required", telegramTokenEnv)
	}
	chatID, err := paramInt64(params, "chat_id", 0)
	if err != nil || chatID == 0 {
		return nil, errors.New("telegram: params.chat_id must be a non-zero integer")
	}
	thread, err := paramInt64(params, "thread_id", 0)
	if err != nil {
		return nil, err
	}
	text := paramString(params, "message", "")
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("telegram: params.message is required")
	}

	var mode string
	switch strings.ToLower(paramString(params, "parse_mode", "")) {
	case "":
	case "html":
		mode = tele.ModeHTML
	case "markdown":
		mode = tele.ModeMarkdownV2
	default:
		return nil, fmt.Errorf("telegram: unknown parse_mode %q", params["parse_mode"])
	}

	return &telegramTask{token: token, msg: telegramMessage{
		ChatID:    chatID,
		ThreadID:  int(thread),
		Text:      text,
		ParseMode: mode,
	}}, nil
}

func (t *telegramTask) Run(ctx context.Context) (Result, error) {
	if err := telegramSender(ctx, t.token, t.msg); err != nil {
		return Result{}, fmt.Errorf("telegram: %w", err)
	}
	return Result{Success: true, Message: fmt.Sprintf("sent to %d", t.msg.ChatID)}, nil
}

func sendTelegram(ctx context.Context, token string, m telegramMessage) error {
	// Offline skips the getMe round trip; no poller is started.
	bot, err := tele.NewBot(tele.Settings{Token: token, Offline: true})
	if err != nil {
		return err
	}
	chat := &tele.Chat{ID: m.ChatID}
	for _, chunk := range splitText(m.Text, telegramTextLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		opt := &tele.SendOptions{ParseMode: m.ParseMode, ThreadID: m.ThreadID}
		if _, err := bot.Send(chat, chunk, opt); err != nil {
			return err
		}
	}
	return nil
}

// splitText cuts s into chunks of at most limit runes, preferring line breaks.
func splitText(s string, limit int) []string {
	var out []string
	for utf8.RuneCountInString(s) > limit {
		cut := len(string([]rune(s)[:limit]))
		if i := strings.LastIndexByte(s[:cut], '\n'); i > 0 {
			cut = i + 1
		}
		out = append(out, s[:cut])
		s = s[cut:]
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}

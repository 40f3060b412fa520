// Package adapter delivers notifications to Telegram chats through telebot.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"vlogd/internal/task/engine"
	kit "vlogd/internal/transport"
	logx "vlogd/pkg/logx"
)

type Config struct {
	Token string
	// AdminChat receives alerts and messages without an address.
	// Format: "<chat_id>" or "<chat_id>:<thread_id>".
	AdminChat string
	// APIURL overrides the Bot API endpoint.
	APIURL  string
	Timeout time.Duration
}

type Adapter struct {
	cfg   Config
	log   logx.Logger
	bot   *tele.Bot
	admin chatTarget
}

type chatTarget struct {
	ChatID   int64
	ThreadID int
}

// New builds a send-only bot. It does not call getMe, so construction works
// offline.
func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	var admin chatTarget
	if strings.TrimSpace(cfg.AdminChat) != "" {
		t, err := parseTarget(cfg.AdminChat)
		if err != nil {
			return nil, fmt.Errorf("telegram admin_chat: %w", err)
		}
		admin = t
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{cfg: cfg, log: log, bot: b, admin: admin}, nil
}

func (a *Adapter) Name() string { return "telegram" }

// Send delivers m as one or more text messages.
func (a *Adapter) Send(ctx context.Context, m kit.Message) error {
	to := a.admin
	if m.Address != "" {
		t, err := parseTarget(m.Address)
		if err != nil {
			return engine.NoRetry(err)
		}
		to = t
	}
	if to.ChatID == 0 {
		return engine.NoRetry(errors.New("telegram: no destination chat"))
	}

	text := m.Text
	if text == "" {
		text = Format(m)
	}
	chat := &tele.Chat{ID: to.ChatID}
	for _, chunk := range splitText(text, telegramTextLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := a.bot.Send(chat, chunk, &tele.SendOptions{ThreadID: to.ThreadID, DisableWebPagePreview: true}); err != nil {
			return classify(err)
		}
	}
	return nil
}

// SendAlert makes the adapter usable as a log alert sink.
func (a *Adapter) SendAlert(ctx context.Context, text string) error {
	return a.Send(ctx, kit.Message{Kind: kit.KindAlert, Text: text})
}

// Format renders a message that carries no text of its own.
func Format(m kit.Message) string {
	if m.Request == nil {
		return string(m.Kind)
	}
	r := m.Request
	var b strings.Builder
	b.WriteString("Time to vlog!\n")
	fmt.Fprintf(&b, "Record: %s\n", r.RecordID)
	if r.Location != "" {
		fmt.Fprintf(&b, "Stream to: %s\n", r.Location)
	}
	fmt.Fprintf(&b, "Start within %s (requested %s UTC)", r.Timeout, r.RequestedAt.UTC().Format("15:04"))
	return b.String()
}

func parseTarget(s string) (chatTarget, error) {
	s = strings.TrimSpace(s)
	chatPart, threadPart, hasThread := strings.Cut(s, ":")
	id, err := strconv.ParseInt(chatPart, 10, 64)
	if err != nil || id == 0 {
		return chatTarget{}, fmt.Errorf("invalid chat address %q", s)
	}
	t := chatTarget{ChatID: id}
	if hasThread {
		th, err := strconv.Atoi(threadPart)
		if err != nil || th < 0 {
			return chatTarget{}, fmt.Errorf("invalid thread in address %q", s)
		}
		t.ThreadID = th
	}
	return t, nil
}

// classify marks Bot API errors that a retry cannot fix.
func classify(err error) error {
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return engine.RetryAfter(err, time.Duration(fe.RetryAfter)*time.Second)
	}
	var te *tele.Error
	if errors.As(err, &te) && te.Code >= 400 && te.Code < 500 && te.Code != 429 {
		return engine.NoRetry(err)
	}
	return err
}

const telegramTextLimit = 4000

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries that leave chunks at least a third full.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

// Package telegram delivers messages to one Telegram chat via telebot.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"campbridge/internal/destination"
)

// telegramTextLimit is the Bot API limit for one text message.
const telegramTextLimit = 4096

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int // forum topic thread id (0 if none)

	// APIURL overrides the Bot API endpoint (tests, local bot API servers).
	APIURL  string
	Timeout time.Duration
}

// Sender implements destination.Sender. It only sends; it never polls updates.
type Sender struct {
	cfg Config
	bot *tele.Bot
}

func New(cfg Config) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:    cfg.APIURL,
		Token:  cfg.Token,
		Client: &http.Client{Timeout: timeout},
		// No getMe round trip at startup; credentials are checked by the first send.
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &Sender{cfg: cfg, bot: b}, nil
}

// ChatID is the destination identifier messages are addressed to.
func (s *Sender) ChatID() string { return strconv.FormatInt(s.cfg.ChatID, 10) }

type sendResult struct {
	msg *tele.Message
	err error
}

func (s *Sender) Send(ctx context.Context, msg destination.OutboundMessage) (destination.Result, error) {
	if err := ctx.Err(); err != nil {
		return destination.Result{}, err
	}
	text := Text(msg)
	opts := &tele.SendOptions{
		ThreadID:              s.cfg.ThreadID,
		DisableWebPagePreview: true,
	}

	// telebot has no context support; the client timeout bounds the goroutine.
	done := make(chan sendResult, 1)
	go func() {
		m, err := s.bot.Send(tele.ChatID(s.cfg.ChatID), text, opts)
		done <- sendResult{msg: m, err: err}
	}()

	var r sendResult
	select {
	case <-ctx.Done():
		return destination.Result{}, ctx.Err()
	case r = <-done:
	}

	if r.err != nil {
		if rejected(r.err) {
			return destination.Result{OK: false, Msg: r.err.Error()}, nil
		}
		return destination.Result{}, r.err
	}
	if r.msg == nil {
		return destination.Result{OK: true}, nil
	}
	return destination.Result{OK: true, ID: strconv.Itoa(r.msg.ID)}, nil
}

// rejected reports whether err is the Bot API refusing the message (bad chat,
// missing rights) rather than a transport failure or flood limit.
func rejected(err error) bool {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return false
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code > 0 && apiErr.Code < 500
	}
	// Uncatalogued API errors come back as "telegram: <description> (<code>)".
	msg := err.Error()
	return strings.HasPrefix(msg, "telegram: ") && !strings.HasSuffix(msg, "(500)") &&
		!strings.HasSuffix(msg, "(502)") && !strings.HasSuffix(msg, "(503)")
}

// Text renders msg as plain text: the topic on the first line, then the body.
func Text(msg destination.OutboundMessage) string {
	text := "[" + msg.Topic + "]\n" + msg.Body
	r := []rune(text)
	if len(r) > telegramTextLimit {
		text = string(r[:telegramTextLimit-3]) + "..."
	}
	return text
}

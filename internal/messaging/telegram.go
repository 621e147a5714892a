package messaging

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"autoposter/internal/domain"
	logx "autoposter/pkg/logx"

	tele "gopkg.in/telebot.v4"
)

const (
	telegramTextLimit    = 4000
	telegramCaptionLimit = 1024
)

type TelegramConfig struct {
	Token string
	// Groups are chat ids the bot posts to; they become the session's
	// destination list.
	Groups         []int64
	RequestTimeout time.Duration
	// HealthInterval is how often the connection is probed with getMe.
	HealthInterval time.Duration
	// APIURL overrides the Bot API endpoint (tests, local bot servers).
	APIURL string
}

// TelegramProvider sends through the Telegram Bot API. Authentication is
// the bot token, so the session never waits for a credential.
type TelegramProvider struct {
	cfg TelegramConfig
	log logx.Logger

	mu  sync.RWMutex
	bot *tele.Bot
}

func NewTelegramProvider(cfg TelegramConfig, log logx.Logger) (*TelegramProvider, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &TelegramProvider{cfg: cfg, log: log.With(logx.String("comp", "messaging.telegram"))}, nil
}

func (p *TelegramProvider) Name() string { return "telegram" }

func (p *TelegramProvider) currentBot() *tele.Bot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.bot
}

func (p *TelegramProvider) Connect(ctx context.Context) (<-chan Event, error) {
	bot, err := tele.NewBot(tele.Settings{
		URL:    p.cfg.APIURL,
		Token:  p.cfg.Token,
		Client: &http.Client{Timeout: p.cfg.RequestTimeout},
	})
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.bot = bot
	p.mu.Unlock()

	ch := make(chan Event, 4)
	ch <- Event{Kind: EventAuthenticated}
	ch <- Event{Kind: EventReady, Groups: p.resolveGroups(bot)}

	go func() {
		defer close(ch)
		t := time.NewTicker(p.cfg.HealthInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if _, err := bot.Raw("getMe", nil); err != nil {
					kind := EventDisconnected
					if isUnauthorized(err) {
						kind = EventAuthFailed
					}
					ch <- Event{Kind: kind, Reason: err.Error()}
					return
				}
			}
		}
	}()
	return ch, nil
}

func (p *TelegramProvider) resolveGroups(bot *tele.Bot) []domain.Group {
	groups := make([]domain.Group, 0, len(p.cfg.Groups))
	for _, id := range p.cfg.Groups {
		g := domain.Group{ID: strconv.FormatInt(id, 10), DisplayName: strconv.FormatInt(id, 10)}
		chat, err := bot.ChatByID(id)
		if err != nil {
			p.log.Warn("chat lookup failed", logx.Int64("chat_id", id), logx.Err(err))
			groups = append(groups, g)
			continue
		}
		if chat.Title != "" {
			g.DisplayName = chat.Title
		}
		if n, err := bot.Len(chat); err == nil {
			g.MemberCount = n
		}
		groups = append(groups, g)
	}
	return groups
}

func (p *TelegramProvider) Send(ctx context.Context, destID string, msg domain.Message) error {
	bot := p.currentBot()
	if bot == nil {
		return domain.ErrNotConnected
	}
	id, err := strconv.ParseInt(strings.TrimSpace(destID), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad telegram chat id %q", domain.ErrSendFailed, destID)
	}
	chat := &tele.Chat{ID: id}
	opts := &tele.SendOptions{DisableWebPagePreview: msg.ImageURL != ""}

	text := msg.Text
	if msg.ImageURL != "" {
		caption := ""
		if len([]rune(text)) <= telegramCaptionLimit {
			caption, text = text, ""
		}
		photo := &tele.Photo{File: tele.FromURL(msg.ImageURL), Caption: caption}
		if _, err := bot.Send(chat, photo, opts); err != nil {
			return classifyTelegram(err)
		}
	}
	for _, chunk := range splitText(text, telegramTextLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := bot.Send(chat, chunk, opts); err != nil {
			return classifyTelegram(err)
		}
	}
	return nil
}

func (p *TelegramProvider) Close(context.Context) error {
	p.mu.Lock()
	p.bot = nil
	p.mu.Unlock()
	return nil
}

func isUnauthorized(err error) bool {
	return errors.Is(err, tele.ErrUnauthorized) || strings.Contains(strings.ToLower(err.Error()), "unauthorized")
}

func classifyTelegram(err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &RateLimitedError{After: time.Duration(flood.RetryAfter) * time.Second, Err: err}
	}
	var floodPtr *tele.FloodError
	if errors.As(err, &floodPtr) && floodPtr != nil {
		return &RateLimitedError{After: time.Duration(floodPtr.RetryAfter) * time.Second, Err: err}
	}
	if isUnauthorized(err) {
		return fmt.Errorf("%w: %v", domain.ErrProviderDisconnected, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrSendFailed, err)
}

// splitText cuts s into chunks of at most limit runes, preferring a
// newline in the last two thirds of each window.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) == 0 {
		return nil
	}
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i-start >= limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		if chunk := strings.TrimRight(string(rs[start:end]), "\n"); chunk != "" {
			out = append(out, chunk)
		}
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

// Package telegram relays crawled records through a bot to a chat or channel.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/channel-crawler/internal/crawler"
)

// maxMessageLen is the Bot API limit for one text message, in characters.
const maxMessageLen = 4096

// Config selects the bot and the chat it posts to.
type Config struct {
	Token string `mapstructure:"token"`
	// Target is "@channelname" or a numeric chat id.
	Target string `mapstructure:"target"`
	// PerSecond caps outgoing messages; zero means one per second.
	PerSecond float64 `mapstructure:"per_second"`
}

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Publisher posts one message per record.
type Publisher struct {
	bot     sender
	target  string
	chatID  int64
	limiter *rate.Limiter
}

var _ crawler.Sink = (*Publisher)(nil)

// New logs the bot in and validates the target.
func New(cfg Config) (*Publisher, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("telegram bot token is required")
	}
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return newWithSender(bot, cfg)
}

func newWithSender(bot sender, cfg Config) (*Publisher, error) {
	p := &Publisher{bot: bot, target: strings.TrimSpace(cfg.Target)}
	switch {
	case p.target == "":
		return nil, fmt.Errorf("telegram target is required")
	case strings.HasPrefix(p.target, "@"):
	default:
		id, err := strconv.ParseInt(p.target, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("telegram target must be @username or chat_id")
		}
		p.chatID = id
	}
	perSecond := cfg.PerSecond
	if perSecond <= 0 {
		perSecond = 1
	}
	p.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	return p, nil
}

// Emit sends the records in order and stops at the first failure.
func (p *Publisher) Emit(ctx context.Context, records []crawler.Record) error {
	for i, rec := range records {
		if err := p.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("telegram relay interrupted after %d of %d records: %w", i, len(records), err)
		}
		if _, err := p.bot.Send(p.message(format(rec))); err != nil {
			return fmt.Errorf("telegram send %d of %d: %w", i+1, len(records), err)
		}
	}
	return nil
}

func (p *Publisher) message(text string) tgbotapi.MessageConfig {
	if p.chatID == 0 {
		return tgbotapi.NewMessageToChannel(p.target, text)
	}
	return tgbotapi.NewMessage(p.chatID, text)
}

// format prefixes the content with its source channel and trims the result
// to the message limit.
func format(rec crawler.Record) string {
	text := "@" + rec.Source + "\n\n" + rec.Content
	if utf8.RuneCountInString(text) <= maxMessageLen {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxMessageLen-1]) + "…"
}

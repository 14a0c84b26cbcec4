// Package telegram relays posts from a Telegram channel into the pipeline.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"notifybot/internal/event"
	"notifybot/internal/source"
	logx "notifybot/pkg/logx"
)

// SourceName tags every event relayed from a channel.
const SourceName = "telegram_channel"

type Config struct {
	Token       string
	APIURL      string
	ChannelID   int64
	PollTimeout time.Duration
	Severity    string
}

type Channel struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
	sub source.Submitter
}

func New(cfg Config, sub source.Submitter, log logx.Logger) (*Channel, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		Token: cfg.Token,
		URL:   cfg.APIURL,
		Poller: &tele.LongPoller{
			Timeout:        cfg.PollTimeout,
			AllowedUpdates: []string{"channel_post"},
		},
		// getMe is done by the startup health check.
		Offline: true,
		OnError: func(err error, _ tele.Context) {
			log.Warn("telebot error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	c := &Channel{cfg: cfg, log: log.With(logx.String("comp", "source.telegram")), bot: b, sub: sub}
	b.Handle(tele.OnChannelPost, func(tc tele.Context) error {
		c.handle(context.Background(), tc.Message())
		return nil
	})
	return c, nil
}

// ParseChannelID accepts numeric ids like -1001234567890. Empty means 0,
// which relays posts from every channel the bot reads.
func ParseChannelID(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("channel_id %q: %w", raw, err)
	}
	return id, nil
}

// Run polls until ctx ends. A poller that stops on its own is reported as an
// error so the caller can restart it.
func (c *Channel) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.log.Info("channel polling started", logx.Int64("channel_id", c.cfg.ChannelID))
		c.bot.Start()
	}()
	select {
	case <-ctx.Done():
		c.bot.Stop()
		<-done
		c.log.Info("channel polling stopped")
		return nil
	case <-done:
		return errors.New("telegram poller exited")
	}
}

func (c *Channel) handle(ctx context.Context, m *tele.Message) {
	raw, ok := RawFromPost(m, c.cfg.ChannelID, c.cfg.Severity)
	if !ok {
		return
	}
	res, err := c.sub.Submit(ctx, raw)
	if err != nil {
		c.log.Warn("channel post not queued", logx.String("event_id", raw.ID), logx.Err(err))
		return
	}
	c.log.Debug("channel post submitted", logx.String("event_id", res.EventID), logx.String("status", res.Status))
}

// RawFromPost maps a channel post to an event. A channelID of 0 accepts every
// channel; otherwise posts from other chats are ignored, as are posts without
// text or caption.
func RawFromPost(m *tele.Message, channelID int64, severity string) (event.RawEvent, bool) {
	if m == nil || m.Chat == nil || (channelID != 0 && m.Chat.ID != channelID) {
		return event.RawEvent{}, false
	}
	text := m.Text
	if text == "" {
		text = m.Caption
	}
	if strings.TrimSpace(text) == "" {
		return event.RawEvent{}, false
	}
	raw := event.RawEvent{
		ID:       fmt.Sprintf("tg:%d:%d", m.Chat.ID, m.ID),
		Source:   SourceName,
		Severity: severity,
		Payload:  text,
	}
	if m.Unixtime > 0 {
		raw.Timestamp = time.Unix(m.Unixtime, 0).UTC()
	}
	return raw, true
}

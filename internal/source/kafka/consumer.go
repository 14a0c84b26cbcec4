// Package kafka consumes JSON events from a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"notifybot/internal/event"
	"notifybot/internal/source"
	logx "notifybot/pkg/logx"
)

type Config struct {
	Brokers []string
	GroupID string
	Topic   string
}

// reader is the subset of *kafka.Reader the consumer needs.
type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	log    logx.Logger
	reader reader
	sub    source.Submitter
	topic  string
}

func New(cfg Config, sub source.Submitter, log logx.Logger) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka consumer requires at least one broker")
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, fmt.Errorf("kafka consumer requires group id")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka consumer requires a topic")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	return newConsumer(r, cfg.Topic, sub, log), nil
}

func newConsumer(r reader, topic string, sub source.Submitter, log logx.Logger) *Consumer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Consumer{
		log:    log.With(logx.String("comp", "source.kafka"), logx.String("topic", topic)),
		reader: r,
		sub:    sub,
		topic:  topic,
	}
}

// Run consumes until ctx ends. Each message is committed once the pipeline
// has taken it or refused it as invalid; a message the pipeline could not
// take (queue full) is left uncommitted and the error is returned.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("kafka consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if err := c.handle(ctx, msg); err != nil {
			return err
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit offset %d: %w", msg.Offset, err)
		}
	}
}

func (c *Consumer) Close() error { return c.reader.Close() }

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	raw, err := DecodeMessage(msg)
	if err != nil {
		c.log.Warn("undecodable message skipped", logx.Int64("offset", msg.Offset), logx.Err(err))
		return nil
	}
	res, err := c.sub.Submit(ctx, raw)
	switch {
	case err == nil:
		c.log.Debug("message submitted", logx.String("event_id", res.EventID), logx.String("status", res.Status))
		return nil
	case source.Rejected(err):
		c.log.Warn("message rejected", logx.Int64("offset", msg.Offset), logx.Err(err))
		return nil
	default:
		return fmt.Errorf("submit offset %d: %w", msg.Offset, err)
	}
}

// DecodeMessage parses a JSON event. The message key and time fill in a
// missing id and timestamp.
func DecodeMessage(msg kafka.Message) (event.RawEvent, error) {
	var raw event.RawEvent
	dec := json.NewDecoder(strings.NewReader(string(msg.Value)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return event.RawEvent{}, err
	}
	if raw.ID == "" && len(msg.Key) > 0 {
		raw.ID = string(msg.Key)
	}
	if raw.Timestamp.IsZero() && !msg.Time.IsZero() {
		raw.Timestamp = msg.Time
	}
	return raw, nil
}

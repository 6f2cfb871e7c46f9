// Package kafka supplies crawl requests consumed from a Kafka topic.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlengine/internal/crawler"
	"github.com/JakeFAU/crawlengine/internal/source"
)

const defaultIdleTimeout = 5 * time.Second

// Config selects the topic and consumer group.
type Config struct {
	Brokers     []string      `mapstructure:"brokers"`
	Topic       string        `mapstructure:"topic"`
	GroupID     string        `mapstructure:"group_id"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Source reads one message per Next call. The topic counts as exhausted
// once no message arrives within the idle timeout. Messages are committed
// after decoding, including undecodable ones, which are skipped.
type Source struct {
	reader messageReader
	idle   time.Duration
	logger *zap.Logger
}

var _ crawler.RequestSource = (*Source)(nil)

// New builds a consumer-group reader for cfg.
func New(cfg Config, logger *zap.Logger) (*Source, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	if cfg.GroupID == "" {
		return nil, errors.New("kafka group id is required")
	}
	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return newSource(reader, cfg.IdleTimeout, logger), nil
}

func newSource(reader messageReader, idle time.Duration, logger *zap.Logger) *Source {
	if idle <= 0 {
		idle = defaultIdleTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{reader: reader, idle: idle, logger: logger}
}

// Next implements crawler.RequestSource.
func (s *Source) Next(ctx context.Context) (crawler.Request, bool, error) {
	for {
		msg, err := s.fetch(ctx)
		switch {
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			s.logger.Debug("kafka source idle, treating as exhausted", zap.Duration("idle", s.idle))
			return crawler.Request{}, false, nil
		case errors.Is(err, io.EOF):
			return crawler.Request{}, false, nil
		case err != nil:
			return crawler.Request{}, false, fmt.Errorf("fetch message: %w", err)
		}

		req, decodeErr := source.Decode(msg.Value)
		if err := s.reader.CommitMessages(ctx, msg); err != nil {
			return crawler.Request{}, false, fmt.Errorf("commit offset %d: %w", msg.Offset, err)
		}
		if decodeErr != nil {
			s.logger.Warn("skipping undecodable request",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(decodeErr),
			)
			continue
		}
		return req, true, nil
	}
}

func (s *Source) fetch(ctx context.Context) (kafkago.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, s.idle)
	defer cancel()
	return s.reader.FetchMessage(ctx)
}

// Close closes the reader.
func (s *Source) Close() error {
	if err := s.reader.Close(); err != nil {
		return fmt.Errorf("close kafka reader: %w", err)
	}
	return nil
}

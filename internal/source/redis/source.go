// Package redis supplies crawl requests popped from a Redis list.
package redis

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlengine/internal/crawler"
	"github.com/JakeFAU/crawlengine/internal/source"
)

// Config names the list to drain.
type Config struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
}

// Source pops one payload per Next call. An empty or missing list means the
// source is exhausted.
type Source struct {
	client goredis.Cmdable
	key    string
	closer func() error
	logger *zap.Logger
}

var _ crawler.RequestSource = (*Source)(nil)

// New wraps an existing client. The caller keeps ownership of client.
func New(client goredis.Cmdable, key string, logger *zap.Logger) (*Source, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if key == "" {
		return nil, errors.New("redis list key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{client: client, key: key, logger: logger}, nil
}

// Dial connects to cfg.Addr and verifies the connection. Close releases the
// client.
func Dial(ctx context.Context, cfg Config, logger *zap.Logger) (*Source, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	s, err := New(client, cfg.Key, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	s.closer = client.Close
	return s, nil
}

// Next implements crawler.RequestSource. Undecodable payloads are logged and
// skipped.
func (s *Source) Next(ctx context.Context) (crawler.Request, bool, error) {
	for {
		payload, err := s.client.LPop(ctx, s.key).Bytes()
		if errors.Is(err, goredis.Nil) {
			return crawler.Request{}, false, nil
		}
		if err != nil {
			return crawler.Request{}, false, fmt.Errorf("lpop %s: %w", s.key, err)
		}
		req, err := source.Decode(payload)
		if err != nil {
			s.logger.Warn("skipping undecodable request", zap.String("key", s.key), zap.Error(err))
			continue
		}
		return req, true, nil
	}
}

// Close releases a client created by Dial.
func (s *Source) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

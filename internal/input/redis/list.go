// Package redis feeds the ingest pipeline from a Redis list.
package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	redis "github.com/redis/go-redis/v9"

	"funnelscope/internal/logger"
)

const (
	defaultBlockTimeout = 5 * time.Second
	defaultPrefetch     = 128
)

// Config configures a list source.
type Config struct {
	Addr         string
	Password     string
	DB           int
	Key          string
	BlockTimeout time.Duration
	// Prefetch is how many payloads one round trip may pop.
	Prefetch int
	// Drain ends the source with io.EOF once the list stays empty for a
	// whole block timeout.
	Drain bool
}

// ListSource pops ingest records from a list. After a blocking pop it takes
// up to Prefetch-1 more with LPOP count and serves them from memory.
type ListSource struct {
	client   *redis.Client
	key      string
	block    time.Duration
	prefetch int
	drain    bool

	pending []string
}

// NewListSource creates a source over cfg.Key.
func NewListSource(cfg Config) (*ListSource, error) {
	if cfg.Key == "" {
		return nil, fmt.Errorf("redis input key is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = defaultBlockTimeout
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = defaultPrefetch
	}

	return &ListSource{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		key:      cfg.Key,
		block:    cfg.BlockTimeout,
		prefetch: cfg.Prefetch,
		drain:    cfg.Drain,
	}, nil
}

// Next returns the next payload. An empty list yields (nil, nil), or io.EOF
// in drain mode.
func (s *ListSource) Next(ctx context.Context) ([]byte, error) {
	if len(s.pending) > 0 {
		return s.shift(), nil
	}

	res, err := s.client.BLPop(ctx, s.block, s.key).Result()
	if errors.Is(err, redis.Nil) {
		if s.drain {
			return nil, io.EOF
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop %s: %w", s.key, err)
	}
	if len(res) < 2 {
		return nil, nil
	}

	if s.prefetch > 1 {
		more, err := s.client.LPopCount(ctx, s.key, s.prefetch-1).Result()
		switch {
		case err == nil:
			s.pending = append(s.pending, more...)
		case !errors.Is(err, redis.Nil):
			logger.Warnf("Prefetch from %s failed: %v", s.key, err)
		}
	}
	return []byte(res[1]), nil
}

func (s *ListSource) shift() []byte {
	p := s.pending[0]
	s.pending[0] = ""
	s.pending = s.pending[1:]
	return []byte(p)
}

// Pending reports how many prefetched payloads have not been handed out.
func (s *ListSource) Pending() int {
	return len(s.pending)
}

// Close closes the Redis client. Prefetched payloads that were never handed
// out are logged as lost.
func (s *ListSource) Close() error {
	if n := len(s.pending); n > 0 {
		logger.Warnf("Closing %s with %d prefetched records unread", s.key, n)
	}
	return s.client.Close()
}

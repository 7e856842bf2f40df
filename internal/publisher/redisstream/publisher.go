// Package redisstream appends crawled records to a Redis stream.
package redisstream

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/channel-crawler/internal/crawler"
)

// Config selects the stream and its approximate length cap.
type Config struct {
	Stream string `mapstructure:"stream"`
	MaxLen int64  `mapstructure:"max_len"`
}

// Publisher writes each record as one stream entry with source, content and
// timestamp fields.
type Publisher struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

var _ crawler.Sink = (*Publisher)(nil)

// New validates cfg. MaxLen zero leaves the stream untrimmed.
func New(client redis.UniversalClient, cfg Config) (*Publisher, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.Stream == "" {
		return nil, fmt.Errorf("stream name is required")
	}
	if cfg.MaxLen < 0 {
		return nil, fmt.Errorf("max_len must not be negative")
	}
	return &Publisher{client: client, stream: cfg.Stream, maxLen: cfg.MaxLen}, nil
}

// Emit pipelines one XADD per record.
func (p *Publisher) Emit(ctx context.Context, records []crawler.Record) error {
	if len(records) == 0 {
		return nil
	}
	pipe := p.client.Pipeline()
	for _, rec := range records {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: p.stream,
			MaxLen: p.maxLen,
			Approx: p.maxLen > 0,
			Values: map[string]any{
				"source":    rec.Source,
				"content":   rec.Content,
				"timestamp": rec.Timestamp.UTC().Format(time.RFC3339Nano),
			},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}

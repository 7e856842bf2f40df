// Package log contains a sink that writes every record to the structured
// logger. It is the default sink and the dry-run mode of the service.
package log

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/channel-crawler/internal/crawler"
)

// Publisher logs records at info level.
type Publisher struct {
	logger *zap.Logger
	// MaxContent caps how many bytes of content are logged per record; zero logs everything.
	maxContent int
}

var _ crawler.Sink = (*Publisher)(nil)

// New returns a Publisher. maxContent <= 0 disables truncation.
func New(logger *zap.Logger, maxContent int) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{logger: logger.Named("sink"), maxContent: maxContent}
}

// Emit logs one line per record. It never fails.
func (p *Publisher) Emit(_ context.Context, records []crawler.Record) error {
	for _, r := range records {
		content := r.Content
		if p.maxContent > 0 && len(content) > p.maxContent {
			content = content[:p.maxContent]
		}
		p.logger.Info("record",
			zap.String("channel_id", r.Source),
			zap.Time("timestamp", r.Timestamp),
			zap.String("content", content),
		)
	}
	return nil
}

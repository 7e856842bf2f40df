// Package publisher combines the record sinks.
package publisher

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/channel-crawler/internal/crawler"
	"github.com/JakeFAU/channel-crawler/internal/metrics"
)

// Named labels a sink for logs and metrics.
type Named struct {
	Name string
	Sink crawler.Sink
}

// Fanout emits every batch to all of its sinks.
type Fanout struct {
	sinks  []Named
	logger *zap.Logger
}

var _ crawler.Sink = (*Fanout)(nil)

// NewFanout returns a Fanout over sinks. Nil sinks are skipped.
func NewFanout(logger *zap.Logger, sinks ...Named) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fanout{logger: logger.Named("publisher")}
	for _, s := range sinks {
		if s.Sink != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Names lists the configured sinks.
func (f *Fanout) Names() []string {
	out := make([]string, 0, len(f.sinks))
	for _, s := range f.sinks {
		out = append(out, s.Name)
	}
	return out
}

// Emit offers the batch to every sink, even after one fails. Any failure
// fails the batch, so the channel is crawled again next cycle.
func (f *Fanout) Emit(ctx context.Context, records []crawler.Record) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Sink.Emit(ctx, records); err != nil {
			f.logger.Warn("sink emit failed", zap.String("sink", s.Name), zap.Int("records", len(records)), zap.Error(err))
			errs = append(errs, fmt.Errorf("sink %s: %w", s.Name, err))
			continue
		}
		metrics.ObserveRecordsEmitted(s.Name, len(records))
	}
	return errors.Join(errs...)
}

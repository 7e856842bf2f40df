// Package memory contains an in-memory sink for tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/channel-crawler/internal/crawler"
)

// Publisher stores emitted batches for inspection.
type Publisher struct {
	mu      sync.RWMutex
	batches [][]crawler.Record
	err     error
}

var _ crawler.Sink = (*Publisher)(nil)

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// FailWith makes every following Emit return err. Pass nil to recover.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Emit records one batch.
func (p *Publisher) Emit(_ context.Context, records []crawler.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return fmt.Errorf("memory sink: %w", p.err)
	}
	p.batches = append(p.batches, append([]crawler.Record(nil), records...))
	return nil
}

// Batches returns a copy of the recorded batches.
func (p *Publisher) Batches() [][]crawler.Record {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([][]crawler.Record, len(p.batches))
	for i, b := range p.batches {
		out[i] = append([]crawler.Record(nil), b...)
	}
	return out
}

// Records returns every recorded record of source, in emit order.
func (p *Publisher) Records(source string) []crawler.Record {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []crawler.Record
	for _, b := range p.batches {
		for _, r := range b {
			if source == "" || r.Source == source {
				out = append(out, r)
			}
		}
	}
	return out
}

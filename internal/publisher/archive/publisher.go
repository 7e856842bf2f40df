// Package archive stores each fetched batch as one JSON object in a blob
// store, keyed by source channel and crawl time.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/JakeFAU/channel-crawler/internal/clock/system"
	"github.com/JakeFAU/channel-crawler/internal/crawler"
)

// BlobStore is implemented by the local, gcs and memory storage packages.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Batch is the archived document.
type Batch struct {
	Source    string           `json:"source"`
	CrawledAt string           `json:"crawled_at"`
	Records   []crawler.Record `json:"records"`
}

// Publisher writes batches to a BlobStore.
type Publisher struct {
	blobs BlobStore
	clock crawler.Clock
	seq   atomic.Uint64
}

var _ crawler.Sink = (*Publisher)(nil)

// New returns a Publisher. A nil clock uses the system clock.
func New(blobs BlobStore, clock crawler.Clock) (*Publisher, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if clock == nil {
		clock = system.New()
	}
	return &Publisher{blobs: blobs, clock: clock}, nil
}

// Emit writes one object per source in the batch. Paths look like
// news/2024/06/01/120000.000000000-1.json.
func (p *Publisher) Emit(ctx context.Context, records []crawler.Record) error {
	for _, group := range bySource(records) {
		now := p.clock.Now().UTC()
		doc := Batch{
			Source:    group[0].Source,
			CrawledAt: now.Format("2006-01-02T15:04:05.000000000Z"),
			Records:   group,
		}
		body, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("marshal batch: %w", err)
		}
		path := fmt.Sprintf("%s/%s/%s-%d.json",
			doc.Source, now.Format("2006/01/02"), now.Format("150405.000000000"), p.seq.Add(1))
		if _, err := p.blobs.PutObject(ctx, path, "application/json", bytes.NewReader(body)); err != nil {
			return fmt.Errorf("archive %s: %w", path, err)
		}
	}
	return nil
}

// bySource splits records by source, keeping first-seen order.
func bySource(records []crawler.Record) [][]crawler.Record {
	index := make(map[string]int)
	var out [][]crawler.Record
	for _, rec := range records {
		i, ok := index[rec.Source]
		if !ok {
			i = len(out)
			index[rec.Source] = i
			out = append(out, nil)
		}
		out[i] = append(out[i], rec)
	}
	return out
}

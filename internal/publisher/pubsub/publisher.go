// Package pubsub forwards crawled records to a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/channel-crawler/internal/crawler"
)

// Config names the destination topic.
type Config struct {
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// Publisher publishes one message per record, with the channel in the
// "source" attribute.
type Publisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

var _ crawler.Sink = (*Publisher)(nil)

// Open connects with Application Default Credentials and checks the topic exists.
func Open(ctx context.Context, cfg Config) (*Publisher, error) {
	if cfg.ProjectID == "" || cfg.TopicID == "" {
		return nil, fmt.Errorf("pubsub project_id and topic_id are required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(cfg.TopicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("check topic %s: %w", cfg.TopicID, err)
	}
	if !exists {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", cfg.TopicID, cfg.ProjectID)
	}
	return &Publisher{client: client, topic: topic}, nil
}

// New wraps an existing topic handle. Close stops the topic but leaves the
// client to its owner.
func New(topic *pubsub.Topic) *Publisher {
	return &Publisher{topic: topic}
}

// Emit publishes the batch and waits until every message is acknowledged by
// the server.
func (p *Publisher) Emit(ctx context.Context, records []crawler.Record) error {
	if p.topic == nil {
		return fmt.Errorf("pubsub topic is not configured")
	}
	results := make([]*pubsub.PublishResult, 0, len(records))
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		results = append(results, p.topic.Publish(ctx, &pubsub.Message{
			Data:       data,
			Attributes: map[string]string{"source": rec.Source},
		}))
	}
	var errs []error
	for _, res := range results {
		if _, err := res.Get(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("publish %d of %d records: %w", len(errs), len(records), errors.Join(errs...))
	}
	return nil
}

// Close flushes pending messages and closes an owned client.
func (p *Publisher) Close() error {
	if p.topic != nil {
		p.topic.Stop()
	}
	if p.client != nil {
		if err := p.client.Close(); err != nil {
			return fmt.Errorf("close pubsub client: %w", err)
		}
	}
	return nil
}

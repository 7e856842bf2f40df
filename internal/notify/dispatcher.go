package notify

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/channel-crawler/internal/crawler"
	"github.com/JakeFAU/channel-crawler/internal/metrics"
)

// DispatcherConfig controls buffering and delivery.
//   - BufferSize: queued events before new ones are dropped (default 64).
//   - SendTimeout: per-event delivery timeout (default 30s).
//   - Clock: stamps events (defaults to wall time).
//   - Logger: optional structured logger used for warnings.
type DispatcherConfig struct {
	BufferSize  int
	SendTimeout time.Duration
	Clock       crawler.Clock
	Logger      *zap.Logger
}

const (
	defaultBufferSize  = 64
	defaultSendTimeout = 30 * time.Second
	dropLogInterval    = 5 * time.Second
)

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// Dispatcher implements crawler.Notifier by queueing events for a background
// goroutine. Notify calls never block; when the queue is full the event is
// dropped, counted and a rate-limited warning is logged.
type Dispatcher struct {
	cfg         DispatcherConfig
	sender      Sender
	events      chan Event
	stopCh      chan struct{}
	doneCh      chan struct{}
	logger      *zap.Logger
	dropLimiter rateLimiter
	dropped     atomic.Int64
	closed      atomic.Bool
	closeOnce   sync.Once
}

var _ crawler.Notifier = (*Dispatcher)(nil)

// NewDispatcher starts the delivery goroutine.
func NewDispatcher(cfg DispatcherConfig, sender Sender) *Dispatcher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = wallClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		cfg:         cfg,
		sender:      sender,
		events:      make(chan Event, cfg.BufferSize),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      logger.Named("notify"),
		dropLimiter: rateLimiter{interval: dropLogInterval},
	}
	go d.run()
	return d
}

// NotifyBanned queues a ban notification.
func (d *Dispatcher) NotifyBanned(_ context.Context, identityID, reason string) error {
	d.enqueue(Event{Kind: KindBanned, IdentityID: identityID, Reason: reason})
	return nil
}

// NotifyPoolExhausted queues a pool exhaustion notification.
func (d *Dispatcher) NotifyPoolExhausted(context.Context) error {
	d.enqueue(Event{Kind: KindPoolExhausted})
	return nil
}

// NotifyFallbackEntered queues a fallback notification.
func (d *Dispatcher) NotifyFallbackEntered(context.Context) error {
	d.enqueue(Event{Kind: KindFallbackEntered})
	return nil
}

// Dropped returns the number of events dropped since the last warning.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

func (d *Dispatcher) enqueue(evt Event) {
	if d == nil || d.closed.Load() {
		return
	}
	evt.At = d.cfg.Clock.Now()
	select {
	case d.events <- evt:
	default:
		metrics.ObserveNotification(string(evt.Kind), "dropped")
		d.dropped.Add(1)
		if d.dropLimiter.Allow(time.Now()) {
			count := d.dropped.Swap(0)
			d.logger.Warn("notifications dropped due to backpressure", zap.Int64("dropped", count))
		}
	}
}

// Close delivers what is queued and waits for the goroutine to exit, or for
// ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	if d == nil {
		return nil
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.stopCh)
	})
	select {
	case <-d.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notify dispatcher close wait: %w", ctx.Err())
	}
}

func (d *Dispatcher) run() {
	defer close(d.doneCh)
	for {
		select {
		case evt := <-d.events:
			d.deliver(evt)
		case <-d.stopCh:
			for {
				select {
				case evt := <-d.events:
					d.deliver(evt)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(evt Event) {
	if d.sender == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.SendTimeout)
	defer cancel()
	if err := d.sender.Send(ctx, evt); err != nil {
		metrics.ObserveNotification(string(evt.Kind), "error")
		d.logger.Warn("notification delivery failed",
			zap.String("kind", string(evt.Kind)),
			zap.String("identity_id", evt.IdentityID),
			zap.Error(err))
		return
	}
	metrics.ObserveNotification(string(evt.Kind), "sent")
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}

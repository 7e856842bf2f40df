package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/channel-crawler/internal/crawler"
	"github.com/JakeFAU/channel-crawler/internal/identity"
)

// CycleReport summarizes one scheduling cycle. Aborted is set when the cycle
// ended early for lack of identities.
type CycleReport struct {
	ID       string                       `json:"id"`
	Tier     crawler.Tier                 `json:"tier"`
	Started  time.Time                    `json:"started"`
	Finished time.Time                    `json:"finished"`
	Selected []string                     `json:"selected"`
	Outcomes map[string]crawler.TaskState `json:"outcomes"`
	Aborted  bool                         `json:"aborted"`
}

// Count returns how many channels ended in state.
func (r CycleReport) Count(state crawler.TaskState) int {
	n := 0
	for _, s := range r.Outcomes {
		if s == state {
			n++
		}
	}
	return n
}

// cycle is the shared bookkeeping of the tasks of one RunCycle call.
type cycle struct {
	id     string
	logger *zap.Logger

	mu        sync.Mutex
	held      int
	released  chan struct{}
	outcomes  map[string]crawler.TaskState
	aborted   bool
	exhausted bool
}

func newCycle(id string, logger *zap.Logger) *cycle {
	return &cycle{
		id:       id,
		logger:   logger,
		released: make(chan struct{}),
		outcomes: make(map[string]crawler.TaskState),
	}
}

func (c *cycle) record(channelID string, state crawler.TaskState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes[channelID] = state
}

func (c *cycle) snapshot() map[string]crawler.TaskState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]crawler.TaskState, len(c.outcomes))
	for k, v := range c.outcomes {
		out[k] = v
	}
	return out
}

func (c *cycle) abort() {
	c.mu.Lock()
	c.aborted = true
	c.mu.Unlock()
}

func (c *cycle) exhaust() {
	c.mu.Lock()
	c.exhausted = true
	c.mu.Unlock()
}

// halted reports whether tasks that have not started yet should give up.
func (c *cycle) halted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted || c.exhausted
}

func (c *cycle) state() (aborted, exhausted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted, c.exhausted
}

// acquire takes an identity for a task. While other tasks of this cycle hold
// identities, a failed acquire waits for one of them to be released instead
// of reporting exhaustion; only when this cycle holds none does
// ErrNoIdentityAvailable come back to the caller.
func (c *cycle) acquire(ctx context.Context, pool IdentityPool, excluding map[string]struct{}) (identity.Identity, error) {
	for {
		c.mu.Lock()
		id, err := pool.Acquire(ctx, excluding)
		if err == nil {
			c.held++
			c.mu.Unlock()
			return id, nil
		}
		if !errors.Is(err, crawler.ErrNoIdentityAvailable) || c.held == 0 {
			c.mu.Unlock()
			return identity.Identity{}, err
		}
		wait := c.released
		c.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return identity.Identity{}, fmt.Errorf("wait for identity: %w", ctx.Err())
		}
	}
}

// release hands the identity back to the pool and wakes waiting tasks.
func (c *cycle) release(ctx context.Context, pool IdentityPool, id identity.Identity) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := pool.Release(ctx, id)
	c.held--
	close(c.released)
	c.released = make(chan struct{})
	return err
}

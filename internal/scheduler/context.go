package scheduler

import (
	"fmt"
	"sync"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/channel-crawler/internal/clock/system"
	"github.com/JakeFAU/channel-crawler/internal/crawler"
	"github.com/JakeFAU/channel-crawler/internal/id/uuid"
	"github.com/JakeFAU/channel-crawler/internal/store"
)

// Context is handed to the scheduler instead of package-level state: the
// store handle, the configuration and the outbound collaborators.
type Context struct {
	Store    store.Store
	Config   Config
	Notifier crawler.Notifier
	Sink     crawler.Sink
	Clock    crawler.Clock
	Sleeper  crawler.Sleeper
	IDs      crawler.IDGenerator
	Logger   *zap.Logger

	workersOnce sync.Once
	workers     pond.Pool
}

func (c *Context) validate() error {
	if c == nil {
		return fmt.Errorf("scheduler context is required")
	}
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	if c.Sink == nil {
		return fmt.Errorf("sink is required")
	}
	if c.Clock == nil || c.Sleeper == nil {
		clk := system.New()
		if c.Clock == nil {
			c.Clock = clk
		}
		if c.Sleeper == nil {
			c.Sleeper = clk
		}
	}
	if c.IDs == nil {
		c.IDs = uuid.NewUUIDGenerator()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c.Config.Validate()
}

// workerPool returns the pool shared by every cycle, sized by Config.Concurrency.
func (c *Context) workerPool() pond.Pool {
	c.workersOnce.Do(func() {
		size := c.Config.Concurrency
		c.workers = pond.NewPool(size, pond.WithQueueSize(max(64, size*16)))
	})
	return c.workers
}

// Close stops the worker pool after running tasks finish.
func (c *Context) Close() {
	if c.workers != nil {
		c.workers.StopAndWait()
	}
}

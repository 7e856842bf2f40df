package watcher

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Refresher reloads on a cron schedule. It covers filesystems where change
// events are not delivered, and doubles as the periodic refresh job.
type Refresher struct {
	cron   *cron.Cron
	spec   string
	logger *zap.Logger
}

// NewRefresher schedules reload on spec. Specs take an optional seconds field
// and descriptors such as @hourly or @every 10m.
func NewRefresher(spec string, reload func() error, logger *zap.Logger) (*Refresher, error) {
	if reload == nil {
		return nil, fmt.Errorf("reload func is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("refresher")
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger), cron.Recover(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(spec, func() {
		if err := reload(); err != nil {
			logger.Warn("scheduled reload failed", zap.Error(err))
		}
	}); err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", spec, err)
	}
	return &Refresher{cron: c, spec: spec, logger: logger}, nil
}

// Run starts the schedule and stops it when ctx ends, waiting for a reload in
// progress to finish.
func (r *Refresher) Run(ctx context.Context) error {
	r.cron.Start()
	r.logger.Info("refresh schedule started", zap.String("spec", r.spec))
	<-ctx.Done()
	<-r.cron.Stop().Done()
	r.logger.Info("refresh schedule stopped")
	return nil
}

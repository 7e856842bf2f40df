package notify

import (
	"context"

	"go.uber.org/zap"
)

// Log writes notifications to a zap logger. It is always wired so operators
// see bans in the process log even without email or Slack.
type Log struct {
	logger *zap.Logger
}

// NewLog wraps logger.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger.Named("notify")}
}

// Send logs evt at warn level.
func (l *Log) Send(_ context.Context, evt Event) error {
	l.logger.Warn(evt.Subject(),
		zap.String("kind", string(evt.Kind)),
		zap.String("identity_id", evt.IdentityID),
		zap.String("reason", evt.Reason),
		zap.Time("at", evt.At),
	)
	return nil
}

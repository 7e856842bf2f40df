package notify

import (
	"context"
	"errors"
	"fmt"
)

// Multi sends every event to all of its senders and joins their errors.
type Multi []Sender

// Send delivers evt to each sender, continuing past failures.
func (m Multi) Send(ctx context.Context, evt Event) error {
	var errs []error
	for i, s := range m {
		if s == nil {
			continue
		}
		if err := s.Send(ctx, evt); err != nil {
			errs = append(errs, fmt.Errorf("sender %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

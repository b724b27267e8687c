// Package alertstream delivers alert lifecycle events to downstream consumers.
package alertstream

import (
	"context"
	"errors"
	"fmt"

	"github.com/PhilippMayorov/insiderTracker/internal/alert"
)

// Publisher delivers events in the order given. Delivery is at least once: an event
// may be handed to a publisher again after a partial failure.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, events []alert.Event) error
}

// Multi fans events out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Name() string { return "multi" }

func (m Multi) Publish(ctx context.Context, events []alert.Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, events); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Name() string { return "discard" }

func (Discard) Publish(context.Context, []alert.Event) error { return nil }

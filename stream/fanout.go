package stream

import (
	"context"
	"errors"

	"taskboard/domain"
)

// Fanout publishes every event to all of its publishers. Every publisher is
// tried; the errors are joined.
type Fanout []domain.Publisher

func (f Fanout) Publish(ctx context.Context, projectID string, ev domain.Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, projectID, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

package stream

import (
	"context"
	"errors"

	"github.com/markus-barta/fleethub/internal/ops"
)

// Fanout publishes every message to all of its publishers. One failing
// publisher does not stop the others; their errors are joined.
type Fanout []ops.Publisher

// Publish implements ops.Publisher.
func (f Fanout) Publish(ctx context.Context, subject string, msg *ops.Message) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, subject, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

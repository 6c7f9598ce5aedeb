package backend

import (
	"context"
	"fmt"
)

// Sequential runs units one at a time in-process, with no external
// dispatcher. It is the strategy of last resort: always available, always
// correct, never fast.
type Sequential struct{}

// Name returns the backend identifier.
func (s *Sequential) Name() string { return "sequential" }

// Run executes every unit in ordinal order. Unit failures are recorded by
// the unit runner itself and do not stop the loop; only infrastructure
// errors and context cancellation abort the batch.
func (s *Sequential) Run(ctx context.Context, b Batch) error {
	if b.RunUnit == nil {
		return fmt.Errorf("sequential backend requires an in-process unit runner")
	}
	for n := 1; n <= b.Total; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := b.RunUnit(ctx, n); err != nil {
			return fmt.Errorf("unit %d: %w", n, err)
		}
	}
	return nil
}

package pipeline

import (
	"context"
	"sync"
)

// Outcome is one branch's settled value-or-error.
type Outcome[T any] struct {
	Value T
	Err   error
}

// gather runs two branches concurrently and waits for both to settle.
// Neither branch's failure cancels or aborts the other; the caller inspects
// both outcomes only after both are in. This is the fan-out/fan-in contract
// the parallel stage depends on.
func gather[A, B any](ctx context.Context, fa func(context.Context) (A, error), fb func(context.Context) (B, error)) (Outcome[A], Outcome[B]) {
	var (
		a  Outcome[A]
		b  Outcome[B]
		wg sync.WaitGroup
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.Value, a.Err = fa(ctx)
	}()
	go func() {
		defer wg.Done()
		b.Value, b.Err = fb(ctx)
	}()
	wg.Wait()
	return a, b
}

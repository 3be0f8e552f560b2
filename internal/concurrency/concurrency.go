// Package concurrency runs a worker function over a slice with a fixed cap on
// in-flight invocations while isolating per-item failures.
package concurrency

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Outcome is the result slot for one input. A failed slot has a non-nil Err
// and a zero Value.
type Outcome[R any] struct {
	Value R
	Err   error
}

// OK reports whether the worker succeeded for this slot.
func (o Outcome[R]) OK() bool {
	return o.Err == nil
}

// PanicError wraps a value recovered from a panicking worker.
type PanicError struct {
	Index int
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("worker for item %d panicked: %v", e.Index, e.Value)
}

// Map runs fn for every item with at most limit invocations in flight and
// returns one Outcome per item, in input order. An error or panic from fn is
// recorded in that item's slot only; siblings keep running. Map returns after
// every invocation has settled. A limit below 1 is treated as 1.
//
// The context passed to fn is ctx itself: a failing item never cancels the
// others. Callers that want to stop early cancel ctx.
func Map[T, R any](ctx context.Context, items []T, limit int, fn func(ctx context.Context, item T, index int) (R, error)) []Outcome[R] {
	out := make([]Outcome[R], len(items))
	if len(items) == 0 {
		return out
	}
	if limit < 1 {
		limit = 1
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for i, item := range items {
		g.Go(func() error {
			out[i] = invoke(ctx, item, i, fn)
			return nil
		})
	}
	_ = g.Wait() // workers never return errors to the group
	return out
}

func invoke[T, R any](ctx context.Context, item T, index int, fn func(context.Context, T, int) (R, error)) (res Outcome[R]) {
	defer func() {
		if rec := recover(); rec != nil {
			res = Outcome[R]{Err: &PanicError{Index: index, Value: rec}}
		}
	}()
	if err := ctx.Err(); err != nil {
		return Outcome[R]{Err: fmt.Errorf("item %d not started: %w", index, err)}
	}
	v, err := fn(ctx, item, index)
	if err != nil {
		return Outcome[R]{Err: err}
	}
	return Outcome[R]{Value: v}
}

// Values flattens outcomes into pointers, nil where the worker failed.
func Values[R any](outcomes []Outcome[R]) []*R {
	vals := make([]*R, len(outcomes))
	for i := range outcomes {
		if outcomes[i].OK() {
			v := outcomes[i].Value
			vals[i] = &v
		}
	}
	return vals
}

// Failed counts the failed slots.
func Failed[R any](outcomes []Outcome[R]) int {
	n := 0
	for _, o := range outcomes {
		if !o.OK() {
			n++
		}
	}
	return n
}

package coordinator

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/arkilian/geogrid/internal/aggregation/geogrid"
)

// ReduceTree reduces partials level by level, at most fanIn inputs per
// node. Intermediate nodes use ReducePartial so no bucket is dropped before
// the root, which makes the result identical to a flat Reduce. Nodes of one
// level run concurrently, bounded by concurrency. Input order is kept
// across levels, so the result takes its name, meta and size from
// partials[0] just as a flat Reduce would.
func ReduceTree(ctx context.Context, r *geogrid.Reducer, partials []*geogrid.GridResult, fanIn, concurrency int) (*geogrid.GridResult, error) {
	if fanIn < 2 {
		fanIn = 2
	}
	if concurrency < 1 {
		concurrency = 1
	}

	level := partials
	for len(level) > fanIn {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		next := make([]*geogrid.GridResult, (len(level)+fanIn-1)/fanIn)
		eg, egCtx := errgroup.WithContext(ctx)
		eg.SetLimit(concurrency)

		for i := range next {
			i := i // per-iteration copy; go.mod targets go 1.21 (pre-1.22 loopvar semantics)
			start := i * fanIn
			end := min(start+fanIn, len(level))
			group := level[start:end]
			eg.Go(func() error {
				if err := egCtx.Err(); err != nil {
					return err
				}
				out, err := r.ReducePartial(group)
				if err != nil {
					return err
				}
				next[i] = out
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return nil, err
		}
		level = next
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.Reduce(level)
}

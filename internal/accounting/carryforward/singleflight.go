package carryforward

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// previewFlight collapses concurrent previews of the same years on one ledger.
type previewFlight struct {
	group singleflight.Group
}

// do runs fn once per key. The shared call is detached from the caller's
// cancellation; each caller only stops waiting on its own context.
func (f *previewFlight) do(ctx context.Context, key string, fn func(context.Context) (Preview, error)) (Preview, error) {
	shared := context.WithoutCancel(ctx)
	resultChan := f.group.DoChan(key, func() (interface{}, error) {
		return fn(shared)
	})
	select {
	case <-ctx.Done():
		return Preview{}, ctx.Err()
	case res := <-resultChan:
		if res.Err != nil {
			return Preview{}, res.Err
		}
		p := res.Val.(Preview)
		p.Lines = append([]Line(nil), p.Lines...)
		return p, nil
	}
}

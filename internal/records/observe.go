package records

import (
	"context"
	"sync"

	"github.com/roach88/datakit/internal/objectcontext"
	"github.com/roach88/datakit/internal/query"
)

// ChangeFunc receives the fresh results of a live query on the context's
// lane.
type ChangeFunc func(ctx context.Context, objs []*objectcontext.Object, err error)

// LiveQuery re-runs a fetch whenever its context reports changes.
type LiveQuery struct {
	c   *objectcontext.Context
	req query.Request
	fn  ChangeFunc

	mu      sync.Mutex
	results []*objectcontext.Object
	err     error
	runs    int
	cancel  func()
}

// Observe starts a live query for predicate. The first run is scheduled
// immediately; later runs follow every notification of the target context.
func (r *Repository) Observe(predicate string, args []any, fn ChangeFunc, opts ...Option) (*LiveQuery, error) {
	o := r.resolve(opts)
	req := r.request(o, predicate, args)
	if err := req.Validate(); err != nil {
		return nil, err
	}

	lq := &LiveQuery{c: o.ctx, req: req, fn: fn}
	// A notification may arrive before Subscribe returns; its run waits on
	// mu until cancel is set.
	lq.mu.Lock()
	lq.cancel = o.ctx.Subscribe(func(ctx context.Context, _ objectcontext.Notification) {
		lq.refresh(ctx)
	})
	lq.mu.Unlock()
	if err := o.ctx.Perform(lq.refresh); err != nil {
		lq.Close()
		return nil, err
	}
	return lq, nil
}

func (lq *LiveQuery) refresh(ctx context.Context) {
	objs, err := lq.c.Fetch(ctx, lq.req)

	lq.mu.Lock()
	if lq.cancel == nil {
		lq.mu.Unlock()
		return
	}
	lq.results, lq.err = objs, err
	lq.runs++
	lq.mu.Unlock()

	if lq.fn != nil {
		lq.fn(ctx, objs, err)
	}
}

// Refresh schedules another run on the context's lane. Use it to pick up
// changes committed by other processes, which send no notifications.
func (lq *LiveQuery) Refresh() error {
	return lq.c.Perform(lq.refresh)
}

// Results returns the latest results and error.
func (lq *LiveQuery) Results() ([]*objectcontext.Object, error) {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	return lq.results, lq.err
}

// Runs returns how many times the query has run.
func (lq *LiveQuery) Runs() int {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	return lq.runs
}

// Close stops the query. Runs already scheduled are skipped.
func (lq *LiveQuery) Close() {
	lq.mu.Lock()
	cancel := lq.cancel
	lq.cancel = nil
	lq.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

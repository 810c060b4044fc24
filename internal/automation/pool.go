package automation

import (
	"context"
	"sync/atomic"

	"uniapply-backend/internal/components/telemetry"

	"golang.org/x/sync/semaphore"
)

const report_pool_active = "pool.active"

// Pool bounds how many browser sessions run at once.
type Pool struct {
	sem    *semaphore.Weighted
	size   int64
	active atomic.Int64
	tel    telemetry.API
}

func NewPool(size int, tel telemetry.API) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		sem:  semaphore.NewWeighted(int64(size)),
		size: int64(size),
		tel:  tel,
	}
}

// Do runs fn once a slot is free, waiting for a slot honours ctx.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	err := p.sem.Acquire(ctx, 1)
	if err != nil {
		return err
	}
	defer p.sem.Release(1)

	p.tel.ReportCount(report_pool_active, p.active.Add(1))
	defer func() {
		p.tel.ReportCount(report_pool_active, p.active.Add(-1))
	}()
	return fn(ctx)
}

// Active is the number of sessions currently holding a slot.
func (p *Pool) Active() int64 {
	return p.active.Load()
}

func (p *Pool) Size() int64 {
	return p.size
}

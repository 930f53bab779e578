package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
)

// workerPool is a fixed set of goroutines reading admitted units from a
// shared channel. Regular admission never puts more units in flight than
// there are workers, so the channel buffer only absorbs hand-off latency.
type workerPool struct {
	jobs    chan *Unit
	workers int
	idle    atomic.Int64
	wg      sync.WaitGroup
}

func newWorkerPool(workers int) *workerPool {
	p := &workerPool{
		jobs:    make(chan *Unit, workers),
		workers: workers,
	}
	p.idle.Store(int64(workers))
	return p
}

func (p *workerPool) start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for u := range p.jobs {
				p.idle.Add(-1)
				u.execute(ctx)
				p.idle.Add(1)
			}
		}()
	}
}

// dispatch hands a regularly admitted unit to the workers
func (p *workerPool) dispatch(u *Unit) {
	p.jobs <- u
}

// dispatchOverflow hands off to an idle worker when one is free and no
// other unit is waiting in the channel, otherwise runs the unit on its own
// goroutine. Used for always-admit units so that child work never queues
// behind the parents waiting on it.
func (p *workerPool) dispatchOverflow(ctx context.Context, u *Unit) {
	if p.idle.Load() > 0 && len(p.jobs) == 0 {
		select {
		case p.jobs <- u:
			return
		default:
		}
	}
	go u.execute(ctx)
}

// available is the number of workers not currently running a unit
func (p *workerPool) available() int {
	return int(p.idle.Load())
}

func (p *workerPool) stop() {
	close(p.jobs)
	p.wg.Wait()
}

package worker

import (
	"context"
	"sync"

	"github.com/riskwatch/hazard-alerts/internal/metrics"
	"github.com/riskwatch/hazard-alerts/internal/models"
)

type ProcessFunc func(ctx context.Context, ev models.RawEvent)

// Pool fans raw events out to a fixed set of workers over a bounded queue.
type Pool struct {
	numWorkers int
	jobs       chan models.RawEvent
	processor  ProcessFunc
	wg         sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewPool(numWorkers int, bufferSize int, processor ProcessFunc) *Pool {
	metrics.WorkerQueueCapacity.Set(float64(bufferSize))
	return &Pool{
		numWorkers: numWorkers,
		jobs:       make(chan models.RawEvent, bufferSize),
		processor:  processor,
	}
}

func (p *Pool) Start(ctx context.Context) {
	for i := 1; i <= p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-p.jobs:
			if !ok {
				return
			}
			metrics.WorkerQueueSize.Set(float64(len(p.jobs)))
			p.processor(ctx, ev)
		}
	}
}

// Submit blocks until the queue has room. After Stop it is a no-op.
func (p *Pool) Submit(ev models.RawEvent) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	p.jobs <- ev
	metrics.WorkerQueueSize.Set(float64(len(p.jobs)))
}

// TrySubmit enqueues without blocking. Returns false when the queue is full
// or the pool has stopped; the caller decides whether to drop or push back.
func (p *Pool) TrySubmit(ev models.RawEvent) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.jobs <- ev:
		metrics.WorkerQueueSize.Set(float64(len(p.jobs)))
		return true
	default:
		return false
	}
}

func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

package engine

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/remedyhq/remedy/internal/healer/journal"
	"github.com/remedyhq/remedy/internal/healer/runtime"
)

// Work is one scheduled case. Dangling is set for recovered cases whose last
// journaled activity attempt has no result.
type Work struct {
	Case     *runtime.Case
	Dangling *journal.Dangling
}

// Scheduler is a bounded FIFO worker pool. Each case is owned by exactly one
// worker from dequeue to terminal state; there is no intra-case concurrency.
// Admission capacity is reserved separately from submission so the admitter
// can refuse with backpressure before writing anything durable.
type Scheduler struct {
	Run func(ctx context.Context, w Work)
	Log *logrus.Entry

	workers int

	queue chan Work
	slots chan struct{}

	startOnce sync.Once
	wg        sync.WaitGroup
}

func NewScheduler(workers, buffer int, run func(ctx context.Context, w Work)) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	if buffer < 1 {
		buffer = 1
	}
	return &Scheduler{
		Run:     run,
		workers: workers,
		queue:   make(chan Work, buffer),
		slots:   make(chan struct{}, buffer),
	}
}

// Reserve claims a queue slot. Returns false when the queue is full, which
// the admitter surfaces as backpressure.
func (s *Scheduler) Reserve() bool {
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release returns a reserved slot without submitting work.
func (s *Scheduler) Release() {
	select {
	case <-s.slots:
	default:
	}
}

// Submit enqueues reserved work. The caller must hold a reservation, which
// guarantees the send cannot block.
func (s *Scheduler) Submit(w Work) {
	s.queue <- w
}

// Start launches the worker pool. Workers exit when ctx is cancelled; an
// in-flight case observes the same cancellation through its run context and
// seals itself as FAILED(cancelled).
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		for i := 0; i < s.workers; i++ {
			s.wg.Add(1)
			go s.worker(ctx)
		}
	})
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case w := <-s.queue:
			s.Release()
			s.Run(ctx, w)
		}
	}
}

// Wait blocks until every worker has exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

package loader

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Scheduler bounds how many loads run at once and starts queued loaders in
// priority order.
type Scheduler struct {
	sem *semaphore.Weighted
	ctx context.Context
	log *zap.Logger

	mu      sync.Mutex
	queue   []*Loader
	queued  map[*Loader]struct{}
	running int
}

// NewScheduler creates a scheduler running at most maxConcurrent loads. Loads
// it starts are bound to ctx.
func NewScheduler(ctx context.Context, maxConcurrent int64, log *zap.Logger) *Scheduler {
	return &Scheduler{
		sem:    semaphore.NewWeighted(maxConcurrent),
		ctx:    ctx,
		log:    log.Named("scheduler"),
		queued: make(map[*Loader]struct{}),
	}
}

// Schedule queues l. Queuing a loader twice has no effect.
func (s *Scheduler) Schedule(l *Loader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queued[l]; ok {
		return
	}
	s.queued[l] = struct{}{}
	s.queue = append(s.queue, l)
}

// Unschedule drops l from the queue if it has not started yet.
func (s *Scheduler) Unschedule(l *Loader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queued[l]; !ok {
		return
	}
	delete(s.queued, l)
	s.queue = slices.DeleteFunc(s.queue, func(q *Loader) bool { return q == l })
}

func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) pop() *Loader {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	slices.SortStableFunc(s.queue, func(a, b *Loader) int {
		return cmp.Compare(b.Priority(), a.Priority())
	})
	l := s.queue[0]
	s.queue = s.queue[1:]
	delete(s.queued, l)
	return l
}

func (s *Scheduler) push(l *Loader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued[l] = struct{}{}
	s.queue = append([]*Loader{l}, s.queue...)
}

// Process starts as many queued loads as free slots allow without blocking
// and returns how many were started.
func (s *Scheduler) Process() int {
	started := 0
	for {
		if !s.sem.TryAcquire(1) {
			return started
		}
		l := s.pop()
		if l == nil {
			s.sem.Release(1)
			return started
		}
		s.start(l)
		started++
	}
}

// Run starts every queued load, waiting for free slots, until the queue is
// empty or ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		l := s.pop()
		if l == nil {
			s.sem.Release(1)
			return nil
		}
		if err := ctx.Err(); err != nil {
			s.push(l)
			s.sem.Release(1)
			return err
		}
		s.start(l)
	}
}

func (s *Scheduler) start(l *Loader) {
	s.mu.Lock()
	s.running++
	s.mu.Unlock()

	done := l.LoadAndDecode(s.ctx)
	go func() {
		<-done
		s.mu.Lock()
		s.running--
		s.mu.Unlock()
		s.sem.Release(1)
	}()
}

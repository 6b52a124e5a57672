package worker

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const DefaultConnectTimeout = 10 * time.Second

// ChannelFactory creates the i-th worker of a pool. Messages the worker sends
// back must be passed to upstream.
type ChannelFactory func(index int, upstream func(Message)) (Channel, error)

type Options struct {
	Bundle Bundle
	// WorkerCount is the number of workers. Together with
	// Bundle.MaxConcurrentRequests it bounds how many requests run at once.
	WorkerCount    int
	ConnectTimeout time.Duration
	Logger         *zap.Logger
	// NewChannel overrides how workers are created. Defaults to goroutine workers running Bundle.
	NewChannel ChannelFactory
}

type callResult struct {
	response any
	err      error
}

type pendingCall struct {
	service string
	worker  int
	result  chan callResult
}

// Stats is a snapshot of the pool state.
type Stats struct {
	Workers         int
	PendingRequests int
	References      int
	Destroyed       bool
}

// ConcurrentWorkerSet owns a fixed number of workers running the same bundle
// and hides which worker serves a request.
//
// Requests are dispatched round-robin with a single cursor. The policy is not
// work-aware: a worker with a long queue still gets its turn.
type ConcurrentWorkerSet struct {
	id   string
	opts Options
	log  *zap.Logger

	mu            sync.Mutex
	channels      []Channel
	generation    int
	nextWorker    int
	nextMessageID uint64
	pending       map[uint64]*pendingCall
	ready         map[string]map[int]struct{}
	stateChanged  chan struct{}
	references    int
	started       bool
	destroyed     bool
}

func NewConcurrentWorkerSet(opts Options) *ConcurrentWorkerSet {
	if opts.WorkerCount <= 0 {
		opts.WorkerCount = max(runtime.NumCPU()-1, 1)
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	id := uuid.New().String()
	s := &ConcurrentWorkerSet{
		id:           id,
		opts:         opts,
		log:          opts.Logger.Named("workerset").With(zap.String("bundle", opts.Bundle.Name), zap.String("set_id", id)),
		pending:      make(map[uint64]*pendingCall),
		ready:        make(map[string]map[int]struct{}),
		stateChanged: make(chan struct{}),
	}
	if s.opts.NewChannel == nil {
		s.opts.NewChannel = func(index int, upstream func(Message)) (Channel, error) {
			name := fmt.Sprintf("%s-%d", opts.Bundle.Name, index)
			return NewGoroutineChannel(name, opts.Bundle, upstream, opts.Logger), nil
		}
	}
	return s
}

func (s *ConcurrentWorkerSet) ID() string { return s.id }

func (s *ConcurrentWorkerSet) Size() int { return s.opts.WorkerCount }

// Start spawns the workers. Calling Start on a running set is a no-op; a
// destroyed set can be started again.
func (s *ConcurrentWorkerSet) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.generation++
	generation := s.generation
	s.ready = make(map[string]map[int]struct{})
	s.destroyed = false
	s.started = true
	s.mu.Unlock()

	channels := make([]Channel, 0, s.opts.WorkerCount)
	for i := range s.opts.WorkerCount {
		upstream := func(msg Message) { s.onMessage(generation, i, msg) }
		ch, err := s.opts.NewChannel(i, upstream)
		if err != nil {
			for _, c := range channels {
				c.Terminate()
			}
			s.mu.Lock()
			s.started = false
			s.mu.Unlock()
			return fmt.Errorf("failed to start worker %d: %w", i, err)
		}
		channels = append(channels, ch)
	}

	s.mu.Lock()
	s.channels = channels
	s.notifyLocked()
	s.mu.Unlock()

	s.log.Info("Worker set started", zap.Int("workers", len(channels)))
	return nil
}

func (s *ConcurrentWorkerSet) onMessage(generation, worker int, msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if generation != s.generation || s.destroyed {
		return
	}

	switch msg.Type {
	case MessageInitialized:
		ready, ok := s.ready[msg.Service]
		if !ok {
			ready = make(map[int]struct{})
			s.ready[msg.Service] = ready
		}
		ready[worker] = struct{}{}
		s.notifyLocked()
	case MessageResponse:
		call, ok := s.pending[msg.MessageID]
		if !ok {
			s.log.Debug("Dropping response without pending request",
				zap.String("service", msg.Service),
				zap.Uint64("message_id", msg.MessageID))
			return
		}
		delete(s.pending, msg.MessageID)
		call.result <- callResult{response: msg.Response, err: responseError(msg)}
	default:
		s.log.Warn("Unexpected message from worker",
			zap.Int("worker", worker),
			zap.String("type", string(msg.Type)))
	}
}

func (s *ConcurrentWorkerSet) notifyLocked() {
	close(s.stateChanged)
	s.stateChanged = make(chan struct{})
}

// Connect waits until every worker reports serviceID as initialized.
func (s *ConcurrentWorkerSet) Connect(ctx context.Context, serviceID string) error {
	ctx, cancel := context.WithTimeoutCause(ctx, s.opts.ConnectTimeout, ErrConnectTimeout)
	defer cancel()

	for {
		s.mu.Lock()
		if s.destroyed {
			s.mu.Unlock()
			return ErrWorkerSetDestroyed
		}
		if !s.started {
			s.mu.Unlock()
			return ErrNotStarted
		}
		if s.channels != nil && len(s.ready[serviceID]) == len(s.channels) {
			s.mu.Unlock()
			return nil
		}
		changed := s.stateChanged
		s.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("connect %s: %w", serviceID, context.Cause(ctx))
		}
	}
}

// InvokeRequest sends request to the next worker in round-robin order and
// waits for the matching response. Cancelling ctx stops the wait only; the
// worker finishes the request and its late response is dropped.
func (s *ConcurrentWorkerSet) InvokeRequest(ctx context.Context, serviceID string, request any) (any, error) {
	s.mu.Lock()
	if err := s.usableLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	worker := s.nextWorker % len(s.channels)
	s.nextWorker = (s.nextWorker + 1) % len(s.channels)
	s.mu.Unlock()

	return s.invokeOn(ctx, worker, serviceID, request)
}

// BroadcastRequest sends request to every worker and returns the responses in
// worker order. The first failure cancels the wait for the others.
func (s *ConcurrentWorkerSet) BroadcastRequest(ctx context.Context, serviceID string, request any) ([]any, error) {
	s.mu.Lock()
	if err := s.usableLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	n := len(s.channels)
	s.mu.Unlock()

	responses := make([]any, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := range n {
		g.Go(func() error {
			response, err := s.invokeOn(gctx, i, serviceID, request)
			if err != nil {
				return err
			}
			responses[i] = response
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return responses, nil
}

// BroadcastMessage posts a fire-and-forget message to every worker.
func (s *ConcurrentWorkerSet) BroadcastMessage(msg Message) error {
	s.mu.Lock()
	if err := s.usableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	channels := s.channels
	s.mu.Unlock()

	var errs error
	for _, ch := range channels {
		errs = multierr.Append(errs, ch.Post(msg))
	}
	return errs
}

func (s *ConcurrentWorkerSet) usableLocked() error {
	if s.destroyed {
		return ErrWorkerSetDestroyed
	}
	if !s.started || len(s.channels) == 0 {
		return ErrNotStarted
	}
	return nil
}

func (s *ConcurrentWorkerSet) invokeOn(ctx context.Context, worker int, serviceID string, request any) (any, error) {
	s.mu.Lock()
	if err := s.usableLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.nextMessageID++
	id := s.nextMessageID
	call := &pendingCall{service: serviceID, worker: worker, result: make(chan callResult, 1)}
	s.pending[id] = call
	ch := s.channels[worker]
	s.mu.Unlock()

	err := ch.Post(Message{Service: serviceID, Type: MessageRequest, MessageID: id, Request: request})
	if err != nil {
		s.dropPending(id)
		return nil, err
	}

	select {
	case r := <-call.result:
		return r.response, r.err
	case <-ctx.Done():
		s.dropPending(id)
		return nil, ctx.Err()
	}
}

func (s *ConcurrentWorkerSet) dropPending(id uint64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// ForgetService drops the readiness bookkeeping of a destroyed service.
func (s *ConcurrentWorkerSet) ForgetService(serviceID string) {
	s.mu.Lock()
	delete(s.ready, serviceID)
	s.mu.Unlock()
}

func (s *ConcurrentWorkerSet) AddReference() {
	s.mu.Lock()
	s.references++
	s.mu.Unlock()
}

// RemoveReference releases one owner and destroys the set when it was the
// last one. It reports whether the set was torn down.
func (s *ConcurrentWorkerSet) RemoveReference() bool {
	s.mu.Lock()
	if s.references == 0 {
		s.mu.Unlock()
		return false
	}
	s.references--
	teardown := s.references == 0
	s.mu.Unlock()

	if teardown {
		s.Destroy()
	}
	return teardown
}

// Destroy terminates every worker and fails all pending requests with
// ErrWorkerSetDestroyed. Safe to call more than once.
func (s *ConcurrentWorkerSet) Destroy() {
	s.mu.Lock()
	if s.destroyed || !s.started {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.started = false
	channels := s.channels
	s.channels = nil
	pending := s.pending
	s.pending = make(map[uint64]*pendingCall)
	for _, call := range pending {
		call.result <- callResult{err: ErrWorkerSetDestroyed}
	}
	s.ready = make(map[string]map[int]struct{})
	s.notifyLocked()
	s.mu.Unlock()

	for _, ch := range channels {
		ch.Terminate()
	}
	s.log.Info("Worker set destroyed", zap.Int("abandoned_requests", len(pending)))
}

func (s *ConcurrentWorkerSet) IsDestroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

func (s *ConcurrentWorkerSet) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Workers:         len(s.channels),
		PendingRequests: len(s.pending),
		References:      s.references,
		Destroyed:       s.destroyed,
	}
}

package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Channel is one persistent background worker as seen from the pool.
type Channel interface {
	Name() string
	// Post delivers msg to the worker. It never blocks on a busy worker.
	Post(msg Message) error
	// Terminate stops the worker immediately. Pending work is abandoned.
	Terminate()
}

// Listener receives every message posted to a worker and reports whether the
// message was addressed to it.
type Listener func(msg Message) bool

// Scope is the worker side of a Channel, handed to services running inside it.
type Scope interface {
	// Post sends msg back to the pool.
	Post(msg Message)
	// AddListener subscribes to inbound messages and returns the unsubscribe func.
	AddListener(l Listener) func()
	// Acquire waits for a request slot of the worker and returns its release func.
	Acquire(ctx context.Context) (func(), error)
	Logger() *zap.Logger
}

// HandlerFactory builds the handler of a service type inside a worker.
type HandlerFactory func(serviceID string, log *zap.Logger) (Handler, error)

// Bundle is the code every worker of a pool runs: the service types it can host.
type Bundle struct {
	Name     string
	Services map[string]HandlerFactory

	// MaxConcurrentRequests bounds the requests a worker runs at once across
	// its services. Zero means unbounded. Manager requests are not counted.
	MaxConcurrentRequests int
}

type goroutineChannel struct {
	name     string
	upstream func(Message)
	log      *zap.Logger

	mu     sync.Mutex
	queue  []Message
	notify chan struct{}
	done   chan struct{}

	listenersMu sync.RWMutex
	listeners   map[int]Listener
	nextID      int

	slots      *semaphore.Weighted
	terminated atomic.Bool
	manager    *ServiceManager
}

// NewGoroutineChannel starts a worker running bundle. Messages the worker
// posts are passed to upstream, which must not block.
func NewGoroutineChannel(name string, bundle Bundle, upstream func(Message), log *zap.Logger) Channel {
	c := &goroutineChannel{
		name:      name,
		upstream:  upstream,
		log:       log.With(zap.String("worker", name)),
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		listeners: make(map[int]Listener),
	}
	if bundle.MaxConcurrentRequests > 0 {
		c.slots = semaphore.NewWeighted(int64(bundle.MaxConcurrentRequests))
	}
	c.manager = NewServiceManager(workerScope{c}, bundle.Services)
	go c.loop()
	return c
}

func (c *goroutineChannel) Name() string { return c.name }

func (c *goroutineChannel) Post(msg Message) error {
	if c.terminated.Load() {
		return fmt.Errorf("post to %s: %w", c.name, ErrChannelTerminated)
	}
	c.mu.Lock()
	c.queue = append(c.queue, msg)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

func (c *goroutineChannel) Terminate() {
	if !c.terminated.CompareAndSwap(false, true) {
		return
	}
	close(c.done)
	c.manager.destroyAll()
}

func (c *goroutineChannel) loop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.notify:
		}

		c.mu.Lock()
		batch := c.queue
		c.queue = nil
		c.mu.Unlock()

		for _, msg := range batch {
			if c.terminated.Load() {
				return
			}
			c.dispatch(msg)
		}
	}
}

func (c *goroutineChannel) dispatch(msg Message) {
	c.listenersMu.RLock()
	listeners := make([]Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.listenersMu.RUnlock()

	handled := false
	for _, l := range listeners {
		if c.safeCall(l, msg) {
			handled = true
		}
	}
	if !handled && msg.Type == MessageRequest {
		c.log.Debug("Request for unknown service",
			zap.String("service", msg.Service),
			zap.Uint64("message_id", msg.MessageID))
		workerScope{c}.Post(Message{
			Service:   msg.Service,
			Type:      MessageResponse,
			MessageID: msg.MessageID,
			Error:     fmt.Sprintf("unknown service %q", msg.Service),
		})
	}
}

func (c *goroutineChannel) safeCall(l Listener, msg Message) (handled bool) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Listener panicked",
				zap.String("service", msg.Service),
				zap.String("type", string(msg.Type)),
				zap.Any("panic", r))
			handled = true
		}
	}()
	return l(msg)
}

// workerScope is the side of a goroutineChannel visible to its services.
type workerScope struct {
	c *goroutineChannel
}

func (s workerScope) Post(msg Message) {
	if s.c.terminated.Load() {
		return
	}
	s.c.upstream(msg)
}

func (s workerScope) AddListener(l Listener) func() {
	c := s.c
	c.listenersMu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = l
	c.listenersMu.Unlock()

	return func() {
		c.listenersMu.Lock()
		delete(c.listeners, id)
		c.listenersMu.Unlock()
	}
}

func (s workerScope) Acquire(ctx context.Context) (func(), error) {
	slots := s.c.slots
	if slots == nil {
		return func() {}, nil
	}
	if err := slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { slots.Release(1) }, nil
}

func (s workerScope) Logger() *zap.Logger { return s.c.log }

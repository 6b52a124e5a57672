package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Handler implements the behavior of one service type.
type Handler interface {
	// HandleRequest answers a request. ctx is cancelled when the service is destroyed.
	HandleRequest(ctx context.Context, request any) (any, error)
	// HandleMessage applies a fire-and-forget message such as a configuration update.
	HandleMessage(msg Message) error
}

var errCancelledResponse = errors.New(CancelledReason)

type pendingRequest struct {
	responseSent bool
}

// Service hosts a Handler inside a worker. It posts an initialized message
// when created and guarantees exactly one response per request, even when
// destroyed while requests are still running.
type Service struct {
	id      string
	scope   Scope
	handler Handler
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	pending   map[uint64]*pendingRequest
	destroyed bool

	removeListener func()
}

func NewService(id string, scope Scope, handler Handler) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		id:      id,
		scope:   scope,
		handler: handler,
		log:     scope.Logger().With(zap.String("service", id)),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[uint64]*pendingRequest),
	}
	s.removeListener = scope.AddListener(s.onMessage)
	scope.Post(InitializedMessage(id))
	return s
}

func (s *Service) ID() string { return s.id }

// PendingRequests returns the number of requests still awaiting a response.
func (s *Service) PendingRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Service) onMessage(msg Message) bool {
	if msg.Service != s.id {
		return false
	}
	switch msg.Type {
	case MessageRequest:
		s.handleRequestMessage(msg)
	case MessageConfiguration:
		if err := s.handler.HandleMessage(msg); err != nil {
			s.log.Error("Failed to handle message", zap.String("type", string(msg.Type)), zap.Error(err))
		}
	default:
		s.log.Warn("Unexpected message", zap.String("type", string(msg.Type)))
	}
	return true
}

func (s *Service) handleRequestMessage(msg Message) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		s.post(msg.MessageID, nil, errCancelledResponse)
		return
	}
	if _, dup := s.pending[msg.MessageID]; dup {
		s.mu.Unlock()
		s.log.Warn("Duplicate message id, request ignored", zap.Uint64("message_id", msg.MessageID))
		return
	}
	entry := &pendingRequest{}
	s.pending[msg.MessageID] = entry
	s.mu.Unlock()

	go func() {
		response, err := s.invoke(msg.Request)
		s.settle(msg.MessageID, entry, response, err)
	}()
}

func (s *Service) invoke(request any) (response any, err error) {
	if s.id != ManagerServiceID {
		release, err := s.scope.Acquire(s.ctx)
		if err != nil {
			return nil, err
		}
		defer release()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("request handler panicked: %v", r)
		}
	}()
	return s.handler.HandleRequest(s.ctx, request)
}

func (s *Service) settle(id uint64, entry *pendingRequest, response any, err error) {
	s.mu.Lock()
	if entry.responseSent {
		s.mu.Unlock()
		return
	}
	entry.responseSent = true
	delete(s.pending, id)
	s.mu.Unlock()

	s.post(id, response, err)
}

func (s *Service) post(id uint64, response any, err error) {
	msg := Message{Service: s.id, Type: MessageResponse, MessageID: id}
	if err != nil {
		msg.Error = err.Error()
	} else {
		msg.Response = response
	}
	s.scope.Post(msg)
}

// Destroy answers every pending request with a cancelled error and stops
// listening. Safe to call more than once.
func (s *Service) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	pending := s.pending
	s.pending = make(map[uint64]*pendingRequest)
	for _, entry := range pending {
		entry.responseSent = true
	}
	s.mu.Unlock()

	s.cancel()
	for id := range pending {
		s.post(id, nil, errCancelledResponse)
	}
	s.removeListener()

	if d, ok := s.handler.(interface{ Dispose() }); ok {
		d.Dispose()
	}
}

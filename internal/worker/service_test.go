package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mapview/internal/worker"
)

// fakeScope records everything a service posts upstream.
type fakeScope struct {
	mu        sync.Mutex
	posted    []worker.Message
	listeners []worker.Listener
}

func (s *fakeScope) Post(msg worker.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posted = append(s.posted, msg)
}

func (s *fakeScope) AddListener(l worker.Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
	idx := len(s.listeners) - 1
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.listeners[idx] = nil
	}
}

func (s *fakeScope) Acquire(context.Context) (func(), error) { return func() {}, nil }

func (s *fakeScope) Logger() *zap.Logger { return zap.NewNop() }

func (s *fakeScope) deliver(msg worker.Message) {
	s.mu.Lock()
	listeners := append([]worker.Listener(nil), s.listeners...)
	s.mu.Unlock()
	for _, l := range listeners {
		if l != nil {
			_ = l(msg)
		}
	}
}

func (s *fakeScope) responses() []worker.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []worker.Message
	for _, m := range s.posted {
		if m.Type == worker.MessageResponse {
			result = append(result, m)
		}
	}
	return result
}

type handlerFunc struct {
	request func(ctx context.Context, request any) (any, error)
	message func(msg worker.Message) error
}

func (h handlerFunc) HandleRequest(ctx context.Context, request any) (any, error) {
	return h.request(ctx, request)
}

func (h handlerFunc) HandleMessage(msg worker.Message) error {
	if h.message == nil {
		return nil
	}
	return h.message(msg)
}

func TestServicePostsInitialized(t *testing.T) {
	scope := &fakeScope{}
	worker.NewService("svc", scope, handlerFunc{})

	want := []worker.Message{worker.InitializedMessage("svc")}
	if diff := cmp.Diff(want, scope.posted); diff != "" {
		t.Errorf("posted messages mismatch (-want +got):\n%v", diff)
	}
}

func TestServiceRespondsOncePerRequest(t *testing.T) {
	scope := &fakeScope{}
	var wg sync.WaitGroup
	handler := handlerFunc{request: func(_ context.Context, request any) (any, error) {
		defer wg.Done()
		switch request {
		case "fail":
			return nil, errors.New("bad tile")
		case "panic":
			panic("boom")
		}
		return request.(string) + "-ok", nil
	}}
	worker.NewService("svc", scope, handler)

	wg.Add(3)
	scope.deliver(worker.Message{Service: "svc", Type: worker.MessageRequest, MessageID: 1, Request: "a"})
	scope.deliver(worker.Message{Service: "svc", Type: worker.MessageRequest, MessageID: 2, Request: "fail"})
	scope.deliver(worker.Message{Service: "svc", Type: worker.MessageRequest, MessageID: 3, Request: "panic"})
	// requests for other services are not ours to answer
	scope.deliver(worker.Message{Service: "other", Type: worker.MessageRequest, MessageID: 4, Request: "x"})
	wg.Wait()

	require.Eventually(t, func() bool { return len(scope.responses()) == 3 }, time.Second, time.Millisecond)

	byID := make(map[uint64]worker.Message)
	for _, r := range scope.responses() {
		if _, dup := byID[r.MessageID]; dup {
			t.Fatalf("duplicate response for message %d", r.MessageID)
		}
		byID[r.MessageID] = r
	}
	if got, want := byID[1].Response, "a-ok"; got != want {
		t.Errorf("response 1 = %v, want = %v", got, want)
	}
	if got, want := byID[2].Error, "bad tile"; got != want {
		t.Errorf("error 2 = %q, want = %q", got, want)
	}
	if byID[3].Error == "" {
		t.Errorf("panicking handler produced no error response")
	}
}

func TestServiceDestroyCancelsPending(t *testing.T) {
	scope := &fakeScope{}
	release := make(chan struct{})
	var finished sync.WaitGroup
	handler := handlerFunc{request: func(ctx context.Context, _ any) (any, error) {
		defer finished.Done()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-release:
			return "late", nil
		}
	}}
	service := worker.NewService("svc", scope, handler)

	const k = 5
	finished.Add(k)
	for i := range k {
		scope.deliver(worker.Message{Service: "svc", Type: worker.MessageRequest, MessageID: uint64(i + 1)})
	}
	require.Eventually(t, func() bool { return service.PendingRequests() == k }, time.Second, time.Millisecond)

	service.Destroy()

	responses := scope.responses()
	if got := len(responses); got != k {
		t.Fatalf("len(responses) after Destroy = %d, want = %d", got, k)
	}
	for _, r := range responses {
		if r.Error != worker.CancelledReason {
			t.Errorf("response %d error = %q, want = %q", r.MessageID, r.Error, worker.CancelledReason)
		}
	}

	close(release)
	finished.Wait()
	if got := len(scope.responses()); got != k {
		t.Errorf("handlers settling after Destroy posted extra responses: got %d, want %d", got, k)
	}

	service.Destroy()
	if got := len(scope.responses()); got != k {
		t.Errorf("second Destroy posted responses: got %d, want %d", got, k)
	}
}

func TestServiceConfigurationMessage(t *testing.T) {
	scope := &fakeScope{}
	var got []worker.Message
	handler := handlerFunc{message: func(msg worker.Message) error {
		got = append(got, msg)
		return errors.New("ignored")
	}}
	worker.NewService("svc", scope, handler)

	msg := worker.ConfigurationMessage("svc", "night", map[string]any{"lang": "de"})
	scope.deliver(msg)

	if diff := cmp.Diff([]worker.Message{msg}, got); diff != "" {
		t.Errorf("HandleMessage calls mismatch (-want +got):\n%v", diff)
	}
	if n := len(scope.responses()); n != 0 {
		t.Errorf("configuration message produced %d responses, want 0", n)
	}
}

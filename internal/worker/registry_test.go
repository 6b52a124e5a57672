package worker_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mapview/internal/worker"
)

type upperHandler struct {
	block chan struct{}
}

func (h *upperHandler) HandleRequest(ctx context.Context, request any) (any, error) {
	if request == "block" {
		select {
		case <-h.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return fmt.Sprintf("<%v>", request), nil
}

func (h *upperHandler) HandleMessage(worker.Message) error { return nil }

func testBundle(block chan struct{}) worker.Bundle {
	return worker.Bundle{
		Name: "test",
		Services: map[string]worker.HandlerFactory{
			"upper": func(string, *zap.Logger) (worker.Handler, error) {
				return &upperHandler{block: block}, nil
			},
		},
	}
}

func TestRegistryWithGoroutineWorkers(t *testing.T) {
	block := make(chan struct{})
	registry := worker.NewRegistry(zap.NewNop(), 2, time.Second)
	registry.Register(testBundle(block))
	t.Cleanup(registry.DestroyAll)

	set, err := registry.WorkerSet("test")
	require.NoError(t, err)
	again, err := registry.WorkerSet("test")
	require.NoError(t, err)
	if set != again {
		t.Fatalf("WorkerSet returned different sets for the same bundle")
	}

	ctx := context.Background()
	require.NoError(t, set.Connect(ctx, worker.ManagerServiceID))

	_, err = set.BroadcastRequest(ctx, worker.ManagerServiceID, worker.CreateServiceRequest{
		TargetServiceType: "upper",
		TargetServiceID:   "upper-1",
	})
	require.NoError(t, err)
	require.NoError(t, set.Connect(ctx, "upper-1"))

	response, err := set.InvokeRequest(ctx, "upper-1", "tile")
	require.NoError(t, err)
	if got, want := response, "<tile>"; got != want {
		t.Errorf("InvokeRequest() = %v, want = %v", got, want)
	}

	// a request still running when its service is destroyed is answered as cancelled
	blocked := make(chan error, 1)
	go func() {
		_, err := set.InvokeRequest(ctx, "upper-1", "block")
		blocked <- err
	}()
	require.Eventually(t, func() bool { return set.Stats().PendingRequests == 1 }, time.Second, time.Millisecond)

	_, err = set.BroadcastRequest(ctx, worker.ManagerServiceID, worker.DestroyServiceRequest{TargetServiceID: "upper-1"})
	require.NoError(t, err)

	select {
	case err := <-blocked:
		if !errors.Is(err, worker.ErrCancelled) {
			t.Errorf("blocked request error = %v, want %v", err, worker.ErrCancelled)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked request not settled after service destroy")
	}
}

func TestServiceManagerErrors(t *testing.T) {
	registry := worker.NewRegistry(zap.NewNop(), 1, time.Second)
	registry.Register(testBundle(nil))
	t.Cleanup(registry.DestroyAll)

	set, err := registry.WorkerSet("test")
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, set.Connect(ctx, worker.ManagerServiceID))

	_, err = set.InvokeRequest(ctx, worker.ManagerServiceID, worker.CreateServiceRequest{TargetServiceType: "nope", TargetServiceID: "x"})
	var remote *worker.RemoteError
	if !errors.As(err, &remote) {
		t.Errorf("create unknown type error = %v, want RemoteError", err)
	}

	create := worker.CreateServiceRequest{TargetServiceType: "upper", TargetServiceID: "dup"}
	_, err = set.InvokeRequest(ctx, worker.ManagerServiceID, create)
	require.NoError(t, err)
	_, err = set.InvokeRequest(ctx, worker.ManagerServiceID, create)
	if !errors.As(err, &remote) {
		t.Errorf("duplicate create error = %v, want RemoteError", err)
	}

	_, err = set.InvokeRequest(ctx, worker.ManagerServiceID, worker.DestroyServiceRequest{TargetServiceID: "missing"})
	if !errors.As(err, &remote) {
		t.Errorf("destroy unknown service error = %v, want RemoteError", err)
	}
}

func TestRequestForUnknownServiceIsAnswered(t *testing.T) {
	registry := worker.NewRegistry(zap.NewNop(), 1, time.Second)
	registry.Register(testBundle(nil))
	t.Cleanup(registry.DestroyAll)

	set, err := registry.WorkerSet("test")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, set.Connect(ctx, worker.ManagerServiceID))

	_, err = set.InvokeRequest(ctx, "gone-1", 42)
	var remote *worker.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("InvokeRequest(gone-1) error = %v, want RemoteError", err)
	}
	if got, want := remote.Reason, `unknown service "gone-1"`; got != want {
		t.Errorf("Reason = %q, want = %q", got, want)
	}

	// a destroyed service stops listening, later requests are still answered
	_, err = set.BroadcastRequest(ctx, worker.ManagerServiceID, worker.CreateServiceRequest{
		TargetServiceType: "upper",
		TargetServiceID:   "upper-2",
	})
	require.NoError(t, err)
	_, err = set.BroadcastRequest(ctx, worker.ManagerServiceID, worker.DestroyServiceRequest{TargetServiceID: "upper-2"})
	require.NoError(t, err)

	_, err = set.InvokeRequest(ctx, "upper-2", "tile")
	if !errors.As(err, &remote) {
		t.Errorf("InvokeRequest(upper-2) after destroy error = %v, want RemoteError", err)
	}
	if got := set.Stats().PendingRequests; got != 0 {
		t.Errorf("PendingRequests = %d, want = 0", got)
	}
}

func TestMaxConcurrentRequestsPerWorker(t *testing.T) {
	block := make(chan struct{})
	bundle := testBundle(block)
	bundle.MaxConcurrentRequests = 1

	registry := worker.NewRegistry(zap.NewNop(), 1, time.Second)
	registry.Register(bundle)
	t.Cleanup(registry.DestroyAll)

	set, err := registry.WorkerSet("test")
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, set.Connect(ctx, worker.ManagerServiceID))
	_, err = set.BroadcastRequest(ctx, worker.ManagerServiceID, worker.CreateServiceRequest{
		TargetServiceType: "upper",
		TargetServiceID:   "upper-1",
	})
	require.NoError(t, err)

	first := make(chan error, 1)
	go func() {
		_, err := set.InvokeRequest(ctx, "upper-1", "block")
		first <- err
	}()
	require.Eventually(t, func() bool { return set.Stats().PendingRequests == 1 }, time.Second, time.Millisecond)

	second := make(chan any, 1)
	go func() {
		response, _ := set.InvokeRequest(ctx, "upper-1", "tile")
		second <- response
	}()

	select {
	case response := <-second:
		t.Fatalf("second request answered with %v while the only slot was busy", response)
	case <-time.After(50 * time.Millisecond):
	}

	// manager requests bypass the limit
	_, err = set.InvokeRequest(ctx, worker.ManagerServiceID, worker.CreateServiceRequest{
		TargetServiceType: "upper",
		TargetServiceID:   "upper-2",
	})
	require.NoError(t, err)

	close(block)
	require.NoError(t, <-first)
	select {
	case response := <-second:
		if got, want := response, "<tile>"; got != want {
			t.Errorf("second response = %v, want = %v", got, want)
		}
	case <-time.After(time.Second):
		t.Fatal("second request not answered after the slot was released")
	}
}

func TestRegistryUnknownBundle(t *testing.T) {
	registry := worker.NewRegistry(zap.NewNop(), 1, time.Second)
	if _, err := registry.WorkerSet("missing"); err == nil {
		t.Errorf("WorkerSet(missing) succeeded, want error")
	}
}

func TestRegistryDestroyAll(t *testing.T) {
	registry := worker.NewRegistry(zap.NewNop(), 1, time.Second)
	registry.Register(testBundle(nil))

	set, err := registry.WorkerSet("test")
	require.NoError(t, err)
	registry.DestroyAll()

	if !set.IsDestroyed() {
		t.Errorf("set not destroyed by DestroyAll")
	}
	fresh, err := registry.WorkerSet("test")
	require.NoError(t, err)
	t.Cleanup(fresh.Destroy)
	if fresh == set {
		t.Errorf("WorkerSet after DestroyAll returned the destroyed set")
	}
}

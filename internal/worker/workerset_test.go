package worker_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mapview/internal/worker"
)

// fakeChannel is a scripted worker: onPost decides what it answers.
type fakeChannel struct {
	index    int
	upstream func(worker.Message)
	onPost   func(c *fakeChannel, msg worker.Message)

	mu         sync.Mutex
	posted     []worker.Message
	terminated bool
}

func (c *fakeChannel) Name() string { return fmt.Sprintf("fake-%d", c.index) }

func (c *fakeChannel) Post(msg worker.Message) error {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return worker.ErrChannelTerminated
	}
	c.posted = append(c.posted, msg)
	c.mu.Unlock()

	if c.onPost != nil {
		c.onPost(c, msg)
	}
	return nil
}

func (c *fakeChannel) Terminate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminated = true
}

func (c *fakeChannel) requests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.posted {
		if m.Type == worker.MessageRequest {
			n++
		}
	}
	return n
}

func reply(c *fakeChannel, req worker.Message, response any) {
	c.upstream(worker.Message{Service: req.Service, Type: worker.MessageResponse, MessageID: req.MessageID, Response: response})
}

func newFakeSet(t *testing.T, n int, onPost func(c *fakeChannel, msg worker.Message), initialize bool) (*worker.ConcurrentWorkerSet, []*fakeChannel) {
	t.Helper()
	var channels []*fakeChannel
	set := worker.NewConcurrentWorkerSet(worker.Options{
		Bundle:         worker.Bundle{Name: "fake"},
		WorkerCount:    n,
		ConnectTimeout: 100 * time.Millisecond,
		Logger:         zap.NewNop(),
		NewChannel: func(index int, upstream func(worker.Message)) (worker.Channel, error) {
			c := &fakeChannel{index: index, upstream: upstream, onPost: onPost}
			channels = append(channels, c)
			if initialize {
				upstream(worker.InitializedMessage(worker.ManagerServiceID))
			}
			return c, nil
		},
	})
	require.NoError(t, set.Start())
	t.Cleanup(set.Destroy)
	return set, channels
}

func echo(c *fakeChannel, msg worker.Message) {
	if msg.Type == worker.MessageRequest {
		reply(c, msg, fmt.Sprintf("%v@%d", msg.Request, c.index))
	}
}

func TestConnectWaitsForEveryWorker(t *testing.T) {
	set, _ := newFakeSet(t, 3, echo, true)
	if err := set.Connect(context.Background(), worker.ManagerServiceID); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
}

func TestConnectTimeout(t *testing.T) {
	set, _ := newFakeSet(t, 2, echo, false)
	err := set.Connect(context.Background(), worker.ManagerServiceID)
	if !errors.Is(err, worker.ErrConnectTimeout) {
		t.Errorf("Connect() error = %v, want %v", err, worker.ErrConnectTimeout)
	}
}

func TestInvokeRequestRoundRobin(t *testing.T) {
	set, channels := newFakeSet(t, 3, echo, true)

	var got []any
	for i := range 6 {
		response, err := set.InvokeRequest(context.Background(), "svc", i)
		require.NoError(t, err)
		got = append(got, response)
	}

	want := []any{"0@0", "1@1", "2@2", "3@0", "4@1", "5@2"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("responses mismatch (-want +got):\n%v", diff)
	}
	for _, c := range channels {
		if got := c.requests(); got != 2 {
			t.Errorf("worker %d got %d requests, want 2", c.index, got)
		}
	}
}

func TestInvokeRequestCorrelatesOutOfOrderResponses(t *testing.T) {
	const n = 8
	var mu sync.Mutex
	var held []worker.Message
	onPost := func(c *fakeChannel, msg worker.Message) {
		if msg.Type != worker.MessageRequest {
			return
		}
		mu.Lock()
		held = append(held, msg)
		if len(held) < n {
			mu.Unlock()
			return
		}
		batch := held
		held = nil
		mu.Unlock()
		// answer newest first
		for i := len(batch) - 1; i >= 0; i-- {
			reply(c, batch[i], batch[i].Request.(int)*10)
		}
	}
	set, _ := newFakeSet(t, 1, onPost, true)

	results := make([]any, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = set.InvokeRequest(context.Background(), "svc", i)
		}()
	}
	wg.Wait()

	for i := range n {
		require.NoError(t, errs[i])
		if got, want := results[i], i*10; got != want {
			t.Errorf("InvokeRequest(%d) = %v, want = %v", i, got, want)
		}
	}
}

func TestSilentWorkerDoesNotBlockOthers(t *testing.T) {
	onPost := func(c *fakeChannel, msg worker.Message) {
		if c.index == 1 {
			echo(c, msg)
		}
	}
	set, _ := newFakeSet(t, 2, onPost, true)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := set.InvokeRequest(ctx, "svc", "stuck")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("InvokeRequest to silent worker error = %v, want deadline exceeded", err)
	}

	response, err := set.InvokeRequest(context.Background(), "svc", "next")
	require.NoError(t, err)
	if got, want := response, "next@1"; got != want {
		t.Errorf("InvokeRequest() = %v, want = %v", got, want)
	}
	if got := set.Stats().PendingRequests; got != 0 {
		t.Errorf("PendingRequests = %d, want 0", got)
	}
}

func TestDestroySettlesPendingRequests(t *testing.T) {
	set, _ := newFakeSet(t, 2, nil, true)

	const k = 6
	errs := make(chan error, k)
	for i := range k {
		go func() {
			_, err := set.InvokeRequest(context.Background(), "svc", i)
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return set.Stats().PendingRequests == k }, time.Second, time.Millisecond)

	set.Destroy()

	for range k {
		select {
		case err := <-errs:
			if !errors.Is(err, worker.ErrWorkerSetDestroyed) {
				t.Errorf("pending request error = %v, want %v", err, worker.ErrWorkerSetDestroyed)
			}
		case <-time.After(time.Second):
			t.Fatal("pending request did not settle after Destroy")
		}
	}

	set.Destroy()
	if _, err := set.InvokeRequest(context.Background(), "svc", 1); !errors.Is(err, worker.ErrWorkerSetDestroyed) {
		t.Errorf("InvokeRequest after Destroy error = %v, want %v", err, worker.ErrWorkerSetDestroyed)
	}
}

func TestBroadcastRequest(t *testing.T) {
	set, _ := newFakeSet(t, 3, echo, true)
	responses, err := set.BroadcastRequest(context.Background(), "svc", "cfg")
	require.NoError(t, err)
	if diff := cmp.Diff([]any{"cfg@0", "cfg@1", "cfg@2"}, responses); diff != "" {
		t.Errorf("BroadcastRequest mismatch (-want +got):\n%v", diff)
	}

	failing := func(c *fakeChannel, msg worker.Message) {
		if msg.Type != worker.MessageRequest {
			return
		}
		if c.index == 2 {
			c.upstream(worker.Message{Service: msg.Service, Type: worker.MessageResponse, MessageID: msg.MessageID, Error: "broken"})
			return
		}
		echo(c, msg)
	}
	set2, _ := newFakeSet(t, 3, failing, true)
	_, err = set2.BroadcastRequest(context.Background(), "svc", "cfg")
	var remote *worker.RemoteError
	if !errors.As(err, &remote) || remote.Reason != "broken" {
		t.Errorf("BroadcastRequest error = %v, want remote error %q", err, "broken")
	}
}

func TestReferenceCounting(t *testing.T) {
	set, _ := newFakeSet(t, 1, echo, true)

	set.AddReference()
	set.AddReference()
	if set.RemoveReference() {
		t.Errorf("first RemoveReference tore the set down")
	}
	if set.IsDestroyed() {
		t.Fatalf("set destroyed with one reference left")
	}
	if !set.RemoveReference() {
		t.Errorf("last RemoveReference did not tear the set down")
	}
	if !set.IsDestroyed() {
		t.Errorf("set not destroyed after last reference")
	}
	if set.RemoveReference() {
		t.Errorf("RemoveReference without references reported teardown")
	}
	if got := set.Stats().References; got != 0 {
		t.Errorf("References = %d, want 0", got)
	}
}

func TestRestartAfterDestroy(t *testing.T) {
	set, _ := newFakeSet(t, 2, echo, true)
	set.Destroy()
	require.NoError(t, set.Start())
	require.NoError(t, set.Connect(context.Background(), worker.ManagerServiceID))

	response, err := set.InvokeRequest(context.Background(), "svc", "again")
	require.NoError(t, err)
	if response == nil {
		t.Errorf("InvokeRequest after restart returned nil")
	}
}

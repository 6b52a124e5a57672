package loader_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mapview/internal/loader"
	"mapview/internal/tiling"
)

func TestSchedulerProcessRespectsLimitAndPriority(t *testing.T) {
	s := newGated()
	sched := loader.NewScheduler(context.Background(), 2, zap.NewNop())

	loaders := make([]*loader.Loader, 5)
	for i := range loaders {
		loaders[i] = loader.New(tiling.NewTileKey(uint32(i), 0, 3), s, zap.NewNop())
		loaders[i].SetPriority(i)
		sched.Schedule(loaders[i])
	}
	sched.Schedule(loaders[0])
	if got := sched.Pending(); got != 5 {
		t.Fatalf("Pending() = %d, want = 5", got)
	}

	if got := sched.Process(); got != 2 {
		t.Errorf("Process() started %d, want = 2", got)
	}
	states := func() []loader.State {
		out := make([]loader.State, len(loaders))
		for i, l := range loaders {
			out[i] = l.State()
		}
		return out
	}
	want := []loader.State{loader.Initialized, loader.Initialized, loader.Initialized, loader.Loading, loader.Loading}
	if diff := cmp.Diff(want, states()); diff != "" {
		t.Errorf("states after first Process mismatch (-want +got):\n%s", diff)
	}
	if got := sched.Process(); got != 0 {
		t.Errorf("Process() with no free slot started %d, want = 0", got)
	}

	sched.Unschedule(loaders[0])
	close(s.release)
	require.Eventually(t, func() bool { return sched.Running() == 0 }, time.Second, time.Millisecond)

	if got := sched.Process(); got != 2 {
		t.Errorf("second Process() started %d, want = 2", got)
	}
	if got := sched.Pending(); got != 0 {
		t.Errorf("Pending() = %d, want = 0", got)
	}
	if got := loaders[0].State(); got != loader.Initialized {
		t.Errorf("unscheduled loader state = %v, want = %v", got, loader.Initialized)
	}
}

func TestSchedulerRun(t *testing.T) {
	s := newGated()
	close(s.release)
	sched := loader.NewScheduler(context.Background(), 3, zap.NewNop())

	loaders := make([]*loader.Loader, 10)
	for i := range loaders {
		loaders[i] = loader.New(tiling.NewTileKey(0, uint32(i), 4), s, zap.NewNop())
		sched.Schedule(loaders[i])
	}
	require.NoError(t, sched.Run(context.Background()))

	for i, l := range loaders {
		state, err := l.WaitSettled(context.Background())
		require.NoError(t, err)
		if state != loader.Ready {
			t.Errorf("loader %d state = %v, want = %v", i, state, loader.Ready)
		}
	}
}

func TestSchedulerRunStopsOnContext(t *testing.T) {
	s := newGated()
	sched := loader.NewScheduler(context.Background(), 1, zap.NewNop())
	for i := range 3 {
		sched.Schedule(loader.New(tiling.NewTileKey(0, uint32(i), 2), s, zap.NewNop()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := sched.Run(ctx); err == nil {
		t.Errorf("Run() with a blocked slot returned nil, want context error")
	}
	if got := sched.Pending(); got != 2 {
		t.Errorf("Pending() = %d, want = 2", got)
	}
	close(s.release)
}

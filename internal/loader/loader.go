// Package loader drives the fetch and decode cycle of a single tile.
package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"mapview/internal/decoder"
	"mapview/internal/tiling"
)

type State int

const (
	Initialized State = iota
	Loading
	Loaded
	Decoding
	Ready
	Canceled
	Failed
)

func (s State) String() string {
	switch s {
	case Initialized:
		return "initialized"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case Decoding:
		return "decoding"
	case Ready:
		return "ready"
	case Canceled:
		return "canceled"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// IsFinished reports whether s is terminal for the current load cycle.
func (s State) IsFinished() bool {
	return s == Ready || s == Canceled || s == Failed
}

func (s State) inFlight() bool {
	return s == Loading || s == Loaded || s == Decoding
}

// Strategy performs the two halves of a load cycle.
type Strategy interface {
	Fetch(ctx context.Context, key tiling.TileKey) ([]byte, error)
	Decode(ctx context.Context, key tiling.TileKey, data []byte) (*decoder.DecodedTile, error)
}

// Canceler is implemented by strategies that need to release resources when a
// load is cancelled.
type Canceler interface {
	OnCancel(key tiling.TileKey)
}

// StrategyFuncs adapts two functions to a Strategy.
type StrategyFuncs struct {
	FetchFunc  func(ctx context.Context, key tiling.TileKey) ([]byte, error)
	DecodeFunc func(ctx context.Context, key tiling.TileKey, data []byte) (*decoder.DecodedTile, error)
}

func (f StrategyFuncs) Fetch(ctx context.Context, key tiling.TileKey) ([]byte, error) {
	return f.FetchFunc(ctx, key)
}

func (f StrategyFuncs) Decode(ctx context.Context, key tiling.TileKey, data []byte) (*decoder.DecodedTile, error) {
	return f.DecodeFunc(ctx, key, data)
}

// Loader is the state machine of one tile's load cycle:
//
//	Initialized -> Loading -> Loaded -> Decoding -> Ready
//	                  \           \          \-> Failed | Canceled
//
// Finished loaders start a new cycle on the next LoadAndDecode.
type Loader struct {
	key      tiling.TileKey
	strategy Strategy
	log      *zap.Logger

	mu       sync.Mutex
	state    State
	payload  *decoder.DecodedTile
	err      error
	priority int
	cycle    uint64
	cancel   context.CancelFunc
	done     chan struct{}
}

func New(key tiling.TileKey, strategy Strategy, log *zap.Logger) *Loader {
	return &Loader{
		key:      key,
		strategy: strategy,
		log:      log,
		done:     make(chan struct{}),
	}
}

func (l *Loader) Key() tiling.TileKey { return l.key }

// LoadAndDecode starts a load cycle unless one is in flight, and returns a
// channel closed when the cycle finishes. Concurrent callers during one cycle
// receive the same channel and share one fetch and one decode.
func (l *Loader) LoadAndDecode(ctx context.Context) <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state.inFlight() {
		return l.done
	}

	l.cycle++
	cycle := l.cycle
	if l.state != Initialized {
		l.done = make(chan struct{})
	}
	l.state = Loading
	l.payload = nil
	l.err = nil

	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	go l.run(ctx, cycle)
	return l.done
}

func (l *Loader) run(ctx context.Context, cycle uint64) {
	data, err := l.strategy.Fetch(ctx, l.key)

	l.mu.Lock()
	if l.cycle != cycle {
		l.mu.Unlock()
		return
	}
	if err != nil {
		l.finishLocked(ctx, nil, fmt.Errorf("fetch %s: %w", l.key, err))
		l.mu.Unlock()
		return
	}
	l.state = Loaded
	if len(data) == 0 {
		l.finishLocked(ctx, decoder.EmptyTile(), nil)
		l.mu.Unlock()
		return
	}
	l.state = Decoding
	l.mu.Unlock()

	tile, err := l.strategy.Decode(ctx, l.key, data)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cycle != cycle {
		return
	}
	if err != nil {
		err = fmt.Errorf("decode %s: %w", l.key, err)
	}
	l.finishLocked(ctx, tile, err)
}

func (l *Loader) finishLocked(ctx context.Context, tile *decoder.DecodedTile, err error) {
	switch {
	case err == nil:
		if tile == nil {
			tile = decoder.EmptyTile()
		}
		l.state = Ready
		l.payload = tile
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		l.state = Canceled
	default:
		l.state = Failed
		l.err = err
		l.log.Debug("Tile load failed", zap.Stringer("tile", l.key), zap.Error(err))
	}
	l.cancel()
	close(l.done)
}

// Cancel aborts an in-flight cycle. The loader becomes Canceled at once and
// results of the aborted cycle are discarded when they arrive. Cancelling a
// finished loader does nothing.
func (l *Loader) Cancel() {
	l.mu.Lock()
	switch {
	case l.state.inFlight():
		l.cycle++
		l.cancel()
		l.state = Canceled
		close(l.done)
	case l.state == Initialized:
		l.state = Canceled
		close(l.done)
	default:
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	if c, ok := l.strategy.(Canceler); ok {
		c.OnCancel(l.key)
	}
}

// WaitSettled blocks until the current cycle finishes or ctx is done.
func (l *Loader) WaitSettled(ctx context.Context) (State, error) {
	l.mu.Lock()
	if l.state == Initialized {
		l.mu.Unlock()
		return Initialized, nil
	}
	done := l.done
	l.mu.Unlock()

	select {
	case <-done:
		return l.State(), nil
	case <-ctx.Done():
		return l.State(), ctx.Err()
	}
}

func (l *Loader) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loader) IsFinished() bool {
	return l.State().IsFinished()
}

// Payload returns the decoded tile of a Ready loader.
func (l *Loader) Payload() *decoder.DecodedTile {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.payload
}

// Err returns the error of a Failed loader.
func (l *Loader) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Priority is a hint for the Scheduler; higher starts first.
func (l *Loader) Priority() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.priority
}

func (l *Loader) SetPriority(p int) {
	l.mu.Lock()
	l.priority = p
	l.mu.Unlock()
}

package tiler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"mapview/internal/decoder"
	"mapview/internal/tiling"
	"mapview/internal/worker"
)

const disposeTimeout = 5 * time.Second

// WorkerBasedTiler tiles GeoJSON indexes on a shared worker pool. Indexes are
// sent to every worker so any of them can serve GetTile.
type WorkerBasedTiler struct {
	set       *worker.ConcurrentWorkerSet
	serviceID string
	log       *zap.Logger

	mu        sync.Mutex
	connected bool
	disposed  bool
}

func NewWorkerBasedTiler(registry *worker.Registry, log *zap.Logger) (*WorkerBasedTiler, error) {
	set, err := registry.WorkerSet(BundleName)
	if err != nil {
		return nil, err
	}
	set.AddReference()

	id := decoder.NextServiceID(ServiceTypeGeoJSON)
	return &WorkerBasedTiler{
		set:       set,
		serviceID: id,
		log:       log.Named("tiler").With(zap.String("service_id", id)),
	}, nil
}

func (t *WorkerBasedTiler) ServiceID() string { return t.serviceID }

func (t *WorkerBasedTiler) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.disposed {
		return decoder.ErrDisposed
	}
	if t.connected {
		return nil
	}
	if err := t.set.Connect(ctx, worker.ManagerServiceID); err != nil {
		return fmt.Errorf("connect %s: %w", t.serviceID, err)
	}
	_, err := t.set.BroadcastRequest(ctx, worker.ManagerServiceID, worker.CreateServiceRequest{
		TargetServiceType: ServiceTypeGeoJSON,
		TargetServiceID:   t.serviceID,
	})
	if err != nil {
		return fmt.Errorf("create service %s: %w", t.serviceID, err)
	}
	if err := t.set.Connect(ctx, t.serviceID); err != nil {
		return fmt.Errorf("connect %s: %w", t.serviceID, err)
	}
	t.connected = true
	return nil
}

func (t *WorkerBasedTiler) ready() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.disposed:
		return decoder.ErrDisposed
	case !t.connected:
		return decoder.ErrNotConnected
	}
	return nil
}

// RegisterIndex parses input as a GeoJSON FeatureCollection on every worker.
// input is only read and may be shared between workers.
func (t *WorkerBasedTiler) RegisterIndex(ctx context.Context, id string, input []byte) error {
	if err := t.ready(); err != nil {
		return err
	}
	_, err := t.set.BroadcastRequest(ctx, t.serviceID, RegisterIndexRequest{ID: id, Input: input})
	return err
}

func (t *WorkerBasedTiler) UpdateIndex(ctx context.Context, id string, input []byte) error {
	if err := t.ready(); err != nil {
		return err
	}
	_, err := t.set.BroadcastRequest(ctx, t.serviceID, UpdateIndexRequest{ID: id, Input: input})
	return err
}

// GetTile returns the encoded vector tile of index at key, nil when empty.
func (t *WorkerBasedTiler) GetTile(ctx context.Context, index string, key tiling.TileKey) ([]byte, error) {
	if err := t.ready(); err != nil {
		return nil, err
	}
	response, err := t.set.InvokeRequest(ctx, t.serviceID, TileRequest{Index: index, TileKey: key.MortonCode()})
	if err != nil {
		return nil, err
	}
	if response == nil {
		return nil, nil
	}
	data, ok := response.([]byte)
	if !ok {
		return nil, fmt.Errorf("tile %s: unexpected response %T", key, response)
	}
	return data, nil
}

// Dispose destroys the remote service and releases the pool reference.
// Safe to call more than once.
func (t *WorkerBasedTiler) Dispose() {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return
	}
	t.disposed = true
	connected := t.connected
	t.mu.Unlock()

	if connected {
		ctx, cancel := context.WithTimeout(context.Background(), disposeTimeout)
		_, err := t.set.BroadcastRequest(ctx, worker.ManagerServiceID, worker.DestroyServiceRequest{TargetServiceID: t.serviceID})
		cancel()
		if err != nil {
			t.log.Debug("Failed to destroy remote service", zap.Error(err))
		}
		t.set.ForgetService(t.serviceID)
	}
	t.set.RemoveReference()
}

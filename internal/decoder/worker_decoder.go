package decoder

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mapview/internal/tiling"
	"mapview/internal/worker"
)

const disposeTimeout = 5 * time.Second

var serviceCounter atomic.Uint64

// NextServiceID returns a process-unique id for a remote service of serviceType.
func NextServiceID(serviceType string) string {
	return fmt.Sprintf("%s-%d", serviceType, serviceCounter.Add(1))
}

// WorkerBasedDecoder decodes tiles on a shared worker pool. Each instance owns
// one remote service and one reference on the pool.
type WorkerBasedDecoder struct {
	set         *worker.ConcurrentWorkerSet
	serviceType string
	serviceID   string
	log         *zap.Logger

	mu        sync.Mutex
	connected bool
	disposed  bool
}

func NewWorkerBasedDecoder(registry *worker.Registry, bundleName, serviceType string, log *zap.Logger) (*WorkerBasedDecoder, error) {
	set, err := registry.WorkerSet(bundleName)
	if err != nil {
		return nil, err
	}
	set.AddReference()

	id := NextServiceID(serviceType)
	return &WorkerBasedDecoder{
		set:         set,
		serviceType: serviceType,
		serviceID:   id,
		log:         log.Named("decoder").With(zap.String("service_id", id)),
	}, nil
}

func (d *WorkerBasedDecoder) ServiceID() string { return d.serviceID }

// Connect creates the remote service on every worker and waits until all of
// them report it initialized. Calling Connect again after success is a no-op.
func (d *WorkerBasedDecoder) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.disposed {
		return ErrDisposed
	}
	if d.connected {
		return nil
	}
	if err := d.set.Connect(ctx, worker.ManagerServiceID); err != nil {
		return fmt.Errorf("connect %s: %w", d.serviceID, err)
	}
	_, err := d.set.BroadcastRequest(ctx, worker.ManagerServiceID, worker.CreateServiceRequest{
		TargetServiceType: d.serviceType,
		TargetServiceID:   d.serviceID,
	})
	if err != nil {
		return fmt.Errorf("create service %s: %w", d.serviceID, err)
	}
	if err := d.set.Connect(ctx, d.serviceID); err != nil {
		return fmt.Errorf("connect %s: %w", d.serviceID, err)
	}
	d.connected = true
	d.log.Debug("Decoder connected")
	return nil
}

func (d *WorkerBasedDecoder) ready() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.disposed:
		return ErrDisposed
	case !d.connected:
		return ErrNotConnected
	}
	return nil
}

// DecodeTile hands data to a worker. The caller must not use data afterwards.
func (d *WorkerBasedDecoder) DecodeTile(ctx context.Context, data []byte, key tiling.TileKey, dataSourceName, projection string) (*DecodedTile, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	response, err := d.set.InvokeRequest(ctx, d.serviceID, DecodeTileRequest{
		Data:           data,
		TileKey:        key.MortonCode(),
		DataSourceName: dataSourceName,
		Projection:     projection,
	})
	if err != nil {
		return nil, err
	}
	tile, ok := response.(*DecodedTile)
	if !ok {
		return nil, fmt.Errorf("decode %s: unexpected response %T", key, response)
	}
	return tile, nil
}

func (d *WorkerBasedDecoder) GetTileInfo(ctx context.Context, data []byte, key tiling.TileKey, dataSourceName, projection string) (*TileInfo, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	response, err := d.set.InvokeRequest(ctx, d.serviceID, TileInfoRequest{
		Data:           data,
		TileKey:        key.MortonCode(),
		DataSourceName: dataSourceName,
		Projection:     projection,
	})
	if err != nil {
		return nil, err
	}
	info, ok := response.(*TileInfo)
	if !ok {
		return nil, fmt.Errorf("tile info %s: unexpected response %T", key, response)
	}
	return info, nil
}

// Configure sends theme and options to the service on every worker.
func (d *WorkerBasedDecoder) Configure(theme *Theme, options map[string]any) error {
	if err := d.ready(); err != nil {
		return err
	}
	return d.set.BroadcastMessage(worker.ConfigurationMessage(d.serviceID, theme, options))
}

// Dispose destroys the remote service and releases the pool reference. Errors
// from workers that are already gone are ignored. Safe to call more than once.
func (d *WorkerBasedDecoder) Dispose() {
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		return
	}
	d.disposed = true
	connected := d.connected
	d.mu.Unlock()

	if connected {
		destroyRemoteService(d.set, d.serviceID, d.log)
	}
	d.set.RemoveReference()
}

func destroyRemoteService(set *worker.ConcurrentWorkerSet, serviceID string, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), disposeTimeout)
	defer cancel()

	_, err := set.BroadcastRequest(ctx, worker.ManagerServiceID, worker.DestroyServiceRequest{TargetServiceID: serviceID})
	if err != nil {
		log.Debug("Failed to destroy remote service", zap.Error(err))
	}
	set.ForgetService(serviceID)
}

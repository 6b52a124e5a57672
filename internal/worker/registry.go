package worker

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Registry hands out one ConcurrentWorkerSet per bundle, created on first
// use. Components that share workers receive the registry explicitly.
type Registry struct {
	log            *zap.Logger
	workerCount    int
	connectTimeout time.Duration

	mu      sync.Mutex
	bundles map[string]Bundle
	sets    map[string]*ConcurrentWorkerSet
}

func NewRegistry(log *zap.Logger, workerCount int, connectTimeout time.Duration) *Registry {
	return &Registry{
		log:            log,
		workerCount:    workerCount,
		connectTimeout: connectTimeout,
		bundles:        make(map[string]Bundle),
		sets:           make(map[string]*ConcurrentWorkerSet),
	}
}

// Register makes a bundle available by name. Registering a name twice
// replaces the bundle for sets created afterwards.
func (r *Registry) Register(bundle Bundle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bundles[bundle.Name] = bundle
}

// WorkerSet returns the started worker set running the named bundle.
func (r *Registry) WorkerSet(name string) (*ConcurrentWorkerSet, error) {
	r.mu.Lock()
	set, ok := r.sets[name]
	if !ok {
		bundle, known := r.bundles[name]
		if !known {
			r.mu.Unlock()
			return nil, fmt.Errorf("unknown worker bundle %q", name)
		}
		set = NewConcurrentWorkerSet(Options{
			Bundle:         bundle,
			WorkerCount:    r.workerCount,
			ConnectTimeout: r.connectTimeout,
			Logger:         r.log,
		})
		r.sets[name] = set
	}
	r.mu.Unlock()

	if err := set.Start(); err != nil {
		return nil, err
	}
	return set, nil
}

// Stats returns a snapshot of every worker set created so far.
func (r *Registry) Stats() map[string]Stats {
	r.mu.Lock()
	sets := make(map[string]*ConcurrentWorkerSet, len(r.sets))
	for name, set := range r.sets {
		sets[name] = set
	}
	r.mu.Unlock()

	stats := make(map[string]Stats, len(sets))
	for name, set := range sets {
		stats[name] = set.Stats()
	}
	return stats
}

// DestroyAll tears down every worker set regardless of references.
func (r *Registry) DestroyAll() {
	r.mu.Lock()
	sets := r.sets
	r.sets = make(map[string]*ConcurrentWorkerSet)
	r.mu.Unlock()

	for name, set := range sets {
		set.Destroy()
		r.log.Debug("Destroyed worker set", zap.String("bundle", name))
	}
}

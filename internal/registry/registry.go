// Package registry assigns integer ids to engines, owns their command queues
// for as long as they are registered, and notifies subscribers of
// registrations and unregistrations.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/seantiz/crucible/internal/engine"
	"github.com/seantiz/crucible/internal/model"
)

// DefaultMaxEngines is the registry capacity used when none is configured.
const DefaultMaxEngines = 256

// AnyID asks Register for the lowest free id.
const AnyID = -1

var (
	// ErrInvalidEngineID is returned when a target id is not registered.
	ErrInvalidEngineID = errors.New("invalid engine id")

	// ErrNoEnginesRegistered is returned when "all" is resolved on an empty registry.
	ErrNoEnginesRegistered = errors.New("no engines registered")

	// ErrRegistryFull is returned when every id in the pool is taken.
	ErrRegistryFull = errors.New("registry full")
)

// Callback is notified with the affected engine id. A callback that returns an
// error or panics is unsubscribed.
type Callback func(id int) error

// Options configures a Registry. Zero values are valid.
type Options struct {
	// MaxEngines bounds the id pool to [0, MaxEngines).
	MaxEngines int

	// SaveIDs keeps freed ids out of the pool for the registry's lifetime.
	SaveIDs bool

	// Queue is applied to the QueuedEngine created for every registration.
	Queue engine.QueueOptions

	Logger *slog.Logger
}

// EngineInfo describes a registered engine.
type EngineInfo struct {
	ID         int                `json:"id"`
	Properties model.Properties   `json:"properties"`
	Queue      engine.QueueStatus `json:"queue"`
}

type subscriber struct {
	handle int
	fn     Callback
}

// Registry holds registered engines keyed by id. It is safe for concurrent use.
type Registry struct {
	opts   Options
	logger *slog.Logger

	mu      sync.RWMutex
	engines map[int]*engine.QueuedEngine
	free    []int // sorted ascending

	subMu        sync.Mutex
	nextHandle   int
	onRegister   []subscriber
	onUnregister []subscriber
}

// New creates an empty registry.
func New(opts Options) *Registry {
	if opts.MaxEngines <= 0 {
		opts.MaxEngines = DefaultMaxEngines
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.Queue.Logger == nil {
		opts.Queue.Logger = logger
	}

	free := make([]int, opts.MaxEngines)
	for i := range free {
		free[i] = i
	}
	return &Registry{
		opts:    opts,
		logger:  logger,
		engines: make(map[int]*engine.QueuedEngine),
		free:    free,
	}
}

// Register adds e under requestedID if that id is free, otherwise under the
// lowest free id. Pass AnyID to take the lowest free id.
func (r *Registry) Register(e engine.Engine, requestedID int) (*engine.QueuedEngine, error) {
	r.mu.Lock()
	if len(r.free) == 0 {
		r.mu.Unlock()
		return nil, fmt.Errorf("register engine: %w", ErrRegistryFull)
	}

	idx := 0
	if requestedID >= 0 {
		if i, ok := slices.BinarySearch(r.free, requestedID); ok {
			idx = i
		}
	}
	id := r.free[idx]
	r.free = slices.Delete(r.free, idx, idx+1)

	if r.opts.Queue.Broker != nil {
		r.opts.Queue.Broker.Open(id)
	}
	q := engine.NewQueuedEngine(id, e, r.opts.Queue)
	r.engines[id] = q
	n := len(r.engines)
	r.mu.Unlock()

	registeredEngines.Set(float64(n))
	registryEvents.WithLabelValues(eventRegister).Inc()
	r.logger.Info("engine registered", "engine_id", id, "requested_id", requestedID)

	r.notify(&r.onRegister, id)
	return q, nil
}

// Unregister removes the engine with the given id, closes its queue and
// returns the id to the pool unless SaveIDs is set.
func (r *Registry) Unregister(id int) error {
	r.mu.Lock()
	q, ok := r.engines[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unregister engine %d: %w", id, ErrInvalidEngineID)
	}
	delete(r.engines, id)
	if !r.opts.SaveIDs {
		i, _ := slices.BinarySearch(r.free, id)
		r.free = slices.Insert(r.free, i, id)
	}
	n := len(r.engines)
	r.mu.Unlock()

	q.Close()
	registeredEngines.Set(float64(n))
	registryEvents.WithLabelValues(eventUnregister).Inc()
	r.logger.Info("engine unregistered", "engine_id", id)

	r.notify(&r.onUnregister, id)
	return nil
}

// Get returns the queued engine registered under id.
func (r *Registry) Get(id int) (*engine.QueuedEngine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	q, ok := r.engines[id]
	if !ok {
		return nil, fmt.Errorf("engine %d: %w", id, ErrInvalidEngineID)
	}
	return q, nil
}

// Lookup returns the engines registered under ids, in the given order. It
// fails if any id is unknown.
func (r *Registry) Lookup(ids ...int) ([]*engine.QueuedEngine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*engine.QueuedEngine, len(ids))
	for i, id := range ids {
		q, ok := r.engines[id]
		if !ok {
			return nil, fmt.Errorf("engine %d: %w", id, ErrInvalidEngineID)
		}
		out[i] = q
	}
	return out, nil
}

// All returns every registered engine in ascending id order.
func (r *Registry) All() ([]*engine.QueuedEngine, error) {
	engines := r.Engines()
	if len(engines) == 0 {
		return nil, ErrNoEnginesRegistered
	}
	return engines, nil
}

// Engines returns every registered engine in ascending id order. The result
// is empty, not an error, when nothing is registered.
func (r *Registry) Engines() []*engine.QueuedEngine {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*engine.QueuedEngine, 0, len(r.engines))
	for _, id := range slices.Sorted(maps.Keys(r.engines)) {
		out = append(out, r.engines[id])
	}
	return out
}

// IDs returns the registered ids in ascending order.
func (r *Registry) IDs() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.engines))
}

// Len returns the number of registered engines.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.engines)
}

// List returns information about all registered engines, sorted by id for a
// stable API response.
func (r *Registry) List() []EngineInfo {
	engines := r.Engines()
	infos := make([]EngineInfo, 0, len(engines))
	for _, q := range engines {
		infos = append(infos, EngineInfo{
			ID:         q.ID(),
			Properties: q.Properties(),
			Queue:      q.QueueStatus(),
		})
	}
	return infos
}

// Close unregisters every engine. An engine removed concurrently is logged
// and skipped.
func (r *Registry) Close() {
	for _, id := range r.IDs() {
		if err := r.Unregister(id); err != nil {
			r.logger.Warn("failed to unregister engine on close", "engine_id", id, "error", err)
		}
	}
}

// OnRegister subscribes fn to registrations. The returned func unsubscribes.
func (r *Registry) OnRegister(fn Callback) (unsubscribe func()) {
	return r.subscribe(&r.onRegister, fn)
}

// OnUnregister subscribes fn to unregistrations. The returned func unsubscribes.
func (r *Registry) OnUnregister(fn Callback) (unsubscribe func()) {
	return r.subscribe(&r.onUnregister, fn)
}

func (r *Registry) subscribe(list *[]subscriber, fn Callback) func() {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	r.nextHandle++
	handle := r.nextHandle
	*list = append(*list, subscriber{handle: handle, fn: fn})
	return func() { r.unsubscribe(list, handle) }
}

func (r *Registry) unsubscribe(list *[]subscriber, handle int) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	*list = slices.DeleteFunc(*list, func(s subscriber) bool { return s.handle == handle })
}

// notify calls every subscriber in list with id, outside any lock, and drops
// the ones that fail.
func (r *Registry) notify(list *[]subscriber, id int) {
	r.subMu.Lock()
	subs := slices.Clone(*list)
	r.subMu.Unlock()

	for _, s := range subs {
		if err := invoke(s.fn, id); err != nil {
			r.logger.Warn("removing failed registry callback", "engine_id", id, "error", err)
			r.unsubscribe(list, s.handle)
		}
	}
}

func invoke(fn Callback, id int) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("callback panic: %v", v)
		}
	}()
	return fn(id)
}

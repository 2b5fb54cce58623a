package heap

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/corazawaf/coraza/v3/loggers"
	"go.opentelemetry.io/otel/trace"

	"github.com/gengc/gengc/config"
	"github.com/gengc/gengc/heuristics"
	"github.com/gengc/gengc/internal/logger"
	"github.com/gengc/gengc/internal/task"
	"github.com/gengc/gengc/internal/taskpool"
	"github.com/gengc/gengc/mem"
)

// Runtime owns what every heap of a process shares: the address space, the
// thread registry, the GC worker pool and the shared heap.
type Runtime struct {
	cfg      *config.Config
	as       *mem.AddressSpace
	model    mem.ObjectModel
	registry *task.Registry
	log      loggers.DebugLogger
	spans    trace.Tracer

	poolLock sync.Mutex
	workers  *taskpool.Pool
	parallel atomic.Bool

	shared *SharedHeap

	heapsLock sync.Mutex
	heaps     []*LocalHeap
	nextID    int
	destroyed bool
}

// Option configures a Runtime.
type Option func(o *options)

type options struct {
	mapper mem.Mapper
	model  mem.ObjectModel
	log    loggers.DebugLogger
	tp     trace.TracerProvider
}

// WithMapper sets the memory mapper of the address space.
func WithMapper(m mem.Mapper) Option {
	return func(o *options) { o.mapper = m }
}

// WithObjectModel sets the object model. The default reads sizes and
// reference slots from the header word.
func WithObjectModel(m mem.ObjectModel) Option {
	return func(o *options) { o.model = m }
}

// WithLogger replaces the logger built from the configured log level.
func WithLogger(l loggers.DebugLogger) Option {
	return func(o *options) { o.log = l }
}

// WithTracerProvider sets the provider of the collection spans. The global
// provider is used by default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tp = tp }
}

// NewRuntime validates cfg and creates a runtime with its shared heap. The
// configuration is copied.
func NewRuntime(cfg *config.Config, opts ...Option) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	cfg = cfg.Clone()

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		level, err := logger.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		if cfg.EnableOptionalLog && level < loggers.LogLevelInfo {
			level = loggers.LogLevelInfo
		}
		o.log = logger.New("gengc", level)
	}
	if o.model == nil {
		o.model = mem.LayoutModel{}
	}

	rt := &Runtime{
		cfg:      cfg,
		as:       mem.NewAddressSpace(o.mapper),
		model:    o.model,
		registry: task.NewRegistry(),
		log:      o.log,
		spans:    defaultTracer(),
	}
	if o.tp != nil {
		rt.spans = o.tp.Tracer(tracerName)
	}
	rt.parallel.Store(cfg.EnableParallelGC)
	rt.workers = taskpool.New(rt.poolThreads())

	shared, err := newSharedHeap(rt)
	if err != nil {
		rt.workers.Close()
		rt.as.Close()
		return nil, err
	}
	rt.shared = shared
	return rt, nil
}

func (rt *Runtime) poolThreads() int {
	if !rt.parallel.Load() {
		return 1
	}
	return rt.cfg.GCThreadNum
}

// Config returns the configuration of the runtime. It must not be changed.
func (rt *Runtime) Config() *config.Config { return rt.cfg }

// AddressSpace returns the address space every heap allocates from.
func (rt *Runtime) AddressSpace() *mem.AddressSpace { return rt.as }

// Model returns the object model.
func (rt *Runtime) Model() mem.ObjectModel { return rt.model }

// Registry returns the thread registry.
func (rt *Runtime) Registry() *task.Registry { return rt.registry }

// Logger returns the runtime logger.
func (rt *Runtime) Logger() loggers.DebugLogger { return rt.log }

// SharedHeap returns the shared heap.
func (rt *Runtime) SharedHeap() *SharedHeap { return rt.shared }

func (rt *Runtime) pool() *taskpool.Pool {
	rt.poolLock.Lock()
	defer rt.poolLock.Unlock()
	return rt.workers
}

// totalThreads returns the number of work manager slots: the collecting
// thread plus every pool worker.
func (rt *Runtime) totalThreads() int {
	return rt.pool().TotalThreadNum() + 1
}

// NewLocalHeap creates a heap for a new mutator. The mutator starts in
// native state; it must call Enter before allocating.
func (rt *Runtime) NewLocalHeap(name string) (*LocalHeap, error) {
	rt.heapsLock.Lock()
	if rt.destroyed {
		rt.heapsLock.Unlock()
		return nil, ErrHeapDestroyed
	}
	rt.nextID++
	if name == "" {
		name = fmt.Sprintf("mutator-%d", rt.nextID)
	}
	rt.heapsLock.Unlock()

	h, err := newLocalHeap(rt, name)
	if err != nil {
		return nil, err
	}
	rt.heapsLock.Lock()
	rt.heaps = append(rt.heaps, h)
	rt.heapsLock.Unlock()
	return h, nil
}

// Heaps returns the live local heaps.
func (rt *Runtime) Heaps() []*LocalHeap {
	rt.heapsLock.Lock()
	defer rt.heapsLock.Unlock()
	return append([]*LocalHeap(nil), rt.heaps...)
}

func (rt *Runtime) removeHeap(h *LocalHeap) {
	rt.heapsLock.Lock()
	defer rt.heapsLock.Unlock()
	for i, other := range rt.heaps {
		if other == h {
			rt.heaps = append(rt.heaps[:i], rt.heaps[i+1:]...)
			return
		}
	}
}

// ParallelGC reports whether collections use helper threads.
func (rt *Runtime) ParallelGC() bool { return rt.parallel.Load() }

// DisableParallelGC waits for every background task and shrinks the pool to
// a single worker, which still runs concurrent marking and sweeping.
func (rt *Runtime) DisableParallelGC() {
	rt.replacePool(false)
}

// EnableParallelGC restores the configured number of GC threads. The work
// managers notice the new pool size at their next cycle.
func (rt *Runtime) EnableParallelGC() {
	rt.replacePool(true)
}

func (rt *Runtime) replacePool(parallel bool) {
	for _, h := range rt.Heaps() {
		h.WaitAllTasksFinished()
	}
	rt.shared.WaitAllTasksFinished()

	rt.poolLock.Lock()
	if rt.parallel.Load() == parallel {
		rt.poolLock.Unlock()
		return
	}
	rt.parallel.Store(parallel)
	old := rt.workers
	rt.workers = taskpool.New(rt.poolThreads())
	rt.poolLock.Unlock()

	if err := old.Close(); err != nil {
		rt.log.Warn("closing gc worker pool: %v", err)
	}
	rt.log.Info("parallel gc %s, %d gc threads", map[bool]string{true: "enabled", false: "disabled"}[parallel], rt.poolThreads())
}

// taskLimits returns the number of helper tasks a mark and an evacuation
// phase may start.
func (rt *Runtime) taskLimits(inBackground bool) (mark, evacuate int) {
	if !rt.parallel.Load() {
		return 0, 0
	}
	mark, evacuate = heuristics.TaskCounts(inBackground, rt.cfg.GCThreadNum, rt.totalThreads())
	return mark, evacuate - 1
}

// Destroy destroys every local heap and the shared heap and releases all
// memory.
func (rt *Runtime) Destroy() error {
	rt.heapsLock.Lock()
	if rt.destroyed {
		rt.heapsLock.Unlock()
		return ErrHeapDestroyed
	}
	rt.destroyed = true
	heaps := append([]*LocalHeap(nil), rt.heaps...)
	rt.heapsLock.Unlock()

	var errs []error
	for _, h := range heaps {
		if err := h.Destroy(); err != nil && !errors.Is(err, ErrHeapDestroyed) {
			errs = append(errs, err)
		}
	}
	rt.shared.destroy()
	if err := rt.pool().Close(); err != nil {
		errs = append(errs, err)
	}
	if err := rt.as.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

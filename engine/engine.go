// Package engine wires the storage subsystems together: the monotonic
// clock, the memory state, the single-writer dispatcher, the lock
// registry and the queue engine. It exposes the connection, transaction
// and monitoring façades the surrounding framework talks to.
//
// This package exists to break the import cycle: the root stash package
// defines Config and sentinel errors (imported by most subsystem
// packages) and so cannot import those packages back. The engine package sits
// above all subsystem packages and below the application layer.
package engine

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/stash"
	"github.com/xraph/stash/clock"
	"github.com/xraph/stash/dispatcher"
	"github.com/xraph/stash/lock"
	"github.com/xraph/stash/monitor"
	"github.com/xraph/stash/queue"
	"github.com/xraph/stash/state"
)

// Engine is an open storage instance. Create one with Open and shut it
// down with Close; obtain per-client façades with Connection and
// Monitor.
type Engine struct {
	cfg    stash.Config
	logger *slog.Logger
	clk    clock.Clock

	st      *state.Memory
	d       *dispatcher.Dispatcher
	locks   *lock.Registry
	limiter *queue.Limiter
	mon     *monitor.Monitor

	queueLimits   []queue.Limit
	meterProvider metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger for the engine.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithComparer selects case sensitivity for user-supplied string keys.
func WithComparer(c stash.StringComparer) Option {
	return func(e *Engine) { e.cfg.Comparer = c }
}

// WithMaxExpirationTime caps any user-requested TTL. Counters are
// exempt. A zero value forces immediate deletion semantics.
func WithMaxExpirationTime(d time.Duration) Option {
	return func(e *Engine) { e.cfg.MaxExpirationTime = &d }
}

// WithoutMaxExpirationTime disables TTL capping.
func WithoutMaxExpirationTime() Option {
	return func(e *Engine) { e.cfg.MaxExpirationTime = nil }
}

// WithMaxStateHistoryLength bounds the retained state records per job.
func WithMaxStateHistoryLength(n int) Option {
	return func(e *Engine) { e.cfg.MaxStateHistoryLength = n }
}

// WithCommandTimeout bounds how long submitters wait for a command.
func WithCommandTimeout(d time.Duration) Option {
	return func(e *Engine) { e.cfg.CommandTimeout = d }
}

// WithEvictionInterval sets how often expired entries are evicted.
func WithEvictionInterval(d time.Duration) Option {
	return func(e *Engine) { e.cfg.EvictionInterval = d }
}

// WithClock sets the monotonic time source. Intended for tests.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clk = c }
}

// WithQueueLimits configures per-queue dequeue rate limits.
func WithQueueLimits(limits ...queue.Limit) Option {
	return func(e *Engine) { e.queueLimits = append(e.queueLimits, limits...) }
}

// WithMeterProvider sets a custom OTel MeterProvider for the engine's
// instruments. If not set, the global provider is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) { e.meterProvider = mp }
}

// Open creates and starts a storage instance.
func Open(opts ...Option) *Engine {
	e := &Engine{
		cfg:    stash.DefaultConfig(),
		logger: slog.Default(),
		clk:    clock.System{},
	}
	for _, opt := range opts {
		opt(e)
	}

	e.st = state.New(e.cfg)
	if len(e.queueLimits) > 0 {
		e.limiter = queue.NewLimiter(e.cfg.Comparer, e.queueLimits...)
	}

	dopts := []dispatcher.Option{
		dispatcher.WithEvictionInterval(e.cfg.EvictionInterval),
		dispatcher.WithCommandTimeout(e.cfg.CommandTimeout),
	}
	if e.meterProvider != nil {
		dopts = append(dopts, dispatcher.WithMeterProvider(e.meterProvider))
	}
	e.d = dispatcher.New(e.st, e.clk, e.logger, dopts...)
	e.locks = lock.NewRegistry(e.cfg.Comparer)
	e.mon = monitor.New(e.d)

	e.d.Start()
	e.logger.Info("storage engine started",
		slog.Duration("eviction_interval", e.cfg.EvictionInterval),
	)
	return e
}

// Close shuts the engine down. Pending commands fail with
// stash.ErrStorageClosed.
func (e *Engine) Close() {
	e.d.Stop()
	e.logger.Info("storage engine stopped")
}

// Connection returns a new connection façade. Each connection carries
// its own lock-owner identity.
func (e *Engine) Connection() *Connection {
	return &Connection{eng: e}
}

// Monitor returns the monitoring façade.
func (e *Engine) Monitor() *monitor.Monitor { return e.mon }

// Config returns a copy of the engine's configuration.
func (e *Engine) Config() stash.Config { return e.cfg }

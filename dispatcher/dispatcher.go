// Package dispatcher implements the single-writer serializer that owns
// the memory state. One worker goroutine drains a mailbox of command
// envelopes and executes them one at a time in arrival order, so every
// command observes a single global serialization order. Submitters block
// until their command completes; command errors and panics are captured
// and returned to the submitter, never fatal to the worker. The worker
// also runs the periodic eviction tick.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/stash"
	"github.com/xraph/stash/clock"
	"github.com/xraph/stash/queue"
	"github.com/xraph/stash/state"
)

// meterName is the instrumentation scope name for engine metrics.
const meterName = "github.com/xraph/stash"

// CommandError wraps a panic raised inside a command. The dispatcher
// captures it and returns it to the submitter.
type CommandError struct {
	Err error
}

func (e *CommandError) Error() string { return "dispatcher: " + e.Err.Error() }

// Unwrap returns the captured cause.
func (e *CommandError) Unwrap() error { return e.Err }

// Signals collects the queues a write command made newly non-empty, so
// the dispatcher can wake one waiter per queue after the command
// commits.
type Signals struct {
	queues []*queue.Queue
	seen   map[*queue.Queue]struct{}
}

// Mark records q for post-commit signaling. Marking a queue twice
// signals it once.
func (s *Signals) Mark(q *queue.Queue) {
	if s.seen == nil {
		s.seen = make(map[*queue.Queue]struct{})
	}
	if _, ok := s.seen[q]; ok {
		return
	}
	s.seen[q] = struct{}{}
	s.queues = append(s.queues, q)
}

// ReadFunc fabricates a result from the state without mutating it.
type ReadFunc func(*state.Memory) (any, error)

// WriteFunc mutates the state through its primitives and marks any
// queues it enqueued into.
type WriteFunc func(*state.Memory, *Signals) (any, error)

type outcome struct {
	value any
	err   error
}

type envelope struct {
	ctx   context.Context
	read  ReadFunc
	write WriteFunc
	done  chan outcome
}

// Dispatcher serializes command execution against the memory state.
type Dispatcher struct {
	st     *state.Memory
	clk    clock.Clock
	logger *slog.Logger

	mailbox    chan *envelope
	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	closed     atomic.Bool
	evictEvery time.Duration
	cmdTimeout time.Duration

	commands  metric.Int64Counter
	durations metric.Float64Histogram
	evictions metric.Int64Counter
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithEvictionInterval sets how often expired entries are evicted.
func WithEvictionInterval(d time.Duration) Option {
	return func(disp *Dispatcher) { disp.evictEvery = d }
}

// WithCommandTimeout bounds how long a submitter waits for a command
// when its context carries no deadline. Zero disables the bound.
func WithCommandTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) { disp.cmdTimeout = d }
}

// WithMailboxSize sets the mailbox buffer capacity.
func WithMailboxSize(n int) Option {
	return func(disp *Dispatcher) { disp.mailbox = make(chan *envelope, n) }
}

// WithMeterProvider sets a custom OTel MeterProvider. If not set, the
// global otel.GetMeterProvider() is used; without a configured provider
// the instruments are noops.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(disp *Dispatcher) { disp.initMetrics(mp.Meter(meterName)) }
}

// New creates a Dispatcher owning st.
func New(st *state.Memory, clk clock.Clock, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		st:         st,
		clk:        clk,
		logger:     logger,
		mailbox:    make(chan *envelope, 128),
		stopCh:     make(chan struct{}),
		evictEvery: time.Second,
	}
	d.initMetrics(otel.Meter(meterName))
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) initMetrics(meter metric.Meter) {
	// On error the OTel API returns noop instruments, so the dispatcher
	// degrades gracefully.
	d.commands, _ = meter.Int64Counter(
		"stash.command.executions",
		metric.WithDescription("Total number of commands executed"),
		metric.WithUnit("{command}"),
	)
	d.durations, _ = meter.Float64Histogram(
		"stash.command.duration",
		metric.WithDescription("Command execution time in seconds"),
		metric.WithUnit("s"),
	)
	d.evictions, _ = meter.Int64Counter(
		"stash.entries.evicted",
		metric.WithDescription("Total number of expired entries evicted"),
		metric.WithUnit("{entry}"),
	)
}

// Start launches the worker goroutine. It returns immediately.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return
	}
	d.running = true

	d.wg.Add(1)
	go d.run()
}

// Stop shuts the worker down and rejects further submissions. Commands
// already submitted but not yet executed fail with ErrStorageClosed.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.mu.Unlock()

	d.closed.Store(true)
	close(d.stopCh)
	d.wg.Wait()
}

// Clock returns the dispatcher's monotonic clock.
func (d *Dispatcher) Clock() clock.Clock { return d.clk }

// run is the worker main loop: drain pending envelopes in arrival
// order, then evict on the periodic tick.
func (d *Dispatcher) run() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.evictEvery)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.evictTick()
		case env := <-d.mailbox:
			d.execute(env)
		drain:
			for {
				select {
				case env := <-d.mailbox:
					d.execute(env)
				default:
					break drain
				}
			}
		}
	}
}

func (d *Dispatcher) evictTick() {
	now := d.clk.Now()
	if n := d.st.EvictExpired(now); n > 0 {
		d.evictions.Add(context.Background(), int64(n))
		d.logger.Debug("evicted expired entries", slog.Int("count", n))
	}
}

// execute runs one envelope against the state. A submitter that
// cancelled while the envelope was still pending is skipped entirely;
// one that cancels mid-execution has its result discarded by submit.
func (d *Dispatcher) execute(env *envelope) {
	if env.ctx.Err() != nil {
		return
	}

	kind := "read"
	if env.write != nil {
		kind = "write"
	}

	start := time.Now()
	var sig Signals
	value, err := d.runProtected(env, &sig)

	// Wake queue waiters for everything that was enqueued, including by
	// the applied prefix of a failed transaction.
	for _, q := range sig.queues {
		q.SignalOne()
	}

	status := "ok"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status),
	)
	d.commands.Add(context.Background(), 1, attrs)
	d.durations.Record(context.Background(), time.Since(start).Seconds(), attrs)

	env.done <- outcome{value: value, err: err}
}

func (d *Dispatcher) runProtected(env *envelope, sig *Signals) (value any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &CommandError{Err: fmt.Errorf("command panic: %v", p)}
			d.logger.Error("command panicked", slog.Any("panic", p))
		}
	}()

	if env.write != nil {
		return env.write(d.st, sig)
	}
	return env.read(d.st)
}

// Read submits a read command and blocks until its result is available.
func (d *Dispatcher) Read(ctx context.Context, fn ReadFunc) (any, error) {
	return d.submit(ctx, &envelope{read: fn, done: make(chan outcome, 1)})
}

// Write submits a write command and blocks until its result is
// available.
func (d *Dispatcher) Write(ctx context.Context, fn WriteFunc) (any, error) {
	return d.submit(ctx, &envelope{write: fn, done: make(chan outcome, 1)})
}

func (d *Dispatcher) submit(ctx context.Context, env *envelope) (any, error) {
	if d.closed.Load() {
		return nil, stash.ErrStorageClosed
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline && d.cmdTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cmdTimeout)
		defer cancel()
	}
	env.ctx = ctx

	select {
	case d.mailbox <- env:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.stopCh:
		return nil, stash.ErrStorageClosed
	}

	select {
	case o := <-env.done:
		return o.value, o.err
	case <-ctx.Done():
		// The command may still run; its result is discarded.
		return nil, ctx.Err()
	case <-d.stopCh:
		return nil, stash.ErrStorageClosed
	}
}

// Read submits a read command returning a typed result.
func Read[T any](ctx context.Context, d *Dispatcher, fn func(*state.Memory) (T, error)) (T, error) {
	v, err := d.Read(ctx, func(m *state.Memory) (any, error) { return fn(m) })
	if err != nil {
		var zero T
		return zero, err
	}
	t, _ := v.(T)
	return t, nil
}

// Write submits a write command returning a typed result.
func Write[T any](ctx context.Context, d *Dispatcher, fn func(*state.Memory, *Signals) (T, error)) (T, error) {
	v, err := d.Write(ctx, func(m *state.Memory, sig *Signals) (any, error) { return fn(m, sig) })
	if err != nil {
		var zero T
		return zero, err
	}
	t, _ := v.(T)
	return t, nil
}

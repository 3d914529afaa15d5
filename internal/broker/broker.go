package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/asyncdb/internal/driver"
	"github.com/roach88/asyncdb/internal/future"
	"github.com/roach88/asyncdb/internal/schema"
)

// State is the broker lifecycle state.
type State int

const (
	StateConstructing State = iota
	StateStarting
	StateReady
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConstructing:
		return "constructing"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type tableEntry struct {
	spec schema.Table
	done *future.Future[struct{}]
}

// Broker runs units of work on a fixed pool of workers, each owning one
// database connection.
type Broker struct {
	cfg     Config
	db      *driver.DB
	dialect driver.Dialect
	log     *slog.Logger
	metrics *metrics
	cache   *StatementCache
	queue   *queue
	seq     sequence
	group   errgroup.Group
	ready   *future.Future[struct{}]

	workerIDs atomic.Int64

	startupTables []schema.Table
	startupHooks  []func(*Broker) error
	firsts        []func(context.Context, *Tx) error

	mu     sync.Mutex
	state  State
	tables map[string]*tableEntry

	closeOnce sync.Once
	closing   chan struct{} // closed when Close starts
	stopped   chan struct{} // closed when every worker exited
	closeErr  error
}

// New opens the database, starts the worker pool, and queues startup work.
// It returns once startup is queued; Ready resolves when it has run.
func New(ctx context.Context, cfg Config, opts ...Option) (*Broker, error) {
	cfg = cfg.withDefaults()

	m, err := newMetrics(cfg.Name, cfg.Registerer)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	db, err := driver.Open(ctx, cfg.Descriptor)
	if err != nil {
		m.unregister()
		return nil, newError(CodeConnection, "", "cannot open database", err)
	}

	b := &Broker{
		cfg:     cfg,
		db:      db,
		dialect: db.Dialect,
		log:     cfg.Logger.With("broker", cfg.Name),
		metrics: m,
		cache:   newStatementCache(),
		ready:   future.New[struct{}](nil),
		state:   StateConstructing,
		tables:  make(map[string]*tableEntry),
		closing: make(chan struct{}),
		stopped: make(chan struct{}),
	}
	b.queue = newQueue(m, b.gate)
	for _, opt := range opts {
		opt(b)
	}

	for i := 0; i < cfg.Descriptor.PoolSize; i++ {
		b.spawnWorker()
	}

	b.setState(StateStarting)
	if err := b.queueStartup(); err != nil {
		b.failStartup(err)
	}
	b.queue.seal()

	b.log.Debug("broker constructed", "driver", b.dialect.Name(), "workers", cfg.Descriptor.PoolSize)
	return b, nil
}

func (b *Broker) queueStartup() error {
	for _, t := range b.startupTables {
		if _, err := b.table(t); err != nil {
			return err
		}
	}
	for _, hook := range b.startupHooks {
		if err := hook(b); err != nil {
			return fmt.Errorf("startup hook: %w", err)
		}
	}
	for _, fn := range b.firsts {
		b.Setup(fn)
	}
	return nil
}

func (b *Broker) spawnWorker() {
	id := b.workerIDs.Add(1)
	w := &worker{id: id, b: b, log: b.log.With("worker", id)}
	b.group.Go(w.run)
}

// gate is called by the queue when startup completes or fails.
func (b *Broker) gate(err error) {
	b.mu.Lock()
	if b.state == StateStarting {
		if err == nil {
			b.state = StateReady
		} else {
			b.state = StateFailed
		}
	}
	b.mu.Unlock()

	if err != nil {
		b.log.Error("startup failed", "err", err)
		b.ready.Reject(err)
		return
	}
	b.log.Info("broker ready")
	b.ready.Resolve(struct{}{})
}

// settleStartup reports a finished startup unit to the queue. A failure is
// promoted to a schema setup error, which is also what every pending unit
// receives.
func (b *Broker) settleStartup(u *unit, err error) error {
	if err == nil {
		b.queue.startupFinished(nil)
		return nil
	}
	setupErr := newError(CodeSchemaSetup, u.name, "startup unit failed", err)
	for _, d := range b.queue.startupFinished(setupErr) {
		d.fail(setupErr)
		d.release()
	}
	return setupErr
}

func (b *Broker) failStartup(err error) {
	setupErr := newError(CodeSchemaSetup, "startup", "startup failed", err)
	for _, d := range b.queue.fail(setupErr) {
		d.fail(setupErr)
		d.release()
	}
}

func (b *Broker) cancel(u *unit) bool {
	if !b.queue.remove(u) {
		return false
	}
	u.fail(newError(CodeCancelled, u.name, "withdrawn before it started", nil))
	u.release()
	return true
}

func (b *Broker) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// State returns the lifecycle state.
func (b *Broker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Ready resolves once every startup unit has succeeded, or fails with the
// schema setup error that put the broker in the failed state.
func (b *Broker) Ready() *future.Future[struct{}] {
	return b.ready
}

// Name returns the broker's label.
func (b *Broker) Name() string { return b.cfg.Name }

// Dialect returns the database dialect.
func (b *Broker) Dialect() driver.Dialect { return b.dialect }

// Cache returns the broker's statement cache.
func (b *Broker) Cache() *StatementCache { return b.cache }

// Pending returns the number of units waiting for a worker.
func (b *Broker) Pending() int { return b.queue.Len() }

// Table queues creation or verification of t as a startup unit. An
// existing table is accepted if it has every declared column. Declaring
// the same table twice returns the first result; declaring a different
// shape under the same name, or calling Table once startup has finished,
// is a misuse.
func (b *Broker) Table(t schema.Table) *future.Future[struct{}] {
	f, err := b.table(t)
	if err != nil {
		return future.Failed[struct{}](err)
	}
	return f
}

func (b *Broker) table(t schema.Table) (*future.Future[struct{}], error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	unit := "table " + t.Name
	if b.state != StateStarting {
		return nil, newError(CodeMisuse, unit, fmt.Sprintf("tables can only be declared during startup, broker is %s", b.state), nil)
	}
	if e, ok := b.tables[t.Name]; ok {
		if e.spec.Equal(t) {
			return e.done, nil
		}
		return nil, newError(CodeMisuse, unit, "table already declared with a different shape", nil)
	}

	done := b.startupUnit(unit, func(ctx context.Context, tx *Tx) error {
		return setupTable(ctx, tx, t)
	})
	b.tables[t.Name] = &tableEntry{spec: t, done: done}
	return done, nil
}

// Setup queues fn as a startup transaction. Like Table it is only allowed
// while the broker is starting.
func (b *Broker) Setup(fn func(ctx context.Context, tx *Tx) error) *future.Future[struct{}] {
	if fn == nil {
		return future.Failed[struct{}](newError(CodeMisuse, "setup", "nil setup function", nil))
	}
	if s := b.State(); s != StateStarting {
		return future.Failed[struct{}](newError(CodeMisuse, "setup", fmt.Sprintf("setup is only allowed during startup, broker is %s", s), nil))
	}
	return b.startupUnit("setup", fn)
}

func (b *Broker) startupUnit(name string, fn func(context.Context, *Tx) error) *future.Future[struct{}] {
	o := callOptions{name: name, retries: b.cfg.Retries}
	body := func(ctx context.Context, tx *Tx) (struct{}, error) {
		return struct{}{}, fn(ctx, tx)
	}
	return submit(context.Background(), b, o, true, func(ctx context.Context, w *worker, u *unit, _ *future.Future[struct{}]) (struct{}, bool, error) {
		return runTransaction(ctx, b, w, u, o, body)
	})
}

// TableSpec returns the declaration of a table set up by this broker.
func (b *Broker) TableSpec(name string) (schema.Table, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.tables[name]
	if !ok {
		return schema.Table{}, false
	}
	return e.spec, true
}

// Close stops admitting work, fails every pending unit with a queue closed
// error, and waits for running units to finish and workers to release
// their connections. It is safe to call more than once; ctx bounds only the
// wait.
func (b *Broker) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		if b.state != StateFailed {
			b.state = StateClosing
		}
		b.mu.Unlock()

		closedErr := newError(CodeQueueClosed, "", "broker closed", nil)
		dropped := b.queue.close()
		for _, u := range dropped {
			u.fail(closedErr)
			u.release()
		}
		close(b.closing)
		b.log.Debug("broker closing", "dropped", len(dropped))

		go b.finish(closedErr)
	})

	select {
	case <-b.stopped:
		return b.closeErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Broker) finish(closedErr error) {
	b.group.Wait()
	b.cache.Reset()
	b.ready.Reject(closedErr)
	b.metrics.unregister()
	if err := b.db.Close(); err != nil {
		b.closeErr = fmt.Errorf("close database: %w", err)
	}

	b.mu.Lock()
	if b.state != StateFailed {
		b.state = StateClosed
	}
	b.mu.Unlock()
	b.log.Debug("broker closed")
	close(b.stopped)
}

// Shutdown stops admitting work, waits for pending units to drain, then
// closes. If ctx ends first, whatever is still pending fails with a queue
// closed error.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.queue.stopAdmission()

	select {
	case <-b.queue.idleCh():
	case <-ctx.Done():
		b.Close(ctx)
		return ctx.Err()
	}
	return b.Close(ctx)
}

// Package evdriver pumps a resolution engine from reactor readiness events.
//
// A Driver keeps one fdNode per descriptor the engine currently wants to read
// or write, keeps exactly the matching readiness registrations alive on the
// reactor, feeds firings back into the engine and shuts descriptors down once
// the engine stops reporting them. Completions may run concurrently on any
// reactor worker.
package evdriver

import (
	"log/slog"
	"sync"

	"dns-evdriver/internal/domain"
)

type Option func(*Driver)

func WithLogger(log *slog.Logger) Option {
	return func(d *Driver) {
		d.log = log
	}
}

// WithMetrics shares one set of collectors between drivers.
func WithMetrics(m *Metrics) Option {
	return func(d *Driver) {
		d.metrics = m
	}
}

type Driver struct {
	log     *slog.Logger
	metrics *Metrics
	reactor domain.Reactor
	pollset domain.PollsetSet
	lib     domain.EngineLibrary
	engine  domain.ResolutionEngine

	mu       sync.Mutex
	fds      []*fdNode
	working  bool
	shutdown bool
	// inflight counts registrations whose handler has not finished yet.
	inflight int
	tornDown bool
	done     chan struct{}
}

// New initializes the engine library and an engine instance. On failure the
// library state is rolled back and a *domain.EngineInitError is returned.
func New(reactor domain.Reactor, pollset domain.PollsetSet, lib domain.EngineLibrary, opts ...Option) (*Driver, error) {
	if err := lib.Init(); err != nil {
		return nil, &domain.EngineInitError{Err: err}
	}
	engine, err := lib.NewEngine()
	if err != nil {
		lib.Cleanup()
		return nil, &domain.EngineInitError{Err: err}
	}

	d := &Driver{
		log:     slog.Default(),
		reactor: reactor,
		pollset: pollset,
		lib:     lib,
		engine:  engine,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = NewMetrics(nil)
	}

	d.log.Debug("Event driver created")
	return d, nil
}

// Engine returns the engine instance this driver pumps, so queries can be
// enqueued on it.
func (d *Driver) Engine() domain.ResolutionEngine {
	return d.engine
}

// Start runs a reconciliation pass unless the driver is already working.
func (d *Driver) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.shutdown {
		d.log.Warn("Start called on a destroyed event driver")
		return
	}
	if !d.working {
		d.working = true
		d.notifyOnEventLocked()
	}
}

// Working reports whether a reconciliation pass is running or descriptors
// are tracked.
func (d *Driver) Working() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.working
}

// Destroy shuts down every tracked descriptor and schedules teardown of the
// engine once all forced firings have been handled. It never blocks on the
// reactor; use Done to wait for teardown.
func (d *Driver) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.shutdown {
		return
	}
	d.shutdown = true
	d.log.Debug("Destroying event driver", "fds", len(d.fds))
	for _, fdn := range d.fds {
		fdn.fd.Shutdown()
	}
	d.maybeTeardownLocked()
}

// Done is closed after the engine instance and library state are released.
func (d *Driver) Done() <-chan struct{} {
	return d.done
}

func (d *Driver) maybeTeardownLocked() {
	if !d.shutdown || d.inflight > 0 || d.tornDown {
		return
	}
	d.tornDown = true
	d.reactor.Schedule(d.teardown)
}

func (d *Driver) teardown() {
	d.mu.Lock()
	if len(d.fds) != 0 {
		d.mu.Unlock()
		panic("evdriver: teardown with tracked descriptors")
	}
	d.mu.Unlock()

	d.engine.Destroy()
	d.lib.Cleanup()
	d.log.Debug("Event driver torn down")
	close(d.done)
}

package evdriver

import (
	"fmt"
	"sync"

	"dns-evdriver/internal/domain"
)

// stubReactor queues scheduled work until the test drains it, so every
// forced firing is observable.
type stubReactor struct {
	mu      sync.Mutex
	tasks   []func()
	fds     map[domain.Socket]*stubFD
	wrapErr map[domain.Socket]error
	all     []*stubFD
	journal []string
}

func newStubReactor() *stubReactor {
	return &stubReactor{
		fds:     make(map[domain.Socket]*stubFD),
		wrapErr: make(map[domain.Socket]error),
	}
}

func (r *stubReactor) Wrap(s domain.Socket, name string) (domain.ReactorFD, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.wrapErr[s]; err != nil {
		delete(r.wrapErr, s)
		return nil, err
	}
	fd := &stubFD{reactor: r, native: s, name: name}
	r.fds[s] = fd
	r.all = append(r.all, fd)
	return fd, nil
}

func (r *stubReactor) Schedule(fn func()) {
	r.mu.Lock()
	r.tasks = append(r.tasks, fn)
	r.mu.Unlock()
}

func (r *stubReactor) record(format string, args ...any) {
	r.mu.Lock()
	r.journal = append(r.journal, fmt.Sprintf(format, args...))
	r.mu.Unlock()
}

func (r *stubReactor) pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// step runs the oldest scheduled task, if any.
func (r *stubReactor) step() bool {
	r.mu.Lock()
	if len(r.tasks) == 0 {
		r.mu.Unlock()
		return false
	}
	task := r.tasks[0]
	r.tasks = r.tasks[1:]
	r.mu.Unlock()
	task()
	return true
}

// drain runs scheduled tasks, including ones they schedule, and returns how
// many ran.
func (r *stubReactor) drain() int {
	ran := 0
	for r.step() {
		ran++
	}
	return ran
}

func (r *stubReactor) wrapped() []*stubFD {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*stubFD(nil), r.all...)
}

func (r *stubReactor) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.journal...)
}

func (r *stubReactor) fd(s domain.Socket) *stubFD {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fds[s]
}

type stubFD struct {
	reactor *stubReactor
	native  domain.Socket
	name    string

	mu       sync.Mutex
	readCB   domain.Completion
	writeCB  domain.Completion
	shutdown bool
	released bool
}

func (f *stubFD) NotifyOnRead(cb domain.Completion) {
	f.notify(&f.readCB, "read", cb)
}

func (f *stubFD) NotifyOnWrite(cb domain.Completion) {
	f.notify(&f.writeCB, "write", cb)
}

func (f *stubFD) notify(slot *domain.Completion, direction string, cb domain.Completion) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if *slot != nil {
		panic("stub: " + direction + " registered twice")
	}
	if f.shutdown {
		f.reactor.Schedule(func() { f.fired(direction, cb, domain.ErrShutdown) })
		return
	}
	*slot = cb
}

func (f *stubFD) fired(direction string, cb domain.Completion, err error) {
	f.reactor.record("fire %s %d %v", direction, f.native, err)
	cb(err)
}

// fire invokes the pending completion for direction on the calling goroutine.
func (f *stubFD) fire(direction string, err error) {
	f.mu.Lock()
	slot := &f.readCB
	if direction == "write" {
		slot = &f.writeCB
	}
	cb := *slot
	*slot = nil
	f.mu.Unlock()
	if cb == nil {
		panic("stub: no " + direction + " registration on fd")
	}
	f.fired(direction, cb, err)
}

func (f *stubFD) hasPending() (read, write bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readCB != nil, f.writeCB != nil
}

func (f *stubFD) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.shutdown {
		return
	}
	f.shutdown = true
	for _, p := range []struct {
		direction string
		slot      *domain.Completion
	}{{"read", &f.readCB}, {"write", &f.writeCB}} {
		if cb := *p.slot; cb != nil {
			*p.slot = nil
			direction := p.direction
			f.reactor.Schedule(func() { f.fired(direction, cb, domain.ErrShutdown) })
		}
	}
}

func (f *stubFD) isShutdown() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shutdown
}

func (f *stubFD) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.shutdown || f.readCB != nil || f.writeCB != nil {
		panic("stub: release before shutdown or with pending registration")
	}
	if f.released {
		panic("stub: released twice")
	}
	f.released = true
	f.reactor.record("release %d", f.native)
}

func (f *stubFD) isReleased() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

func (f *stubFD) Native() domain.Socket { return f.native }

func (f *stubFD) Name() string { return f.name }

type stubPollset struct {
	mu      sync.Mutex
	members map[domain.Socket]bool
}

func newStubPollset() *stubPollset {
	return &stubPollset{members: make(map[domain.Socket]bool)}
}

func (p *stubPollset) Add(fd domain.ReactorFD) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.members[fd.Native()] = true
}

func (p *stubPollset) Remove(fd domain.ReactorFD) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.members, fd.Native())
}

func (p *stubPollset) has(s domain.Socket) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.members[s]
}

type processCall struct {
	read, write domain.Socket
}

type stubEngine struct {
	reactor *stubReactor

	mu        sync.Mutex
	interest  []domain.Interest
	processed []processCall
	cancels   int
	destroyed bool
	onProcess func(read, write domain.Socket)
	// clearOnCancel empties the interest set on CancelAll, like an engine
	// whose only work was the cancelled queries.
	clearOnCancel bool
}

func (e *stubEngine) setInterest(interest ...domain.Interest) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.interest = interest
}

func (e *stubEngine) InterestSet(socks []domain.Interest) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return copy(socks, e.interest)
}

func (e *stubEngine) ProcessFD(read, write domain.Socket) {
	e.mu.Lock()
	e.processed = append(e.processed, processCall{read: read, write: write})
	hook := e.onProcess
	e.mu.Unlock()
	if hook != nil {
		hook(read, write)
	}
}

func (e *stubEngine) CancelAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancels++
	if e.clearOnCancel {
		e.interest = nil
	}
}

func (e *stubEngine) Destroy() {
	e.mu.Lock()
	e.destroyed = true
	e.mu.Unlock()
	if e.reactor != nil {
		e.reactor.record("engine destroy")
	}
}

func (e *stubEngine) stats() (processed []processCall, cancels int, destroyed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]processCall(nil), e.processed...), e.cancels, e.destroyed
}

type stubLibrary struct {
	engine  *stubEngine
	initErr error
	newErr  error

	mu       sync.Mutex
	inits    int
	cleanups int
}

func (l *stubLibrary) Init() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.initErr != nil {
		return l.initErr
	}
	l.inits++
	return nil
}

func (l *stubLibrary) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleanups++
}

func (l *stubLibrary) NewEngine() (domain.ResolutionEngine, error) {
	if l.newErr != nil {
		return nil, l.newErr
	}
	return l.engine, nil
}

func (l *stubLibrary) counts() (inits, cleanups int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inits, l.cleanups
}

package epoll

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"dns-evdriver/internal/domain"
)

// closureState is one direction of an FD: either a pending completion, a
// latched readiness edge that arrived with nothing registered, or neither.
type closureState struct {
	ready bool
	cb    domain.Completion
}

// FD wraps a descriptor owned by someone else. The loop polls a duplicate,
// so the owner may close its descriptor at any time.
type FD struct {
	loop   *Loop
	name   string
	native domain.Socket
	pollFD int

	mu       sync.Mutex
	read     closureState
	write    closureState
	shutdown bool
	released bool
}

func (l *Loop) Wrap(s domain.Socket, name string) (domain.ReactorFD, error) {
	pfd, err := unix.FcntlInt(uintptr(s), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("dup fd %d: %w", s, err)
	}
	return &FD{
		loop:   l,
		name:   name,
		native: s,
		pollFD: pfd,
	}, nil
}

func (f *FD) Native() domain.Socket {
	return f.native
}

func (f *FD) Name() string {
	return f.name
}

func (f *FD) NotifyOnRead(cb domain.Completion) {
	f.notifyOn(&f.read, cb)
}

func (f *FD) NotifyOnWrite(cb domain.Completion) {
	f.notifyOn(&f.write, cb)
}

func (f *FD) notifyOn(st *closureState, cb domain.Completion) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if st.cb != nil {
		panic("epoll: completion already registered on " + f.name)
	}
	switch {
	case f.shutdown:
		f.loop.Schedule(func() { cb(domain.ErrShutdown) })
	case st.ready:
		st.ready = false
		f.loop.Schedule(func() { cb(nil) })
	default:
		st.cb = cb
	}
}

func (f *FD) setReady(st *closureState) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.shutdown {
		return
	}
	if cb := st.cb; cb != nil {
		st.cb = nil
		f.loop.Schedule(func() { cb(nil) })
		return
	}
	st.ready = true
}

func (f *FD) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.shutdown {
		return
	}
	f.shutdown = true
	for _, st := range []*closureState{&f.read, &f.write} {
		if cb := st.cb; cb != nil {
			st.cb = nil
			f.loop.Schedule(func() { cb(domain.ErrShutdown) })
		}
	}
}

func (f *FD) Release() {
	f.mu.Lock()
	if !f.shutdown || f.read.cb != nil || f.write.cb != nil || f.released {
		f.mu.Unlock()
		panic("epoll: release of " + f.name + " before shutdown or with a pending completion")
	}
	f.released = true
	f.mu.Unlock()

	f.loop.unwatch(f)
	if err := unix.Close(f.pollFD); err != nil {
		f.loop.log.Warn("Failed to close polled fd", "fd", f.native, "name", f.name, "error", err)
	}
}

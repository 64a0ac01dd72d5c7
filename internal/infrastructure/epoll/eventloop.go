// Package epoll is the reactor behind the event driver: an edge-triggered
// epoll loop that turns readiness into one-shot completions, delivered on a
// pool of executor goroutines.
package epoll

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"
)

var ErrAlreadyRunning = errors.New("epoll: loop already running")

type Loop struct {
	log     *slog.Logger
	epollFD int
	wakeFD  int

	mu  sync.RWMutex
	fds map[int]*FD

	tasksMu sync.Mutex
	cond    *sync.Cond
	tasks   *queue.Queue
	closed  bool
	workers sync.WaitGroup

	running atomic.Bool
	stopped atomic.Bool
	runDone chan struct{}
}

func New(log *slog.Logger, workers int) (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd create: %w", err)
	}
	ev := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wfd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wfd, ev); err != nil {
		unix.Close(wfd)
		unix.Close(epfd)
		return nil, fmt.Errorf("epoll ctl add wakeup: %w", err)
	}

	l := &Loop{
		log:     log,
		epollFD: epfd,
		wakeFD:  wfd,
		fds:     make(map[int]*FD),
		tasks:   queue.New(),
		runDone: make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.tasksMu)
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		l.workers.Add(1)
		go l.worker()
	}
	return l, nil
}

func (l *Loop) Run() error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(l.runDone)

	events := make([]unix.EpollEvent, 128)
	for !l.stopped.Load() {
		n, err := unix.EpollWait(l.epollFD, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if l.stopped.Load() {
				return nil
			}
			return fmt.Errorf("epoll wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == l.wakeFD {
				continue // Close
			}
			l.mu.RLock()
			f := l.fds[fd]
			l.mu.RUnlock()
			if f == nil {
				continue // released between wait and lookup
			}

			evMask := events[i].Events
			if evMask&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				f.setReady(&f.read)
				f.setReady(&f.write)
				continue
			}
			if evMask&(unix.EPOLLIN|unix.EPOLLPRI|unix.EPOLLRDHUP) != 0 {
				f.setReady(&f.read)
			}
			if evMask&unix.EPOLLOUT != 0 {
				f.setReady(&f.write)
			}
		}
	}
	return nil
}

// Close stops polling, waits for queued tasks to finish and releases the
// epoll instance. Tasks scheduled after Close still run, each on its own
// goroutine.
func (l *Loop) Close() error {
	if !l.stopped.CompareAndSwap(false, true) {
		return nil
	}

	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(l.wakeFD, buf[:]); err != nil {
		l.log.Warn("Failed to wake epoll loop", "error", err)
	}
	if l.running.Load() {
		<-l.runDone
	}

	l.tasksMu.Lock()
	l.closed = true
	l.cond.Broadcast()
	l.tasksMu.Unlock()
	l.workers.Wait()

	return errors.Join(unix.Close(l.wakeFD), unix.Close(l.epollFD))
}

// Schedule queues fn on the executor. It never runs fn inline.
func (l *Loop) Schedule(fn func()) {
	l.tasksMu.Lock()
	if l.closed {
		l.tasksMu.Unlock()
		go fn()
		return
	}
	l.tasks.Add(fn)
	l.cond.Signal()
	l.tasksMu.Unlock()
}

func (l *Loop) worker() {
	defer l.workers.Done()
	for {
		l.tasksMu.Lock()
		for l.tasks.Length() == 0 && !l.closed {
			l.cond.Wait()
		}
		if l.tasks.Length() == 0 {
			l.tasksMu.Unlock()
			return
		}
		fn := l.tasks.Remove().(func())
		l.tasksMu.Unlock()

		fn()
	}
}

func (l *Loop) watch(f *FD) error {
	l.mu.Lock()
	l.fds[f.pollFD] = f
	l.mu.Unlock()

	ev := &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLRDHUP | unix.EPOLLET, // Edge-triggered
		Fd:     int32(f.pollFD),
	}
	if err := unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_ADD, f.pollFD, ev); err != nil {
		l.mu.Lock()
		delete(l.fds, f.pollFD)
		l.mu.Unlock()
		return fmt.Errorf("epoll ctl add: %w", err)
	}
	return nil
}

func (l *Loop) unwatch(f *FD) {
	l.mu.Lock()
	if l.fds[f.pollFD] == f {
		delete(l.fds, f.pollFD)
	}
	l.mu.Unlock()

	err := unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_DEL, f.pollFD, nil)
	if err != nil && err != unix.ENOENT && err != unix.EBADF {
		l.log.Warn("Failed to remove fd from epoll", "fd", f.native, "name", f.name, "error", err)
	}
}

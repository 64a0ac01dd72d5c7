package epoll

import (
	"sync"

	"dns-evdriver/internal/domain"
)

// PollsetSet is the set of fds a driver asks the loop to poll.
type PollsetSet struct {
	loop *Loop

	mu      sync.Mutex
	members map[*FD]struct{}
}

func (l *Loop) NewPollsetSet() *PollsetSet {
	return &PollsetSet{
		loop:    l,
		members: make(map[*FD]struct{}),
	}
}

// Add starts polling fd. If epoll refuses it the fd is shut down, so its
// registrations still complete.
func (p *PollsetSet) Add(rfd domain.ReactorFD) {
	f := rfd.(*FD)

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.members[f]; ok {
		return
	}
	if err := p.loop.watch(f); err != nil {
		p.loop.log.Error("Failed to poll fd", "fd", f.native, "name", f.name, "error", err)
		f.Shutdown()
		return
	}
	p.members[f] = struct{}{}
}

func (p *PollsetSet) Remove(rfd domain.ReactorFD) {
	f := rfd.(*FD)

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.members[f]; !ok {
		return
	}
	delete(p.members, f)
	p.loop.unwatch(f)
}

func (p *PollsetSet) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.members)
}

package evdriver

import (
	"sync"
	"sync/atomic"

	"dns-evdriver/internal/domain"
)

// fdNode tracks one engine descriptor. It holds one ref for membership in
// the driver's list plus one per pending registration, and releases the
// reactor fd when the count reaches zero.
type fdNode struct {
	driver *Driver
	fd     domain.ReactorFD
	refs   atomic.Int32

	mu                 sync.Mutex
	readableRegistered bool
	writableRegistered bool
}

func newFDNode(d *Driver, fd domain.ReactorFD) *fdNode {
	fdn := &fdNode{driver: d, fd: fd}
	fdn.refs.Store(1)
	return fdn
}

func (fdn *fdNode) ref() *fdNode {
	fdn.driver.log.Debug("ref", "fd", fdn.fd.Native())
	fdn.refs.Add(1)
	return fdn
}

// unref must be called with the driver lock held; the final unref mutates
// pollset membership.
func (fdn *fdNode) unref() {
	d := fdn.driver
	d.log.Debug("unref", "fd", fdn.fd.Native())

	refs := fdn.refs.Add(-1)
	if refs > 0 {
		return
	}
	if refs < 0 {
		panic("evdriver: fd node unref below zero")
	}

	fdn.mu.Lock()
	pending := fdn.readableRegistered || fdn.writableRegistered
	fdn.mu.Unlock()
	if pending {
		panic("evdriver: releasing fd node with a pending registration")
	}

	d.log.Debug("delete fd", "fd", fdn.fd.Native())
	d.pollset.Remove(fdn.fd)
	fdn.fd.Shutdown()
	fdn.fd.Release()
	d.metrics.fdReleased()
}

// popFDNode removes and returns the node wrapping sock. The list is bounded
// by domain.MaxInterest and usually holds one or two nodes.
func popFDNode(list *[]*fdNode, sock domain.Socket) *fdNode {
	for i, fdn := range *list {
		if fdn.fd.Native() == sock {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return fdn
		}
	}
	return nil
}

package evdriver

import (
	"fmt"

	"dns-evdriver/internal/domain"
)

// notifyOnEventLocked reconciles the tracked descriptors with the engine's
// interest set. The driver lock must be held.
func (d *Driver) notifyOnEventLocked() {
	d.metrics.reconciliations.Inc()

	var socks [domain.MaxInterest]domain.Interest
	for pass := 0; pass < 2; pass++ {
		n := d.engine.InterestSet(socks[:])
		if n > len(socks) {
			n = len(socks)
		}

		var newList []*fdNode
		wrapFailed := false
		for i, interest := range socks[:n] {
			if !interest.Readable && !interest.Writable {
				continue
			}
			fdn := popFDNode(&d.fds, interest.Socket)
			if fdn == nil {
				fd, err := d.reactor.Wrap(interest.Socket, fmt.Sprintf("dns-evdriver-%d", i))
				if err != nil {
					d.log.Error("Failed to wrap engine socket", "fd", interest.Socket, "error", err)
					wrapFailed = true
					continue
				}
				d.log.Debug("new fd", "fd", interest.Socket)
				fdn = newFDNode(d, fd)
				d.pollset.Add(fd)
				d.metrics.fdCreated()
			}
			newList = append(newList, fdn)
			d.registerLocked(fdn, interest)
			if d.shutdown {
				fdn.fd.Shutdown()
			}
		}

		// Whatever is left was not reported, so the engine no longer uses it.
		for _, fdn := range d.fds {
			fdn.fd.Shutdown()
			fdn.unref()
		}
		d.fds = newList

		if !wrapFailed {
			break
		}
		d.metrics.cancels.Inc()
		d.engine.CancelAll()
	}

	d.working = len(d.fds) > 0
	if !d.working {
		d.log.Debug("ev driver stop working")
	}
}

func (d *Driver) registerLocked(fdn *fdNode, interest domain.Interest) {
	fdn.mu.Lock()
	defer fdn.mu.Unlock()

	if interest.Readable && !fdn.readableRegistered {
		fdn.ref()
		d.inflight++
		fdn.readableRegistered = true
		d.log.Debug("notify read on", "fd", interest.Socket)
		fdn.fd.NotifyOnRead(func(err error) { d.onReadable(fdn, err) })
	}
	if interest.Writable && !fdn.writableRegistered {
		fdn.ref()
		d.inflight++
		fdn.writableRegistered = true
		d.log.Debug("notify write on", "fd", interest.Socket)
		fdn.fd.NotifyOnWrite(func(err error) { d.onWritable(fdn, err) })
	}
}

func (d *Driver) onReadable(fdn *fdNode, err error) {
	fdn.mu.Lock()
	fdn.readableRegistered = false
	fdn.mu.Unlock()

	sock := fdn.fd.Native()
	d.log.Debug("readable on", "fd", sock, "error", err)
	if err == nil {
		d.engine.ProcessFD(sock, domain.SocketBad)
	} else {
		// The fd was shut down or timed out. Outstanding queries complete
		// with a cancelled status through their own callbacks.
		d.metrics.cancels.Inc()
		d.engine.CancelAll()
	}
	d.finishEvent(fdn, directionRead, err)
}

func (d *Driver) onWritable(fdn *fdNode, err error) {
	fdn.mu.Lock()
	fdn.writableRegistered = false
	fdn.mu.Unlock()

	sock := fdn.fd.Native()
	d.log.Debug("writable on", "fd", sock, "error", err)
	if err == nil {
		d.engine.ProcessFD(domain.SocketBad, sock)
	} else {
		d.metrics.cancels.Inc()
		d.engine.CancelAll()
	}
	d.finishEvent(fdn, directionWrite, err)
}

func (d *Driver) finishEvent(fdn *fdNode, direction string, err error) {
	d.metrics.event(direction, err)

	d.mu.Lock()
	defer d.mu.Unlock()
	fdn.unref()
	d.inflight--
	d.notifyOnEventLocked()
	d.maybeTeardownLocked()
}

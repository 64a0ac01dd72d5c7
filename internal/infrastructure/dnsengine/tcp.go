package dnsengine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/miekg/dns"
	"golang.org/x/sys/unix"

	"dns-evdriver/internal/infrastructure/network"
)

var errTCPMismatch = errors.New("tcp response does not match query")

// tcpConn carries one query after a truncated UDP answer. Messages are
// framed with a two byte length prefix.
type tcpConn struct {
	fd         int
	query      *query
	connecting bool
	out        []byte
	in         []byte
}

func (t *tcpConn) wantWrite() bool {
	return t.connecting || len(t.out) > 0
}

func (c *Channel) startTCPLocked(q *query, done *[]completion) {
	server := c.servers[q.server]
	fd, err := network.DialTCP(server)
	if err != nil {
		c.failOverLocked(q, fmt.Errorf("failed to connect to %s: %w", server, err), done)
		return
	}

	out := make([]byte, 2+len(q.packed))
	binary.BigEndian.PutUint16(out, uint16(len(q.packed)))
	copy(out[2:], q.packed)

	conn := &tcpConn{fd: fd, query: q, connecting: true, out: out}
	q.conn = conn
	c.tcp[fd] = conn
	c.armLocked(q)
}

func (c *Channel) retireLocked(conn *tcpConn) {
	if c.tcp[conn.fd] != conn {
		return
	}
	delete(c.tcp, conn.fd)
	c.retired = append(c.retired, conn.fd)
}

func (c *Channel) tcpWritableLocked(conn *tcpConn, done *[]completion) {
	if conn.connecting {
		if err := network.ConnectError(conn.fd); err != nil {
			c.failOverLocked(conn.query, fmt.Errorf("tcp connect: %w", err), done)
			return
		}
		conn.connecting = false
	}
	for len(conn.out) > 0 {
		n, err := unix.Write(conn.fd, conn.out)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err != unix.EAGAIN {
				c.failOverLocked(conn.query, fmt.Errorf("tcp write: %w", err), done)
			}
			return
		}
		conn.out = conn.out[n:]
	}
}

func (c *Channel) tcpReadableLocked(conn *tcpConn, done *[]completion) {
	if conn.wantWrite() {
		return
	}
	buf := make([]byte, 4096)
	for {
		n, err := unix.Read(conn.fd, buf)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err != unix.EAGAIN {
				c.failOverLocked(conn.query, fmt.Errorf("tcp read: %w", err), done)
			}
			return
		}
		if n == 0 {
			c.failOverLocked(conn.query, fmt.Errorf("tcp read: %w", io.ErrUnexpectedEOF), done)
			return
		}
		conn.in = append(conn.in, buf[:n]...)

		if len(conn.in) < 2 {
			continue
		}
		size := int(binary.BigEndian.Uint16(conn.in))
		if len(conn.in) < 2+size {
			continue
		}
		msg := new(dns.Msg)
		if err := msg.Unpack(conn.in[2 : 2+size]); err != nil {
			c.failOverLocked(conn.query, fmt.Errorf("tcp response: %w", err), done)
			return
		}
		if !conn.query.matches(msg) {
			c.failOverLocked(conn.query, errTCPMismatch, done)
			return
		}
		c.answerLocked(conn.query, msg, done)
		return
	}
}

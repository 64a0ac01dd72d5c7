package dnsengine

import (
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sys/unix"

	"dns-evdriver/internal/domain"
	"dns-evdriver/internal/infrastructure/network"
)

// Callback receives the response for a query, or an error such as
// domain.ErrCancelled. It runs without any engine lock held.
type Callback func(msg *dns.Msg, err error)

type query struct {
	id     uint16
	name   string
	qtype  uint16
	packed []byte
	server int
	cb     Callback
	conn   *tcpConn

	// tries counts expired attempts; gen invalidates timers of earlier ones.
	tries int
	gen   int
	timer *time.Timer
}

func (q *query) matches(msg *dns.Msg) bool {
	return msg.Id == q.id &&
		len(msg.Question) == 1 &&
		msg.Question[0].Qtype == q.qtype &&
		strings.EqualFold(msg.Question[0].Name, q.name)
}

type udpSocket struct {
	fd     int
	queued []*query
}

type completion struct {
	cb  Callback
	msg *dns.Msg
	err error
}

// Channel is one engine instance. All methods are safe for concurrent use.
type Channel struct {
	log      *slog.Logger
	servers  []netip.AddrPort
	udpSize  uint16
	timeout  time.Duration
	attempts int

	mu        sync.Mutex
	udp       map[int]*udpSocket // by address family
	queries   map[uint16]*query
	tcp       map[int]*tcpConn
	retired   []int
	destroyed bool
}

func NewChannel(opts Options) (*Channel, error) {
	servers, err := resolveServers(opts.Servers)
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	return &Channel{
		log:      log,
		servers:  servers,
		udpSize:  opts.UDPSize,
		timeout:  timeout,
		attempts: attempts,
		udp:      make(map[int]*udpSocket),
		queries:  make(map[uint16]*query),
		tcp:      make(map[int]*tcpConn),
	}, nil
}

func resolveServers(configured []string) ([]netip.AddrPort, error) {
	port := "53"
	if len(configured) == 0 {
		if cfg := systemConfig(); cfg != nil {
			configured = cfg.Servers
			port = cfg.Port
		}
	}
	if len(configured) == 0 {
		return nil, domain.ErrNoServers
	}

	servers := make([]netip.AddrPort, 0, len(configured))
	for _, s := range configured {
		addr, err := parseServer(s, port)
		if err != nil {
			return nil, fmt.Errorf("invalid nameserver %q: %w", s, err)
		}
		servers = append(servers, addr)
	}
	return servers, nil
}

func parseServer(s, port string) (netip.AddrPort, error) {
	if addr, err := netip.ParseAddrPort(s); err == nil {
		return addr, nil
	}
	addr, err := netip.ParseAddr(strings.Trim(s, "[]"))
	if err != nil {
		return netip.AddrPort{}, err
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(addr, uint16(p)), nil
}

func (c *Channel) Servers() []netip.AddrPort {
	return append([]netip.AddrPort(nil), c.servers...)
}

// Query sends a question for name and calls cb once it is answered, fails
// or is cancelled. An error means cb will never be called.
func (c *Channel) Query(name string, qtype uint16, cb Callback) error {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true
	if c.udpSize > dns.MinMsgSize {
		m.SetEdns0(c.udpSize, false)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return domain.ErrDestroyed
	}
	m.Id = c.newIDLocked()
	packed, err := m.Pack()
	if err != nil {
		return fmt.Errorf("failed to pack query for %s: %w", name, err)
	}

	q := &query{
		id:     m.Id,
		name:   m.Question[0].Name,
		qtype:  qtype,
		packed: packed,
		cb:     cb,
	}
	if err := c.dispatchLocked(q); err != nil {
		return err
	}
	c.queries[q.id] = q
	c.armLocked(q)
	return nil
}

// armLocked starts the timer for q's current attempt.
func (c *Channel) armLocked(q *query) {
	if q.timer != nil {
		q.timer.Stop()
	}
	q.gen++
	gen := q.gen
	q.timer = time.AfterFunc(c.timeout, func() { c.expire(q, gen) })
}

func (c *Channel) expire(q *query, gen int) {
	var done []completion

	c.mu.Lock()
	if !c.destroyed && c.queries[q.id] == q && q.gen == gen {
		c.retryLocked(q, &done)
	}
	c.mu.Unlock()

	runCompletions(done)
}

// retryLocked resends q to the next server after an attempt timed out, or
// completes it with domain.ErrTimeout once every pass is used up.
func (c *Channel) retryLocked(q *query, done *[]completion) {
	q.tries++
	if q.conn != nil {
		c.retireLocked(q.conn)
		q.conn = nil
	}
	if q.tries >= c.attempts*len(c.servers) {
		c.log.Debug("DNS query timed out", "name", q.name, "tries", q.tries)
		c.completeLocked(q, nil, domain.ErrTimeout, done)
		return
	}
	q.server = q.tries % len(c.servers)
	c.log.Debug("Retrying DNS query", "name", q.name, "server", c.servers[q.server], "try", q.tries)
	if err := c.sendUDPLocked(q); err != nil {
		c.completeLocked(q, nil, err, done)
		return
	}
	c.armLocked(q)
}

func (c *Channel) newIDLocked() uint16 {
	for {
		id := dns.Id()
		if _, ok := c.queries[id]; !ok {
			return id
		}
	}
}

// dispatchLocked sends q over UDP to its current server, moving on to the
// next server while sending fails.
func (c *Channel) dispatchLocked(q *query) error {
	var err error
	for ; q.server < len(c.servers); q.server++ {
		if err = c.sendUDPLocked(q); err == nil {
			return nil
		}
		c.log.Debug("DNS send failed", "server", c.servers[q.server], "error", err)
	}
	return err
}

func (c *Channel) sendUDPLocked(q *query) error {
	server := c.servers[q.server]
	sock, err := c.udpSocketLocked(network.Family(server.Addr()))
	if err != nil {
		return fmt.Errorf("failed to open udp socket: %w", err)
	}
	if len(sock.queued) > 0 {
		sock.queued = append(sock.queued, q)
		return nil
	}
	err = unix.Sendto(sock.fd, q.packed, 0, network.Sockaddr(server))
	switch err {
	case nil:
		c.log.Debug("Sent DNS query", "name", q.name, "type", dns.TypeToString[q.qtype], "server", server, "id", q.id)
		return nil
	case unix.EAGAIN:
		sock.queued = append(sock.queued, q)
		return nil
	}
	return fmt.Errorf("failed to send query to %s: %w", server, err)
}

func (c *Channel) udpSocketLocked(family int) (*udpSocket, error) {
	if sock := c.udp[family]; sock != nil {
		return sock, nil
	}
	fd, err := network.BindUDP(family)
	if err != nil {
		return nil, err
	}
	sock := &udpSocket{fd: fd}
	c.udp[family] = sock
	return sock, nil
}

func (c *Channel) udpByFD(fd int) *udpSocket {
	for _, sock := range c.udp {
		if sock.fd == fd {
			return sock
		}
	}
	return nil
}

// InterestSet reports the UDP sockets while any query is outstanding and
// every TCP connection still in use. Sockets retired since the last call are
// closed first, so a reported descriptor number is never stale.
func (c *Channel) InterestSet(socks []domain.Interest) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closeRetiredLocked()

	n := 0
	add := func(in domain.Interest) {
		if n < len(socks) {
			socks[n] = in
			n++
		}
	}
	if len(c.queries) > 0 {
		for _, family := range []int{unix.AF_INET, unix.AF_INET6} {
			if sock := c.udp[family]; sock != nil {
				add(domain.Interest{Socket: sock.fd, Readable: true, Writable: len(sock.queued) > 0})
			}
		}
	}
	for _, conn := range c.tcp {
		writable := conn.wantWrite()
		add(domain.Interest{Socket: conn.fd, Readable: !writable, Writable: writable})
	}
	return n
}

func (c *Channel) ProcessFD(read, write domain.Socket) {
	var done []completion

	c.mu.Lock()
	if !c.destroyed {
		if write != domain.SocketBad {
			if sock := c.udpByFD(write); sock != nil {
				c.flushLocked(sock, &done)
			} else if conn := c.tcp[write]; conn != nil {
				c.tcpWritableLocked(conn, &done)
			}
		}
		if read != domain.SocketBad {
			if sock := c.udpByFD(read); sock != nil {
				c.receiveLocked(sock, &done)
			} else if conn := c.tcp[read]; conn != nil {
				c.tcpReadableLocked(conn, &done)
			}
		}
	}
	c.mu.Unlock()

	runCompletions(done)
}

func (c *Channel) flushLocked(sock *udpSocket, done *[]completion) {
	for len(sock.queued) > 0 {
		q := sock.queued[0]
		if c.queries[q.id] != q {
			sock.queued = sock.queued[1:]
			continue
		}
		server := c.servers[q.server]
		err := unix.Sendto(sock.fd, q.packed, 0, network.Sockaddr(server))
		if err == unix.EAGAIN {
			return
		}
		sock.queued = sock.queued[1:]
		if err != nil {
			c.failOverLocked(q, fmt.Errorf("failed to send query to %s: %w", server, err), done)
		}
	}
}

func (c *Channel) receiveLocked(sock *udpSocket, done *[]completion) {
	buf := make([]byte, dns.MaxMsgSize)
	for {
		n, from, err := unix.Recvfrom(sock.fd, buf, 0)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err != unix.EAGAIN {
				c.log.Debug("DNS receive failed", "fd", sock.fd, "error", err)
			}
			return
		}

		msg := new(dns.Msg)
		if err := msg.Unpack(buf[:n]); err != nil {
			c.log.Debug("Failed to unpack DNS response", "error", err)
			continue
		}
		q := c.queries[msg.Id]
		src, ok := network.AddrPort(from)
		if q == nil || q.conn != nil || !ok || !q.matches(msg) || src != c.servers[q.server] {
			c.log.Debug("Dropping unexpected DNS response", "id", msg.Id, "from", src)
			continue
		}
		c.answerLocked(q, msg, done)
	}
}

func (c *Channel) answerLocked(q *query, msg *dns.Msg, done *[]completion) {
	switch {
	case msg.Truncated && q.conn == nil:
		c.log.Debug("Truncated DNS response, retrying over TCP", "name", q.name, "server", c.servers[q.server])
		c.startTCPLocked(q, done)
	case retryableRcode(msg.Rcode) && q.server+1 < len(c.servers):
		c.failOverLocked(q, fmt.Errorf("server %s: %s", c.servers[q.server], dns.RcodeToString[msg.Rcode]), done)
	default:
		c.log.Debug("DNS response", "name", q.name, "rcode", dns.RcodeToString[msg.Rcode], "answers", len(msg.Answer))
		c.completeLocked(q, msg, nil, done)
	}
}

func retryableRcode(rcode int) bool {
	return rcode == dns.RcodeServerFailure || rcode == dns.RcodeRefused || rcode == dns.RcodeNotImplemented
}

// failOverLocked moves q to the next server over UDP, or completes it with
// err once every server was tried.
func (c *Channel) failOverLocked(q *query, err error, done *[]completion) {
	if q.conn != nil {
		c.retireLocked(q.conn)
		q.conn = nil
	}
	q.server++
	if q.server >= len(c.servers) {
		c.completeLocked(q, nil, err, done)
		return
	}
	if sendErr := c.dispatchLocked(q); sendErr != nil {
		c.completeLocked(q, nil, sendErr, done)
		return
	}
	c.armLocked(q)
}

func (c *Channel) completeLocked(q *query, msg *dns.Msg, err error, done *[]completion) {
	delete(c.queries, q.id)
	if q.timer != nil {
		q.timer.Stop()
	}
	if q.conn != nil {
		c.retireLocked(q.conn)
		q.conn = nil
	}
	*done = append(*done, completion{cb: q.cb, msg: msg, err: err})
}

func (c *Channel) closeRetiredLocked() {
	for _, fd := range c.retired {
		unix.Close(fd)
	}
	c.retired = c.retired[:0]
}

// CancelAll completes every outstanding query with domain.ErrCancelled.
func (c *Channel) CancelAll() {
	c.mu.Lock()
	done := c.failAllLocked(domain.ErrCancelled)
	c.mu.Unlock()

	runCompletions(done)
}

// Destroy completes leftover queries with domain.ErrDestroyed and closes
// every socket.
func (c *Channel) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	done := c.failAllLocked(domain.ErrDestroyed)
	for family, sock := range c.udp {
		unix.Close(sock.fd)
		delete(c.udp, family)
	}
	c.closeRetiredLocked()
	c.mu.Unlock()

	runCompletions(done)
}

func (c *Channel) failAllLocked(err error) []completion {
	var done []completion
	for _, q := range c.queries {
		c.completeLocked(q, nil, err, &done)
	}
	for _, sock := range c.udp {
		sock.queued = nil
	}
	return done
}

func runCompletions(done []completion) {
	for _, d := range done {
		d.cb(d.msg, d.err)
	}
}

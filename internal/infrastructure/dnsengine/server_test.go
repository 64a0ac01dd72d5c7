package dnsengine

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"dns-evdriver/internal/domain"
)

// startServer serves handler over UDP on loopback, and over TCP on the same
// port when withTCP is set.
func startServer(t *testing.T, handler dns.HandlerFunc, withTCP bool) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := pc.LocalAddr().String()
	serve(t, &dns.Server{PacketConn: pc, Handler: handler})

	if withTCP {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			t.Skipf("tcp port %s unavailable: %v", addr, err)
		}
		serve(t, &dns.Server{Listener: ln, Handler: handler})
	}
	return addr
}

func serve(t *testing.T, srv *dns.Server) {
	t.Helper()
	started := make(chan struct{})
	srv.NotifyStartedFunc = func() { close(started) }
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })
}

func answerA(ip string) dns.HandlerFunc {
	return func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		q := r.Question[0]
		if q.Qtype == dns.TypeA {
			rr, err := dns.NewRR(fmt.Sprintf("%s 60 IN A %s", q.Name, ip))
			if err == nil {
				m.Answer = append(m.Answer, rr)
			}
		}
		_ = w.WriteMsg(m)
	}
}

func rcode(code int) dns.HandlerFunc {
	return func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetRcode(r, code)
		_ = w.WriteMsg(m)
	}
}

// silentServer returns the address of a UDP socket that never answers.
func silentServer(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })
	return pc.LocalAddr().String()
}

type result struct {
	msg *dns.Msg
	err error
}

type recorder struct {
	mu      sync.Mutex
	results []result
}

func (r *recorder) callback(msg *dns.Msg, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result{msg: msg, err: err})
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

func (r *recorder) get(i int) result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.results[i]
}

// pump plays the event driver's role with poll(2) until done reports true.
// It returns every interest reported along the way.
func pump(t *testing.T, c *Channel, done func() bool) []domain.Interest {
	t.Helper()
	var (
		seen  []domain.Interest
		socks [domain.MaxInterest]domain.Interest
	)
	deadline := time.Now().Add(5 * time.Second)
	for !done() {
		require.True(t, time.Now().Before(deadline), "engine did not finish")

		n := c.InterestSet(socks[:])
		seen = append(seen, socks[:n]...)
		if n == 0 {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		pfds := make([]unix.PollFd, 0, n)
		for _, in := range socks[:n] {
			var events int16
			if in.Readable {
				events |= unix.POLLIN
			}
			if in.Writable {
				events |= unix.POLLOUT
			}
			pfds = append(pfds, unix.PollFd{Fd: int32(in.Socket), Events: events})
		}
		if _, err := unix.Poll(pfds, 50); err != nil && err != unix.EINTR {
			require.NoError(t, err)
		}
		for _, p := range pfds {
			read, write := domain.SocketBad, domain.SocketBad
			if p.Events&unix.POLLIN != 0 && p.Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) != 0 {
				read = int(p.Fd)
			}
			if p.Events&unix.POLLOUT != 0 && p.Revents&(unix.POLLOUT|unix.POLLERR|unix.POLLHUP) != 0 {
				write = int(p.Fd)
			}
			if read != domain.SocketBad || write != domain.SocketBad {
				c.ProcessFD(read, write)
			}
		}
	}
	return seen
}

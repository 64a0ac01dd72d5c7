package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/miekg/dns"

	"dns-evdriver/internal/domain"
	"dns-evdriver/internal/evdriver"
	"dns-evdriver/internal/infrastructure/dnsengine"
)

var ErrNotFound = errors.New("host not found")

// queryEngine is implemented by engines that accept questions directly.
type queryEngine interface {
	Query(name string, qtype uint16, cb dnsengine.Callback) error
}

type answer struct {
	qtype uint16
	msg   *dns.Msg
	err   error
}

type ResolverService struct {
	log     *slog.Logger
	reactor domain.Reactor
	pollset domain.PollsetSet
	lib     domain.EngineLibrary
	metrics *evdriver.Metrics
}

func NewResolverService(reactor domain.Reactor, pollset domain.PollsetSet, lib domain.EngineLibrary, metrics *evdriver.Metrics, logger *slog.Logger) *ResolverService {
	if metrics == nil {
		metrics = evdriver.NewMetrics(nil)
	}
	return &ResolverService{
		log:     logger,
		reactor: reactor,
		pollset: pollset,
		lib:     lib,
		metrics: metrics,
	}
}

// LookupHost resolves target ("host" or "host:port") to addresses, IPv4
// first. Each call drives its own event driver and releases it before
// returning. It must not be called from a reactor worker.
func (s *ResolverService) LookupHost(ctx context.Context, target string, defaultPort uint16) ([]netip.AddrPort, error) {
	host, port, err := splitHostPort(target, defaultPort)
	if err != nil {
		return nil, err
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.AddrPort{netip.AddrPortFrom(addr, port)}, nil
	}

	driver, err := evdriver.New(s.reactor, s.pollset, s.lib, evdriver.WithLogger(s.log), evdriver.WithMetrics(s.metrics))
	if err != nil {
		return nil, err
	}
	defer func() {
		driver.Destroy()
		<-driver.Done()
	}()

	engine, ok := driver.Engine().(queryEngine)
	if !ok {
		return nil, fmt.Errorf("engine %T cannot issue queries", driver.Engine())
	}

	results := make(chan answer, 2)
	issued := 0
	var sendErr error
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		qtype := qtype
		err := engine.Query(host, qtype, func(msg *dns.Msg, err error) {
			results <- answer{qtype: qtype, msg: msg, err: err}
		})
		if err != nil {
			sendErr = err
			continue
		}
		issued++
	}
	if issued == 0 {
		return nil, fmt.Errorf("failed to query %s: %w", host, sendErr)
	}

	s.log.Debug("Resolving host", "host", host, "queries", issued)
	driver.Start()

	answers := make([]answer, 0, issued)
	for len(answers) < issued {
		select {
		case a := <-results:
			answers = append(answers, a)
		case <-ctx.Done():
			s.log.Debug("Lookup cancelled", "host", host, "error", ctx.Err())
			// Destroy shuts the descriptors down; the forced firings cancel
			// the outstanding queries.
			driver.Destroy()
			for len(answers) < issued {
				answers = append(answers, <-results)
			}
			return nil, ctx.Err()
		}
	}

	addrs, err := collect(host, port, answers)
	if err != nil {
		return nil, err
	}
	s.log.Info("DNS Resolved", "host", host, "addrs", len(addrs))
	return addrs, nil
}

func collect(host string, port uint16, answers []answer) ([]netip.AddrPort, error) {
	var (
		addrs    []netip.AddrPort
		seen     = make(map[netip.Addr]bool)
		firstErr error
	)
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		for _, a := range answers {
			if a.qtype != qtype {
				continue
			}
			switch {
			case a.err != nil:
				if firstErr == nil {
					firstErr = fmt.Errorf("failed to resolve %s: %w", host, a.err)
				}
				continue
			case a.msg.Rcode == dns.RcodeNameError:
				continue
			case a.msg.Rcode != dns.RcodeSuccess:
				if firstErr == nil {
					firstErr = fmt.Errorf("failed to resolve %s: %s", host, dns.RcodeToString[a.msg.Rcode])
				}
				continue
			}

			for _, rr := range a.msg.Answer {
				var ip net.IP
				switch rr := rr.(type) {
				case *dns.A:
					ip = rr.A
				case *dns.AAAA:
					ip = rr.AAAA
				default:
					continue
				}
				addr, ok := netip.AddrFromSlice(ip)
				if !ok {
					continue
				}
				if qtype == dns.TypeA {
					addr = addr.Unmap()
				}
				if !seen[addr] {
					seen[addr] = true
					addrs = append(addrs, netip.AddrPortFrom(addr, port))
				}
			}
		}
	}

	if len(addrs) > 0 {
		return addrs, nil
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return nil, fmt.Errorf("%s: %w", host, ErrNotFound)
}

func splitHostPort(target string, defaultPort uint16) (string, uint16, error) {
	if target == "" {
		return "", 0, errors.New("empty target")
	}
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		// No port, or a bare IPv6 literal.
		return strings.Trim(target, "[]"), defaultPort, nil
	}
	if host == "" {
		return "", 0, fmt.Errorf("missing host in %q", target)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in %q: %w", target, err)
	}
	return host, uint16(port), nil
}

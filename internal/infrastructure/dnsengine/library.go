// Package dnsengine is a nonblocking DNS resolution engine built on
// github.com/miekg/dns. It never blocks or polls by itself: callers ask for
// its interest set, wait for readiness elsewhere and feed it back with
// ProcessFD.
package dnsengine

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/miekg/dns"

	"dns-evdriver/internal/domain"
)

const (
	DefaultResolvConf = "/etc/resolv.conf"
	DefaultTimeout    = 2 * time.Second
	DefaultAttempts   = 2
)

// library is the process-wide engine state shared by every Channel. The
// config is loaded by the first init and dropped by the last cleanup; both
// transitions happen under mu, so a non-zero count always has its config.
var library struct {
	mu     sync.Mutex
	refs   int32
	config *dns.ClientConfig
}

var loadConfig = dns.ClientConfigFromFile

func libraryInit(path string) error {
	library.mu.Lock()
	defer library.mu.Unlock()

	if library.refs == 0 {
		cfg, err := loadConfig(path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		library.config = cfg
	}
	library.refs++
	return nil
}

func libraryCleanup() {
	library.mu.Lock()
	defer library.mu.Unlock()

	if library.refs == 0 {
		panic("dnsengine: library cleanup without init")
	}
	library.refs--
	if library.refs == 0 {
		library.config = nil
	}
}

// LibraryRefs reports how many initializations are outstanding.
func LibraryRefs() int32 {
	library.mu.Lock()
	defer library.mu.Unlock()
	return library.refs
}

func systemConfig() *dns.ClientConfig {
	library.mu.Lock()
	defer library.mu.Unlock()
	return library.config
}

type Options struct {
	// Servers are nameserver addresses, with or without a port. When empty
	// the nameservers from ResolvConf are used.
	Servers    []string
	ResolvConf string
	// UDPSize advertises an EDNS0 buffer size when larger than 512.
	UDPSize uint16
	// Timeout is how long one attempt waits before the query moves on to
	// the next server. Defaults to DefaultTimeout.
	Timeout time.Duration
	// Attempts is the number of passes over the server list. Defaults to
	// DefaultAttempts.
	Attempts int
	Logger   *slog.Logger
}

// Library creates engine channels with fixed options.
type Library struct {
	opts Options
}

func NewLibrary(opts Options) *Library {
	if opts.ResolvConf == "" {
		opts.ResolvConf = DefaultResolvConf
	}
	return &Library{opts: opts}
}

func (l *Library) Init() error {
	return libraryInit(l.opts.ResolvConf)
}

func (l *Library) Cleanup() {
	libraryCleanup()
}

func (l *Library) NewEngine() (domain.ResolutionEngine, error) {
	c, err := NewChannel(l.opts)
	if err != nil {
		return nil, err
	}
	return c, nil
}

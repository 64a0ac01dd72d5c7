//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"dns-evdriver/internal/application"
	"dns-evdriver/internal/evdriver"
	"dns-evdriver/internal/infrastructure/dnsengine"
	"dns-evdriver/internal/infrastructure/epoll"
	"dns-evdriver/pkg/logger"
)

var (
	flagServer = &cli.StringSliceFlag{
		Name:    "server",
		Aliases: []string{"s"},
		Usage:   "nameserver address, repeatable. defaults to the resolv.conf nameservers.",
		EnvVars: []string{"DNS_EVDRIVER_SERVERS"},
	}
	flagResolvConf = &cli.StringFlag{
		Name:    "resolv-conf",
		Value:   dnsengine.DefaultResolvConf,
		Usage:   "resolver configuration file.",
		EnvVars: []string{"DNS_EVDRIVER_RESOLV_CONF"},
	}
	flagTimeout = &cli.DurationFlag{
		Name:    "timeout",
		Aliases: []string{"t"},
		Value:   5 * time.Second,
		Usage:   "per lookup deadline.",
		EnvVars: []string{"DNS_EVDRIVER_TIMEOUT"},
	}
	flagQueryTimeout = &cli.DurationFlag{
		Name:    "query-timeout",
		Value:   dnsengine.DefaultTimeout,
		Usage:   "wait per attempt before retrying on the next nameserver.",
		EnvVars: []string{"DNS_EVDRIVER_QUERY_TIMEOUT"},
	}
	flagAttempts = &cli.IntFlag{
		Name:    "attempts",
		Value:   dnsengine.DefaultAttempts,
		Usage:   "passes over the nameserver list before a query times out.",
		EnvVars: []string{"DNS_EVDRIVER_ATTEMPTS"},
		Action: func(c *cli.Context, n int) error {
			if n <= 0 {
				return errors.New("attempts must be positive")
			}
			return nil
		},
	}
	flagWorkers = &cli.IntFlag{
		Name:    "workers",
		Value:   4,
		Usage:   "event loop worker goroutines.",
		EnvVars: []string{"DNS_EVDRIVER_WORKERS"},
		Action: func(c *cli.Context, n int) error {
			if n <= 0 {
				return errors.New("workers must be positive")
			}
			return nil
		},
	}
	flagEDNSSize = &cli.UintFlag{
		Name:    "edns-size",
		Value:   1232,
		Usage:   "advertised EDNS0 UDP payload size, 0 disables EDNS0.",
		EnvVars: []string{"DNS_EVDRIVER_EDNS_SIZE"},
		Action: func(c *cli.Context, size uint) error {
			if size > 65535 {
				return errors.New("edns-size out of range")
			}
			return nil
		},
	}
	flagPort = &cli.UintFlag{
		Name:    "port",
		Aliases: []string{"p"},
		Value:   443,
		Usage:   "port attached to targets given without one.",
		EnvVars: []string{"DNS_EVDRIVER_PORT"},
		Action: func(c *cli.Context, port uint) error {
			if port == 0 || port > 65535 {
				return errors.New("invalid port")
			}
			return nil
		},
	}
	flagDebug = &cli.BoolFlag{
		Name:    "debug",
		Usage:   "enable debug logging.",
		EnvVars: []string{"DNS_EVDRIVER_DEBUG"},
	}
	flagInterval = &cli.DurationFlag{
		Name:    "interval",
		Aliases: []string{"i"},
		Value:   10 * time.Second,
		Usage:   "time between lookup rounds.",
		EnvVars: []string{"DNS_EVDRIVER_INTERVAL"},
	}
	flagMetricsAddr = &cli.StringFlag{
		Name:    "metrics-addr",
		Value:   ":9153",
		Usage:   "listen address for the prometheus endpoint, empty disables it.",
		EnvVars: []string{"DNS_EVDRIVER_METRICS_ADDR"},
	}
)

func main() {
	app := &cli.App{
		Name:  "dns-evdriver",
		Usage: "resolve host names through an epoll driven DNS engine",
		Flags: []cli.Flag{
			flagServer,
			flagResolvConf,
			flagTimeout,
			flagQueryTimeout,
			flagAttempts,
			flagWorkers,
			flagEDNSSize,
			flagPort,
			flagDebug,
		},
		Commands: []*cli.Command{
			{
				Name:      "lookup",
				Usage:     "resolve every HOST once and print its addresses",
				ArgsUsage: "HOST[:PORT]...",
				Action:    lookup,
			},
			{
				Name:      "watch",
				Usage:     "resolve every HOST periodically and export metrics",
				ArgsUsage: "HOST[:PORT]...",
				Flags:     []cli.Flag{flagInterval, flagMetricsAddr},
				Action:    watch,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type stack struct {
	log     *slog.Logger
	loop    *epoll.Loop
	runErr  chan error
	service *application.ResolverService
}

func newStack(c *cli.Context, reg prometheus.Registerer) (*stack, error) {
	log := logger.Setup(c.Bool(flagDebug.Name))

	loop, err := epoll.New(log, c.Int(flagWorkers.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to create event loop: %w", err)
	}
	rt := &stack{log: log, loop: loop, runErr: make(chan error, 1)}
	go func() { rt.runErr <- loop.Run() }()

	lib := dnsengine.NewLibrary(dnsengine.Options{
		Servers:    c.StringSlice(flagServer.Name),
		ResolvConf: c.String(flagResolvConf.Name),
		UDPSize:    uint16(c.Uint(flagEDNSSize.Name)),
		Timeout:    c.Duration(flagQueryTimeout.Name),
		Attempts:   c.Int(flagAttempts.Name),
		Logger:     log,
	})
	rt.service = application.NewResolverService(loop, loop.NewPollsetSet(), lib, evdriver.NewMetrics(reg), log)
	return rt, nil
}

func (rt *stack) Close() error {
	err := rt.loop.Close()
	return errors.Join(err, <-rt.runErr)
}

// resolveAll looks every target up concurrently. Failures are logged and
// the first one is returned once every lookup has finished.
func (rt *stack) resolveAll(ctx context.Context, c *cli.Context, targets []string, emit func(target, addr string)) error {
	g := new(errgroup.Group)
	for _, target := range targets {
		target := target
		g.Go(func() error {
			lookupCtx, cancel := context.WithTimeout(ctx, c.Duration(flagTimeout.Name))
			defer cancel()
			addrs, err := rt.service.LookupHost(lookupCtx, target, uint16(c.Uint(flagPort.Name)))
			if err != nil {
				rt.log.Warn("Lookup failed", "target", target, "error", err)
				return fmt.Errorf("%s: %w", target, err)
			}
			for _, addr := range addrs {
				emit(target, addr.String())
			}
			return nil
		})
	}
	return g.Wait()
}

func lookup(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.ShowSubcommandHelp(c)
	}
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newStack(c, nil)
	if err != nil {
		return err
	}

	out := make(chan string)
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for line := range out {
			fmt.Fprintln(c.App.Writer, line)
		}
	}()
	err = rt.resolveAll(ctx, c, c.Args().Slice(), func(target, addr string) {
		out <- target + " " + addr
	})
	close(out)
	<-printed
	return errors.Join(err, rt.Close())
}

func watch(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.ShowSubcommandHelp(c)
	}
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	resolved := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dns_evdriver",
		Name:      "target_addresses",
		Help:      "Addresses returned by the last lookup of each target.",
	}, []string{"target"})
	reg.MustRegister(resolved)

	rt, err := newStack(c, reg)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if addr := c.String(flagMetricsAddr.Name); addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			rt.log.Info("Serving metrics", "addr", addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return srv.Shutdown(context.Background())
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(c.Duration(flagInterval.Name))
		defer ticker.Stop()
		for {
			var mu sync.Mutex
			counts := make(map[string]int)
			_ = rt.resolveAll(ctx, c, c.Args().Slice(), func(target, _ string) {
				mu.Lock()
				counts[target]++
				mu.Unlock()
			})
			for _, target := range c.Args().Slice() {
				resolved.WithLabelValues(target).Set(float64(counts[target]))
			}
			rt.log.Debug("Lookup round finished", "targets", c.NArg())

			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	err = g.Wait()
	return errors.Join(err, rt.Close())
}

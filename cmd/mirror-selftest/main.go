// Command mirror-selftest checks that mirrored memory works on this host.
//
// It allocates regions of 2 to 9 copies of 1, 2, 10 and 100 pages, verifies
// that writes through any copy are visible through every other, and streams
// checksummed records through a growing queue. With --listen it keeps
// serving /live, /ready and /metrics after the checks finish.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/srediag/mirror-ring/internal/logging"
	"github.com/srediag/mirror-ring/internal/selftest"
	"github.com/srediag/mirror-ring/pkg/health"
	"github.com/srediag/mirror-ring/pkg/mirror"
	"github.com/srediag/mirror-ring/pkg/telemetry"
)

const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type options struct {
	cfg          selftest.Config
	listen       string
	minAvailable uint64
	logLevel     int
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	o := &options{cfg: selftest.DefaultConfig()}
	fs := flag.NewFlagSet("mirror-selftest", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.IntVarP(&o.cfg.Workers, "workers", "w", o.cfg.Workers, "number of cases run concurrently")
	fs.IntVar(&o.cfg.Rounds, "rounds", o.cfg.Rounds, "repetitions of the whole matrix")
	fs.IntVar(&o.cfg.MinCopies, "min-copies", o.cfg.MinCopies, "smallest copy count tried")
	fs.IntVar(&o.cfg.MaxCopies, "max-copies", o.cfg.MaxCopies, "largest copy count tried")
	fs.IntSliceVar(&o.cfg.PageMultiples, "pages", o.cfg.PageMultiples, "chunk sizes to try, in pages")
	fs.IntVar(&o.cfg.StreamBytes, "stream-bytes", o.cfg.StreamBytes, "bytes pushed through the queue check, 0 to skip")
	fs.Uint64Var(&o.cfg.Seed, "seed", o.cfg.Seed, "seed for the random payloads")
	fs.StringVarP(&o.listen, "listen", "l", "", "serve /live, /ready and /metrics on this address after the checks")
	fs.Uint64Var(&o.minAvailable, "min-available", 0, "host memory in bytes below which /ready fails")
	fs.IntVar(&o.logLevel, "log-level", logging.LogLevel(), "0 trace, 1 debug, 2 info, 3 warn, 4 error, 5 silent")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return o, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	o, err := parseFlags(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return exitUsage
	}
	logging.SetLogLevel(o.logLevel)

	alloc := mirror.NewAllocator(mirror.WithMetrics(telemetry.Default()))
	fmt.Fprintf(stdout, "page size %d bytes\n", mirror.PageSize())
	report, err := selftest.Run(ctx, alloc, o.cfg)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return exitFailed
	}
	if _, err := report.WriteTo(stdout); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return exitFailed
	}
	code := exitOK
	if report.Failed() > 0 {
		code = exitFailed
	}

	if o.listen != "" {
		if err := serve(ctx, o, alloc, stdout); err != nil {
			fmt.Fprintln(stderr, "error:", err)
			return exitFailed
		}
	}
	return code
}

func newMux(o *options, alloc *mirror.Allocator) *http.ServeMux {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		telemetry.Default(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	h := health.NewHandler(health.Options{
		Allocator:    alloc,
		MinAvailable: o.minAvailable,
	})
	mux := http.NewServeMux()
	mux.HandleFunc("/live", h.LiveEndpoint)
	mux.HandleFunc("/ready", h.ReadyEndpoint)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

func serve(ctx context.Context, o *options, alloc *mirror.Allocator, stdout io.Writer) error {
	srv := &http.Server{
		Addr:              o.listen,
		Handler:           newMux(o, alloc),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(stdout, "serving on %s\n", o.listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

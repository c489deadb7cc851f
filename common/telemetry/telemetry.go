package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/estatehub/portal/common/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Telemetry holds observability components
type Telemetry struct {
	log         *logger.Logger
	pprofAddr   string
	metricsAddr string
	servers     []*http.Server
}

// New creates telemetry components. A zero port disables that endpoint.
func New(pprofPort, metricsPort int, log *logger.Logger) *Telemetry {
	t := &Telemetry{log: log}
	if pprofPort > 0 {
		t.pprofAddr = fmt.Sprintf("localhost:%d", pprofPort)
	}
	if metricsPort > 0 {
		t.metricsAddr = fmt.Sprintf(":%d", metricsPort)
	}
	return t
}

// Start starts telemetry endpoints
func (t *Telemetry) Start(ctx context.Context) error {
	if t.pprofAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		t.serve("pprof", t.pprofAddr, mux)
	}

	if t.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		t.serve("metrics", t.metricsAddr, mux)
	}

	return nil
}

func (t *Telemetry) serve(name, addr string, handler http.Handler) {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	t.servers = append(t.servers, srv)

	go func() {
		t.log.Info(name+" server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.log.Error(name+" server error", "error", err)
		}
	}()
}

// Stop shuts down telemetry listeners
func (t *Telemetry) Stop(ctx context.Context) error {
	var errs []error
	for _, srv := range t.servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RecordDuration records operation duration
func (t *Telemetry) RecordDuration(operation string, start time.Time) {
	duration := time.Since(start)
	t.log.Debug("operation completed",
		"operation", operation,
		"duration_ms", duration.Milliseconds(),
	)
}

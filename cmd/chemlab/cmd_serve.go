package main

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"chemlab/internal/adapters/eventstream"
	"chemlab/internal/adapters/labapi"
	"chemlab/internal/adapters/reports"
	"chemlab/internal/blob"
	"chemlab/internal/config"
	"chemlab/internal/core"
	"chemlab/pkg/domain"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Host the simulation loop with metrics and a live event stream",
		Long: `Run the reaction tick loop and expose:

  /api/...      JSON lab API (reactions, titrations, measurements,
                assessments, flame tests and stored reports)
  /events       WebSocket stream of engine events
  /metrics      Prometheus metrics
  /debug/vars   expvar operation counters
  /healthz      liveness check

Completed results are exported to blob storage as they arrive.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				a.cfg.Server.Address = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a)
		},
	}
	cmd.Flags().String("addr", "", "Listen address (overrides server.address)")
	return cmd
}

func serve(ctx context.Context, a *app) error {
	ls, err := newLabServer(ctx, a, "chemlab_operations")
	if err != nil {
		return err
	}
	defer ls.close()

	srv := &http.Server{
		Addr:              a.cfg.Server.Address,
		Handler:           ls.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	ls.start(ctx, errCh)
	go func() {
		a.logger.Info("chemlab listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown", "error", err)
	}
	ls.shutdown(shutdownCtx)
	return runErr
}

// labServer is everything serve hosts besides the listener: the service, the
// report worker, the event hub and the HTTP routes over them.
type labServer struct {
	logger  *slog.Logger
	cfg     *config.Config
	svc     *core.Service
	reports blob.Store
	worker  *reports.Worker
	hub     *eventstream.Hub
	handler http.Handler
	events  <-chan domain.Event
	closers []func()
	closeFn func() error
}

func newLabServer(ctx context.Context, a *app, expvarName string) (*labServer, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom, err := core.NewPrometheusMetricsRecorder(reg)
	if err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}
	expvarMetrics := core.NewExpvarMetricsRecorder(expvarName)

	store, err := blob.Open(ctx, a.cfg.BlobOptions())
	if err != nil {
		return nil, fmt.Errorf("opening blob store: %w", err)
	}
	svc, closeFn, err := a.openService(ctx, core.WithMetricsRecorder(multiMetrics{prom, expvarMetrics}))
	if err != nil {
		return nil, err
	}

	ls := &labServer{
		logger:  a.logger,
		cfg:     a.cfg,
		svc:     svc,
		reports: store,
		worker:  reports.NewWorker(reports.NewExporter(svc.Results(), store, a.logger), 0),
		hub:     eventstream.NewHub(a.logger),
		closeFn: closeFn,
	}
	ls.closers = append(ls.closers, ls.worker.Attach(svc.Events()))
	events, unsubscribe := svc.Events().Channel(a.cfg.Server.EventBuffer)
	ls.events = events
	ls.closers = append(ls.closers, unsubscribe)

	mux := newServeMux(ls.hub, reg)
	labapi.NewHandler(svc, store, a.logger).RegisterRoutes(mux)
	ls.handler = mux
	return ls, nil
}

// start launches the report worker, the event hub and the tick loop. Loop
// failures other than cancellation are sent on errCh.
func (ls *labServer) start(ctx context.Context, errCh chan<- error) {
	ls.worker.Start()
	go ls.hub.Run(ctx)
	go ls.hub.Pump(ctx, ls.events)
	go func() {
		if err := ls.svc.RunLoop(ctx, ls.cfg.Simulation.TickInterval, ls.cfg.Simulation.TickDelta); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()
}

// shutdown drains the report worker.
func (ls *labServer) shutdown(ctx context.Context) {
	if err := ls.worker.Stop(ctx); err != nil {
		ls.logger.Warn("report worker shutdown", "error", err)
	}
	ls.logger.Info("chemlab stopped", "reports_exported", ls.worker.Exported(), "reports_failed", ls.worker.Failed(), "events_dropped", ls.svc.Events().Dropped())
}

// close detaches event subscribers and releases the result store.
func (ls *labServer) close() {
	for i := len(ls.closers) - 1; i >= 0; i-- {
		ls.closers[i]()
	}
	if err := ls.closeFn(); err != nil {
		ls.logger.Warn("closing result store", "error", err)
	}
}

// newServeMux wires the operational endpoints. Lab API routes are added on top.
func newServeMux(hub http.Handler, reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/events", hub)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("/debug/vars", expvar.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

// multiMetrics fans one observation out to several recorders.
type multiMetrics []core.MetricsRecorder

func (m multiMetrics) Observe(ctx context.Context, operation string, success bool, duration time.Duration) {
	for _, r := range m {
		r.Observe(ctx, operation, success, duration)
	}
}

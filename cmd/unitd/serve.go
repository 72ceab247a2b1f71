package main

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"unitcore/internal/adapters/httpapi"
	"unitcore/internal/blob"
	"unitcore/internal/config"
	"unitcore/internal/core"
	"unitcore/internal/infra/persistence/memory"
	"unitcore/pkg/domain"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the unit API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				a.cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func (a *app) serve(ctx context.Context) (err error) {
	backend, err := core.OpenBackend(ctx, a.cfg.Storage)
	if err != nil {
		return fmt.Errorf("open backend: %w", err)
	}
	defer func() {
		if cerr := backend.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close backend: %w", cerr)
		}
	}()

	snapshots, err := a.openSnapshots(ctx, backend)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	opts := []core.ServiceOption{
		core.WithLogger(a.logger),
		core.WithFetchConcurrency(a.cfg.Fetch.Concurrency),
	}
	if a.cfg.Metrics.Enabled {
		recorder, err := mountMetrics(mux, a.cfg.Metrics)
		if err != nil {
			return err
		}
		opts = append(opts, core.WithMetrics(recorder))
	}
	handler := httpapi.NewHandler(core.NewService(backend, opts...), a.logger.Named("http"))
	handler.MaxBodyBytes = a.cfg.Server.MaxBodyBytes
	mux.Handle("/", handler)

	ln, err := net.Listen("tcp", a.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.Server.Addr, err)
	}
	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  a.cfg.Server.GetReadTimeout(),
		WriteTimeout: a.cfg.Server.GetWriteTimeout(),
	}
	a.logger.Info("listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("driver", string(backend.Driver())))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.GetShutdownTimeout())
		defer cancel()
		a.logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	return snapshots.save()
}

// snapshotter persists a memory backend to blob storage across restarts. The
// zero value does nothing.
type snapshotter struct {
	store  *memory.Store
	blobs  blob.Store
	key    string
	logger *zap.Logger
}

func (a *app) openSnapshots(ctx context.Context, backend domain.Backend) (snapshotter, error) {
	store, ok := backend.(*memory.Store)
	if !a.cfg.Snapshot.Enabled || !ok {
		return snapshotter{}, nil
	}
	blobs, err := blob.Open(ctx, a.cfg.Snapshot.Blob)
	if err != nil {
		return snapshotter{}, fmt.Errorf("open snapshot storage: %w", err)
	}
	s := snapshotter{store: store, blobs: blobs, key: a.cfg.Snapshot.Key, logger: a.logger}
	loaded, err := store.LoadSnapshot(ctx, blobs, s.key)
	if err != nil {
		return snapshotter{}, err
	}
	a.logger.Info("snapshot hydrate",
		zap.String("key", s.key),
		zap.String("blob_driver", string(blobs.Driver())),
		zap.Bool("found", loaded))
	return s, nil
}

func (s snapshotter) save() error {
	if s.store == nil {
		return nil
	}
	// The serve context is done by now.
	info, err := s.store.SaveSnapshot(context.Background(), s.blobs, s.key)
	if err != nil {
		s.logger.Error("snapshot save failed", zap.String("key", s.key), zap.Error(err))
		return err
	}
	s.logger.Info("snapshot saved", zap.String("key", info.Key), zap.Int64("size", info.Size))
	return nil
}

func mountMetrics(mux *http.ServeMux, cfg config.MetricsConfig) (core.MetricsRecorder, error) {
	switch cfg.Exporter {
	case config.ExporterExpvar:
		mux.Handle(cfg.Path, expvar.Handler())
		return core.NewExpvarMetricsRecorder(""), nil
	default:
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics, err := core.NewPrometheusMetrics(reg)
		if err != nil {
			return nil, err
		}
		mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		return metrics, nil
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/cwygoda/optimizer/internal/adapter/fetch"
	"github.com/cwygoda/optimizer/internal/adapter/ffmpeg"
	httpAdapter "github.com/cwygoda/optimizer/internal/adapter/http"
	"github.com/cwygoda/optimizer/internal/adapter/notify"
	"github.com/cwygoda/optimizer/internal/adapter/sqlite"
	"github.com/cwygoda/optimizer/internal/adapter/storage"
	"github.com/cwygoda/optimizer/internal/config"
	"github.com/cwygoda/optimizer/internal/domain"
	"github.com/cwygoda/optimizer/internal/log"
	"github.com/cwygoda/optimizer/internal/metrics"
	"github.com/cwygoda/optimizer/internal/telemetry"
	"github.com/cwygoda/optimizer/internal/worker"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "optimizer",
		Short:         "Download media and remux it with ffmpeg on request",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "config:", err)
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := run(ctx, cfg); err != nil {
				l := log.WithComponent("main")
				l.Error().Err(err).Msg("optimizer stopped")
				return err
			}
			return nil
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	log.Configure(log.Config{Level: cfg.LogLevel, Service: "optimizer"})
	logger := log.WithComponent("main")

	logger.Info().
		Str("version", version).
		Str("addr", cfg.Addr).
		Str("data_dir", cfg.DataDir).
		Str("db", cfg.DBPath).
		Int("max_concurrent", cfg.MaxConcurrent).
		Msg("starting optimizer")

	tracing, err := telemetry.NewProvider(ctx, telemetry.Config{
		Endpoint:       cfg.OTLPEndpoint,
		Insecure:       cfg.OTLPInsecure,
		ServiceName:    "optimizer",
		ServiceVersion: version,
		SamplingRate:   cfg.TraceSampling,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if err := tracing.Shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()

	store, err := storage.New(cfg.DataDir)
	if err != nil {
		return err
	}
	if err := store.EnsureDirs(); err != nil {
		return fmt.Errorf("prepare data dir: %w", err)
	}

	repo, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer repo.Close()

	hub := notify.NewHub(httpAdapter.EncodeJob, cfg.CORSOrigins, log.WithComponent("notify"))
	defer hub.Close()

	svc := domain.NewJobService(repo, store, domain.Options{
		MaxConcurrent: cfg.MaxConcurrent,
		CancelGrace:   cfg.CancelGrace,
		JobTimeout:    cfg.JobTimeout,
		Logger:        log.WithComponent("jobs"),
		Notifiers:     []domain.Notifier{hub},
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewRecorder(reg, svc.ActiveCount)
	svc.AddNotifier(recorder)

	if interrupted, err := svc.Restore(ctx); err != nil {
		logger.Warn().Err(err).Msg("failed to restore job history")
	} else if interrupted > 0 {
		logger.Info().Int64("count", interrupted).Msg("marked interrupted jobs as failed")
	}

	presets := ffmpeg.NewRegistry(cfg.FFmpegArgs)
	for _, pc := range cfg.Presets {
		p, err := ffmpeg.NewPreset(pc)
		if err != nil {
			return fmt.Errorf("preset %s: %w", pc.Name, err)
		}
		presets.Register(p)
	}

	fetcher := fetch.New(fetch.Options{
		Retries:          cfg.FetchRetries,
		ProgressInterval: cfg.ProgressInterval,
		Logger:           log.WithComponent("fetch"),
	})
	transformer := ffmpeg.New(ffmpeg.Options{
		FFmpegPath:  cfg.FFmpegPath,
		FFprobePath: cfg.FFprobePath,
		Presets:     presets,
		KillGrace:   cfg.KillGrace,
		Confiner:    store,
		Logger:      log.WithComponent("ffmpeg"),
	})

	w := worker.New(svc, fetcher, transformer, store, worker.Options{
		PollInterval: cfg.PollInterval,
		Retention:    cfg.Retention,
		Pruner:       store,
		Observer:     recorder,
		Logger:       log.WithComponent("worker"),
	})

	srv, err := httpAdapter.NewServer(svc, cfg.Addr, httpAdapter.Options{
		UpstreamURL:     cfg.UpstreamURL,
		CORSOrigins:     cfg.CORSOrigins,
		SubmitRateLimit: cfg.SubmitRateLimit,
		Metrics:         promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Events:          hub,
		Logger:          log.WithComponent("http"),
	})
	if err != nil {
		return err
	}

	workerCtx, stopWorker := context.WithCancel(context.Background())
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		w.Run(workerCtx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("received shutdown signal")
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP server shutdown error")
	}

	stopWorker()
	<-workerDone

	logger.Info().Msg("shutdown complete")
	return runErr
}

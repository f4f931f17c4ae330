package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cwygoda/optimizer/internal/domain"
)

const tracerName = "github.com/cwygoda/optimizer/internal/worker"

// Observer receives stage measurements.
type Observer interface {
	ObserveStage(stage, outcome string, elapsed time.Duration)
	AddFetchedBytes(n int64)
}

type nopObserver struct{}

func (nopObserver) ObserveStage(string, string, time.Duration) {}
func (nopObserver) AddFetchedBytes(int64)                      {}

// Options configures a Worker.
type Options struct {
	// PollInterval is the fallback admission interval; submits and
	// finished jobs wake the worker immediately.
	PollInterval time.Duration
	// Retention enables pruning of completed outputs older than this.
	Retention time.Duration
	// JanitorInterval defaults to a quarter of Retention.
	JanitorInterval time.Duration
	Pruner          Pruner
	Observer        Observer
	Logger          zerolog.Logger
}

// Worker admits queued jobs in creation order and runs their stages.
type Worker struct {
	svc         *domain.JobService
	fetcher     domain.Fetcher
	transformer domain.Transformer
	store       domain.OutputStore

	pollInterval    time.Duration
	retention       time.Duration
	janitorInterval time.Duration
	pruner          Pruner
	observer        Observer
	tracer          trace.Tracer
	log             zerolog.Logger

	wg sync.WaitGroup
}

// New creates a new worker.
func New(svc *domain.JobService, fetcher domain.Fetcher, transformer domain.Transformer, store domain.OutputStore, opts Options) *Worker {
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 5 * time.Second
	}
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	janitor := opts.JanitorInterval
	if janitor <= 0 {
		janitor = max(opts.Retention/4, time.Second)
	}
	return &Worker{
		svc:             svc,
		fetcher:         fetcher,
		transformer:     transformer,
		store:           store,
		pollInterval:    poll,
		retention:       opts.Retention,
		janitorInterval: janitor,
		pruner:          opts.Pruner,
		observer:        observer,
		tracer:          otel.Tracer(tracerName),
		log:             opts.Logger,
	}
}

// Run admits jobs until ctx is cancelled. On shutdown it cancels every
// unfinished job and waits for running stages to return.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info().Dur("poll", w.pollInterval).Int("max_concurrent", w.svc.MaxConcurrent()).Msg("worker started")
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	if w.retention > 0 && w.pruner != nil {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.runJanitor(ctx)
		}()
	}

	w.dispatch()
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("worker shutting down")
			w.svc.CancelAll()
			w.wg.Wait()
			return
		case <-w.svc.Wake():
			w.dispatch()
		case <-ticker.C:
			w.dispatch()
		}
	}
}

// dispatch claims queued jobs oldest first until no slot is left.
func (w *Worker) dispatch() {
	for _, job := range w.svc.NextQueued() {
		claimed, jobCtx, err := w.svc.Claim(job.ID)
		if errors.Is(err, domain.ErrNoSlot) {
			return
		}
		if err != nil {
			// cancelled since it was listed
			continue
		}

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.process(jobCtx, claimed)
		}()
	}
}

func (w *Worker) process(ctx context.Context, job domain.Job) {
	log := w.log.With().Str("job", job.ID).Logger()
	progress := func(p domain.Progress) { w.svc.ReportProgress(job.ID, p) }

	staging, err := w.store.StagingPath(job.ID)
	if err != nil {
		w.svc.Finish(job.ID, err)
		return
	}

	var n int64
	err = w.stage(ctx, "fetch", job, func(ctx context.Context) error {
		var ferr error
		n, ferr = w.fetcher.Fetch(ctx, job.SourceURL, staging, progress)
		return ferr
	})
	if err != nil {
		log.Warn().Err(err).Msg("fetch failed")
		w.svc.Finish(job.ID, err)
		return
	}
	w.observer.AddFetchedBytes(n)
	log.Debug().Int64("bytes", n).Msg("fetched source")

	if ctx.Err() != nil {
		w.svc.Finish(job.ID, context.Cause(ctx))
		return
	}
	if err := w.svc.BeginTransform(job.ID); err != nil {
		log.Info().Err(err).Msg("job ended before transform")
		return
	}

	dest, err := w.store.OutputPath(job.ID, job.TargetExtension)
	if err != nil {
		w.svc.Finish(job.ID, err)
		return
	}

	var out string
	err = w.stage(ctx, "transform", job, func(ctx context.Context) error {
		var terr error
		out, terr = w.transformer.Transform(ctx, staging, job.TargetExtension, dest, progress)
		return terr
	})
	if err != nil {
		log.Warn().Err(err).Msg("transform failed")
		w.svc.Finish(job.ID, err)
		return
	}

	if err := w.store.RemoveStaging(job.ID); err != nil {
		log.Warn().Err(err).Msg("remove staged source")
	}
	if err := w.svc.Complete(job.ID, out); err != nil {
		// the job was reclaimed while the transform ran
		log.Warn().Err(err).Msg("discarding output of finished job")
		if err := w.store.Discard(job.ID); err != nil {
			log.Warn().Err(err).Msg("discard output")
		}
	}
}

// stage runs fn inside a span and records its duration and outcome.
func (w *Worker) stage(ctx context.Context, name string, job domain.Job, fn func(context.Context) error) error {
	ctx, span := w.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.extension", job.TargetExtension),
	))
	defer span.End()

	began := time.Now()
	err := fn(ctx)
	w.observer.ObserveStage(name, outcome(err), time.Since(began))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrCancelled):
		return "cancelled"
	case errors.Is(err, domain.ErrTimeout):
		return "timeout"
	default:
		return "error"
	}
}

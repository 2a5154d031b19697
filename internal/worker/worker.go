// Package worker drives the evaluation loop: claim a queued job, run its
// stage graph, persist the result, and repeat. A background sweep returns
// jobs abandoned by crashed workers to the queue.
package worker

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/livability/internal/model"
	"github.com/sells-group/livability/internal/scheduler"
	"github.com/sells-group/livability/internal/stages"
	"github.com/sells-group/livability/internal/store"
)

// Config tunes the worker loop.
type Config struct {
	StageWorkers  int           // bounded pool size per job
	IdleSleep     time.Duration // pause when the queue is empty
	SweepInterval time.Duration // how often to look for stale jobs
	StaleAfter    time.Duration // running longer than this means abandoned
}

// DefaultConfig returns the standard worker tuning.
func DefaultConfig() Config {
	return Config{
		StageWorkers:  scheduler.DefaultWorkers,
		IdleSleep:     2 * time.Second,
		SweepInterval: 30 * time.Second,
		StaleAfter:    10 * time.Minute,
	}
}

// Worker claims and evaluates jobs until its context is cancelled.
type Worker struct {
	store   store.Store
	builder *stages.Builder
	cfg     Config
}

// New creates a Worker.
func New(st store.Store, builder *stages.Builder, cfg Config) *Worker {
	if cfg.StageWorkers <= 0 {
		cfg.StageWorkers = scheduler.DefaultWorkers
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = 2 * time.Second
	}
	return &Worker{store: st, builder: builder, cfg: cfg}
}

// Run executes the claim loop and the stale sweep until ctx is cancelled.
// Cancellation is a clean shutdown and returns nil.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return w.claimLoop(ctx) })
	if w.cfg.SweepInterval > 0 {
		g.Go(func() error { return w.sweepLoop(ctx) })
	}

	if err := g.Wait(); err != nil && !eris.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (w *Worker) claimLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		claimed, err := w.ProcessNext(ctx)
		if err != nil {
			zap.L().Error("worker: process job", zap.Error(err))
		}
		if claimed {
			continue
		}

		select {
		case <-time.After(w.cfg.IdleSleep):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ProcessNext claims and evaluates at most one job. It reports whether a job
// was claimed; evaluation failures are recorded on the job, not returned.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx)
	if err != nil {
		return false, eris.Wrap(err, "worker: claim job")
	}
	if job == nil {
		return false, nil
	}

	w.process(ctx, job)
	return true, nil
}

func (w *Worker) process(ctx context.Context, job *model.Job) {
	log := zap.L().With(zap.String("job_id", job.ID), zap.String("address", job.Address))
	log.Info("worker: evaluating job")
	start := time.Now()

	graph, err := w.builder.Build(job.Address)
	if err != nil {
		w.fail(ctx, job.ID, eris.Wrap(err, "worker: build graph"))
		return
	}

	res, err := scheduler.New(graph, w.cfg.StageWorkers, w.store).Run(ctx, job.ID)
	if err != nil {
		w.fail(ctx, job.ID, err)
		return
	}

	report, _ := res.Stages[stages.StageReport].Output.(*stages.ReportOutput)
	if report == nil {
		w.fail(ctx, job.ID, eris.Errorf("worker: report stage produced no output: %s",
			res.Stages[stages.StageReport].Error))
		return
	}

	result := &model.EvaluationResult{
		JobID:     job.ID,
		Address:   job.Address,
		Location:  report.Location,
		Stages:    res.Stages,
		Scores:    report.Scores,
		Overall:   report.Overall,
		Services:  res.Trace.Services(),
		CreatedAt: time.Now().UTC(),
	}

	ref, err := w.store.SaveResult(ctx, result)
	if err != nil {
		w.fail(ctx, job.ID, eris.Wrap(err, "worker: save result"))
		return
	}

	if err := w.store.CompleteJob(ctx, job.ID, ref); err != nil {
		if eris.Is(err, store.ErrInvalidTransition) {
			// Another actor finished or requeued this job while we ran.
			// Abandon our outcome; theirs stands.
			log.Warn("worker: job no longer running, abandoning completion")
			return
		}
		log.Error("worker: complete job", zap.Error(err))
		return
	}

	log.Info("worker: job done",
		zap.String("result_ref", ref),
		zap.Float64("overall", result.Overall),
		zap.Duration("elapsed", time.Since(start)))
}

func (w *Worker) fail(ctx context.Context, jobID string, cause error) {
	log := zap.L().With(zap.String("job_id", jobID))
	log.Warn("worker: job failed", zap.Error(cause))

	if err := w.store.FailJob(ctx, jobID, cause.Error()); err != nil {
		if eris.Is(err, store.ErrInvalidTransition) {
			log.Warn("worker: job no longer running, abandoning failure")
			return
		}
		log.Error("worker: record failure", zap.Error(err))
	}
}

func (w *Worker) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := w.store.RequeueStaleJobs(ctx, w.cfg.StaleAfter)
			if err != nil {
				zap.L().Error("worker: stale sweep", zap.Error(err))
				continue
			}
			if n > 0 {
				zap.L().Warn("worker: requeued stale jobs", zap.Int("count", n))
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

package sync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const (
	otelScope       = "taskmirror/sync"
	spanPass        = "sync.pass"
	metricPulled    = "taskmirror.sync.items.pulled"
	metricPushed    = "taskmirror.sync.items.pushed"
	metricDeleted   = "taskmirror.sync.items.deleted"
	metricConflicts = "taskmirror.sync.conflicts"
	metricAnomalies = "taskmirror.sync.anomalies"
)

// Watcher reports remote changes as they happen. Watch blocks until ctx is
// cancelled or the subscription fails, calling notify for every change.
// Implemented by [homeassistant.Source].
type Watcher interface {
	Watch(ctx context.Context, notify func()) error
}

// Engine drives a Provider: one pass at start-up, then one per schedule tick
// and one per change notification. Create one with [NewEngine] and start it
// with [Engine.Run].
type Engine struct {
	provider *Provider
	schedule cron.Schedule
	watcher  Watcher
	log      *slog.Logger

	// OTel instruments, no-op when telemetry is disabled.
	tracer       trace.Tracer
	cntPulled    metric.Int64Counter
	cntPushed    metric.Int64Counter
	cntDeleted   metric.Int64Counter
	cntConflicts metric.Int64Counter
	cntAnomalies metric.Int64Counter
}

// NewEngine creates an Engine. watcher may be nil, in which case the engine
// only runs on schedule.
func NewEngine(provider *Provider, schedule cron.Schedule, watcher Watcher, logger *slog.Logger) *Engine {
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Engine{
		provider: provider,
		schedule: schedule,
		watcher:  watcher,
		log:      logger,

		tracer:       otel.Tracer(otelScope),
		cntPulled:    mustCounter(metricPulled, "Number of items copied from the remote to the local cache"),
		cntPushed:    mustCounter(metricPushed, "Number of items copied from the local cache to the remote"),
		cntDeleted:   mustCounter(metricDeleted, "Number of item deletions propagated"),
		cntConflicts: mustCounter(metricConflicts, "Number of conflicts resolved in favour of the remote"),
		cntAnomalies: mustCounter(metricAnomalies, "Number of calendar-level anomalies"),
	}
}

// RunOnce performs a single pass, recording a trace span and metrics.
func (e *Engine) RunOnce(ctx context.Context) (*Report, error) {
	ctx, span := e.tracer.Start(ctx, spanPass)
	defer span.End()

	report, err := e.provider.Sync(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return report, err
	}

	add := func(c metric.Int64Counter, n int) {
		if n > 0 {
			c.Add(ctx, int64(n))
		}
	}
	deleted := report.Count(ActionDeletedLocally) + report.Count(ActionDeletedRemotely)
	add(e.cntPulled, report.Count(ActionPulled))
	add(e.cntPushed, report.Count(ActionPushed))
	add(e.cntDeleted, deleted)
	add(e.cntConflicts, len(report.Conflicts))
	add(e.cntAnomalies, len(report.Anomalies))

	span.SetAttributes(
		attribute.Int("sync.pulled", report.Count(ActionPulled)),
		attribute.Int("sync.pushed", report.Count(ActionPushed)),
		attribute.Int("sync.deleted", deleted),
		attribute.Int("sync.conflicts", len(report.Conflicts)),
		attribute.Int("sync.anomalies", len(report.Anomalies)),
		attribute.Bool("sync.checkpoint_advanced", report.CheckpointAdvanced),
	)
	return report, nil
}

// pass runs RunOnce and logs the outcome; used by the loop.
func (e *Engine) pass(ctx context.Context, trigger string) {
	_, err := e.RunOnce(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrSyncInProgress):
		e.log.Debug("sync pass skipped, another is running", "trigger", trigger)
	case ctx.Err() != nil:
	default:
		e.log.Error("sync pass failed", "trigger", trigger, "error", err)
	}
}

// Run starts the scheduled loop and the optional watcher. It blocks until ctx
// is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	changed := make(chan struct{}, 1)

	if e.watcher != nil {
		go func() {
			err := e.watcher.Watch(ctx, func() {
				select {
				case changed <- struct{}{}:
				default:
				}
			})
			if err != nil && ctx.Err() == nil {
				e.log.Error("change subscription ended, falling back to schedule only", "error", err)
			}
		}()
	}

	// Run an immediate first pass.
	e.pass(ctx, "startup")

	for {
		next := e.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		e.log.Debug("next scheduled sync", "at", next)

		select {
		case <-ctx.Done():
			timer.Stop()
			e.log.Info("sync engine shutting down")
			return ctx.Err()
		case <-timer.C:
			e.pass(ctx, "schedule")
		case <-changed:
			timer.Stop()
			e.log.Debug("change notification triggered sync")
			e.pass(ctx, "watch")
		}
	}
}

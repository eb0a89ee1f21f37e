package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-hr/internal/jobs"
	"github.com/odyssey-erp/odyssey-hr/internal/rbac"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// ReconcileJob re-applies the bootstrap manifest so catalog entries or system
// roles removed out of band are restored.
type ReconcileJob struct {
	Repo     rbac.Repository
	Manifest rbac.Manifest
	Options  rbac.Options
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewReconcileJob wires dependencies for the reconcile handler.
func NewReconcileJob(repo rbac.Repository, manifest rbac.Manifest, opts rbac.Options, metrics *jobmetrics.Metrics) *ReconcileJob {
	return &ReconcileJob{Repo: repo, Manifest: manifest, Options: opts, Logger: opts.Logger, Metrics: metrics}
}

// Handle processes TaskRBACReconcile tasks.
func (j *ReconcileJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Repo == nil {
		return errors.New("rbac reconcile: handler not configured")
	}
	var payload ReconcilePayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}

	tracker := j.metrics().Track(TaskRBACReconcile)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger()
	result, err := rbac.Bootstrap(ctx, j.Repo, j.Manifest, j.Options)
	if err != nil {
		logger.Error("reconcile manifest", slog.Any("error", err))
		return err
	}
	j.metrics().AddReconciled("permission", result.PermissionsCreated)
	j.metrics().AddReconciled("role", result.RolesCreated)
	j.metrics().AddReconciled("grant", result.GrantsCreated)

	restored := result.PermissionsCreated + result.RolesCreated
	if restored == 0 && payload.Resync && j.Options.Invalidator != nil {
		if err := j.Options.Invalidator.Invalidate(ctx); err != nil {
			logger.Warn("grant cache resync", slog.Any("error", err))
		}
	}
	logger.Info("reconcile completed",
		slog.Int("permissions_restored", result.PermissionsCreated),
		slog.Int("roles_restored", result.RolesCreated),
		slog.Int("grants_restored", result.GrantsCreated))
	return nil
}

// ResyncJob bumps the shared grant cache version.
type ResyncJob struct {
	Invalidator rbac.Invalidator
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
}

// Handle processes TaskGrantCacheResync tasks.
func (j *ResyncJob) Handle(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Invalidator == nil {
		return errors.New("grant cache resync: handler not configured")
	}
	metrics := j.Metrics
	if metrics == nil {
		metrics = defaultJobMetrics
	}
	tracker := metrics.Track(TaskGrantCacheResync)
	err := j.Invalidator.Invalidate(ctx)
	if err != nil && j.Logger != nil {
		j.Logger.Error("grant cache resync", slog.Any("error", err))
	}
	return tracker.End(err)
}

func (j *ReconcileJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskRBACReconcile))
	}
	return slog.Default().With(slog.String("job", TaskRBACReconcile))
}

func (j *ReconcileJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

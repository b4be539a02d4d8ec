package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-access/internal/jobs"
	"github.com/odyssey-erp/odyssey-access/internal/observability"
)

const defaultSweepLookback = 10 * time.Minute

// BoundaryLister finds users whose grants, assignments or role permissions start or end
// inside (from, to].
type BoundaryLister interface {
	ListUsersWithBoundaries(ctx context.Context, from, to time.Time) ([]int64, error)
}

// UserInvalidator drops cached permission sets.
type UserInvalidator interface {
	InvalidateUsers(ctx context.Context, userIDs ...int64) error
}

// ValiditySweepJob evicts cached permission sets that a validity boundary made stale.
type ValiditySweepJob struct {
	Store       BoundaryLister
	Invalidator UserInvalidator
	Lookback    time.Duration
	Logger      *slog.Logger
	Metrics     *observability.Metrics
	JobMetrics  *jobmetrics.Metrics
	clock       func() time.Time
}

// NewValiditySweepJob wires dependencies for the sweep handler.
func NewValiditySweepJob(store BoundaryLister, invalidator UserInvalidator, lookback time.Duration, logger *slog.Logger, metrics *observability.Metrics, jm *jobmetrics.Metrics) *ValiditySweepJob {
	if lookback <= 0 {
		lookback = defaultSweepLookback
	}
	return &ValiditySweepJob{
		Store:       store,
		Invalidator: invalidator,
		Lookback:    lookback,
		Logger:      logger,
		Metrics:     metrics,
		JobMetrics:  jm,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes TaskValiditySweep tasks.
func (j *ValiditySweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Store == nil || j.Invalidator == nil {
		return errors.New("validity sweep: handler not configured")
	}
	var payload ValiditySweepPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	_, err := j.Sweep(ctx, payload.Lookback())
	return err
}

// Sweep invalidates every user with a boundary in (now-lookback, now] and returns them.
func (j *ValiditySweepJob) Sweep(ctx context.Context, lookback time.Duration) (users []int64, err error) {
	if lookback <= 0 {
		lookback = j.Lookback
	}
	tracker := j.JobMetrics.Track(TaskValiditySweep)
	defer func() {
		err = tracker.End(err)
	}()

	now := j.now()
	logger := j.logger().With(slog.Duration("lookback", lookback))

	users, err = j.Store.ListUsersWithBoundaries(ctx, now.Add(-lookback), now)
	if err != nil {
		logger.Error("list validity boundaries", slog.Any("error", err))
		return nil, err
	}
	if len(users) == 0 {
		logger.Debug("no validity boundaries crossed")
		return users, nil
	}
	if err := j.Invalidator.InvalidateUsers(ctx, users...); err != nil {
		logger.Error("invalidate swept users", slog.Int("users", len(users)), slog.Any("error", err))
		return nil, err
	}
	j.Metrics.ObserveSweep(len(users))
	logger.Info("completed validity sweep", slog.Int("users", len(users)))
	return users, nil
}

func (j *ValiditySweepJob) now() time.Time {
	if j.clock == nil {
		return time.Now().UTC()
	}
	return j.clock()
}

func (j *ValiditySweepJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

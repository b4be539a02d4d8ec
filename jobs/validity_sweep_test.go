package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-access/internal/domain"
	"github.com/odyssey-erp/odyssey-access/internal/repository"
	"github.com/odyssey-erp/odyssey-access/internal/repository/memory"
)

type recordingInvalidator struct {
	users []int64
	err   error
}

func (r *recordingInvalidator) InvalidateUsers(_ context.Context, userIDs ...int64) error {
	r.users = append(r.users, userIDs...)
	return r.err
}

var sweepNow = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func sweepStore(t *testing.T) *memory.Store {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	store.AddUsers(1, 2, 3)
	store.PutPermission(domain.Permission{ID: 1, Code: "ledger.read", Resource: "ledger", Action: "read", Scope: domain.ScopeAny, IsActive: true})

	starts := sweepNow.Add(-2 * time.Minute)
	stale := sweepNow.Add(-2 * time.Hour)
	later := sweepNow.Add(time.Hour)
	require.NoError(t, store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		for _, g := range []domain.UserPermissionGrant{
			{UserID: 1, PermissionID: 1, IsGranted: true, ValidFrom: &starts},
			{UserID: 2, PermissionID: 1, IsGranted: true, ValidFrom: &stale},
			{UserID: 3, PermissionID: 1, IsGranted: true, ValidUntil: &later},
		} {
			if _, err := tx.InsertUserGrant(ctx, g); err != nil {
				return err
			}
		}
		return nil
	}))
	return store
}

func newSweepJob(store BoundaryLister, inv UserInvalidator) *ValiditySweepJob {
	job := NewValiditySweepJob(store, inv, 10*time.Minute, nil, nil, nil)
	job.clock = func() time.Time { return sweepNow }
	return job
}

func TestValiditySweepInvalidatesCrossedBoundaries(t *testing.T) {
	inv := &recordingInvalidator{}
	job := newSweepJob(sweepStore(t), inv)

	task, err := NewValiditySweepTask(0)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, []int64{1}, inv.users)
}

func TestValiditySweepPayloadLookback(t *testing.T) {
	inv := &recordingInvalidator{}
	job := newSweepJob(sweepStore(t), inv)

	task, err := NewValiditySweepTask(3 * time.Hour)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, []int64{1, 2}, inv.users)
}

func TestValiditySweepNothingToDo(t *testing.T) {
	inv := &recordingInvalidator{}
	job := newSweepJob(memory.New(), inv)

	users, err := job.Sweep(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, users)
	assert.Nil(t, inv.users)
}

func TestValiditySweepErrors(t *testing.T) {
	boom := errors.New("redis down")
	job := newSweepJob(sweepStore(t), &recordingInvalidator{err: boom})

	_, err := job.Sweep(context.Background(), 0)
	require.ErrorIs(t, err, boom)

	err = job.Handle(context.Background(), asynq.NewTask(TaskValiditySweep, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	var unset *ValiditySweepJob
	require.Error(t, unset.Handle(context.Background(), asynq.NewTask(TaskValiditySweep, nil)))
}

func TestEverySpec(t *testing.T) {
	assert.Equal(t, "@every 5m0s", EverySpec(5*time.Minute))
}

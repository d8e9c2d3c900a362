package janitor

import (
	"context"
	"testing"
	"time"

	"github.com/brwyatt/dffmpeg/pkg/storage"
	"github.com/brwyatt/dffmpeg/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestSweepWorkerLiveness(t *testing.T) {
	repo := storage.NewMemRepository()
	ctx := context.Background()
	now := time.Now()

	_, err := repo.WorkerRegister(ctx, storage.WorkerRegistration{
		WorkerID:              "w1",
		RegistrationIntervalS: 15,
	}, now.Add(-time.Minute))
	require.NoError(t, err)

	running := &types.Job{JobID: "jr", State: types.JobRunning, AssigneeID: "w1", LastHeartbeatAt: now}
	require.NoError(t, repo.JobsSubmit(ctx, running))
	require.NoError(t, repo.JobTransition(ctx, "jr", []types.JobState{types.JobPending}, types.JobRunning,
		storage.JobTransitionFields{AssigneeID: strPtr("w1")}, now))

	assigned := &types.Job{JobID: "ja", State: types.JobAssigned, AssigneeID: "w1"}
	require.NoError(t, repo.JobsSubmit(ctx, assigned))
	require.NoError(t, repo.JobTransition(ctx, "ja", []types.JobState{types.JobPending}, types.JobAssigned,
		storage.JobTransitionFields{AssigneeID: strPtr("w1")}, now))

	j := New(repo, Config{WorkerThresholdFactor: 1.5}, nil)
	// 1.5 * 15s = 22.5s; the worker hasn't been seen in a full minute.
	j.sweepWorkerLiveness(ctx, now)

	w, err := repo.WorkerGet(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, types.WorkerOffline, w.Status)

	jr, err := repo.JobGet(ctx, "jr")
	require.NoError(t, err)
	require.Equal(t, types.JobFailed, jr.State)
	require.Equal(t, types.FailureWorkerLost, jr.FailureKind)

	ja, err := repo.JobGet(ctx, "ja")
	require.NoError(t, err)
	require.Equal(t, types.JobPending, ja.State)
	require.Empty(t, ja.AssigneeID)
}

func TestSweepAssignmentTimeout(t *testing.T) {
	repo := storage.NewMemRepository()
	ctx := context.Background()
	now := time.Now()

	job := &types.Job{JobID: "j1", CreatedAt: now.Add(-time.Hour)}
	require.NoError(t, repo.JobsSubmit(ctx, job))
	require.NoError(t, repo.JobTransition(ctx, "j1", []types.JobState{types.JobPending}, types.JobAssigned,
		storage.JobTransitionFields{AssigneeID: strPtr("w1"), AssignedAt: timePtr(now.Add(-time.Minute))}, now.Add(-time.Minute)))

	woke := false
	j := New(repo, Config{JobAssignmentTimeout: 30 * time.Second}, func() { woke = true })
	j.sweepAssignmentTimeout(ctx, now)

	got, err := repo.JobGet(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, types.JobPending, got.State)
	require.Empty(t, got.AssigneeID)
	require.True(t, woke)
}

func TestSweepHeartbeatTimeout(t *testing.T) {
	repo := storage.NewMemRepository()
	ctx := context.Background()
	now := time.Now()

	job := &types.Job{JobID: "j1", HeartbeatIntervalS: 10}
	require.NoError(t, repo.JobsSubmit(ctx, job))
	require.NoError(t, repo.JobTransition(ctx, "j1", []types.JobState{types.JobPending}, types.JobRunning,
		storage.JobTransitionFields{AssigneeID: strPtr("w1")}, now.Add(-time.Minute)))
	// LastHeartbeatAt defaults to zero time, which is long stale.

	j := New(repo, Config{JobHeartbeatThresholdFactor: 1.5}, nil)
	j.sweepHeartbeatTimeout(ctx, now)

	got, err := repo.JobGet(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, types.JobFailed, got.State)
	require.Equal(t, types.FailureHeartbeatLost, got.FailureKind)
}

func TestSweepPendingTimeoutNoEligibleWorker(t *testing.T) {
	repo := storage.NewMemRepository()
	ctx := context.Background()
	now := time.Now()

	job := &types.Job{JobID: "j1", RequiredVariables: []string{"Z"}, CreatedAt: now.Add(-time.Minute)}
	require.NoError(t, repo.JobsSubmit(ctx, job))

	j := New(repo, Config{JobPendingTimeout: 30 * time.Second}, nil)
	j.sweepPendingTimeout(ctx, now)

	got, err := repo.JobGet(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, types.JobFailed, got.State)
	require.Equal(t, types.FailureNoEligibleWorker, got.FailureKind)
}

func TestSweepCancelingTimeoutForcesCanceled(t *testing.T) {
	repo := storage.NewMemRepository()
	ctx := context.Background()
	now := time.Now()

	job := &types.Job{JobID: "j1"}
	require.NoError(t, repo.JobsSubmit(ctx, job))
	require.NoError(t, repo.JobTransition(ctx, "j1", []types.JobState{types.JobPending}, types.JobRunning,
		storage.JobTransitionFields{AssigneeID: strPtr("w1")}, now))
	require.NoError(t, repo.JobTransition(ctx, "j1", []types.JobState{types.JobRunning}, types.JobCanceling,
		storage.JobTransitionFields{}, now.Add(-time.Minute)))

	j := New(repo, Config{JobAssignmentTimeout: 30 * time.Second}, nil)
	j.sweepCancelingTimeout(ctx, now)

	got, err := repo.JobGet(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, types.JobCanceled, got.State)
}

func TestRunOnceIsIdempotent(t *testing.T) {
	repo := storage.NewMemRepository()
	ctx := context.Background()
	now := time.Now()

	job := &types.Job{JobID: "j1", RequiredVariables: []string{"Z"}, CreatedAt: now.Add(-time.Hour)}
	require.NoError(t, repo.JobsSubmit(ctx, job))

	j := New(repo, Config{JobPendingTimeout: 30 * time.Second}, nil)
	j.RunOnce()
	first, err := repo.JobGet(ctx, "j1")
	require.NoError(t, err)

	j.RunOnce()
	second, err := repo.JobGet(ctx, "j1")
	require.NoError(t, err)

	require.Equal(t, first.State, second.State)
	require.Equal(t, types.JobFailed, second.State)
}

func TestSweepDownlinkExpiry(t *testing.T) {
	repo := storage.NewMemRepository()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, repo.DownlinkEnqueue(ctx, &types.DownlinkMessage{
		RecipientID: "w-gone", Kind: types.DownlinkJobAssigned, CreatedAt: now.Add(-time.Hour),
	}))
	require.NoError(t, repo.DownlinkEnqueue(ctx, &types.DownlinkMessage{
		RecipientID: "w1", Kind: types.DownlinkPing, CreatedAt: now,
	}))

	j := New(repo, Config{DownlinkTTL: 15 * time.Minute}, nil)
	j.sweepDownlinkExpiry(ctx, now)

	stale, err := repo.DownlinkDrain(ctx, "w-gone", 10, now)
	require.NoError(t, err)
	require.Empty(t, stale, "hour-old undrained message must be expired")

	fresh, err := repo.DownlinkDrain(ctx, "w1", 10, now)
	require.NoError(t, err)
	require.Len(t, fresh, 1, "a message within the TTL must survive the sweep")
}

func TestSweepDownlinkExpiryDisabledByZeroTTL(t *testing.T) {
	repo := storage.NewMemRepository()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, repo.DownlinkEnqueue(ctx, &types.DownlinkMessage{
		RecipientID: "w1", Kind: types.DownlinkPing, CreatedAt: now.Add(-24 * time.Hour),
	}))

	j := New(repo, Config{}, nil)
	j.sweepDownlinkExpiry(ctx, now)

	msgs, err := repo.DownlinkDrain(ctx, "w1", 10, now)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func strPtr(s string) *string     { return &s }
func timePtr(t time.Time) *time.Time { return &t }

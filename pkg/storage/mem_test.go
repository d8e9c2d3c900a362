package storage

import (
	"context"
	"testing"
	"time"

	apperrors "github.com/brwyatt/dffmpeg/pkg/errors"
	"github.com/brwyatt/dffmpeg/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerRegisterIsIdempotent(t *testing.T) {
	r := NewMemRepository()
	ctx := context.Background()
	now := time.Now()

	reg := WorkerRegistration{WorkerID: "w1", RegistrationIntervalS: 15, AdvertisedBinaries: []string{"ffmpeg"}}
	w, err := r.WorkerRegister(ctx, reg, now)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerOnline, w.Status)

	w2, err := r.WorkerRegister(ctx, reg, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, w.WorkerID, w2.WorkerID)
	assert.True(t, w2.LastSeenAt.After(w.LastSeenAt) || w2.LastSeenAt.Equal(w.LastSeenAt))
}

func TestWorkerHeartbeatUnknownWorker(t *testing.T) {
	r := NewMemRepository()
	err := r.WorkerHeartbeat(context.Background(), "ghost", time.Now())
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeNotFound))
}

func TestJobsAssignOneRespectsEligibility(t *testing.T) {
	r := NewMemRepository()
	ctx := context.Background()
	now := time.Now()

	_, err := r.WorkerRegister(ctx, WorkerRegistration{
		WorkerID:            "w1",
		AdvertisedBinaries:  []string{"ffmpeg"},
		AdvertisedVariables: []string{"M", "TV"},
	}, now)
	require.NoError(t, err)

	job := &types.Job{
		JobID:             "01J0000000000000000000001",
		Binary:            "ffmpeg",
		RequiredVariables: []string{"M"},
		CreatedAt:         now,
	}
	require.NoError(t, r.JobsSubmit(ctx, job))

	assignment, err := r.JobsAssignOne(ctx, nil, nil, now)
	require.NoError(t, err)
	require.NotNil(t, assignment)
	assert.Equal(t, "w1", assignment.WorkerID)

	got, err := r.JobGet(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobAssigned, got.State)
	assert.Equal(t, "w1", got.AssigneeID)
}

func TestJobsAssignOneSkipsIneligibleWorker(t *testing.T) {
	r := NewMemRepository()
	ctx := context.Background()
	now := time.Now()

	_, err := r.WorkerRegister(ctx, WorkerRegistration{
		WorkerID:            "w1",
		AdvertisedBinaries:  []string{"ffmpeg"},
		AdvertisedVariables: []string{"TV"}, // missing required variable M
	}, now)
	require.NoError(t, err)

	job := &types.Job{JobID: "j1", Binary: "ffmpeg", RequiredVariables: []string{"M"}, CreatedAt: now}
	require.NoError(t, r.JobsSubmit(ctx, job))

	assignment, err := r.JobsAssignOne(ctx, nil, nil, now)
	require.NoError(t, err)
	assert.Nil(t, assignment)
}

func TestJobsAssignOneBreaksTiesByRunningCountThenID(t *testing.T) {
	r := NewMemRepository()
	ctx := context.Background()
	now := time.Now()

	for _, id := range []string{"w2", "w1"} {
		_, err := r.WorkerRegister(ctx, WorkerRegistration{
			WorkerID:           id,
			AdvertisedBinaries: []string{"ffmpeg"},
		}, now)
		require.NoError(t, err)
	}

	job := &types.Job{JobID: "j1", Binary: "ffmpeg", CreatedAt: now}
	require.NoError(t, r.JobsSubmit(ctx, job))

	assignment, err := r.JobsAssignOne(ctx, nil, nil, now)
	require.NoError(t, err)
	require.NotNil(t, assignment)
	assert.Equal(t, "w1", assignment.WorkerID, "lexicographically smallest worker_id wins among equal running counts")
}

func TestJobTransitionConditional(t *testing.T) {
	r := NewMemRepository()
	ctx := context.Background()
	now := time.Now()

	job := &types.Job{JobID: "j1", Binary: "ffmpeg", CreatedAt: now}
	require.NoError(t, r.JobsSubmit(ctx, job))

	err := r.JobTransition(ctx, "j1", []types.JobState{types.JobAssigned}, types.JobRunning, JobTransitionFields{}, now)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConflict))

	err = r.JobTransition(ctx, "j1", []types.JobState{types.JobPending}, types.JobCanceled, JobTransitionFields{}, now)
	require.NoError(t, err)

	// terminal states are absorbing
	err = r.JobTransition(ctx, "j1", []types.JobState{types.JobCanceled}, types.JobPending, JobTransitionFields{}, now)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConflict))
}

func TestJobHeartbeatMonotonic(t *testing.T) {
	r := NewMemRepository()
	ctx := context.Background()
	now := time.Now()

	job := &types.Job{JobID: "j1", Binary: "ffmpeg", CreatedAt: now}
	require.NoError(t, r.JobsSubmit(ctx, job))
	require.NoError(t, r.JobTransition(ctx, "j1", []types.JobState{types.JobPending}, types.JobAssigned, JobTransitionFields{}, now))

	require.NoError(t, r.JobHeartbeat(ctx, "j1", now.Add(time.Second)))
	require.NoError(t, r.JobHeartbeat(ctx, "j1", now)) // older timestamp is simply ignored, not an error

	got, err := r.JobGet(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Second).Unix(), got.LastHeartbeatAt.Unix())
}

func TestJobAppendLogIsDenseFromZero(t *testing.T) {
	r := NewMemRepository()
	ctx := context.Background()
	now := time.Now()

	job := &types.Job{JobID: "j1", Binary: "ffmpeg", CreatedAt: now}
	require.NoError(t, r.JobsSubmit(ctx, job))

	first, last, err := r.JobAppendLog(ctx, "j1", []LogLine{
		{Stream: types.StreamStdout, Text: "line 1", EmittedAt: now},
		{Stream: types.StreamStdout, Text: "line 2", EmittedAt: now},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), first)
	assert.Equal(t, int64(1), last)

	first2, last2, err := r.JobAppendLog(ctx, "j1", []LogLine{{Stream: types.StreamStderr, Text: "line 3", EmittedAt: now}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), first2)
	assert.Equal(t, int64(2), last2)

	logs, err := r.JobLogs(ctx, "j1", -1, 0)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	for i, l := range logs {
		assert.Equal(t, int64(i), l.Seq)
	}
}

func TestDownlinkEnqueueDrain(t *testing.T) {
	r := NewMemRepository()
	ctx := context.Background()

	require.NoError(t, r.DownlinkEnqueue(ctx, &types.DownlinkMessage{RecipientID: "w1", Kind: types.DownlinkJobAssigned}))

	msgs, err := r.DownlinkDrain(ctx, "w1", 10, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, types.DownlinkJobAssigned, msgs[0].Kind)
}

func TestDownlinkExpireRemovesOnlyStaleMessages(t *testing.T) {
	r := NewMemRepository()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, r.DownlinkEnqueue(ctx, &types.DownlinkMessage{RecipientID: "w1", Kind: types.DownlinkPing, CreatedAt: now.Add(-time.Hour)}))
	require.NoError(t, r.DownlinkEnqueue(ctx, &types.DownlinkMessage{RecipientID: "w1", Kind: types.DownlinkJobAssigned, CreatedAt: now}))
	require.NoError(t, r.DownlinkEnqueue(ctx, &types.DownlinkMessage{RecipientID: "w2", Kind: types.DownlinkPing, CreatedAt: now.Add(-time.Hour)}))

	removed, err := r.DownlinkExpire(ctx, now.Add(-15*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	msgs, err := r.DownlinkDrain(ctx, "w1", 10, now)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, types.DownlinkJobAssigned, msgs[0].Kind)

	msgs, err = r.DownlinkDrain(ctx, "w2", 10, now)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestDownlinkDrainWakesOnEnqueue(t *testing.T) {
	r := NewMemRepository()
	ctx := context.Background()

	done := make(chan []*types.DownlinkMessage, 1)
	go func() {
		msgs, _ := r.DownlinkDrain(ctx, "w1", 10, time.Now().Add(5*time.Second))
		done <- msgs
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, r.DownlinkEnqueue(ctx, &types.DownlinkMessage{RecipientID: "w1", Kind: types.DownlinkPing}))

	select {
	case msgs := <-done:
		require.Len(t, msgs, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("DownlinkDrain did not wake on enqueue")
	}
}

func TestDownlinkDrainTimesOut(t *testing.T) {
	r := NewMemRepository()
	msgs, err := r.DownlinkDrain(context.Background(), "nobody", 10, time.Now().Add(10*time.Millisecond))
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

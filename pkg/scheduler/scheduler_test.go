package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/brwyatt/dffmpeg/pkg/storage"
	"github.com/brwyatt/dffmpeg/pkg/transport"
	"github.com/brwyatt/dffmpeg/pkg/types"
	"github.com/stretchr/testify/require"
)

// captureTransport records every Send so tests can assert on push
// dispatch without a broker.
type captureTransport struct {
	name string

	mu   sync.Mutex
	sent []*types.DownlinkMessage
}

func (c *captureTransport) Name() string                { return c.name }
func (c *captureTransport) Start(context.Context) error { return nil }
func (c *captureTransport) Stop() error                 { return nil }
func (c *captureTransport) CanSend(string) bool         { return true }

func (c *captureTransport) Send(_ context.Context, msg *types.DownlinkMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *captureTransport) messages() []*types.DownlinkMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.DownlinkMessage(nil), c.sent...)
}

func TestSchedulerAssignsEligibleJob(t *testing.T) {
	repo := storage.NewMemRepository()
	ctx := context.Background()
	now := time.Now()

	_, err := repo.WorkerRegister(ctx, storage.WorkerRegistration{
		WorkerID:           "w1",
		AdvertisedBinaries: []string{"ffmpeg"},
		AdvertisedVariables: []string{"M"},
	}, now)
	require.NoError(t, err)

	job := &types.Job{
		JobID:             "j1",
		Binary:            "ffmpeg",
		RequiredVariables: []string{"M"},
		CreatedAt:         now,
	}
	require.NoError(t, repo.JobsSubmit(ctx, job))

	s := New(repo, nil, Config{Tick: time.Hour})
	s.runOnce()

	got, err := repo.JobGet(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, types.JobAssigned, got.State)
	require.Equal(t, "w1", got.AssigneeID)

	msgs, err := repo.DownlinkDrain(ctx, "w1", 10, time.Now())
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, types.DownlinkJobAssigned, msgs[0].Kind)
}

func TestSchedulerPushesAssignmentOverNegotiatedTransport(t *testing.T) {
	repo := storage.NewMemRepository()
	ctx := context.Background()
	now := time.Now()

	_, err := repo.WorkerRegister(ctx, storage.WorkerRegistration{
		WorkerID:           "w1",
		AdvertisedBinaries: []string{"ffmpeg"},
		TransportChoice:    "mqtt",
	}, now)
	require.NoError(t, err)
	require.NoError(t, repo.JobsSubmit(ctx, &types.Job{JobID: "j1", Binary: "ffmpeg", CreatedAt: now}))

	capture := &captureTransport{name: "mqtt"}
	registry := transport.NewRegistryWithDefaults()
	registry.Register(capture)

	s := New(repo, registry, Config{Tick: time.Hour})
	s.runOnce()

	pushed := capture.messages()
	require.Len(t, pushed, 1)
	require.Equal(t, types.DownlinkJobAssigned, pushed[0].Kind)
	require.Equal(t, "w1", pushed[0].RecipientID)

	// The durable row is enqueued regardless of the push.
	msgs, err := repo.DownlinkDrain(ctx, "w1", 10, time.Now())
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, types.DownlinkJobAssigned, msgs[0].Kind)
}

func TestSchedulerYieldsWithNoEligibleWorker(t *testing.T) {
	repo := storage.NewMemRepository()
	ctx := context.Background()
	now := time.Now()

	job := &types.Job{JobID: "j1", Binary: "ffmpeg", RequiredVariables: []string{"Z"}, CreatedAt: now}
	require.NoError(t, repo.JobsSubmit(ctx, job))

	s := New(repo, nil, Config{Tick: time.Hour})
	s.runOnce()

	got, err := repo.JobGet(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, types.JobPending, got.State)
}

func TestSchedulerRespectsAllowedBinaries(t *testing.T) {
	repo := storage.NewMemRepository()
	ctx := context.Background()
	now := time.Now()

	_, err := repo.WorkerRegister(ctx, storage.WorkerRegistration{
		WorkerID:           "w1",
		AdvertisedBinaries: []string{"ffprobe"},
	}, now)
	require.NoError(t, err)

	job := &types.Job{JobID: "j1", Binary: "ffprobe", CreatedAt: now}
	require.NoError(t, repo.JobsSubmit(ctx, job))

	s := New(repo, nil, Config{Tick: time.Hour, AllowedBinaries: []string{"ffmpeg"}})
	s.runOnce()

	got, err := repo.JobGet(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, types.JobPending, got.State, "ffprobe is not in the allowed-binaries list")
}

func TestSchedulerDrainsMultipleJobsInOnePass(t *testing.T) {
	repo := storage.NewMemRepository()
	ctx := context.Background()
	now := time.Now()

	for _, id := range []string{"w1", "w2"} {
		_, err := repo.WorkerRegister(ctx, storage.WorkerRegistration{
			WorkerID:           id,
			AdvertisedBinaries: []string{"ffmpeg"},
		}, now)
		require.NoError(t, err)
	}
	for _, id := range []string{"j1", "j2"} {
		require.NoError(t, repo.JobsSubmit(ctx, &types.Job{JobID: id, Binary: "ffmpeg", CreatedAt: now}))
	}

	s := New(repo, nil, Config{Tick: time.Hour})
	s.runOnce()

	for _, id := range []string{"j1", "j2"} {
		got, err := repo.JobGet(ctx, id)
		require.NoError(t, err)
		require.Equal(t, types.JobAssigned, got.State)
	}
}

func TestSchedulerWakeCoalesces(t *testing.T) {
	s := New(storage.NewMemRepository(), nil, Config{Tick: time.Hour})
	s.Wake()
	s.Wake()
	s.Wake()
	require.Len(t, s.wakeCh, 1, "repeated wake-ups must coalesce into a single pending pass")
}

func TestSchedulerStartStop(t *testing.T) {
	s := New(storage.NewMemRepository(), nil, Config{Tick: 10 * time.Millisecond})
	s.Start()
	time.Sleep(30 * time.Millisecond)
	s.Stop()
}

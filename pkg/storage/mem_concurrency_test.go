package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/brwyatt/dffmpeg/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestJobsAssignOneNoDoubleAssignment checks that under concurrent
// jobs_assign_one callers, no job is assigned twice.
func TestJobsAssignOneNoDoubleAssignment(t *testing.T) {
	r := NewMemRepository()
	ctx := context.Background()
	now := time.Now()

	const numJobs = 50
	const numWorkers = 5
	const numFibers = 20

	for i := 0; i < numWorkers; i++ {
		_, err := r.WorkerRegister(ctx, WorkerRegistration{
			WorkerID:           fmt.Sprintf("w%02d", i),
			AdvertisedBinaries: []string{"ffmpeg"},
		}, now)
		require.NoError(t, err)
	}
	for i := 0; i < numJobs; i++ {
		job := &types.Job{JobID: fmt.Sprintf("j%04d", i), Binary: "ffmpeg", CreatedAt: now.Add(time.Duration(i) * time.Millisecond)}
		require.NoError(t, r.JobsSubmit(ctx, job))
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]int)
	)

	for f := 0; f < numFibers; f++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				assignment, err := r.JobsAssignOne(ctx, nil, nil, now)
				if err != nil || assignment == nil {
					return
				}
				mu.Lock()
				seen[assignment.JobID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	for jobID, count := range seen {
		assert.Equal(t, 1, count, "job %s was assigned %d times", jobID, count)
	}
}

package metrics

import (
	"context"
	"time"

	"github.com/brwyatt/dffmpeg/pkg/storage"
	"github.com/brwyatt/dffmpeg/pkg/types"
)

// Collector polls a Repository on a ticker and republishes its state as
// gauges.
type Collector struct {
	repo   storage.Repository
	stopCh chan struct{}
}

// NewCollector returns a Collector for repo.
func NewCollector(repo storage.Repository) *Collector {
	return &Collector{repo: repo, stopCh: make(chan struct{})}
}

// Start begins collecting on a 15s ticker, collecting once immediately.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c.collectWorkers(ctx)
	c.collectJobs(ctx)
}

func (c *Collector) collectWorkers(ctx context.Context) {
	workers, err := c.repo.WorkerList(ctx)
	if err != nil {
		return
	}
	counts := map[types.WorkerStatus]float64{types.WorkerOnline: 0, types.WorkerOffline: 0}
	for _, w := range workers {
		counts[w.Status]++
	}
	for status, n := range counts {
		WorkersTotal.WithLabelValues(string(status)).Set(n)
	}
}

func (c *Collector) collectJobs(ctx context.Context) {
	states := []types.JobState{
		types.JobPending, types.JobAssigned, types.JobRunning,
		types.JobCanceling, types.JobCompleted, types.JobFailed, types.JobCanceled,
	}
	for _, state := range states {
		jobs, err := c.repo.JobsQuery(ctx, storage.JobFilter{State: state}, 0)
		if err != nil {
			continue
		}
		JobsTotal.WithLabelValues(string(state)).Set(float64(len(jobs)))
	}
}

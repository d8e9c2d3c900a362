package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimerObserveDuration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(time.Millisecond)
	assert.Greater(t, timer.Duration(), time.Duration(0))
	timer.ObserveDuration(SchedulingLatency)
}

func TestTimerObserveDurationVec(t *testing.T) {
	timer := NewTimer()
	timer.ObserveDurationVec(APIRequestDuration, "/api/v1/jobs")
}

func TestHandlerNotNil(t *testing.T) {
	assert.NotNil(t, Handler())
}

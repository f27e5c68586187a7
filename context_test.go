package switchml

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchml/switchml/config"
)

func dummyConfig(numWorkers, numWorkerThreads uint16) *config.Config {
	cfg := config.Default()
	cfg.General.NumWorkers = numWorkers
	cfg.General.NumWorkerThreads = numWorkerThreads
	cfg.General.Backend = "dummy"
	cfg.Backend.Dummy.Bandwidth = 0 // no pacing in tests
	return cfg
}

func TestContextLifecycle(t *testing.T) {
	ctx := NewContext()
	assert.Equal(t, StateCreated, ctx.State())

	require.NoError(t, ctx.Start(dummyConfig(1, 2)))
	assert.Equal(t, StateRunning, ctx.State())

	// Starting twice is a state error.
	err := ctx.Start(dummyConfig(1, 2))
	assert.True(t, errors.Is(err, ErrState))

	ctx.Stop()
	assert.Equal(t, StateStopped, ctx.State())

	// Stopping again is harmless.
	ctx.Stop()
	assert.Equal(t, StateStopped, ctx.State())
}

func TestContextRejectsInvalidConfig(t *testing.T) {
	cfg := dummyConfig(1, 2)
	cfg.General.Backend = "carrier-pigeon"
	err := NewContext().Start(cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfig))
}

func TestContextRejectsSubmissionWhenNotRunning(t *testing.T) {
	ctx := NewContext()
	in := make([]int32, 16)
	_, err := ctx.AllReduceAsync(NewInt32Tensor(in, in), SumOp)
	assert.True(t, errors.Is(err, ErrState))
}

func TestAllReduceInt32ThroughDummyBackend(t *testing.T) {
	const numWorkers = 3
	ctx := NewContext()
	require.NoError(t, ctx.Start(dummyConfig(numWorkers, 4)))
	defer ctx.Stop()

	in := make([]int32, 1000)
	out := make([]int32, 1000)
	for i := range in {
		in[i] = int32(i) - 500
	}

	job, err := ctx.AllReduce(NewInt32Tensor(in, out), SumOp)
	require.NoError(t, err)
	assert.Equal(t, JobFinished, job.Status())

	for i := range in {
		require.Equal(t, in[i]*numWorkers, out[i], "element %d", i)
	}
}

func TestAllReduceFloat32ThroughDummyBackend(t *testing.T) {
	const numWorkers = 2
	ctx := NewContext()
	require.NoError(t, ctx.Start(dummyConfig(numWorkers, 2)))
	defer ctx.Stop()

	in := make([]float32, 513) // odd size exercises the remainder slice
	out := make([]float32, 513)
	for i := range in {
		in[i] = float32(i) * 0.25
	}

	job, err := ctx.AllReduce(NewFloat32Tensor(in, out), SumOp)
	require.NoError(t, err)
	assert.Equal(t, JobFinished, job.Status())

	for i := range in {
		require.Equal(t, in[i]*numWorkers, out[i], "element %d", i)
	}
}

func TestWaitForAllJobs(t *testing.T) {
	ctx := NewContext()
	require.NoError(t, ctx.Start(dummyConfig(2, 2)))
	defer ctx.Stop()

	jobs := make([]*Job, 8)
	in := make([]int32, 512)
	for i := range jobs {
		job, err := ctx.AllReduceAsync(NewInt32Tensor(in, make([]int32, len(in))), SumOp)
		require.NoError(t, err)
		jobs[i] = job
	}
	require.NoError(t, ctx.WaitForAllJobs())
	for i, job := range jobs {
		assert.Equal(t, JobFinished, job.Status(), "job %d", i)
	}

	submitted, finished := ctx.GetStats().JobCounts()
	assert.EqualValues(t, 8, submitted)
	assert.EqualValues(t, 8, finished)
}

func TestInstantJobCompletion(t *testing.T) {
	cfg := dummyConfig(2, 2)
	cfg.General.InstantJobCompletion = true
	ctx := NewContext()
	require.NoError(t, ctx.Start(cfg))
	defer ctx.Stop()

	in := []int32{1, 2, 3, 4}
	out := make([]int32, 4)
	job, err := ctx.AllReduce(NewInt32Tensor(in, out), SumOp)
	require.NoError(t, err)
	assert.Equal(t, JobFinished, job.Status())
	// Instant completion skips all backend communication, so the output is
	// untouched.
	assert.Equal(t, []int32{0, 0, 0, 0}, out)
}

func TestStopMidFlightFailsJob(t *testing.T) {
	cfg := dummyConfig(1, 1)
	// Slow enough that the job is still in flight when Stop lands.
	cfg.Backend.Dummy.Bandwidth = 0.001
	ctx := NewContext()
	require.NoError(t, ctx.Start(cfg))

	in := make([]int32, 1<<16)
	job, err := ctx.AllReduceAsync(NewInt32Tensor(in, make([]int32, len(in))), SumOp)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	stopDone := make(chan struct{})
	go func() {
		ctx.Stop()
		close(stopDone)
	}()

	select {
	case <-stopDone:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not finish within 3s")
	}

	// Every handle must be terminal with no goroutine left blocked.
	done := make(chan JobStatus, 1)
	go func() { done <- job.WaitToComplete() }()
	select {
	case status := <-done:
		assert.Equal(t, JobFailed, status)
	case <-time.After(3 * time.Second):
		t.Fatal("job handle not terminal within 3s of Stop")
	}
}

func TestJobStatusAdvancesMonotonically(t *testing.T) {
	in := make([]int32, 4)
	job := newJob(NewInt32Tensor(in, in), SumOp)
	assert.Equal(t, JobInit, job.Status())
	job.setStatus(JobQueued)
	job.setStatus(JobRunning)
	job.setStatus(JobRunning) // repeated status is allowed
	job.setStatus(JobFinished)
	assert.Equal(t, JobFinished, job.WaitToComplete(), "WaitToComplete must not block on a finished job")
}

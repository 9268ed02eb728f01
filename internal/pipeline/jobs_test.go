package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snublejuice/vinskraper/internal/metrics"
)

func TestJob_RunOnceTracksStatus(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	fail := true
	j := NewJob(JobConfig{Name: "harvest", Interval: time.Hour}, func(context.Context) error {
		if fail {
			return errors.New("boom")
		}
		return nil
	}, m, zerolog.Nop())

	err := j.RunOnce(context.Background())
	require.Error(t, err)

	status := j.Status()
	assert.Equal(t, "harvest", status.Name)
	assert.Equal(t, "1h0m0s", status.Interval)
	assert.False(t, status.Ready)
	assert.False(t, status.InProgress)
	assert.Equal(t, "boom", status.LastError)
	assert.Equal(t, int64(1), status.FailedRuns)
	assert.NotNil(t, status.LastAttemptAt)
	assert.Nil(t, status.LastSuccessAt)

	fail = false
	require.NoError(t, j.RunOnce(context.Background()))

	status = j.Status()
	assert.True(t, status.Ready)
	assert.True(t, j.IsReady())
	assert.Empty(t, status.LastError)
	assert.Equal(t, int64(1), status.SuccessfulRuns)
	assert.NotNil(t, status.LastSuccessAt)
}

func TestJob_TriggerContextTimeoutWhenLoopNotRunning(t *testing.T) {
	j := NewJob(JobConfig{Name: "shops"}, func(context.Context) error { return nil }, nil, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := j.Trigger(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestJob_RunTriggerAndRequest(t *testing.T) {
	var runs atomic.Int32
	j := NewJob(JobConfig{Name: "availability", Interval: time.Hour}, func(context.Context) error {
		runs.Add(1)
		return nil
	}, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Run(ctx)
		close(done)
	}()

	triggerCtx, triggerCancel := context.WithTimeout(context.Background(), time.Second)
	defer triggerCancel()
	require.NoError(t, j.Trigger(triggerCtx))
	assert.Equal(t, int32(1), runs.Load())

	assert.True(t, j.Request())
	require.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job loop did not stop after context cancellation")
	}
}

func TestJob_RequestCoalesces(t *testing.T) {
	j := NewJob(JobConfig{Name: "harvest"}, func(context.Context) error { return nil }, nil, zerolog.Nop())
	assert.True(t, j.Request())
	assert.False(t, j.Request())
	assert.True(t, j.Status().Pending)
}

func TestJob_RunOnStartup(t *testing.T) {
	var runs atomic.Int32
	j := NewJob(JobConfig{Name: "harvest", Interval: time.Hour, RunOnStartup: true}, func(context.Context) error {
		runs.Add(1)
		return nil
	}, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go j.Run(ctx)

	require.Eventually(t, j.IsReady, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
}

func TestJobs_RegistryAndStatuses(t *testing.T) {
	ok := func(context.Context) error { return nil }
	jobs := NewJobs(
		NewJob(JobConfig{Name: "shops"}, ok, nil, zerolog.Nop()),
		NewJob(JobConfig{Name: "harvest"}, ok, nil, zerolog.Nop()),
	)

	_, err := jobs.Get("missing")
	require.ErrorIs(t, err, ErrUnknownJob)

	j, err := jobs.Get("harvest")
	require.NoError(t, err)
	assert.Equal(t, "harvest", j.Name())

	status, accepted, err := jobs.Request("shops")
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.True(t, status.Pending)
	_, accepted, err = jobs.Request("shops")
	require.NoError(t, err)
	assert.False(t, accepted)
	_, _, err = jobs.Request("missing")
	require.ErrorIs(t, err, ErrUnknownJob)

	statuses := jobs.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "harvest", statuses[0].Name)
	assert.Equal(t, "shops", statuses[1].Name)
	assert.False(t, jobs.Ready())

	require.NoError(t, j.RunOnce(context.Background()))
	assert.False(t, jobs.Ready())

	shops, err := jobs.Get("shops")
	require.NoError(t, err)
	require.NoError(t, shops.RunOnce(context.Background()))
	assert.True(t, jobs.Ready())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		jobs.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("jobs did not stop after context cancellation")
	}
}

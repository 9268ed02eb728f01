package pipeline

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/snublejuice/vinskraper/internal/metrics"
	"github.com/snublejuice/vinskraper/pkg/types"
)

const defaultJobInterval = 24 * time.Hour

// ErrUnknownJob is returned when a job name is not registered.
var ErrUnknownJob = errors.New("unknown job")

// JobFunc is one cycle of a job.
type JobFunc func(ctx context.Context) error

// JobConfig contains job-loop settings.
type JobConfig struct {
	Name         string
	Interval     time.Duration
	RunOnStartup bool
}

// JobStatus captures current and last-run job state.
type JobStatus = types.JobStatus

// Job runs a JobFunc periodically and on demand.
type Job struct {
	name      string
	fn        JobFunc
	interval  time.Duration
	onStartup bool
	metrics   *metrics.Metrics
	log       zerolog.Logger
	now       func() time.Time

	forceRunCh chan chan error
	pendingCh  chan struct{}

	runMu   sync.Mutex
	stateMu sync.RWMutex
	status  JobStatus

	ready atomic.Bool
}

// NewJob creates a job.
func NewJob(cfg JobConfig, fn JobFunc, m *metrics.Metrics, logger zerolog.Logger) *Job {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultJobInterval
	}
	return &Job{
		name:       cfg.Name,
		fn:         fn,
		interval:   interval,
		onStartup:  cfg.RunOnStartup,
		metrics:    m,
		log:        logger.With().Str("component", "jobs").Str("job", cfg.Name).Logger(),
		now:        time.Now,
		forceRunCh: make(chan chan error),
		pendingCh:  make(chan struct{}, 1),
		status:     JobStatus{Name: cfg.Name, Interval: interval.String()},
	}
}

// Name returns the job name.
func (j *Job) Name() string { return j.name }

// Run starts the job loop and blocks until ctx is canceled.
func (j *Job) Run(ctx context.Context) {
	if j.onStartup {
		if err := j.RunOnce(ctx); err != nil {
			j.log.Error().Err(err).Msg("initial run failed")
		}
	}

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.RunOnce(ctx); err != nil {
				j.log.Error().Err(err).Msg("periodic run failed")
			}
		case <-j.pendingCh:
			if err := j.RunOnce(ctx); err != nil {
				j.log.Error().Err(err).Msg("requested run failed")
			}
		case resultCh := <-j.forceRunCh:
			resultCh <- j.RunOnce(ctx)
		}
	}
}

// Trigger requests an immediate run and waits for the result. It requires
// Run to be active.
func (j *Job) Trigger(ctx context.Context) error {
	resultCh := make(chan error, 1)

	select {
	case j.forceRunCh <- resultCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Request schedules a run without waiting for it. It returns false when a
// requested run is already pending.
func (j *Job) Request() bool {
	select {
	case j.pendingCh <- struct{}{}:
		return true
	default:
		return false
	}
}

// IsReady reports whether at least one run has succeeded.
func (j *Job) IsReady() bool {
	return j.ready.Load()
}

// Status returns the latest job status snapshot.
func (j *Job) Status() JobStatus {
	j.stateMu.RLock()
	defer j.stateMu.RUnlock()

	statusCopy := j.status
	statusCopy.Ready = j.ready.Load()
	statusCopy.Pending = len(j.pendingCh) > 0
	statusCopy.LastAttemptAt = cloneTimePtr(j.status.LastAttemptAt)
	statusCopy.LastSuccessAt = cloneTimePtr(j.status.LastSuccessAt)
	return statusCopy
}

// RunOnce executes one cycle. Concurrent calls are serialized.
func (j *Job) RunOnce(ctx context.Context) error {
	j.runMu.Lock()
	defer j.runMu.Unlock()

	startedAt := j.now().UTC()
	j.updateStatus(func(st *JobStatus) {
		st.InProgress = true
		st.LastAttemptAt = &startedAt
	})

	err := j.fn(ctx)
	elapsed := j.now().UTC().Sub(startedAt)
	j.metrics.ObserveJob(j.name, err, elapsed)

	if err != nil {
		j.updateStatus(func(st *JobStatus) {
			st.InProgress = false
			st.LastDuration = elapsed.String()
			st.LastError = err.Error()
			st.FailedRuns++
		})
		return err
	}

	j.ready.Store(true)
	completedAt := startedAt.Add(elapsed)
	j.updateStatus(func(st *JobStatus) {
		st.InProgress = false
		st.LastDuration = elapsed.String()
		st.LastSuccessAt = &completedAt
		st.LastError = ""
		st.SuccessfulRuns++
	})
	j.log.Info().Dur("elapsed", elapsed).Msg("run complete")
	return nil
}

func (j *Job) updateStatus(update func(*JobStatus)) {
	j.stateMu.Lock()
	defer j.stateMu.Unlock()
	update(&j.status)
}

// Jobs is a set of named jobs run together.
type Jobs struct {
	byName map[string]*Job
}

// NewJobs registers jobs by name. Later duplicates replace earlier ones.
func NewJobs(jobs ...*Job) *Jobs {
	byName := make(map[string]*Job, len(jobs))
	for _, j := range jobs {
		byName[j.Name()] = j
	}
	return &Jobs{byName: byName}
}

// Run starts every job loop and blocks until ctx is canceled and all loops
// have returned.
func (js *Jobs) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, j := range js.byName {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j.Run(ctx)
		}()
	}
	wg.Wait()
}

// Get returns the named job.
func (js *Jobs) Get(name string) (*Job, error) {
	j, ok := js.byName[name]
	if !ok {
		return nil, ErrUnknownJob
	}
	return j, nil
}

// Request schedules a run of the named job. accepted is false when a run is
// already pending.
func (js *Jobs) Request(name string) (status JobStatus, accepted bool, err error) {
	j, err := js.Get(name)
	if err != nil {
		return JobStatus{}, false, err
	}
	accepted = j.Request()
	return j.Status(), accepted, nil
}

// Statuses returns every job status ordered by name.
func (js *Jobs) Statuses() []JobStatus {
	out := make([]JobStatus, 0, len(js.byName))
	for _, j := range js.byName {
		out = append(out, j.Status())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// Ready reports whether every job has succeeded at least once.
func (js *Jobs) Ready() bool {
	for _, j := range js.byName {
		if !j.IsReady() {
			return false
		}
	}
	return true
}

func cloneTimePtr(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	t := *value
	return &t
}

package daemon

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/licitia/licitia-etl/internal/ingest"
	"github.com/licitia/licitia-etl/internal/models"
	"github.com/licitia/licitia-etl/internal/repository"
	"github.com/licitia/licitia-etl/internal/schedule"
)

type fakeTaskRepo struct {
	rows []models.TaskWithLastRun
	err  error
}

func (f *fakeTaskRepo) Register(string, string, schedule.Frequency) (models.Task, bool, error) {
	panic("not used")
}
func (f *fakeTaskRepo) RegisterDefaults(...string) (int, int, error) { panic("not used") }
func (f *fakeTaskRepo) GetByName(string, string) (models.Task, error) {
	panic("not used")
}
func (f *fakeTaskRepo) ListEnabled() ([]models.Task, error) { panic("not used") }
func (f *fakeTaskRepo) Disable(int64) error                 { panic("not used") }
func (f *fakeTaskRepo) ListWithLastRun() ([]models.TaskWithLastRun, error) {
	return f.rows, f.err
}

type fakeRunRepo struct {
	mu     sync.Mutex
	nextID int64
	runs   map[int64]*models.Run
}

func newFakeRunRepo() *fakeRunRepo {
	return &fakeRunRepo{runs: make(map[int64]*models.Run)}
}

func (f *fakeRunRepo) StartRun(taskID int64, pid int) (models.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.runs {
		if r.TaskID == taskID && r.Status == models.RunStatusRunning {
			return models.Run{}, repository.ErrAlreadyRunning
		}
	}
	f.nextID++
	run := &models.Run{
		RunID:     f.nextID,
		TaskID:    taskID,
		StartedAt: time.Now(),
		Status:    models.RunStatusRunning,
		ProcessID: &pid,
	}
	f.runs[run.RunID] = run
	return *run, nil
}

func (f *fakeRunRepo) FinishRun(runID int64, status models.RunStatus, inserted, omitted *int64, errMsg *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok || run.Status != models.RunStatusRunning {
		return repository.ErrRunNotRunning
	}
	now := time.Now()
	run.Status = status
	run.FinishedAt = &now
	run.RowsInserted = inserted
	run.RowsOmitted = omitted
	run.ErrorMessage = errMsg
	return nil
}

func (f *fakeRunRepo) ListRunning() ([]models.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Run
	for _, r := range f.runs {
		if r.Status == models.RunStatusRunning {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeRunRepo) LastRuns(int64, int) ([]models.Run, error) { panic("not used") }

func (f *fakeRunRepo) run(t *testing.T, id int64) models.Run {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	require.True(t, ok, "run %d not found", id)
	return *run
}

type fakeIngester struct {
	fn    func(conjunto, subconjunto string, opts ingest.Options) (ingest.Result, error)
	calls []string
}

func (f *fakeIngester) Run(_ context.Context, conjunto, subconjunto string, opts ingest.Options) (ingest.Result, error) {
	f.calls = append(f.calls, conjunto+"/"+subconjunto)
	if f.fn == nil {
		return ingest.Result{}, nil
	}
	return f.fn(conjunto, subconjunto, opts)
}

func dueTask(id int64, conjunto, subconjunto string) models.TaskWithLastRun {
	return models.TaskWithLastRun{
		Task: models.Task{
			TaskID:       id,
			Conjunto:     conjunto,
			Subconjunto:  subconjunto,
			ScheduleExpr: schedule.Monthly,
			Enabled:      true,
		},
	}
}

func newTestDaemon(tasks *fakeTaskRepo, runs *fakeRunRepo, ing *fakeIngester) *Daemon {
	d := New(tasks, runs, ing, Config{}, zerolog.Nop())
	d.now = func() time.Time { return time.Date(2026, time.February, 17, 10, 0, 0, 0, time.UTC) }
	d.processAlive = func(int) bool { return true }
	return d
}

func TestTickDispatchesDueTaskAndRecordsSuccess(t *testing.T) {
	tasks := &fakeTaskRepo{rows: []models.TaskWithLastRun{dueTask(1, "nacional", "licitaciones")}}
	runs := newFakeRunRepo()
	ing := &fakeIngester{fn: func(string, string, ingest.Options) (ingest.Result, error) {
		return ingest.Result{RowsInserted: 42, RowsOmitted: 7}, nil
	}}

	d := newTestDaemon(tasks, runs, ing)
	require.NoError(t, d.Tick(context.Background()))

	require.Equal(t, []string{"nacional/licitaciones"}, ing.calls)
	run := runs.run(t, 1)
	assert.Equal(t, models.RunStatusOK, run.Status)
	require.NotNil(t, run.FinishedAt)
	assert.Equal(t, int64(42), *run.RowsInserted)
	assert.Equal(t, int64(7), *run.RowsOmitted)
	assert.Nil(t, run.ErrorMessage)
}

func TestAdapterFailureIsRecordedAndDoesNotStopTheTick(t *testing.T) {
	tasks := &fakeTaskRepo{rows: []models.TaskWithLastRun{
		dueTask(1, "nacional", "licitaciones"),
		dueTask(2, "ted", "ted_es_can"),
	}}
	runs := newFakeRunRepo()
	ing := &fakeIngester{fn: func(conjunto, _ string, _ ingest.Options) (ingest.Result, error) {
		if conjunto == "nacional" {
			return ingest.Result{}, errors.New("portal unreachable")
		}
		return ingest.Result{RowsInserted: 1}, nil
	}}

	d := newTestDaemon(tasks, runs, ing)
	require.NoError(t, d.Tick(context.Background()))

	// Both tasks ran despite the first one failing.
	assert.Len(t, ing.calls, 2)
	failed := runs.run(t, 1)
	assert.Equal(t, models.RunStatusFailed, failed.Status)
	require.NotNil(t, failed.ErrorMessage)
	assert.Contains(t, *failed.ErrorMessage, "portal unreachable")
	assert.Equal(t, models.RunStatusOK, runs.run(t, 2).Status)
}

func TestRunningTaskIsSkippedWithoutError(t *testing.T) {
	tasks := &fakeTaskRepo{rows: []models.TaskWithLastRun{dueTask(1, "nacional", "licitaciones")}}
	runs := newFakeRunRepo()
	// A manual ingest already holds the running slot for this task.
	_, err := runs.StartRun(1, 1234)
	require.NoError(t, err)

	ing := &fakeIngester{}
	d := newTestDaemon(tasks, runs, ing)
	require.NoError(t, d.Tick(context.Background()))

	assert.Empty(t, ing.calls)
}

func TestStartRunMutualExclusion(t *testing.T) {
	runs := newFakeRunRepo()
	_, err := runs.StartRun(1, 100)
	require.NoError(t, err)
	_, err = runs.StartRun(1, 200)
	assert.ErrorIs(t, err, repository.ErrAlreadyRunning)

	running, err := runs.ListRunning()
	require.NoError(t, err)
	assert.Len(t, running, 1)
}

func TestYearRangedPortalGetsCurrentYear(t *testing.T) {
	tasks := &fakeTaskRepo{rows: []models.TaskWithLastRun{dueTask(1, "ted", "ted_es_can")}}
	runs := newFakeRunRepo()
	var gotYears string
	ing := &fakeIngester{fn: func(_, _ string, opts ingest.Options) (ingest.Result, error) {
		gotYears = opts.Years
		return ingest.Result{}, nil
	}}

	d := newTestDaemon(tasks, runs, ing)
	require.NoError(t, d.Tick(context.Background()))
	assert.Equal(t, "2026-2026", gotYears)
}

func TestListFailureIsReturnedForRetryNextTick(t *testing.T) {
	tasks := &fakeTaskRepo{err: errors.New("connection refused")}
	d := newTestDaemon(tasks, newFakeRunRepo(), &fakeIngester{})
	err := d.Tick(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestRecoverStaleRunsDeadProcess(t *testing.T) {
	runs := newFakeRunRepo()
	started, err := runs.StartRun(1, 4242)
	require.NoError(t, err)

	d := newTestDaemon(&fakeTaskRepo{}, runs, &fakeIngester{})
	runs.runs[started.RunID].StartedAt = d.now()
	d.processAlive = func(pid int) bool { return pid != 4242 }

	recovered, err := d.recoverStaleRuns()
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	run := runs.run(t, 1)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	require.NotNil(t, run.ErrorMessage)
	assert.Contains(t, *run.ErrorMessage, "no longer alive")
}

func TestRecoverStaleRunsTimeout(t *testing.T) {
	runs := newFakeRunRepo()
	started, err := runs.StartRun(1, 4242)
	require.NoError(t, err)
	runs.runs[started.RunID].StartedAt = time.Now().Add(-12 * time.Hour)

	d := New(&fakeTaskRepo{}, runs, &fakeIngester{}, Config{MaxRunDuration: 6 * time.Hour}, zerolog.Nop())
	d.processAlive = func(int) bool { return true }

	recovered, err := d.recoverStaleRuns()
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)
	require.NotNil(t, runs.run(t, 1).ErrorMessage)
	assert.Contains(t, *runs.run(t, 1).ErrorMessage, "maximum duration")
}

func TestRecoverStaleRunsLeavesHealthyRuns(t *testing.T) {
	runs := newFakeRunRepo()
	started, err := runs.StartRun(1, 4242)
	require.NoError(t, err)

	d := newTestDaemon(&fakeTaskRepo{}, runs, &fakeIngester{})
	runs.runs[started.RunID].StartedAt = d.now()
	recovered, err := d.recoverStaleRuns()
	require.NoError(t, err)
	assert.Zero(t, recovered)
	assert.Equal(t, models.RunStatusRunning, runs.run(t, 1).Status)
}

func TestFinishRunTwiceFailsLoudly(t *testing.T) {
	runs := newFakeRunRepo()
	run, err := runs.StartRun(1, 100)
	require.NoError(t, err)

	require.NoError(t, runs.FinishRun(run.RunID, models.RunStatusOK, nil, nil, nil))
	err = runs.FinishRun(run.RunID, models.RunStatusFailed, nil, nil, nil)
	assert.ErrorIs(t, err, repository.ErrRunNotRunning)
}

package runner_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/annoflow/internal/annotator"
	"github.com/kiranshivaraju/annoflow/internal/completion"
	"github.com/kiranshivaraju/annoflow/internal/objectstore"
	"github.com/kiranshivaraju/annoflow/internal/queue"
	"github.com/kiranshivaraju/annoflow/internal/runner"
	"github.com/kiranshivaraju/annoflow/internal/store"
	"github.com/kiranshivaraju/annoflow/internal/worker"
	"github.com/kiranshivaraju/annoflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const inputs = "inputs"

type fakeLauncher struct {
	mu     sync.Mutex
	tasks  []annotator.Task
	result func(annotator.Task) annotator.Result
	err    error
}

func (l *fakeLauncher) Launch(_ context.Context, t annotator.Task) (annotator.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	l.tasks = append(l.tasks, t)
	res := annotator.Result{ResultPath: t.ResultPath(), LogPath: t.LogPath()}
	if l.result != nil {
		res = l.result(t)
	}
	return annotator.Finished(res), nil
}

type fakeCompleter struct {
	mu    sync.Mutex
	calls []completion.Completion
}

func (c *fakeCompleter) Complete(_ context.Context, comp completion.Completion) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, comp)
	return nil
}

func (c *fakeCompleter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

type brokenStore struct {
	*store.MemoryStore
}

func (brokenStore) ConditionalUpdate(context.Context, uuid.UUID, store.Predicate, store.Fields) (store.UpdateResult, error) {
	return 0, errors.New("connection refused")
}

// staleReads always reports the job as PENDING, as a read racing another
// delivery's status write would.
type staleReads struct {
	*store.MemoryStore
}

func (s staleReads) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := s.MemoryStore.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	job.Status = models.JobStatusPending
	return job, nil
}

type fixture struct {
	jobs      *store.MemoryStore
	objects   *objectstore.MemoryStore
	launcher  *fakeLauncher
	completer *fakeCompleter
	runner    *runner.Runner
}

func newFixture(t *testing.T, wrap func(*store.MemoryStore) runner.JobUpdater) *fixture {
	t.Helper()
	f := &fixture{
		jobs:      store.NewMemoryStore(),
		objects:   objectstore.NewMemoryStore(),
		launcher:  &fakeLauncher{},
		completer: &fakeCompleter{},
	}
	var updater runner.JobUpdater = f.jobs
	if wrap != nil {
		updater = wrap(f.jobs)
	}
	f.runner = runner.New(context.Background(), updater, f.objects, f.launcher, f.completer, inputs, t.TempDir())
	return f
}

func (f *fixture) submit(t *testing.T) queue.Message {
	t.Helper()
	ctx := context.Background()
	job := &models.Job{
		ID:            uuid.New(),
		UserID:        "alice",
		Status:        models.JobStatusPending,
		InputRef:      "annoflow/alice/" + uuid.NewString() + "~free_1.vcf",
		InputFileName: "free_1.vcf",
		SubmitTime:    time.Now(),
	}
	require.NoError(t, f.jobs.PutJob(ctx, job))
	require.NoError(t, f.objects.Put(ctx, inputs, job.InputRef, bytes.NewReader([]byte("#CHROM\tPOS\n")), -1))

	body, err := json.Marshal(models.RunRequest{
		JobID:         job.ID,
		UserID:        job.UserID,
		InputRef:      job.InputRef,
		InputFileName: job.InputFileName,
		SubmitTime:    job.SubmitTime.Unix(),
	})
	require.NoError(t, err)
	return queue.Message{ID: "1", Body: body, Attempt: 1}
}

func jobID(t *testing.T, msg queue.Message) uuid.UUID {
	t.Helper()
	var req models.RunRequest
	require.NoError(t, json.Unmarshal(msg.Body, &req))
	return req.JobID
}

func wait(t *testing.T, r *runner.Runner) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Wait(ctx))
}

func TestHandle_StartsJob(t *testing.T) {
	f := newFixture(t, nil)
	msg := f.submit(t)
	id := jobID(t, msg)

	require.NoError(t, f.runner.Handle(context.Background(), msg))
	wait(t, f.runner)

	job, err := f.jobs.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, job.Status)

	require.Len(t, f.launcher.tasks, 1)
	task := f.launcher.tasks[0]
	assert.Contains(t, task.InputPath, id.String()+"~free_1.vcf")
	data, err := os.ReadFile(task.InputPath)
	require.NoError(t, err)
	assert.Equal(t, "#CHROM\tPOS\n", string(data))

	require.Equal(t, 1, f.completer.count())
	c := f.completer.calls[0]
	assert.Equal(t, id, c.JobID)
	assert.Equal(t, task.ResultPath(), c.ResultPath)
	assert.Equal(t, task.WorkDir, c.WorkDir)
}

func TestHandle_DuplicateRequestAcks(t *testing.T) {
	f := newFixture(t, nil)
	msg := f.submit(t)

	require.NoError(t, f.runner.Handle(context.Background(), msg))
	require.NoError(t, f.runner.Handle(context.Background(), msg))
	wait(t, f.runner)

	job, err := f.jobs.GetJob(context.Background(), jobID(t, msg))
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, job.Status)
	assert.Len(t, f.launcher.tasks, 1)
	assert.Equal(t, 1, f.completer.count())
}

func TestHandle_RedeliveryAfterRunningLaunchesNothing(t *testing.T) {
	f := newFixture(t, nil)
	msg := f.submit(t)
	require.NoError(t, f.runner.Handle(context.Background(), msg))
	wait(t, f.runner)
	require.Len(t, f.launcher.tasks, 1)
	first := f.launcher.tasks[0]

	// The redelivery must not touch the first task's files.
	require.NoError(t, f.objects.Put(context.Background(), inputs, mustInputRef(t, msg), bytes.NewReader([]byte("changed")), -1))
	require.NoError(t, f.runner.Handle(context.Background(), msg))
	wait(t, f.runner)

	assert.Len(t, f.launcher.tasks, 1)
	assert.Equal(t, 1, f.completer.count())
	data, err := os.ReadFile(first.InputPath)
	require.NoError(t, err)
	assert.Equal(t, "#CHROM\tPOS\n", string(data))
}

func TestHandle_RacingDeliveriesUseSeparateWorkDirs(t *testing.T) {
	f := newFixture(t, func(m *store.MemoryStore) runner.JobUpdater { return staleReads{m} })
	msg := f.submit(t)

	require.NoError(t, f.runner.Handle(context.Background(), msg))
	require.NoError(t, f.runner.Handle(context.Background(), msg))
	wait(t, f.runner)

	require.Len(t, f.launcher.tasks, 2)
	a, b := f.launcher.tasks[0], f.launcher.tasks[1]
	assert.NotEqual(t, a.WorkDir, b.WorkDir)
	assert.Equal(t, filepath.Dir(a.WorkDir), filepath.Dir(b.WorkDir))
	assert.Equal(t, jobID(t, msg).String(), filepath.Base(filepath.Dir(a.WorkDir)))
}

func mustInputRef(t *testing.T, msg queue.Message) string {
	t.Helper()
	var req models.RunRequest
	require.NoError(t, json.Unmarshal(msg.Body, &req))
	return req.InputRef
}

func TestHandle_TaskFailureLeavesJobRunning(t *testing.T) {
	f := newFixture(t, nil)
	f.launcher.result = func(annotator.Task) annotator.Result {
		return annotator.Result{Err: annotator.ErrMissingOutput}
	}
	msg := f.submit(t)

	require.NoError(t, f.runner.Handle(context.Background(), msg))
	wait(t, f.runner)

	assert.Zero(t, f.completer.count())
	job, err := f.jobs.GetJob(context.Background(), jobID(t, msg))
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, job.Status)
}

func TestHandle_LaunchFailureIsRetried(t *testing.T) {
	f := newFixture(t, nil)
	f.launcher.err = errors.New("fork: resource temporarily unavailable")
	msg := f.submit(t)

	err := f.runner.Handle(context.Background(), msg)
	require.Error(t, err)
	assert.Equal(t, worker.OutcomeRetry, worker.Classify(err))

	job, err := f.jobs.GetJob(context.Background(), jobID(t, msg))
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)
}

func TestHandle_StoreFailureIsRetried(t *testing.T) {
	f := newFixture(t, func(m *store.MemoryStore) runner.JobUpdater { return brokenStore{m} })
	msg := f.submit(t)

	err := f.runner.Handle(context.Background(), msg)
	assert.Equal(t, worker.OutcomeRetry, worker.Classify(err))
	wait(t, f.runner)
}

func TestHandle_PermanentFailures(t *testing.T) {
	f := newFixture(t, nil)

	err := f.runner.Handle(context.Background(), queue.Message{ID: "bad", Body: []byte("{not json")})
	assert.Equal(t, worker.OutcomeDeadLetter, worker.Classify(err))

	err = f.runner.Handle(context.Background(), queue.Message{ID: "empty", Body: []byte(`{"user_id":"alice"}`)})
	assert.Equal(t, worker.OutcomeDeadLetter, worker.Classify(err))

	body, _ := json.Marshal(models.RunRequest{JobID: uuid.New(), UserID: "alice", InputRef: "r", InputFileName: "x.vcf"})
	err = f.runner.Handle(context.Background(), queue.Message{ID: "unknown", Body: body})
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, worker.OutcomeDeadLetter, worker.Classify(err))

	msg := f.submit(t)
	require.NoError(t, f.objects.Delete(context.Background(), inputs, mustInputRef(t, msg)))
	err = f.runner.Handle(context.Background(), msg)
	assert.ErrorIs(t, err, objectstore.ErrNotFound)
	assert.Equal(t, worker.OutcomeDeadLetter, worker.Classify(err))
	assert.Empty(t, f.launcher.tasks)
}

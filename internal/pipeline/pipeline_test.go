package pipeline_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/annoflow/internal/annotator"
	"github.com/kiranshivaraju/annoflow/internal/archive"
	"github.com/kiranshivaraju/annoflow/internal/config"
	"github.com/kiranshivaraju/annoflow/internal/notify"
	"github.com/kiranshivaraju/annoflow/internal/objectstore"
	"github.com/kiranshivaraju/annoflow/internal/pipeline"
	"github.com/kiranshivaraju/annoflow/internal/profile"
	"github.com/kiranshivaraju/annoflow/internal/queue"
	"github.com/kiranshivaraju/annoflow/internal/store"
	"github.com/kiranshivaraju/annoflow/internal/submit"
	"github.com/kiranshivaraju/annoflow/pkg/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fileLauncher plays the annotation tool: it writes both output files and
// finishes immediately.
type fileLauncher struct{}

func (fileLauncher) Launch(_ context.Context, t annotator.Task) (annotator.Handle, error) {
	input, err := os.ReadFile(t.InputPath)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(t.ResultPath(), append([]byte("##annotated\n"), input...), 0o644); err != nil {
		return nil, err
	}
	if err := os.WriteFile(t.LogPath(), []byte("variants: 1\n"), 0o644); err != nil {
		return nil, err
	}
	return annotator.Finished(annotator.Result{ResultPath: t.ResultPath(), LogPath: t.LogPath()}), nil
}

type recordingSender struct {
	mu       sync.Mutex
	sent     []notify.Email
	err      error
	attempts int
}

func (s *recordingSender) Send(_ context.Context, e notify.Email) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, e)
	return nil
}

func (s *recordingSender) tries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *recordingSender) first() notify.Email {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[0]
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Queue: config.QueueConfig{
			Backend:           "redis",
			WaitTime:          50 * time.Millisecond,
			VisibilityTimeout: time.Minute,
			MaxMessages:       1,
			RequestQueue:      "q_requests",
			ResultQueue:       "q_results",
			ArchiveQueue:      "q_archive",
			ThawQueue:         "q_thaw",
			RestoreQueue:      "q_restore",
			RequestTopic:      "t_requests",
			ResultTopic:       "t_results",
			ArchiveTopic:      "t_archive",
			ThawTopic:         "t_thaw",
			RestoreTopic:      "t_restore",
			DelayKey:          "delayed:archive",
		},
		ObjectStore: config.ObjectStoreConfig{
			InputsBucket:  "inputs",
			ResultsBucket: "results",
			KeyPrefix:     "annoflow/",
		},
		Worker: config.WorkerConfig{
			Concurrency:     1,
			ShutdownTimeout: time.Second,
			ArchiveDelay:    0,
			SchedulerTick:   20 * time.Millisecond,
			WorkDir:         t.TempDir(),
			StepRetryBudget: time.Second,
		},
		Notify: config.NotifyConfig{DetailURLPrefix: "https://annoflow.example.com/annotations/"},
	}
	q := &cfg.Queue
	q.TopicBindings = map[string][]string{
		q.RequestTopic: {q.RequestQueue},
		q.ResultTopic:  {q.ResultQueue},
		q.ArchiveTopic: {q.ArchiveQueue},
		q.ThawTopic:    {q.ThawQueue},
		q.RestoreTopic: {q.RestoreQueue},
	}
	return cfg
}

type harness struct {
	cfg     *config.Config
	jobs    *store.MemoryStore
	objects *objectstore.MemoryStore
	archive *archive.MemoryArchive
	fabric  *queue.Fabric
	sender  *recordingSender
	submit  *submit.Service
}

// start runs every role against miniredis queues and in-memory stores.
func start(t *testing.T) *harness {
	t.Helper()
	return startWith(t, nil)
}

// startWith lets configure adjust the harness before the pipeline is built.
func startWith(t *testing.T, configure func(*harness)) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := testConfig(t)
	fabric, err := queue.Open(ctx, cfg, rdb, "test-worker")
	require.NoError(t, err)

	h := &harness{
		cfg:     cfg,
		jobs:    store.NewMemoryStore(),
		objects: objectstore.NewMemoryStore(),
		archive: archive.NewMemoryArchive(),
		fabric:  fabric,
		sender:  &recordingSender{},
	}
	if configure != nil {
		configure(h)
	}
	profiles := profile.NewCachedLookup(h.jobs, nil, 0)
	h.submit = submit.NewService(h.jobs, profiles, fabric.Publisher, cfg.Queue.RequestTopic, cfg.Queue.ThawTopic)

	p, err := pipeline.Build(ctx, cfg, pipeline.Deps{
		Jobs:      h.jobs,
		Profiles:  profiles,
		Objects:   h.objects,
		Archive:   h.archive,
		Queues:    fabric,
		Publisher: fabric.Publisher,
		Scheduler: queue.NewDelayScheduler(rdb, cfg.Queue.DelayKey, fabric.Publisher, cfg.Queue.ArchiveTopic),
		Launcher:  fileLauncher{},
		Sender:    h.sender,
	}, pipeline.AllRoles)
	require.NoError(t, err)
	require.Len(t, p.Loops(), 5)

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("pipeline did not stop")
		}
		_ = fabric.Close()
		_ = rdb.Close()
	})
	return h
}

func (h *harness) waitFor(t *testing.T, job *models.Job, what string, cond func(*models.Job) bool) *models.Job {
	t.Helper()
	var last *models.Job
	require.Eventually(t, func() bool {
		j, err := h.jobs.GetJob(context.Background(), job.ID)
		if err != nil {
			return false
		}
		last = j
		return cond(j)
	}, 5*time.Second, 20*time.Millisecond, "job never reached %s", what)
	return last
}

func TestPipeline_FreeUserLifecycle(t *testing.T) {
	h := start(t)
	ctx := context.Background()

	require.NoError(t, h.jobs.UpsertProfile(ctx, &models.UserProfile{
		UserID: "alice", Name: "Alice", Email: "alice@example.com", Tier: models.TierFree,
	}))
	inputKey := "annoflow/alice/upload~free_1.vcf"
	require.NoError(t, h.objects.Put(ctx, "inputs", inputKey, bytes.NewReader([]byte("#CHROM\tPOS\n")), -1))

	job, err := h.submit.Submit(ctx, submit.Request{UserID: "alice", InputRef: inputKey})
	require.NoError(t, err)
	assert.Equal(t, "free_1.vcf", job.InputFileName)

	// Completed, announced, then archived once the download window passes.
	cold := h.waitFor(t, job, "cold", func(j *models.Job) bool {
		_, ok := j.ArchiveState().(models.Cold)
		return ok
	})
	assert.Equal(t, models.JobStatusCompleted, cold.Status)
	resultKey := objectstore.ResultKey("annoflow/", "alice", job.ID, "free_1.vcf")
	assert.Equal(t, resultKey, *cold.ResultRef)
	assert.False(t, h.objects.Has("results", resultKey))
	assert.True(t, h.objects.Has("results", objectstore.LogKey("annoflow/", "alice", job.ID, "free_1.vcf")))
	assert.True(t, h.archive.Has(*cold.ArchiveRef))

	require.Eventually(t, func() bool { return h.sender.count() == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Contains(t, h.sender.first().Text, "https://annoflow.example.com/annotations/"+job.ID.String())

	// Upgrading starts a retrieval.
	_, err = h.submit.Upgrade(ctx, "alice")
	require.NoError(t, err)
	thawing := h.waitFor(t, job, "retrieving", func(j *models.Job) bool {
		_, ok := j.ArchiveState().(models.Retrieving)
		return ok
	})
	retrieval, ok := h.archive.Retrieval(*thawing.ThawRef)
	require.True(t, ok)
	assert.Equal(t, archive.TierExpedited, retrieval.Tier)

	// The archive reports the retrieval finished.
	require.NoError(t, queue.PublishJSON(ctx, h.fabric.Publisher, h.cfg.Queue.RestoreTopic, models.RetrievalCompleted{
		RetrievalRef: *thawing.ThawRef,
		ArchiveRef:   *thawing.ArchiveRef,
		Correlation:  retrieval.Correlation,
		StatusCode:   "Succeeded",
		Completed:    true,
	}))
	h.waitFor(t, job, "hot", func(j *models.Job) bool {
		_, ok := j.ArchiveState().(models.Hot)
		return ok
	})

	data, err := objectstore.ReadAll(ctx, h.objects, "results", resultKey)
	require.NoError(t, err)
	assert.Equal(t, "##annotated\n#CHROM\tPOS\n", string(data))
	assert.Zero(t, h.archive.Len())
	assert.Equal(t, 1, h.sender.count())
}

func TestPipeline_PremiumUserStaysHot(t *testing.T) {
	h := start(t)
	ctx := context.Background()

	require.NoError(t, h.jobs.UpsertProfile(ctx, &models.UserProfile{UserID: "bob", Email: "bob@example.com", Tier: models.TierPremium}))
	inputKey := "annoflow/bob/upload~premium_1.vcf"
	require.NoError(t, h.objects.Put(ctx, "inputs", inputKey, bytes.NewReader([]byte("#CHROM\n")), -1))

	job, err := h.submit.Submit(ctx, submit.Request{UserID: "bob", InputRef: inputKey})
	require.NoError(t, err)

	h.waitFor(t, job, "completed", func(j *models.Job) bool { return j.Status == models.JobStatusCompleted })
	require.Eventually(t, func() bool { return h.sender.count() == 1 }, 5*time.Second, 20*time.Millisecond)

	// Give the archival trigger time to be promoted and handled.
	time.Sleep(300 * time.Millisecond)
	j, err := h.jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.IsType(t, models.Hot{}, j.ArchiveState())
	assert.True(t, h.objects.Has("results", *j.ResultRef))
	assert.Zero(t, h.archive.Len())
}

func TestPipeline_PoisonMessageIsDeadLettered(t *testing.T) {
	h := start(t)
	ctx := context.Background()

	require.NoError(t, h.fabric.Publisher.Publish(ctx, h.cfg.Queue.RequestTopic, []byte("{not json")))

	require.Eventually(t, func() bool { return len(h.jobs.DeadLetters()) == 1 }, 5*time.Second, 20*time.Millisecond)
	dl := h.jobs.DeadLetters()[0]
	assert.Equal(t, "q_requests", dl.Queue)
	assert.Equal(t, "{not json", string(dl.Body))
}

func TestPipeline_MaxAttemptsDeadLettersFailingNotice(t *testing.T) {
	h := startWith(t, func(h *harness) {
		h.cfg.Queue.VisibilityTimeout = 0
		h.cfg.Worker.MaxAttempts = 3
		h.sender.err = errors.New("smtp: 451 try again later")
	})
	ctx := context.Background()
	require.NoError(t, h.jobs.UpsertProfile(ctx, &models.UserProfile{UserID: "carol", Email: "carol@example.com", Tier: models.TierFree}))

	notice := models.ResultNotice{JobID: uuid.New(), UserID: "carol"}
	require.NoError(t, queue.PublishJSON(ctx, h.fabric.Publisher, h.cfg.Queue.ResultTopic, notice))

	require.Eventually(t, func() bool { return len(h.jobs.DeadLetters()) == 1 }, 5*time.Second, 20*time.Millisecond)
	dl := h.jobs.DeadLetters()[0]
	assert.Equal(t, "q_results", dl.Queue)
	assert.Contains(t, dl.Error, "451")
	assert.Equal(t, 3, h.sender.tries())
}

func TestParseRoles(t *testing.T) {
	roles, err := pipeline.ParseRoles("all")
	require.NoError(t, err)
	assert.Equal(t, pipeline.AllRoles, roles)

	roles, err = pipeline.ParseRoles("annotator, scheduler,annotator")
	require.NoError(t, err)
	assert.Equal(t, []pipeline.Role{pipeline.RoleAnnotator, pipeline.RoleScheduler}, roles)

	_, err = pipeline.ParseRoles("annotator,janitor")
	assert.Error(t, err)

	_, err = pipeline.ParseRoles(" ")
	assert.Error(t, err)
}

func TestBuild_MissingDependencies(t *testing.T) {
	cfg := testConfig(t)
	_, err := pipeline.Build(context.Background(), cfg, pipeline.Deps{}, []pipeline.Role{pipeline.RoleArchive})
	assert.Error(t, err)
	_, err = pipeline.Build(context.Background(), cfg, pipeline.Deps{}, []pipeline.Role{pipeline.RoleAnnotator})
	assert.Error(t, err)
}

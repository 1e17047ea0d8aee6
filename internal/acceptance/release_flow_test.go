package acceptance

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/timelock/internal/audit"
	"github.com/ILLUVRSE/timelock/internal/lifecycle"
	"github.com/ILLUVRSE/timelock/internal/models"
	"github.com/ILLUVRSE/timelock/internal/notify"
	"github.com/ILLUVRSE/timelock/internal/scanner"
	"github.com/ILLUVRSE/timelock/internal/store"
)

var quiet = log.New(io.Discard, "", 0)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type hookServer struct {
	*httptest.Server
	status   int32
	attempts int32
	mu       sync.Mutex
	bodies   []map[string]interface{}
}

func newHookServer(t *testing.T, status int) *hookServer {
	h := &hookServer{status: int32(status)}
	h.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&h.attempts, 1)
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		h.mu.Lock()
		h.bodies = append(h.bodies, body)
		h.mu.Unlock()
		w.WriteHeader(int(atomic.LoadInt32(&h.status)))
	}))
	t.Cleanup(h.Close)
	return h
}

type system struct {
	mem   *store.MemoryStore
	svc   *lifecycle.Service
	queue *notify.Queue
	clock *clock
	stop  func()
}

func start(t *testing.T, hookURL string) *system {
	t.Helper()
	c := &clock{now: time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)}
	mem := store.NewMemoryStore()
	trail := audit.NewTrail(mem, audit.Config{Now: c.Now, Logger: quiet})
	dispatcher := notify.NewDispatcher(notify.Config{URL: hookURL, RetryBase: time.Millisecond, Logger: quiet})
	queue := notify.NewQueue(dispatcher, notify.QueueConfig{Logger: quiet})
	svc := lifecycle.New(mem, mem, trail, queue, lifecycle.Config{Now: c.Now, Logger: quiet})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); trail.Run(ctx) }()
	go func() { defer wg.Done(); queue.Run(ctx) }()
	s := &system{mem: mem, svc: svc, queue: queue, clock: c}
	s.stop = func() { cancel(); wg.Wait() }
	t.Cleanup(s.stop)
	return s
}

func TestScheduledReleaseExecutesAndNotifiesOnce(t *testing.T) {
	hook := newHookServer(t, http.StatusOK)
	sys := start(t, hook.URL)
	ctx := context.Background()
	T := sys.clock.Now().Add(30 * time.Minute)

	r, err := sys.svc.Create(ctx, lifecycle.CreateRequest{Title: "Rollout v2", PayloadJSON: `{"v":2}`, CreatedBy: "alice"})
	require.NoError(t, err)
	_, err = sys.svc.Schedule(ctx, r.ID, T, "alice")
	require.NoError(t, err)
	_, err = sys.svc.Approve(ctx, r.ID, "bob")
	require.NoError(t, err)

	_, err = sys.svc.Execute(ctx, r.ID, "carol")
	require.ErrorIs(t, err, lifecycle.ErrTooEarly)

	sys.clock.Set(T.Add(time.Second))
	r, err = sys.svc.Execute(ctx, r.ID, "carol")
	require.NoError(t, err)
	assert.Equal(t, models.StatusExecuted, r.Status)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&hook.attempts) == 1 }, 2*time.Second, 5*time.Millisecond)
	hook.mu.Lock()
	assert.Equal(t, "Rollout v2", hook.bodies[0]["title"])
	assert.Equal(t, `{"v":2}`, hook.bodies[0]["payload"])
	hook.mu.Unlock()

	entries, total, err := sys.mem.ListAudit(ctx, r.ID, 0, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 4, total)
	assert.Equal(t, models.ActionExecuted, entries[0].Action)
	assert.Equal(t, "carol", entries[0].PerformedBy)
}

func TestPermanentWebhookFailureLeavesReleaseExecuted(t *testing.T) {
	hook := newHookServer(t, http.StatusInternalServerError)
	sys := start(t, hook.URL)
	ctx := context.Background()

	r, err := sys.svc.Create(ctx, lifecycle.CreateRequest{Title: "Doomed hook", CreatedBy: "alice"})
	require.NoError(t, err)
	_, err = sys.svc.Schedule(ctx, r.ID, sys.clock.Now(), "alice")
	require.NoError(t, err)
	_, err = sys.svc.Approve(ctx, r.ID, "bob")
	require.NoError(t, err)

	r, err = sys.svc.Execute(ctx, r.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusExecuted, r.Status)
	assert.NotNil(t, r.ExecutedAt)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&hook.attempts) == notify.MaxAttempts }, 2*time.Second, 5*time.Millisecond)
	stored, err := sys.mem.GetRelease(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExecuted, stored.Status)
}

func TestScannerDrainsDueBacklogInBatches(t *testing.T) {
	hook := newHookServer(t, http.StatusOK)
	sys := start(t, hook.URL)
	ctx := context.Background()
	now := sys.clock.Now()

	for i := 0; i < 60; i++ {
		r, err := sys.svc.Create(ctx, lifecycle.CreateRequest{Title: "batch", CreatedBy: "alice"})
		require.NoError(t, err)
		_, err = sys.svc.Schedule(ctx, r.ID, now.Add(-time.Duration(60-i)*time.Second), "alice")
		require.NoError(t, err)
		_, err = sys.svc.Approve(ctx, r.ID, "bob")
		require.NoError(t, err)
	}
	cfg := scanner.Config{BatchSize: 50, Now: sys.clock.Now, Logger: quiet}

	res, err := scanner.Tick(ctx, sys.mem, sys.svc, cfg)
	require.NoError(t, err)
	assert.Equal(t, 50, res.Executed)
	counts, err := sys.mem.CountReleasesByStatus(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 50, counts[models.StatusExecuted])
	assert.EqualValues(t, 10, counts[models.StatusApproved])

	res, err = scanner.Tick(ctx, sys.mem, sys.svc, cfg)
	require.NoError(t, err)
	assert.Equal(t, 10, res.Executed)

	executed, _, err := sys.mem.ListAudit(ctx, 1, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.SystemActor, executed[0].PerformedBy)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&hook.attempts) == 60 }, 5*time.Second, 10*time.Millisecond)
}

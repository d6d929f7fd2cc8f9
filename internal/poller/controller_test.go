package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fila-client/internal/apperr"
	"fila-client/internal/model"
	"fila-client/internal/stats"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// funcSource answers every Load through fn and counts calls.
type funcSource struct {
	calls int32
	fn    func(ctx context.Context, key string, call int32) (*Result, error)
}

func (s *funcSource) Load(ctx context.Context, key string) (*Result, error) {
	n := atomic.AddInt32(&s.calls, 1)
	return s.fn(ctx, key, n)
}

func (s *funcSource) Calls() int {
	return int(atomic.LoadInt32(&s.calls))
}

// pendingLoad is a Load call parked until the test answers it.
type pendingLoad struct {
	key   string
	reply chan loadReply
}

type loadReply struct {
	res *Result
	err error
}

// gatedSource parks every Load so tests decide the resolution order.
type gatedSource struct {
	pending chan pendingLoad
}

func newGatedSource() *gatedSource {
	return &gatedSource{pending: make(chan pendingLoad, 16)}
}

func (s *gatedSource) Load(ctx context.Context, key string) (*Result, error) {
	p := pendingLoad{key: key, reply: make(chan loadReply, 1)}
	s.pending <- p
	select {
	case r := <-p.reply:
		return r.res, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *gatedSource) next(t *testing.T) pendingLoad {
	t.Helper()
	select {
	case p := <-s.pending:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a load call")
		return pendingLoad{}
	}
}

func snapshotOf(id string, names ...string) *Result {
	snap := model.QueueSnapshot{BarbershopID: id}
	for i, n := range names {
		snap.Entries = append(snap.Entries, model.QueueEntry{
			ID:            n,
			CustomerName:  n,
			CustomerPhone: "8197777000" + string(rune('0'+i)),
			Status:        model.StatusWaiting,
			Position:      i + 1,
		})
	}
	return &Result{Snapshot: snap}
}

func testOptions() Options {
	return Options{
		CacheWindow:          30 * time.Second,
		DashboardCacheWindow: 5 * time.Second,
		RetryAttempts:        0,
		RetryDelay:           time.Millisecond,
		UnavailableAfter:     3,
		Stats:                stats.DefaultParams(),
	}
}

func newTestController(t *testing.T, src Source, opts Options) (*Controller, *fakeClock) {
	t.Helper()
	c := New(src, opts)
	clock := &fakeClock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	c.now = clock.Now
	t.Cleanup(c.Close)
	return c, clock
}

func TestParseKey(t *testing.T) {
	kind, id, err := ParseKey(QueueKey("42"))
	require.NoError(t, err)
	assert.Equal(t, "queue", kind)
	assert.Equal(t, "42", id)

	kind, _, err = ParseKey(DashboardKey("7"))
	require.NoError(t, err)
	assert.Equal(t, "dashboard", kind)

	for _, bad := range []string{"", "queue:", "other:1", "queue"} {
		_, _, err := ParseKey(bad)
		assert.Error(t, err, bad)
	}
}

func TestRefresh_WithinCacheWindowHitsBackendOnce(t *testing.T) {
	src := &funcSource{fn: func(ctx context.Context, key string, _ int32) (*Result, error) {
		return snapshotOf("42", "Ana"), nil
	}}
	c, clock := newTestController(t, src, testOptions())
	ctx := context.Background()

	first, err := c.Refresh(ctx, "queue:42", false)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, StatusAvailable, first.Status)

	clock.Advance(10 * time.Second)
	second, err := c.Refresh(ctx, "queue:42", false)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, 1, src.Calls())
	assert.Equal(t, first.Snapshot, second.Snapshot)

	clock.Advance(21 * time.Second)
	_, err = c.Refresh(ctx, "queue:42", false)
	require.NoError(t, err)
	assert.Equal(t, 2, src.Calls())
}

func TestRefresh_DashboardUsesShortWindow(t *testing.T) {
	src := &funcSource{fn: func(ctx context.Context, key string, _ int32) (*Result, error) {
		return snapshotOf("42"), nil
	}}
	c, clock := newTestController(t, src, testOptions())
	ctx := context.Background()

	_, _ = c.Refresh(ctx, "dashboard:42", false)
	clock.Advance(6 * time.Second)
	_, _ = c.Refresh(ctx, "dashboard:42", false)
	assert.Equal(t, 2, src.Calls())
}

func TestRefresh_ForceBypassesCache(t *testing.T) {
	src := &funcSource{fn: func(ctx context.Context, key string, _ int32) (*Result, error) {
		return snapshotOf("42"), nil
	}}
	c, _ := newTestController(t, src, testOptions())

	_, _ = c.Refresh(context.Background(), "queue:42", false)
	_, _ = c.Refresh(context.Background(), "queue:42", true)
	assert.Equal(t, 2, src.Calls())
}

func TestRefresh_ConcurrentCallersShareInFlightRequest(t *testing.T) {
	src := newGatedSource()
	c, _ := newTestController(t, src, testOptions())

	var wg sync.WaitGroup
	results := make([]State, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st, err := c.Refresh(context.Background(), "queue:42", false)
			assert.NoError(t, err)
			results[i] = st
		}(i)
	}

	p := src.next(t)
	// Let the other callers reach the in-flight guard.
	require.Eventually(t, func() bool { return c.State("queue:42").Status == StatusChecking }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	p.reply <- loadReply{res: snapshotOf("42", "Ana")}
	wg.Wait()

	select {
	case extra := <-src.pending:
		t.Fatalf("unexpected second load for %s", extra.key)
	default:
	}
	for _, st := range results {
		assert.Len(t, st.Snapshot.Entries, 1)
	}
}

func TestRefresh_DifferentKeysDoNotBlockEachOther(t *testing.T) {
	src := newGatedSource()
	c, _ := newTestController(t, src, testOptions())

	go func() { _, _ = c.Refresh(context.Background(), "queue:1", false) }()
	first := src.next(t)

	done := make(chan State, 1)
	go func() {
		st, _ := c.Refresh(context.Background(), "queue:2", false)
		done <- st
	}()
	second := src.next(t)
	assert.Equal(t, "queue:2", second.key)
	second.reply <- loadReply{res: snapshotOf("2", "Bia")}

	select {
	case st := <-done:
		assert.Equal(t, StatusAvailable, st.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("queue:2 blocked behind queue:1")
	}
	first.reply <- loadReply{res: snapshotOf("1")}
}

func TestRefresh_StaleResponseIsDiscarded(t *testing.T) {
	src := newGatedSource()
	c, _ := newTestController(t, src, testOptions())
	ctx := context.Background()

	olderDone := make(chan struct{})
	go func() {
		defer close(olderDone)
		_, _ = c.Refresh(ctx, "queue:42", true)
	}()
	older := src.next(t)

	newerDone := make(chan State, 1)
	go func() {
		st, _ := c.Refresh(ctx, "queue:42", true)
		newerDone <- st
	}()
	newer := src.next(t)

	newer.reply <- loadReply{res: snapshotOf("42", "Newer")}
	applied := <-newerDone
	require.Len(t, applied.Snapshot.Entries, 1)
	assert.Equal(t, "Newer", applied.Snapshot.Entries[0].CustomerName)

	older.reply <- loadReply{res: snapshotOf("42", "Older", "Ghost")}
	<-olderDone

	st := c.State("queue:42")
	require.Len(t, st.Snapshot.Entries, 1)
	assert.Equal(t, "Newer", st.Snapshot.Entries[0].CustomerName)
	assert.Equal(t, uint64(2), st.Seq)
}

func TestRefresh_StaleFailureDoesNotCount(t *testing.T) {
	src := newGatedSource()
	c, _ := newTestController(t, src, testOptions())
	ctx := context.Background()

	olderDone := make(chan struct{})
	go func() {
		defer close(olderDone)
		_, _ = c.Refresh(ctx, "queue:42", true)
	}()
	older := src.next(t)

	newerDone := make(chan struct{})
	go func() {
		defer close(newerDone)
		_, _ = c.Refresh(ctx, "queue:42", true)
	}()
	newer := src.next(t)
	newer.reply <- loadReply{res: snapshotOf("42", "Ana")}
	<-newerDone

	older.reply <- loadReply{err: apperr.New(apperr.KindServer, "boom")}
	<-olderDone

	st := c.State("queue:42")
	assert.Equal(t, StatusAvailable, st.Status)
	assert.Zero(t, st.ConsecutiveFailures)
}

func TestRefresh_FailuresKeepLastKnownGood(t *testing.T) {
	fail := atomic.Bool{}
	src := &funcSource{fn: func(ctx context.Context, key string, _ int32) (*Result, error) {
		if fail.Load() {
			return nil, apperr.New(apperr.KindNetwork, "unreachable")
		}
		return snapshotOf("42", "Ana", "Bia"), nil
	}}
	c, _ := newTestController(t, src, testOptions())
	ctx := context.Background()

	_, err := c.Refresh(ctx, "queue:42", true)
	require.NoError(t, err)

	fail.Store(true)
	for i := 1; i <= 3; i++ {
		st, err := c.Refresh(ctx, "queue:42", true)
		require.Error(t, err)
		assert.Equal(t, StatusUnavailable, st.Status)
		assert.Equal(t, i, st.ConsecutiveFailures)
		assert.Equal(t, i >= 3, st.ServerUnavailable, "after %d failures", i)
		assert.Len(t, st.Snapshot.Entries, 2, "snapshot must survive failures")
		assert.Equal(t, apperr.KindNetwork, apperr.KindOf(st.LastError))
	}

	fail.Store(false)
	st, err := c.Refresh(ctx, "queue:42", true)
	require.NoError(t, err)
	assert.Equal(t, StatusAvailable, st.Status)
	assert.Zero(t, st.ConsecutiveFailures)
	assert.False(t, st.ServerUnavailable)
}

func TestRefresh_FailureDoesNotStampFreshness(t *testing.T) {
	src := &funcSource{fn: func(ctx context.Context, key string, _ int32) (*Result, error) {
		return nil, apperr.New(apperr.KindServer, "boom")
	}}
	c, _ := newTestController(t, src, testOptions())

	_, _ = c.Refresh(context.Background(), "queue:42", false)
	_, _ = c.Refresh(context.Background(), "queue:42", false)
	assert.Equal(t, 2, src.Calls())
}

func TestRefresh_RetriesRetryableKinds(t *testing.T) {
	src := &funcSource{fn: func(ctx context.Context, key string, call int32) (*Result, error) {
		if call < 3 {
			return nil, apperr.New(apperr.KindServer, "flaky")
		}
		return snapshotOf("42", "Ana"), nil
	}}
	opts := testOptions()
	opts.RetryAttempts = 2
	c, _ := newTestController(t, src, opts)

	st, err := c.Refresh(context.Background(), "queue:42", false)
	require.NoError(t, err)
	assert.Equal(t, StatusAvailable, st.Status)
	assert.Equal(t, 3, src.Calls())
}

func TestRefresh_DoesNotRetryTerminalKinds(t *testing.T) {
	src := &funcSource{fn: func(ctx context.Context, key string, _ int32) (*Result, error) {
		return nil, apperr.New(apperr.KindNotFound, "gone")
	}}
	opts := testOptions()
	opts.RetryAttempts = 5
	c, _ := newTestController(t, src, opts)

	_, err := c.Refresh(context.Background(), "queue:42", false)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	assert.Equal(t, 1, src.Calls())
}

func TestRefresh_CancelledRequestLeavesStateUntouched(t *testing.T) {
	src := newGatedSource()
	c, _ := newTestController(t, src, testOptions())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Refresh(ctx, "queue:42", false)
		done <- err
	}()
	p := src.next(t)
	cancel()
	p.reply <- loadReply{res: snapshotOf("42", "Ana")}

	err := <-done
	assert.True(t, errors.Is(err, context.Canceled))
	st := c.State("queue:42")
	assert.False(t, st.HasSnapshot)
	assert.Equal(t, StatusIdle, st.Status)
}

// waiting counts the callers parked on the request in flight for key.
func waiting(c *Controller, key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ks, ok := c.keys[key]; ok && ks.inflight != nil {
		return len(ks.inflight.waiters)
	}
	return 0
}

func tracked(c *Controller, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.keys[key]
	return ok
}

func TestRefresh_JoinerSurvivesOwnerCancellation(t *testing.T) {
	src := newGatedSource()
	c, _ := newTestController(t, src, testOptions())

	ctx, cancel := context.WithCancel(context.Background())
	owner := make(chan error, 1)
	go func() {
		_, err := c.Refresh(ctx, "queue:42", false)
		owner <- err
	}()
	p := src.next(t)

	type outcome struct {
		st  State
		err error
	}
	joiner := make(chan outcome, 1)
	go func() {
		st, err := c.Refresh(context.Background(), "queue:42", false)
		joiner <- outcome{st, err}
	}()
	require.Eventually(t, func() bool { return waiting(c, "queue:42") == 2 }, time.Second, time.Millisecond)

	cancel()
	assert.True(t, errors.Is(<-owner, context.Canceled))

	p.reply <- loadReply{res: snapshotOf("42", "Ana")}
	var got outcome
	select {
	case got = <-joiner:
	case <-time.After(2 * time.Second):
		t.Fatal("joiner never resolved")
	}
	require.NoError(t, got.err)
	assert.Equal(t, StatusAvailable, got.st.Status)
	require.Len(t, got.st.Snapshot.Entries, 1)
	assert.Equal(t, "Ana", got.st.Snapshot.Entries[0].CustomerName)

	st := c.State("queue:42")
	assert.True(t, st.HasSnapshot)
	assert.Len(t, src.pending, 0, "the joiner must not start a second load")
}

func TestRefresh_AbandonedRequestIsNotJoined(t *testing.T) {
	src := newGatedSource()
	c, _ := newTestController(t, src, testOptions())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Refresh(ctx, "queue:42", false)
		done <- err
	}()
	src.next(t)
	cancel()
	require.True(t, errors.Is(<-done, context.Canceled))

	next := make(chan State, 1)
	go func() {
		st, _ := c.Refresh(context.Background(), "queue:42", false)
		next <- st
	}()
	p := src.next(t)
	p.reply <- loadReply{res: snapshotOf("42", "Bia")}

	st := <-next
	assert.Equal(t, StatusAvailable, st.Status)
	require.Len(t, st.Snapshot.Entries, 1)
	assert.Equal(t, "Bia", st.Snapshot.Entries[0].CustomerName)
}

func TestRefresh_ForgetsKeysThatNeverLoaded(t *testing.T) {
	src := &funcSource{fn: func(ctx context.Context, key string, _ int32) (*Result, error) {
		if key == "queue:down" {
			return nil, apperr.New(apperr.KindServer, "boom")
		}
		return nil, apperr.New(apperr.KindNotFound, "no such barbershop")
	}}
	c, _ := newTestController(t, src, testOptions())
	ctx := context.Background()

	for _, id := range []string{"a1", "b2", "c3"} {
		_, err := c.Refresh(ctx, QueueKey(id), false)
		assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
		assert.False(t, tracked(c, QueueKey(id)))
	}
	st := c.State(QueueKey("a1"))
	assert.Equal(t, StatusIdle, st.Status)
	assert.False(t, tracked(c, QueueKey("a1")), "reading state must not create a key")

	// Outages keep their failure count so the unavailable state can surface.
	for i := 0; i < 3; i++ {
		_, err := c.Refresh(ctx, "queue:down", false)
		require.Error(t, err)
	}
	st = c.State("queue:down")
	assert.Equal(t, 3, st.ConsecutiveFailures)
	assert.True(t, st.ServerUnavailable)
}

func TestProvisionalOverlayIsSuperseded(t *testing.T) {
	var include atomic.Bool
	src := &funcSource{fn: func(ctx context.Context, key string, _ int32) (*Result, error) {
		res := snapshotOf("42", "Ana")
		if include.Load() {
			res.Snapshot.Entries = append(res.Snapshot.Entries, model.QueueEntry{
				ID: "srv-9", CustomerName: "João", CustomerPhone: "81999990000",
				Status: model.StatusWaiting, Position: 2,
			})
		}
		return res, nil
	}}
	c, _ := newTestController(t, src, testOptions())
	ctx := context.Background()

	_, err := c.Refresh(ctx, "queue:42", false)
	require.NoError(t, err)

	joao := model.QueueEntry{CustomerName: "João", CustomerPhone: "81999990000", Position: 2}
	c.ApplyProvisional("queue:42", joao)
	c.ApplyProvisional("queue:42", joao)

	st := c.State("queue:42")
	require.Len(t, st.Snapshot.Entries, 2)
	assert.True(t, st.Snapshot.Entries[1].Provisional)
	assert.Equal(t, model.StatusWaiting, st.Snapshot.Entries[1].Status)
	assert.Equal(t, 2, st.Statistics.Waiting)

	include.Store(true)
	c.Invalidate("queue:42")
	st, err = c.Refresh(ctx, "queue:42", false)
	require.NoError(t, err)
	require.Len(t, st.Snapshot.Entries, 2)
	for _, e := range st.Snapshot.Entries {
		assert.False(t, e.Provisional)
	}
}

func TestProvisionalDroppedWhenServerOmitsIt(t *testing.T) {
	src := &funcSource{fn: func(ctx context.Context, key string, _ int32) (*Result, error) {
		return snapshotOf("42", "Ana"), nil
	}}
	c, _ := newTestController(t, src, testOptions())

	c.ApplyProvisional("queue:42", model.QueueEntry{CustomerName: "Ghost", CustomerPhone: "81988887777"})
	assert.True(t, c.State("queue:42").HasSnapshot)

	st, err := c.Refresh(context.Background(), "queue:42", true)
	require.NoError(t, err)
	require.Len(t, st.Snapshot.Entries, 1)
	assert.Equal(t, "Ana", st.Snapshot.Entries[0].CustomerName)
}

func TestAuthoritativeStatisticsPassThrough(t *testing.T) {
	src := &funcSource{fn: func(ctx context.Context, key string, _ int32) (*Result, error) {
		res := snapshotOf("42", "Ana")
		res.Statistics = &model.Statistics{Total: 12, Waiting: 9}
		return res, nil
	}}
	c, _ := newTestController(t, src, testOptions())

	st, err := c.Refresh(context.Background(), "queue:42", false)
	require.NoError(t, err)
	assert.Equal(t, model.SourceServer, st.Statistics.Source)
	assert.Equal(t, 9, st.Statistics.Waiting)
}

func TestClose_RejectsFurtherRefreshes(t *testing.T) {
	src := &funcSource{fn: func(ctx context.Context, key string, _ int32) (*Result, error) {
		return snapshotOf("42"), nil
	}}
	c := New(src, testOptions())
	c.Close()
	c.Close()

	_, err := c.Refresh(context.Background(), "queue:42", false)
	assert.ErrorIs(t, err, ErrClosed)
}

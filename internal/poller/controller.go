// Package poller owns the client's view of every polled queue.
//
// One Controller serves the whole process. For each key it keeps the last
// applied snapshot, the freshness stamp, the in-flight request and a request
// sequence counter. Consumers read through it and never mutate its state.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"fila-client/config"
	"fila-client/internal/apperr"
	"fila-client/internal/metrics"
	"fila-client/internal/model"
	"fila-client/internal/stats"
)

// ErrClosed is returned by Refresh after the controller has been closed.
var ErrClosed = errors.New("poller: controller closed")

// Status is the lifecycle state of one key.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusChecking    Status = "checking"
	StatusAvailable   Status = "available"
	StatusUnavailable Status = "unavailable"
)

const (
	queuePrefix     = "queue:"
	dashboardPrefix = "dashboard:"
)

// QueueKey is the polling key of a customer-facing queue view.
func QueueKey(barbershopID string) string { return queuePrefix + barbershopID }

// DashboardKey is the polling key of the fast-moving admin dashboard.
func DashboardKey(barbershopID string) string { return dashboardPrefix + barbershopID }

// ParseKey splits a polling key into its kind and barbershop id.
func ParseKey(key string) (kind, barbershopID string, err error) {
	kind, id, ok := strings.Cut(key, ":")
	if !ok || id == "" || (kind != "queue" && kind != "dashboard") {
		return "", "", fmt.Errorf("poller: malformed key %q", key)
	}
	return kind, id, nil
}

// Result is what a Source returns for one key.
type Result struct {
	Snapshot   model.QueueSnapshot
	Statistics *model.Statistics
}

// Source loads fresh data for a key.
type Source interface {
	Load(ctx context.Context, key string) (*Result, error)
}

// State is a read-only view of one key.
type State struct {
	Key                 string              `json:"key"`
	Status              Status              `json:"status"`
	Snapshot            model.QueueSnapshot `json:"snapshot"`
	HasSnapshot         bool                `json:"hasSnapshot"`
	Statistics          model.Statistics    `json:"statistics"`
	LastFetch           time.Time           `json:"lastFetch"`
	LastError           error               `json:"-"`
	ConsecutiveFailures int                 `json:"consecutiveFailures"`
	ServerUnavailable   bool                `json:"serverUnavailable"`
	Cached              bool                `json:"cached"`
	Seq                 uint64              `json:"seq"`
}

// Options configures a Controller.
type Options struct {
	CacheWindow          time.Duration
	DashboardCacheWindow time.Duration
	RetryAttempts        int
	RetryDelay           time.Duration
	UnavailableAfter     int
	Stats                stats.Params
}

// OptionsFromConfig assembles controller options from the config sections.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		CacheWindow:          cfg.Polling.CacheWindow,
		DashboardCacheWindow: cfg.Polling.DashboardCacheWindow,
		RetryAttempts:        cfg.API.RetryAttempts,
		RetryDelay:           cfg.API.RetryDelay,
		UnavailableAfter:     cfg.Polling.UnavailableAfter,
		Stats:                stats.ParamsFromConfig(cfg.Stats),
	}
}

// flight is one shared request. It runs on its own context so a caller
// that stops waiting does not cancel the load for everyone else.
type flight struct {
	done    chan struct{}
	cancel  context.CancelFunc
	waiters []context.Context
	state   State
	err     error
}

// live reports whether any caller still waits for the result. Must be
// called with c.mu held.
func (f *flight) live() bool {
	for _, ctx := range f.waiters {
		if ctx.Err() == nil {
			return true
		}
	}
	return false
}

type keyState struct {
	status      Status
	base        model.QueueSnapshot
	hasBase     bool
	authStats   *model.Statistics
	provisional []model.QueueEntry
	lastFetch   time.Time
	lastErr     error
	failures    int
	seq         uint64
	applied     uint64
	inflight    *flight

	subs         map[*Subscription]struct{}
	loopCancel   context.CancelFunc
	loopInterval time.Duration
}

// Controller is the single owner of polled queue state.
type Controller struct {
	source Source
	opts   Options

	mu     sync.Mutex
	keys   map[string]*keyState
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time
}

// New creates a controller reading from source.
func New(source Source, opts Options) *Controller {
	if opts.UnavailableAfter <= 0 {
		opts.UnavailableAfter = 3
	}
	if opts.Stats.MinutesPerSlot <= 0 {
		opts.Stats = stats.DefaultParams()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		source: source,
		opts:   opts,
		keys:   make(map[string]*keyState),
		ctx:    ctx,
		cancel: cancel,
		now:    time.Now,
	}
}

func (c *Controller) cacheWindow(key string) time.Duration {
	if strings.HasPrefix(key, dashboardPrefix) {
		return c.opts.DashboardCacheWindow
	}
	return c.opts.CacheWindow
}

// entry must be called with c.mu held.
func (c *Controller) entry(key string) *keyState {
	ks, ok := c.keys[key]
	if !ok {
		ks = &keyState{status: StatusIdle, subs: make(map[*Subscription]struct{})}
		c.keys[key] = ks
	}
	return ks
}

// State returns the current view of key without fetching.
func (c *Controller) State(key string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	ks, ok := c.keys[key]
	if !ok {
		ks = &keyState{status: StatusIdle}
	}
	return c.view(key, ks)
}

// Refresh brings key up to date. Without force, a fetch inside the cache
// window returns the last known state, and a fetch already in flight is
// joined instead of duplicated. A response is applied only if it belongs to
// the latest request issued for key and someone is still waiting for it.
// Cancelling ctx stops this caller from waiting; the shared request keeps
// running while other callers wait on it.
func (c *Controller) Refresh(ctx context.Context, key string, force bool) (State, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return State{Key: key, Status: StatusIdle}, ErrClosed
	}
	ks := c.entry(key)

	if !force && !ks.lastFetch.IsZero() && c.now().Sub(ks.lastFetch) < c.cacheWindow(key) {
		st := c.view(key, ks)
		st.Cached = true
		c.mu.Unlock()
		metrics.TrackPoll(key, metrics.OutcomeCached)
		return st, nil
	}

	if !force && ks.inflight != nil {
		f := ks.inflight
		f.waiters = append(f.waiters, ctx)
		c.mu.Unlock()
		metrics.TrackPoll(key, metrics.OutcomeJoined)
		return c.await(ctx, key, f)
	}

	ks.seq++
	fctx, cancel := context.WithCancel(c.ctx)
	f := &flight{done: make(chan struct{}), cancel: cancel, waiters: []context.Context{ctx}}
	ks.inflight = f
	ks.status = StatusChecking
	c.wg.Add(1)
	go c.fetch(fctx, key, ks, ks.seq, f)
	c.mu.Unlock()

	return c.await(ctx, key, f)
}

// await blocks until f resolves or ctx ends. The last waiter to leave
// abandons the flight so its response is never applied.
func (c *Controller) await(ctx context.Context, key string, f *flight) (State, error) {
	select {
	case <-f.done:
		return f.state, f.err
	case <-ctx.Done():
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	ks, ok := c.keys[key]
	if !ok {
		ks = &keyState{status: StatusIdle}
	}
	if !f.live() {
		f.cancel()
		if ks.inflight == f {
			ks.inflight = nil
			ks.status = ks.settled()
		}
	}
	return c.view(key, ks), ctx.Err()
}

func (c *Controller) fetch(ctx context.Context, key string, ks *keyState, seq uint64, f *flight) {
	defer c.wg.Done()
	defer f.cancel()

	res, err := c.load(ctx, key)

	c.mu.Lock()
	defer c.mu.Unlock()

	forget := false
	switch {
	case c.closed || ctx.Err() != nil || !f.live():
		// Torn down while in flight: the response must not touch state.
		if c.closed {
			err = ErrClosed
		} else if err == nil {
			err = context.Canceled
		}
		if seq == ks.seq {
			ks.status = ks.settled()
		}
		forget = true
		metrics.TrackPoll(key, metrics.OutcomeStale)
	case seq != ks.seq:
		log.Printf("poller %s: discarding response #%d, #%d is newer", key, seq, ks.seq)
		metrics.TrackPoll(key, metrics.OutcomeStale)
	case err != nil:
		c.applyFailure(key, ks, seq, err)
		forget = !apperr.KindOf(err).Retryable()
	default:
		c.applySuccess(key, ks, seq, res)
	}

	if ks.inflight == f {
		ks.inflight = nil
	}
	f.state = c.view(key, ks)
	f.err = err
	close(f.done)
	if forget {
		c.prune(key, ks)
	}
}

// prune forgets a key that never produced a snapshot and has nobody
// watching it. Keys come from request paths, so an unknown barbershop id
// must not leave state behind. Must be called with c.mu held.
func (c *Controller) prune(key string, ks *keyState) {
	if c.closed || ks.hasBase || len(ks.provisional) > 0 || len(ks.subs) > 0 || ks.inflight != nil {
		return
	}
	if c.keys[key] != ks {
		return
	}
	delete(c.keys, key)
	metrics.ForgetKey(key)
}

// load calls the source, retrying retryable failures with a fixed delay.
func (c *Controller) load(ctx context.Context, key string) (*Result, error) {
	var lastErr error
	for attempt := 0; attempt <= c.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.opts.RetryDelay):
			}
		}
		res, err := c.source.Load(ctx, key)
		if err == nil {
			if res == nil {
				return nil, apperr.New(apperr.KindServer, "empty result")
			}
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil || !apperr.KindOf(err).Retryable() {
			break
		}
		if attempt < c.opts.RetryAttempts {
			log.Printf("poller %s: attempt %d failed, retrying: %v", key, attempt+1, err)
		}
	}
	return nil, lastErr
}

func (c *Controller) applySuccess(key string, ks *keyState, seq uint64, res *Result) {
	ks.base = res.Snapshot.Clone()
	ks.hasBase = true
	ks.authStats = nil
	if res.Statistics != nil {
		s := *res.Statistics
		ks.authStats = &s
	}
	// Provisional entries are superseded, never merged.
	ks.provisional = nil
	ks.lastFetch = c.now()
	ks.lastErr = nil
	ks.failures = 0
	ks.applied = seq
	ks.status = StatusAvailable

	metrics.TrackPoll(key, metrics.OutcomeSuccess)
	metrics.SetFailures(key, 0)
	metrics.SetQueueCounts(key, stats.Counts(ks.base))
	c.notify(key, ks)
}

func (c *Controller) applyFailure(key string, ks *keyState, seq uint64, err error) {
	ks.lastErr = err
	ks.failures++
	ks.applied = seq
	ks.status = StatusUnavailable
	if ks.failures == c.opts.UnavailableAfter {
		log.Printf("poller %s: %d consecutive failures, marking server unavailable: %v", key, ks.failures, err)
	} else {
		log.Printf("poller %s: refresh failed (%d in a row): %v", key, ks.failures, err)
	}

	metrics.TrackPoll(key, metrics.OutcomeFailure)
	metrics.SetFailures(key, ks.failures)
	c.notify(key, ks)
}

// settled is the status a key rests in when no request is outstanding.
func (ks *keyState) settled() Status {
	switch {
	case ks.failures > 0:
		return StatusUnavailable
	case ks.hasBase:
		return StatusAvailable
	}
	return StatusIdle
}

// view must be called with c.mu held.
func (c *Controller) view(key string, ks *keyState) State {
	snap := ks.base.Clone()
	for _, p := range ks.provisional {
		if !snap.Contains(p) {
			snap.Entries = append(snap.Entries, p)
		}
	}
	if snap.BarbershopID == "" {
		if _, id, err := ParseKey(key); err == nil {
			snap.BarbershopID = id
		}
	}
	return State{
		Key:                 key,
		Status:              ks.status,
		Snapshot:            snap,
		HasSnapshot:         ks.hasBase || len(ks.provisional) > 0,
		Statistics:          stats.Compute(snap, ks.authStats, c.opts.Stats),
		LastFetch:           ks.lastFetch,
		LastError:           ks.lastErr,
		ConsecutiveFailures: ks.failures,
		ServerUnavailable:   ks.failures >= c.opts.UnavailableAfter,
		Seq:                 ks.applied,
	}
}

// ApplyProvisional shows entry immediately, tagged as provisional, until the
// next successful refresh replaces the snapshot. An entry the server already
// reports is left alone.
func (c *Controller) ApplyProvisional(key string, entry model.QueueEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	ks := c.entry(key)
	if ks.base.Contains(entry) {
		return
	}
	entry.Provisional = true
	if entry.Status == "" {
		entry.Status = model.StatusWaiting
	}
	id := entry.Identity()
	for i, p := range ks.provisional {
		if p.Identity() == id {
			ks.provisional[i] = entry
			c.notify(key, ks)
			return
		}
	}
	ks.provisional = append(ks.provisional, entry)
	c.notify(key, ks)
}

// Invalidate forgets the freshness stamp of key so the next refresh fetches.
func (c *Controller) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ks, ok := c.keys[key]; ok {
		ks.lastFetch = time.Time{}
	}
}

// Close stops every polling loop, discards in-flight responses and closes
// all subscription channels.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cancel()
	for key, ks := range c.keys {
		for sub := range ks.subs {
			close(sub.updates)
			delete(ks.subs, sub)
		}
		ks.loopCancel = nil
		ks.loopInterval = 0
		metrics.SetSubscribers(key, 0)
	}
	c.mu.Unlock()

	c.wg.Wait()
	log.Println("Poller stopped.")
}

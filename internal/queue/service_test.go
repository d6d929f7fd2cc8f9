package queue

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fila-client/internal/access"
	"fila-client/internal/apperr"
	"fila-client/internal/gateway"
	"fila-client/internal/model"
	"fila-client/internal/poller"
	"fila-client/internal/session"
	"fila-client/internal/stats"
	"fila-client/internal/storage"
)

// fakeBackend is an in-memory stand-in for the remote queue.
type fakeBackend struct {
	mu        sync.Mutex
	entries   map[string][]model.QueueEntry
	tokens    map[string]model.QueueEntry
	statusErr error
	leaveErr  error
	advanced  int
	finalized []string
	sessions  gateway.TokenSource
}

var _ gateway.Gateway = (*fakeBackend)(nil)

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		entries: make(map[string][]model.QueueEntry),
		tokens:  make(map[string]model.QueueEntry),
	}
}

func (f *fakeBackend) Login(ctx context.Context, email, password string) (string, error) {
	if password != "secret" {
		return "", apperr.New(apperr.KindUnauthorized, "bad credentials")
	}
	return "admin-token", nil
}

func (f *fakeBackend) FetchQueue(ctx context.Context, barbershopID string) (*gateway.QueueResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := append([]model.QueueEntry(nil), f.entries[barbershopID]...)
	return &gateway.QueueResult{Snapshot: model.QueueSnapshot{BarbershopID: barbershopID, Entries: entries}}, nil
}

func (f *fakeBackend) FetchStatistics(ctx context.Context, barbershopID string) (*model.Statistics, error) {
	return nil, apperr.New(apperr.KindNotFound, "no statistics")
}

func (f *fakeBackend) Enter(ctx context.Context, barbershopID string, req gateway.EntryRequest) (*gateway.EntryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	position := len(f.entries[barbershopID]) + 1
	entry := model.QueueEntry{
		ID:            "e" + req.Phone,
		CustomerName:  req.Name,
		CustomerPhone: req.Phone,
		Status:        model.StatusWaiting,
		Position:      position,
	}
	f.entries[barbershopID] = append(f.entries[barbershopID], entry)
	f.tokens["abc123"] = entry
	return &gateway.EntryResult{Token: "abc123", Position: position, Entry: entry}, nil
}

func (f *fakeBackend) Status(ctx context.Context) (*gateway.StatusResult, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	token, ok := f.sessions.Token(ctx)
	if !ok {
		return nil, apperr.New(apperr.KindUnauthorized, "no token")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.tokens[token]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "unknown token")
	}
	return &gateway.StatusResult{Entry: entry, Position: entry.Position, BarbershopID: "42"}, nil
}

func (f *fakeBackend) Leave(ctx context.Context) error {
	return f.leaveErr
}

func (f *fakeBackend) Advance(ctx context.Context, barbershopID, barberID string) (*model.QueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advanced++
	return &model.QueueEntry{ID: "x", Status: model.StatusServing}, nil
}

func (f *fakeBackend) Finalize(ctx context.Context, barbershopID, entryID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized = append(f.finalized, entryID)
	return nil
}

func (f *fakeBackend) AdminAdd(ctx context.Context, barbershopID string, req gateway.EntryRequest) (*model.QueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry := model.QueueEntry{ID: "w1", CustomerName: req.Name, CustomerPhone: req.Phone, Status: model.StatusWaiting}
	f.entries[barbershopID] = append(f.entries[barbershopID], entry)
	return &entry, nil
}

type fixture struct {
	svc      *Service
	backend  *fakeBackend
	sessions *session.Store
	ctrl     *poller.Controller
}

func newFixture(t *testing.T, checkAccess bool) fixture {
	t.Helper()
	backend := newFakeBackend()
	sessions := session.NewStore(storage.NewMemory(), 2*time.Hour)
	backend.sessions = sessions
	gate := access.NewGate(storage.NewMemory(), 2*time.Hour)
	ctrl := poller.New(poller.NewGatewaySource(backend), poller.Options{
		CacheWindow:          30 * time.Second,
		DashboardCacheWindow: 5 * time.Second,
		UnavailableAfter:     3,
	})
	t.Cleanup(ctrl.Close)

	svc := NewService(backend, sessions, gate, ctrl, Options{CheckAccess: checkAccess, Stats: stats.DefaultParams()})
	return fixture{svc: svc, backend: backend, sessions: sessions, ctrl: ctrl}
}

func qr(shop string) url.Values {
	return url.Values{access.ParamQR: {"true"}, access.ParamBarbershop: {shop}}
}

func TestEnter_HappyPath(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	// Two customers already waiting.
	f.backend.entries["42"] = []model.QueueEntry{
		{ID: "a", CustomerName: "Ana", CustomerPhone: "81911112222", Status: model.StatusWaiting, Position: 1},
		{ID: "b", CustomerName: "Bia", CustomerPhone: "81933334444", Status: model.StatusWaiting, Position: 2},
	}
	_, err := f.svc.Queue(ctx, "42")
	require.NoError(t, err)

	res, err := f.svc.Enter(ctx, EnterRequest{
		BarbershopID: "42",
		Name:         "João",
		Phone:        "81999990000",
		Access:       qr("42"),
	})
	require.NoError(t, err)
	assert.Equal(t, "abc123", res.Session.Token)
	assert.Equal(t, 3, res.Position)
	assert.Equal(t, 45.0, res.EstimatedWaitMinutes)

	sess, ok := f.sessions.Current(ctx)
	require.True(t, ok)
	assert.Equal(t, "42", sess.BarbershopID)
	assert.Equal(t, "João", sess.CustomerName)

	st, err := f.svc.Queue(ctx, "42")
	require.NoError(t, err)
	assert.False(t, st.Cached, "entering must invalidate the cached queue")
	var found *model.QueueEntry
	for i := range st.Snapshot.Entries {
		if st.Snapshot.Entries[i].CustomerName == "João" {
			found = &st.Snapshot.Entries[i]
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, model.StatusWaiting, found.Status)
	assert.False(t, found.Provisional)
}

func TestEnter_ShowsProvisionalEntryBeforeRefresh(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, err := f.svc.Enter(ctx, EnterRequest{BarbershopID: "42", Name: "João", Phone: "81999990000"})
	require.NoError(t, err)

	st := f.ctrl.State(poller.QueueKey("42"))
	require.Len(t, st.Snapshot.Entries, 1)
	assert.True(t, st.Snapshot.Entries[0].Provisional)
}

func TestEnter_RequiresQRAccess(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.svc.Enter(ctx, EnterRequest{BarbershopID: "42", Name: "João", Phone: "81999990000"})
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	_, err = f.svc.Enter(ctx, EnterRequest{BarbershopID: "42", Name: "João", Phone: "81999990000", Access: qr("7")})
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err), "grant for another shop")

	_, ok := f.sessions.Current(ctx)
	assert.False(t, ok)
}

func TestEnter_StoredGrantAllowsLaterVisit(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	f.svc.gate.Check(ctx, qr("42"))
	_, err := f.svc.Enter(ctx, EnterRequest{BarbershopID: "42", Name: "João", Phone: "81999990000"})
	assert.NoError(t, err)
}

func TestEnter_ValidatesInput(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.svc.Enter(context.Background(), EnterRequest{BarbershopID: "42", Name: " ", Phone: "81999990000"})
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindValidation, e.Kind)
	assert.NotEmpty(t, e.Errors)
}

func TestStatus_ReportsPositionAndWarning(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, err := f.svc.Enter(ctx, EnterRequest{BarbershopID: "42", Name: "João", Phone: "81999990000"})
	require.NoError(t, err)

	view, err := f.svc.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, view.Position)
	assert.Equal(t, 15.0, view.EstimatedWaitMinutes)
	assert.True(t, view.Active)
	assert.Equal(t, session.WarningOK, view.Warning)
}

func TestStatus_UnauthorizedClearsSession(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	f.sessions.Issue(ctx, "João", "81999990000", "42", "abc123", 0)
	f.backend.statusErr = apperr.New(apperr.KindUnauthorized, "token rejected")

	_, err := f.svc.Status(ctx)
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
	_, ok := f.sessions.Current(ctx)
	assert.False(t, ok)
}

func TestStatus_NotFoundClearsSession(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	f.sessions.Issue(ctx, "João", "81999990000", "42", "unknown", 0)

	_, err := f.svc.Status(ctx)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	_, ok := f.sessions.Current(ctx)
	assert.False(t, ok)
}

func TestStatus_ForbiddenKeepsSession(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	f.sessions.Issue(ctx, "João", "81999990000", "42", "abc123", 0)
	f.backend.statusErr = apperr.New(apperr.KindForbidden, "wrong shop")

	_, err := f.svc.Status(ctx)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
	_, ok := f.sessions.Current(ctx)
	assert.True(t, ok)
}

func TestStatus_WithoutSession(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.svc.Status(context.Background())
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
}

func TestLeave(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	f.sessions.Issue(ctx, "João", "81999990000", "42", "abc123", 0)

	require.NoError(t, f.svc.Leave(ctx))
	assert.False(t, f.svc.Session(ctx).Active)
}

func TestLeave_TransientFailureKeepsSession(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	f.sessions.Issue(ctx, "João", "81999990000", "42", "abc123", 0)
	f.backend.leaveErr = apperr.New(apperr.KindNetwork, "offline")

	assert.Error(t, f.svc.Leave(ctx))
	assert.True(t, f.svc.Session(ctx).Active)
}

func TestLeave_GoneOnServerStillClears(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	f.sessions.Issue(ctx, "João", "81999990000", "42", "abc123", 0)
	f.backend.leaveErr = apperr.New(apperr.KindNotFound, "already served")

	require.NoError(t, f.svc.Leave(ctx))
	assert.False(t, f.svc.Session(ctx).Active)
}

func TestAdminActionsRefreshDashboard(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	require.NoError(t, f.svc.Login(ctx, "admin@example.com", "secret"))
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(f.svc.Login(ctx, "admin@example.com", "nope")))

	entry, err := f.svc.AdminAdd(ctx, "42", "Walk In", "81955556666", "")
	require.NoError(t, err)
	assert.Equal(t, "w1", entry.ID)

	st := f.ctrl.State(poller.DashboardKey("42"))
	require.Len(t, st.Snapshot.Entries, 1)
	assert.False(t, st.Snapshot.Entries[0].Provisional)
	assert.Equal(t, model.SourceEstimated, st.Statistics.Source)

	_, err = f.svc.Advance(ctx, "42", "")
	require.NoError(t, err)
	require.NoError(t, f.svc.Finalize(ctx, "42", "w1"))
	assert.Equal(t, 1, f.backend.advanced)
	assert.Equal(t, []string{"w1"}, f.backend.finalized)
}

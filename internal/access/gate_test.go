package access

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fila-client/internal/storage"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestGate() (*Gate, *fakeClock) {
	g := NewGate(storage.NewMemory(), 2*time.Hour)
	clock := &fakeClock{t: time.Now()}
	g.now = clock.Now
	return g, clock
}

func TestGate_QRMarkersGrantAccess(t *testing.T) {
	ctx := context.Background()
	g, clock := newTestGate()

	d := g.Check(ctx, url.Values{"qr": {"true"}, "barbershop": {"42"}})
	assert.True(t, d.Allowed)
	assert.Equal(t, "42", d.BarbershopID)
	assert.Equal(t, SourceQR, d.Source)
	assert.Equal(t, clock.Now().Add(2*time.Hour), d.ExpiresAt)

	grant, ok := g.stored(ctx)
	require.True(t, ok)
	assert.Equal(t, "42", grant.BarbershopID)
}

func TestGate_FallsBackToStoredGrant(t *testing.T) {
	ctx := context.Background()
	g, clock := newTestGate()

	g.Check(ctx, url.Values{"qr": {"true"}, "barbershop": {"42"}})
	clock.Advance(90 * time.Minute)

	d := g.Check(ctx, url.Values{})
	assert.True(t, d.Allowed)
	assert.Equal(t, SourceStored, d.Source)
	assert.Equal(t, "42", d.BarbershopID)
}

func TestGate_ExpiredGrantIsPurged(t *testing.T) {
	ctx := context.Background()
	g, clock := newTestGate()

	g.Check(ctx, url.Values{"qr": {"true"}, "barbershop": {"42"}})
	clock.Advance(2*time.Hour + time.Second)

	d := g.Check(ctx, nil)
	assert.False(t, d.Allowed)
	assert.Equal(t, SourceNone, d.Source)

	_, ok := g.stored(ctx)
	assert.False(t, ok, "a stale grant must be purged, not kept")
}

func TestGate_QRRenewsValidityWindow(t *testing.T) {
	ctx := context.Background()
	g, clock := newTestGate()

	g.Check(ctx, url.Values{"qr": {"true"}, "barbershop": {"42"}})
	clock.Advance(time.Hour + 59*time.Minute)
	g.Check(ctx, url.Values{"qr": {"true"}, "barbershop": {"42"}})
	clock.Advance(time.Hour)

	assert.True(t, g.Check(ctx, nil).Allowed)
}

func TestGate_PartialMarkersFallThrough(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGate()

	assert.False(t, g.Check(ctx, url.Values{"qr": {"true"}}).Allowed)
	assert.False(t, g.Check(ctx, url.Values{"barbershop": {"42"}}).Allowed)
	assert.False(t, g.Check(ctx, url.Values{"qr": {"false"}, "barbershop": {"42"}}).Allowed)

	g.grant(ctx, "9")
	d := g.Check(ctx, url.Values{"barbershop": {"42"}})
	assert.True(t, d.Allowed)
	assert.Equal(t, "9", d.BarbershopID)

	g.Clear(ctx)
	assert.False(t, g.Check(ctx, nil).Allowed)
}

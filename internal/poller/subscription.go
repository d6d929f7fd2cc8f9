package poller

import (
	"context"
	"time"

	"fila-client/internal/metrics"
)

// Subscription receives state updates for one key. All subscriptions on a
// key share a single polling loop that runs at the fastest requested
// interval; the loop stops when the last subscription closes.
type Subscription struct {
	c        *Controller
	key      string
	interval time.Duration
	updates  chan State
}

// Updates delivers the latest state. Slow readers only ever see the newest
// value. The channel is closed by Close or when the controller shuts down.
func (s *Subscription) Updates() <-chan State {
	return s.updates
}

// Key returns the polled key.
func (s *Subscription) Key() string {
	return s.key
}

// Close detaches the subscription. Once it returns no further update is
// delivered, and if it was the last subscriber the polling loop is cancelled
// and a request only the loop was waiting for is abandoned.
func (s *Subscription) Close() {
	c := s.c
	c.mu.Lock()
	defer c.mu.Unlock()

	ks, ok := c.keys[s.key]
	if !ok {
		return
	}
	if _, live := ks.subs[s]; !live {
		return
	}
	delete(ks.subs, s)
	close(s.updates)
	metrics.SetSubscribers(s.key, len(ks.subs))

	if len(ks.subs) == 0 {
		if ks.loopCancel != nil {
			ks.loopCancel()
		}
		ks.loopCancel = nil
		ks.loopInterval = 0
		c.prune(s.key, ks)
		return
	}
	if fastest := ks.fastest(); fastest != ks.loopInterval {
		c.startLoop(s.key, ks, fastest)
	}
}

// Subscribe starts (or joins) the polling loop for key. A non-positive
// interval uses the key's cache window.
func (c *Controller) Subscribe(key string, interval time.Duration) *Subscription {
	if interval <= 0 {
		interval = c.cacheWindow(key)
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	sub := &Subscription{
		c:        c,
		key:      key,
		interval: interval,
		updates:  make(chan State, 1),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		close(sub.updates)
		return sub
	}

	ks := c.entry(key)
	ks.subs[sub] = struct{}{}
	metrics.SetSubscribers(key, len(ks.subs))

	if ks.hasBase || len(ks.provisional) > 0 {
		deliver(sub, c.view(key, ks))
	}
	if ks.loopCancel == nil || interval < ks.loopInterval {
		c.startLoop(key, ks, interval)
	}
	return sub
}

// startLoop replaces the polling loop of key. Must be called with c.mu held.
func (c *Controller) startLoop(key string, ks *keyState, interval time.Duration) {
	if ks.loopCancel != nil {
		ks.loopCancel()
	}
	ctx, cancel := context.WithCancel(c.ctx)
	ks.loopCancel = cancel
	ks.loopInterval = interval

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx, key, interval)
	}()
}

func (c *Controller) run(ctx context.Context, key string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		_, _ = c.Refresh(ctx, key, false)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (ks *keyState) fastest() time.Duration {
	var best time.Duration
	for sub := range ks.subs {
		if best == 0 || sub.interval < best {
			best = sub.interval
		}
	}
	return best
}

// notify must be called with c.mu held.
func (c *Controller) notify(key string, ks *keyState) {
	if len(ks.subs) == 0 {
		return
	}
	st := c.view(key, ks)
	for sub := range ks.subs {
		deliver(sub, st)
	}
}

// deliver replaces whatever is buffered with st. Sends happen under c.mu so
// they never race with close.
func deliver(sub *Subscription, st State) {
	select {
	case sub.updates <- st:
		return
	default:
	}
	select {
	case <-sub.updates:
	default:
	}
	select {
	case sub.updates <- st:
	default:
	}
}

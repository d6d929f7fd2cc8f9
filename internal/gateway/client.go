// Package gateway is the single point of contact with the queue backend.
//
// Every call returns either a decoded payload or an *apperr.Error classified
// into the failure taxonomy. The gateway never caches and never retries; both
// belong to the polling controller.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"fila-client/config"
	"fila-client/internal/apperr"
	"fila-client/internal/metrics"
	"fila-client/internal/model"
	"fila-client/internal/parse"
	"fila-client/internal/ratelimit"
)

// Gateway defines one operation per queue action. It is implemented by
// *Client and can be replaced in tests.
type Gateway interface {
	Login(ctx context.Context, email, password string) (string, error)
	FetchQueue(ctx context.Context, barbershopID string) (*QueueResult, error)
	FetchStatistics(ctx context.Context, barbershopID string) (*model.Statistics, error)
	Enter(ctx context.Context, barbershopID string, req EntryRequest) (*EntryResult, error)
	Status(ctx context.Context) (*StatusResult, error)
	Leave(ctx context.Context) error
	Advance(ctx context.Context, barbershopID, barberID string) (*model.QueueEntry, error)
	Finalize(ctx context.Context, barbershopID, entryID string) error
	AdminAdd(ctx context.Context, barbershopID string, req EntryRequest) (*model.QueueEntry, error)
}

// Ensure Client implements Gateway at compile time.
var _ Gateway = (*Client)(nil)

// TokenSource yields the customer's current session token. The session
// store satisfies it and is consulted before every session-scoped call.
type TokenSource interface {
	Token(ctx context.Context) (string, bool)
}

const (
	defaultUserAgent = "fila-client/1.0"
	maxResponseBody  = 1 << 20
)

// Client talks to the queue backend over HTTP.
type Client struct {
	baseURL   *url.URL
	http      *http.Client
	headers   map[string]string
	userAgent string
	clientKey string

	tokens  TokenSource
	limiter *ratelimit.Limiter
	pacer   *rate.Limiter

	mu         sync.RWMutex
	adminToken string

	now func() time.Time
}

// New builds a Client from the api config section. tokens and limiter may be
// nil; without a token source every session-scoped call is Unauthorized.
func New(cfg config.APIConfig, tokens TokenSource, limiter *ratelimit.Limiter) (*Client, error) {
	base, err := parseBaseURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}

	limit := rate.Inf
	if cfg.MaxRequestsPerSec > 0 {
		limit = rate.Limit(cfg.MaxRequestsPerSec)
	}
	burst := int(cfg.MaxRequestsPerSec)
	if burst < 1 {
		burst = 1
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		baseURL:    base,
		http:       &http.Client{Timeout: timeout},
		headers:    cfg.Headers,
		userAgent:  defaultUserAgent,
		clientKey:  cfg.ClientKey,
		tokens:     tokens,
		limiter:    limiter,
		pacer:      rate.NewLimiter(limit, burst),
		adminToken: cfg.AdminToken,
		now:        time.Now,
	}, nil
}

// SetAdminToken replaces the bearer token used for admin operations.
func (c *Client) SetAdminToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adminToken = token
}

// AdminToken returns the bearer token used for admin operations.
func (c *Client) AdminToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.adminToken
}

// Login authenticates an administrator and keeps the returned bearer token.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	const op = "login"
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return "", invalid(op, "email and password are required")
	}
	var payload loginPayload
	err := c.call(ctx, call{
		op:     op,
		class:  ratelimit.ClassAuth,
		method: http.MethodPost,
		path:   []string{"auth", "login"},
		body:   loginRequest{Email: email, Password: password},
		dest:   &payload,
	})
	if err != nil {
		return "", err
	}
	if payload.Token == "" {
		return "", malformed(op, "login response carried no token")
	}
	c.SetAdminToken(payload.Token)
	return payload.Token, nil
}

// FetchQueue retrieves the current queue of a barbershop.
func (c *Client) FetchQueue(ctx context.Context, barbershopID string) (*QueueResult, error) {
	const op = "fetch_queue"
	if strings.TrimSpace(barbershopID) == "" {
		return nil, invalid(op, "barbershop id is required")
	}
	var payload queuePayload
	err := c.call(ctx, call{
		op:     op,
		class:  ratelimit.ClassDefault,
		method: http.MethodGet,
		scope:  barbershopID,
		path:   []string{"barbershops", barbershopID, "queue"},
		dest:   &payload,
	})
	if err != nil {
		return nil, err
	}

	result := &QueueResult{
		Snapshot: model.QueueSnapshot{
			BarbershopID: barbershopID,
			Entries:      narrowEntries(barbershopID, payload.Entries),
			Barbers:      payload.Barbers,
			FetchedAt:    c.now(),
		},
	}
	if stats, ok := decodeStatistics(payload.Statistics); ok {
		result.Statistics = stats
	}
	return result, nil
}

// FetchStatistics retrieves the backend's authoritative statistics.
func (c *Client) FetchStatistics(ctx context.Context, barbershopID string) (*model.Statistics, error) {
	const op = "fetch_statistics"
	if strings.TrimSpace(barbershopID) == "" {
		return nil, invalid(op, "barbershop id is required")
	}
	var raw json.RawMessage
	err := c.call(ctx, call{
		op:     op,
		class:  ratelimit.ClassDefault,
		method: http.MethodGet,
		scope:  barbershopID,
		path:   []string{"barbershops", barbershopID, "queue", "statistics"},
		dest:   &raw,
	})
	if err != nil {
		return nil, err
	}
	stats, ok := decodeStatistics(raw)
	if !ok {
		return nil, malformed(op, "statistics payload is empty")
	}
	return stats, nil
}

// Enter adds the customer to a queue. The name and phone are normalised
// before the request leaves the process.
func (c *Client) Enter(ctx context.Context, barbershopID string, req EntryRequest) (*EntryResult, error) {
	const op = "enter"
	if strings.TrimSpace(barbershopID) == "" {
		return nil, invalid(op, "barbershop id is required")
	}
	customer, err := parse.ParseCustomer(req.Name, req.Phone)
	if err != nil {
		return nil, invalid(op, err.Error())
	}
	req.Name, req.Phone = customer.Name, customer.Phone

	var payload EntryResult
	err = c.call(ctx, call{
		op:     op,
		class:  ratelimit.ClassQueue,
		method: http.MethodPost,
		scope:  barbershopID,
		path:   []string{"barbershops", barbershopID, "queue", "entries"},
		body:   req,
		dest:   &payload,
	})
	if err != nil {
		return nil, err
	}
	if payload.Token == "" {
		return nil, malformed(op, "entry response carried no token")
	}
	if payload.Entry.CustomerName == "" {
		payload.Entry.CustomerName = req.Name
	}
	if payload.Entry.CustomerPhone == "" {
		payload.Entry.CustomerPhone = req.Phone
	}
	if payload.Entry.BarberID == "" {
		payload.Entry.BarberID = req.BarberID
	}
	if !payload.Entry.Status.Valid() {
		payload.Entry.Status = model.StatusWaiting
	}
	if payload.Entry.Position == 0 {
		payload.Entry.Position = payload.Position
	}
	return &payload, nil
}

// Status fetches the customer's own entry using the current session token.
func (c *Client) Status(ctx context.Context) (*StatusResult, error) {
	const op = "status"
	token, err := c.sessionToken(ctx, op)
	if err != nil {
		return nil, err
	}
	var payload StatusResult
	err = c.call(ctx, call{
		op:     op,
		class:  ratelimit.ClassDefault,
		method: http.MethodGet,
		path:   []string{"queue", "session", token},
		dest:   &payload,
	})
	if err != nil {
		return nil, err
	}
	if payload.Position == 0 {
		payload.Position = payload.Entry.Position
	}
	return &payload, nil
}

// Leave removes the customer from the queue using the current session token.
func (c *Client) Leave(ctx context.Context) error {
	const op = "leave"
	token, err := c.sessionToken(ctx, op)
	if err != nil {
		return err
	}
	return c.call(ctx, call{
		op:     op,
		class:  ratelimit.ClassQueue,
		method: http.MethodDelete,
		path:   []string{"queue", "session", token},
	})
}

// Advance calls the next customer. An empty barberID advances the general queue.
func (c *Client) Advance(ctx context.Context, barbershopID, barberID string) (*model.QueueEntry, error) {
	const op = "advance"
	if strings.TrimSpace(barbershopID) == "" {
		return nil, invalid(op, "barbershop id is required")
	}
	var entry model.QueueEntry
	err := c.call(ctx, call{
		op:     op,
		class:  ratelimit.ClassDefault,
		method: http.MethodPost,
		scope:  barbershopID,
		path:   []string{"barbershops", barbershopID, "queue", "next"},
		body:   advanceRequest{BarberID: barberID},
		dest:   &entry,
		admin:  true,
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Finalize marks an entry's service as finished.
func (c *Client) Finalize(ctx context.Context, barbershopID, entryID string) error {
	const op = "finalize"
	if strings.TrimSpace(barbershopID) == "" || strings.TrimSpace(entryID) == "" {
		return invalid(op, "barbershop id and entry id are required")
	}
	return c.call(ctx, call{
		op:     op,
		class:  ratelimit.ClassDefault,
		method: http.MethodPost,
		scope:  barbershopID,
		path:   []string{"barbershops", barbershopID, "queue", "entries", entryID, "finalize"},
		admin:  true,
	})
}

// AdminAdd adds a walk-in customer on their behalf.
func (c *Client) AdminAdd(ctx context.Context, barbershopID string, req EntryRequest) (*model.QueueEntry, error) {
	const op = "admin_add"
	if strings.TrimSpace(barbershopID) == "" {
		return nil, invalid(op, "barbershop id is required")
	}
	customer, err := parse.ParseCustomer(req.Name, req.Phone)
	if err != nil {
		return nil, invalid(op, err.Error())
	}
	req.Name, req.Phone = customer.Name, customer.Phone

	var entry model.QueueEntry
	err = c.call(ctx, call{
		op:     op,
		class:  ratelimit.ClassDefault,
		method: http.MethodPost,
		scope:  barbershopID,
		path:   []string{"barbershops", barbershopID, "queue", "admin"},
		body:   req,
		dest:   &entry,
		admin:  true,
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (c *Client) sessionToken(ctx context.Context, op string) (string, error) {
	if c.tokens == nil {
		return "", &apperr.Error{Kind: apperr.KindUnauthorized, Op: op, Message: "no active session"}
	}
	token, ok := c.tokens.Token(ctx)
	if !ok || strings.TrimSpace(token) == "" {
		return "", &apperr.Error{Kind: apperr.KindUnauthorized, Op: op, Message: "no active session"}
	}
	return token, nil
}

type call struct {
	op     string
	scope  string // barbershop the call targets, part of the limiter key
	class  ratelimit.Class
	method string
	path   []string
	body   any
	dest   any
	admin  bool
}

func (c *Client) call(ctx context.Context, cl call) (err error) {
	start := c.now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = string(apperr.KindOf(err))
		}
		metrics.TrackGateway(cl.op, outcome, time.Since(start))
	}()

	if c.limiter != nil {
		d := c.limiter.Allow(c.limiterKey(cl), cl.class)
		if !d.Allowed {
			retry := d.RetryAfter(c.now())
			log.Printf("gateway %s: throttled locally for %s", cl.op, retry.Round(time.Second))
			return &apperr.Error{
				Kind:       apperr.KindRateLimited,
				Op:         cl.op,
				Message:    "too many requests, try again later",
				RetryAfter: retry,
			}
		}
	}

	if err := c.pacer.Wait(ctx); err != nil {
		return classifyTransport(cl.op, err)
	}

	req, err := c.newRequest(ctx, cl)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(cl.op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return classifyTransport(cl.op, err)
	}

	var env model.Envelope
	decodeErr := json.Unmarshal(body, &env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.statusError(cl.op, resp, env, decodeErr == nil)
	}
	if decodeErr != nil {
		return &apperr.Error{Kind: apperr.KindServer, Op: cl.op, Status: resp.StatusCode, Message: "undecodable response", Cause: decodeErr}
	}
	if !env.Success {
		return &apperr.Error{
			Kind:    apperr.KindValidation,
			Op:      cl.op,
			Status:  resp.StatusCode,
			Message: firstNonEmpty(env.Message, "request rejected"),
			Errors:  env.Errors,
		}
	}
	if cl.dest == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, cl.dest); err != nil {
		return &apperr.Error{Kind: apperr.KindServer, Op: cl.op, Status: resp.StatusCode, Message: "malformed response data", Cause: err}
	}
	return nil
}

func (c *Client) limiterKey(cl call) string {
	key := c.clientKey + ":" + cl.op
	if cl.scope != "" {
		key += ":" + cl.scope
	}
	return key
}

func (c *Client) newRequest(ctx context.Context, cl call) (*http.Request, error) {
	reqURL := c.baseURL.JoinPath(append([]string{"api", "v1"}, cl.path...)...)

	var body io.Reader
	if cl.body != nil {
		buf, err := json.Marshal(cl.body)
		if err != nil {
			return nil, fmt.Errorf("encode %s request: %w", cl.op, err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, cl.method, reqURL.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", cl.op, err)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if cl.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cl.admin {
		token := c.AdminToken()
		if token == "" {
			return nil, &apperr.Error{Kind: apperr.KindUnauthorized, Op: cl.op, Message: "admin login required"}
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) statusError(op string, resp *http.Response, env model.Envelope, decoded bool) error {
	e := &apperr.Error{
		Kind:   apperr.FromStatus(resp.StatusCode),
		Op:     op,
		Status: resp.StatusCode,
	}
	if decoded {
		e.Message = env.Message
		e.Errors = env.Errors
	}
	if e.Message == "" {
		e.Message = http.StatusText(resp.StatusCode)
	}
	if e.Kind == apperr.KindRateLimited {
		e.RetryAfter = c.retryAfter(resp, env)
	}
	return e
}

// retryAfter reads the throttling hint from the body, then Retry-After, then
// X-RateLimit-Reset (unix seconds).
func (c *Client) retryAfter(resp *http.Response, env model.Envelope) time.Duration {
	if env.RetryAfter > 0 {
		return time.Duration(env.RetryAfter) * time.Second
	}
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
		if at, err := http.ParseTime(v); err == nil {
			if d := at.Sub(c.now()); d > 0 {
				return d
			}
		}
	}
	if v := resp.Header.Get("X-RateLimit-Reset"); v != "" {
		if unix, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			if d := time.Unix(unix, 0).Sub(c.now()); d > 0 {
				return d
			}
		}
	}
	return 0
}

// classifyTransport maps a failure that produced no HTTP response. A
// cancelled context is returned untouched so callers can tell teardown apart
// from a failure.
func classifyTransport(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var nerr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
		return &apperr.Error{Kind: apperr.KindTimeout, Op: op, Message: "request timed out", Cause: err}
	}
	return &apperr.Error{Kind: apperr.KindNetwork, Op: op, Message: "backend unreachable", Cause: err}
}

func invalid(op, message string) error {
	return &apperr.Error{Kind: apperr.KindValidation, Op: op, Message: message, Errors: []string{message}}
}

func malformed(op, message string) error {
	return &apperr.Error{Kind: apperr.KindServer, Op: op, Message: message}
}

func decodeStatistics(raw json.RawMessage) (*model.Statistics, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, false
	}
	var stats model.Statistics
	if err := json.Unmarshal(trimmed, &stats); err != nil {
		log.Printf("gateway: ignoring undecodable statistics: %v", err)
		return nil, false
	}
	return &stats, true
}

// narrowEntries drops entries whose status is unknown so the rest of the
// client only ever sees the known states.
func narrowEntries(barbershopID string, entries []model.QueueEntry) []model.QueueEntry {
	out := make([]model.QueueEntry, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if !e.Status.Valid() {
			log.Printf("gateway: shop %s entry %s has unknown status %q; skipping", barbershopID, e.ID, e.Status)
			continue
		}
		// One customer holds one place in the queue.
		id := e.Identity()
		if _, dup := seen[id]; dup {
			log.Printf("gateway: shop %s entry %s repeats customer %s; keeping the first", barbershopID, e.ID, id)
			continue
		}
		seen[id] = struct{}{}
		e.Provisional = false
		out = append(out, e)
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseBaseURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("api base_url is required")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse api base_url %q: %w", raw, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("api base_url %q has no host", raw)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

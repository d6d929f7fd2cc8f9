package storage

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var cookieNameRe = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// Cookie stores items as cookies in a jar scoped to one URL.
//
// Values are encoded as "<expiry unix ms>.<base64url value>" so the expiry
// survives the jar, which does not hand Expires back to readers.
type Cookie struct {
	jar http.CookieJar
	u   *url.URL
	now func() time.Time
}

// NewCookie creates a cookie back-end over jar for rawURL.
func NewCookie(jar http.CookieJar, rawURL string) (*Cookie, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid cookie url %q: %w", rawURL, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("cookie url %q has no host", rawURL)
	}
	return &Cookie{jar: jar, u: u, now: time.Now}, nil
}

func cookieName(key string) string {
	return cookieNameRe.ReplaceAllString(key, "_")
}

// Get returns the item stored under key.
func (c *Cookie) Get(ctx context.Context, key string) (Item, bool, error) {
	name := cookieName(key)
	for _, ck := range c.jar.Cookies(c.u) {
		if ck.Name != name {
			continue
		}
		item, err := decodeCookie(ck.Value)
		if err != nil || item.Expired(c.now()) {
			_ = c.Remove(ctx, key)
			return Item{}, false, nil
		}
		return item, true, nil
	}
	return Item{}, false, nil
}

// Set stores value under key until expiresAt.
func (c *Cookie) Set(_ context.Context, key, value string, expiresAt time.Time) error {
	ck := &http.Cookie{
		Name:     cookieName(key),
		Value:    encodeCookie(value, expiresAt),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	if !expiresAt.IsZero() {
		ck.Expires = expiresAt
	}
	c.jar.SetCookies(c.u, []*http.Cookie{ck})
	return nil
}

// Remove deletes key.
func (c *Cookie) Remove(_ context.Context, key string) error {
	c.jar.SetCookies(c.u, []*http.Cookie{{Name: cookieName(key), Path: "/", MaxAge: -1}})
	return nil
}

func encodeCookie(value string, expiresAt time.Time) string {
	var ms int64
	if !expiresAt.IsZero() {
		ms = expiresAt.UnixMilli()
	}
	return strconv.FormatInt(ms, 10) + "." + base64.RawURLEncoding.EncodeToString([]byte(value))
}

func decodeCookie(raw string) (Item, error) {
	msPart, valuePart, ok := strings.Cut(raw, ".")
	if !ok {
		return Item{}, fmt.Errorf("malformed cookie value")
	}
	ms, err := strconv.ParseInt(msPart, 10, 64)
	if err != nil {
		return Item{}, fmt.Errorf("malformed cookie expiry: %w", err)
	}
	value, err := base64.RawURLEncoding.DecodeString(valuePart)
	if err != nil {
		return Item{}, fmt.Errorf("malformed cookie payload: %w", err)
	}
	item := Item{Value: string(value)}
	if ms > 0 {
		item.ExpiresAt = time.UnixMilli(ms)
	}
	return item, nil
}

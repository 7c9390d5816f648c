package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrKeysUnavailable is returned when credentials cannot be obtained.
var ErrKeysUnavailable = errors.New("alpaca keys unavailable")

// Credentials authenticate against the upstream feeds.
type Credentials struct {
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

// KeySource supplies feed credentials.
type KeySource interface {
	FetchKeys(ctx context.Context) (Credentials, error)
}

// StaticKeySource returns fixed credentials, typically from config.
type StaticKeySource Credentials

// FetchKeys returns the configured credentials or ErrKeysUnavailable if
// either half is empty.
func (s StaticKeySource) FetchKeys(_ context.Context) (Credentials, error) {
	if s.Key == "" || s.Secret == "" {
		return Credentials{}, ErrKeysUnavailable
	}
	return Credentials(s), nil
}

// HTTPKeySource fetches credentials from an endpoint returning
// {"key": ..., "secret": ...}.
type HTTPKeySource struct {
	url    string
	client *http.Client
}

// NewHTTPKeySource creates a key source for the given URL.
func NewHTTPKeySource(url string) *HTTPKeySource {
	return &HTTPKeySource{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// FetchKeys performs one GET against the key endpoint.
func (s *HTTPKeySource) FetchKeys(ctx context.Context) (Credentials, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return Credentials{}, fmt.Errorf("building key request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: %v", ErrKeysUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Credentials{}, fmt.Errorf("%w: status %d", ErrKeysUnavailable, resp.StatusCode)
	}

	var creds Credentials
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return Credentials{}, fmt.Errorf("decoding keys: %w", err)
	}
	if creds.Key == "" || creds.Secret == "" {
		return Credentials{}, fmt.Errorf("%w: empty key or secret", ErrKeysUnavailable)
	}
	return creds, nil
}

// keyCache memoizes the first successful fetch for the process lifetime.
// Concurrent callers share a single in-flight request; a failed fetch is not
// cached, so the next caller tries again.
type keyCache struct {
	src   KeySource
	group singleflight.Group

	mu    sync.Mutex
	creds *Credentials
}

func newKeyCache(src KeySource) *keyCache {
	return &keyCache{src: src}
}

func (c *keyCache) get(ctx context.Context) (Credentials, error) {
	c.mu.Lock()
	if c.creds != nil {
		creds := *c.creds
		c.mu.Unlock()
		return creds, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do("keys", func() (any, error) {
		creds, err := c.src.FetchKeys(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.creds = &creds
		c.mu.Unlock()
		return creds, nil
	})
	if err != nil {
		return Credentials{}, fmt.Errorf("fetching alpaca keys: %w", err)
	}
	return v.(Credentials), nil
}

// Package marketstream is a Go SDK for the stream-server HTTP API.
package marketstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Quote mirrors the server's quote JSON.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price,omitempty"`
	LastTrade float64   `json:"lastTrade,omitempty"`
	Size      float64   `json:"size,omitempty"`
	Bid       float64   `json:"bid,omitempty"`
	Ask       float64   `json:"ask,omitempty"`
	BidSize   float64   `json:"bidSize,omitempty"`
	AskSize   float64   `json:"askSize,omitempty"`
	Open      float64   `json:"open,omitempty"`
	High      float64   `json:"high,omitempty"`
	Low       float64   `json:"low,omitempty"`
	Volume    float64   `json:"volume,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Session   string    `json:"session,omitempty"`
}

// Status is the upstream connection status.
type Status struct {
	StockConnected  bool   `json:"stockConnected"`
	CryptoConnected bool   `json:"cryptoConnected"`
	Error           string `json:"error,omitempty"`
	IsConnected     bool   `json:"isConnected"`
}

// Quotes is the response of GetQuotes.
type Quotes struct {
	Stocks map[string]Quote `json:"stocks"`
	Crypto map[string]Quote `json:"crypto"`
}

// Keys is the response of GetAlpacaKeys.
type Keys struct {
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("marketstream: %d %s", e.StatusCode, e.Message)
}

// Client provides a Go SDK for interacting with the stream-server API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	var out struct {
		Status string `json:"status"`
	}
	return c.do(ctx, http.MethodGet, "/api/health", &out)
}

// GetStatus retrieves the upstream connection status.
func (c *Client) GetStatus(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodGet, "/api/stream/status", &st)
	return st, err
}

// GetQuotes retrieves cached quotes. With no symbols at all the server
// returns everything it has.
func (c *Client) GetQuotes(ctx context.Context, stocks, crypto []string) (Quotes, error) {
	q := url.Values{}
	if len(stocks) > 0 {
		q.Set("stocks", strings.Join(stocks, ","))
	}
	if len(crypto) > 0 {
		q.Set("crypto", strings.Join(crypto, ","))
	}
	path := "/api/quotes"
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}
	var out Quotes
	err := c.do(ctx, http.MethodGet, path, &out)
	return out, err
}

// Reconnect forces the server to reconnect the given feed ("stock" or
// "crypto") and returns the status right after.
func (c *Client) Reconnect(ctx context.Context, asset string) (Status, error) {
	var out struct {
		Status Status `json:"status"`
	}
	err := c.do(ctx, http.MethodPost, "/api/stream/reconnect/"+url.PathEscape(asset), &out)
	return out.Status, err
}

// GetAlpacaKeys fetches the upstream credentials the server hands out.
func (c *Client) GetAlpacaKeys(ctx context.Context) (Keys, error) {
	var k Keys
	err := c.do(ctx, http.MethodGet, "/api/alpaca-keys", &k)
	return k, err
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var body struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&body)
		msg := body.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

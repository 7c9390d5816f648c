// Package httpapi serves the stream manager over HTTP: the credential
// endpoint the original browser clients used, status and cached quotes, a
// manual reconnect hook, and a WebSocket that streams a live.View.
package httpapi

import (
	"marketstream/internal/stream"
)

// KeysResponse is returned by GET /api/alpaca-keys.
type KeysResponse struct {
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

// QuotesResponse is returned by GET /api/quotes.
type QuotesResponse struct {
	Stocks map[string]stream.Quote `json:"stocks"`
	Crypto map[string]stream.Quote `json:"crypto"`
}

// ReconnectResponse is returned by POST /api/stream/reconnect/{asset}.
type ReconnectResponse struct {
	Asset  string        `json:"asset"`
	Status stream.Status `json:"status"`
}

// HealthResponse is returned by GET /api/health.
type HealthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

// wsRequest is what a WebSocket client sends to (re)select symbols. A
// missing enabled field means enabled.
type wsRequest struct {
	Action        string   `json:"action,omitempty"` // "" or "subscribe", "reconnect"
	Asset         string   `json:"asset,omitempty"`  // reconnect only
	StockSymbols  []string `json:"stockSymbols"`
	CryptoSymbols []string `json:"cryptoSymbols"`
	Enabled       *bool    `json:"enabled"`
}

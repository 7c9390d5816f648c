// Package live adapts the shared stream manager into per-consumer views: a
// symbol → quote map plus connection flags, with pub/sub change notification
// for gRPC and WebSocket streaming.
package live

import (
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"marketstream/internal/stream"
	"marketstream/internal/symbol"
)

// Streamer is the part of *stream.Manager a View consumes.
type Streamer interface {
	SubscribeStocks(symbols []string, cb stream.QuoteFunc) func()
	SubscribeCrypto(symbols []string, cb stream.QuoteFunc) func()
	SubscribeStatus(cb stream.StatusFunc) func()
	ReconnectStock()
	ReconnectCrypto()
}

var _ Streamer = (*stream.Manager)(nil)

// Options selects what a View follows.
type Options struct {
	StockSymbols  []string `json:"stockSymbols"`
	CryptoSymbols []string `json:"cryptoSymbols"`
	Enabled       bool     `json:"enabled"`
}

// ChangeKind discriminates Change events.
type ChangeKind uint8

const (
	ChangeQuote ChangeKind = iota + 1
	ChangeStatus
)

// Change is emitted to subscribers whenever the view's state changes.
type Change struct {
	Kind   ChangeKind
	Asset  stream.AssetClass // ChangeQuote only
	Symbol string            // ChangeQuote only
	Quote  stream.Quote      // ChangeQuote only
	Status stream.Status     // ChangeStatus only
}

// View holds one consumer's slice of the stream: its requested symbols, the
// latest quote for each, and the shared connection status.
type View struct {
	streamer Streamer
	log      *slog.Logger

	// updateMu serializes Update and Close.
	updateMu sync.Mutex
	unsubs   []func()

	mu         sync.Mutex
	key        string
	started    bool
	closed     bool
	enabled    bool
	wantStock  map[string]struct{}
	wantCrypto map[string]struct{}
	stocks     map[string]stream.Quote
	crypto     map[string]stream.Quote
	status     stream.Status
	statusSeen bool

	subsMu    sync.Mutex
	nextSubID int
	subs      map[int]chan Change
}

// NewView creates an idle view. Call Update to start following symbols.
func NewView(streamer Streamer, log *slog.Logger) *View {
	return &View{
		streamer:   streamer,
		log:        log.With("component", "view"),
		wantStock:  make(map[string]struct{}),
		wantCrypto: make(map[string]struct{}),
		stocks:     make(map[string]stream.Quote),
		crypto:     make(map[string]stream.Quote),
		subs:       make(map[int]chan Change),
	}
}

// Update points the view at a new symbol selection. Passing the same
// symbols again, in any order of case or duplication, is a no-op; the
// return value reports whether subscriptions were rebuilt.
func (v *View) Update(opts Options) bool {
	stocks := symbol.Stocks(opts.StockSymbols)
	crypto := cryptoKeys(opts.CryptoSymbols)
	key := strconv.FormatBool(opts.Enabled) + "|" + strings.Join(stocks, ",") + "|" + strings.Join(crypto, ",")

	v.updateMu.Lock()
	defer v.updateMu.Unlock()

	v.mu.Lock()
	if v.closed || (v.started && v.key == key) {
		v.mu.Unlock()
		return false
	}
	v.key = key
	v.started = true
	v.enabled = opts.Enabled
	v.wantStock = toSet(stocks)
	v.wantCrypto = toSet(crypto)
	prune(v.stocks, v.wantStock)
	prune(v.crypto, v.wantCrypto)
	v.statusSeen = false
	if !opts.Enabled {
		v.stocks = make(map[string]stream.Quote)
		v.crypto = make(map[string]stream.Quote)
		v.status = stream.Status{}
	}
	v.mu.Unlock()

	v.releaseLocked()

	if !opts.Enabled {
		v.log.Debug("view disabled")
		v.publish(Change{Kind: ChangeStatus})
		return true
	}

	v.unsubs = append(v.unsubs, v.streamer.SubscribeStatus(v.onStatus))
	if len(stocks) > 0 {
		v.unsubs = append(v.unsubs, v.streamer.SubscribeStocks(stocks, v.onQuote))
	}
	if len(crypto) > 0 {
		v.unsubs = append(v.unsubs, v.streamer.SubscribeCrypto(crypto, v.onQuote))
	}
	v.log.Debug("view updated", "stocks", len(stocks), "crypto", len(crypto))
	return true
}

// Close releases every subscription and closes subscriber channels.
func (v *View) Close() {
	v.updateMu.Lock()
	defer v.updateMu.Unlock()

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	v.enabled = false
	v.mu.Unlock()

	v.releaseLocked()

	v.subsMu.Lock()
	for id, ch := range v.subs {
		close(ch)
		delete(v.subs, id)
	}
	v.subsMu.Unlock()
}

// releaseLocked must be called with updateMu held.
func (v *View) releaseLocked() {
	for _, unsub := range v.unsubs {
		unsub()
	}
	v.unsubs = nil
}

// StockQuotes returns a copy of the view's stock quotes.
func (v *View) StockQuotes() map[string]stream.Quote {
	v.mu.Lock()
	defer v.mu.Unlock()
	return copyQuotes(v.stocks)
}

// CryptoQuotes returns a copy of the view's crypto quotes.
func (v *View) CryptoQuotes() map[string]stream.Quote {
	v.mu.Lock()
	defer v.mu.Unlock()
	return copyQuotes(v.crypto)
}

// State returns the connection flags as last seen by this view. A disabled
// view always reports disconnected with no error.
func (v *View) State() stream.Status {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.enabled {
		return stream.Status{}
	}
	return v.status
}

// ReconnectStock forwards to the underlying manager.
func (v *View) ReconnectStock() { v.streamer.ReconnectStock() }

// ReconnectCrypto forwards to the underlying manager.
func (v *View) ReconnectCrypto() { v.streamer.ReconnectCrypto() }

func (v *View) onQuote(u stream.QuoteUpdate) {
	v.mu.Lock()
	if !v.enabled {
		v.mu.Unlock()
		return
	}
	switch u.Asset {
	case stream.Stock:
		if _, ok := v.wantStock[u.Symbol]; !ok {
			v.mu.Unlock()
			return
		}
		v.stocks[u.Symbol] = u.Quote
	case stream.Crypto:
		if _, ok := v.wantCrypto[u.Symbol]; !ok {
			v.mu.Unlock()
			return
		}
		v.crypto[u.Symbol] = u.Quote
	default:
		v.mu.Unlock()
		return
	}
	v.mu.Unlock()

	v.publish(Change{Kind: ChangeQuote, Asset: u.Asset, Symbol: u.Symbol, Quote: u.Quote})
}

func (v *View) onStatus(st stream.Status) {
	v.mu.Lock()
	if !v.enabled || (v.statusSeen && v.status == st) {
		v.mu.Unlock()
		return
	}
	v.status = st
	v.statusSeen = true
	v.mu.Unlock()

	v.publish(Change{Kind: ChangeStatus, Status: st})
}

// ---------------------------------------------------------------------------
// Pub/sub
// ---------------------------------------------------------------------------

// Subscribe creates a new subscription channel for view changes.
func (v *View) Subscribe(bufSize int) (id int, ch <-chan Change) {
	v.subsMu.Lock()
	defer v.subsMu.Unlock()
	id = v.nextSubID
	v.nextSubID++
	c := make(chan Change, bufSize)
	v.subs[id] = c
	return id, c
}

// Unsubscribe removes a subscription and closes its channel.
func (v *View) Unsubscribe(id int) {
	v.subsMu.Lock()
	defer v.subsMu.Unlock()
	if ch, ok := v.subs[id]; ok {
		close(ch)
		delete(v.subs, id)
	}
}

func (v *View) publish(c Change) {
	v.subsMu.Lock()
	defer v.subsMu.Unlock()
	for _, ch := range v.subs {
		select {
		case ch <- c:
		default:
			// Slow subscriber, drop event.
		}
	}
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// cryptoKeys normalizes crypto symbols into the keys the manager reports
// updates under.
func cryptoKeys(symbols []string) []string {
	out := symbol.Cryptos(symbols)
	for i, s := range out {
		out[i] = stream.Crypto.Canonical(s)
	}
	return symbol.Cryptos(out)
}

func toSet(symbols []string) map[string]struct{} {
	set := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		set[s] = struct{}{}
	}
	return set
}

func prune(quotes map[string]stream.Quote, want map[string]struct{}) {
	for sym := range quotes {
		if _, ok := want[sym]; !ok {
			delete(quotes, sym)
		}
	}
}

func copyQuotes(src map[string]stream.Quote) map[string]stream.Quote {
	out := make(map[string]stream.Quote, len(src))
	for k, q := range src {
		out[k] = q
	}
	return out
}

// Package stream multiplexes any number of in-process consumers onto one
// upstream stock socket and one crypto socket. It keeps each socket's
// subscription list in sync with the union of consumer interest, merges
// inbound trades, quotes and bars into a per-symbol cache, and fans updates
// out to the listeners that asked for them.
package stream

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"marketstream/internal/util"
)

// QuoteFunc receives merged quote updates.
type QuoteFunc func(QuoteUpdate)

// StatusFunc receives connection status snapshots.
type StatusFunc func(Status)

// Status is the shared connection state visible to every status subscriber.
type Status struct {
	StockConnected  bool   `json:"stockConnected"`
	CryptoConnected bool   `json:"cryptoConnected"`
	Error           string `json:"error,omitempty"`
	IsConnected     bool   `json:"isConnected"`
}

// Timer is a pending reconnect. *time.Timer satisfies it.
type Timer interface {
	Stop() bool
}

// Seeder fetches a starting snapshot for symbols that have no cached quote.
// Returned frames must carry canonical symbols.
type Seeder interface {
	Seed(ctx context.Context, creds Credentials, asset AssetClass, symbols []string) ([]Frame, error)
}

// Options configures a Manager.
type Options struct {
	StockURL  string
	CryptoURL string
	Keys      KeySource
	Dialer    Dialer
	Seeder    Seeder // optional
	Logger    *slog.Logger

	BackoffBase time.Duration // default 2s
	BackoffMax  time.Duration // default 20s

	// AfterFunc schedules reconnects. Defaults to time.AfterFunc.
	AfterFunc func(d time.Duration, f func()) Timer
}

// Manager owns the two upstream connections. Construct one per process and
// share it between consumers.
type Manager struct {
	log       *slog.Logger
	keys      *keyCache
	dialer    Dialer
	seeder    Seeder
	cal       *util.TradingCalendar
	base, max time.Duration
	afterFunc func(time.Duration, func()) Timer

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	stock       *feed
	crypto      *feed
	nextID      int
	errMsg      string
	closed      bool
	statusSeq   uint64
	statusDirty bool
	statusSubs  map[int]*statusListener
}

// NewManager creates an idle manager. No connection is opened until the
// first subscription arrives.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Keys == nil {
		opts.Keys = StaticKeySource{}
	}
	if opts.Dialer == nil {
		opts.Dialer = &WSDialer{HandshakeTimeout: 10 * time.Second, WriteTimeout: 5 * time.Second}
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = util.DefaultBackoffBase
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = util.DefaultBackoffMax
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		log:        opts.Logger.With("component", "stream"),
		keys:       newKeyCache(opts.Keys),
		dialer:     opts.Dialer,
		seeder:     opts.Seeder,
		cal:        util.NewTradingCalendar(),
		base:       opts.BackoffBase,
		max:        opts.BackoffMax,
		afterFunc:  opts.AfterFunc,
		ctx:        ctx,
		cancel:     cancel,
		stock:      newFeed(Stock, opts.StockURL, "Stock"),
		crypto:     newFeed(Crypto, opts.CryptoURL, "Crypto"),
		statusSubs: make(map[int]*statusListener),
	}
}

// ---------------------------------------------------------------------------
// Public API
// ---------------------------------------------------------------------------

// SubscribeStocks registers cb for the given stock symbols. Cached quotes for
// those symbols are delivered to cb before SubscribeStocks returns. A nil cb
// registers nothing. The returned function removes the registration and is
// safe to call more than once.
func (m *Manager) SubscribeStocks(symbols []string, cb QuoteFunc) func() {
	return m.subscribe(m.stock, symbols, cb)
}

// SubscribeCrypto is SubscribeStocks for the crypto feed.
func (m *Manager) SubscribeCrypto(symbols []string, cb QuoteFunc) func() {
	return m.subscribe(m.crypto, symbols, cb)
}

// Subscribe dispatches on asset.
func (m *Manager) Subscribe(asset AssetClass, symbols []string, cb QuoteFunc) func() {
	f := m.feed(asset)
	if f == nil {
		return func() {}
	}
	return m.subscribe(f, symbols, cb)
}

// SubscribeStatus registers cb for status changes and calls it once with the
// current status before returning.
func (m *Manager) SubscribeStatus(cb StatusFunc) func() {
	if cb == nil {
		return func() {}
	}
	sl := &statusListener{cb: cb}

	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.statusSubs[id] = sl
	sl.mu.Lock()
	st := m.statusLocked()
	sl.lastSeq = m.statusSeq
	m.mu.Unlock()

	m.invokeStatus(sl, st)
	sl.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			sl.removed.Store(true)
			delete(m.statusSubs, id)
			m.mu.Unlock()
		})
	}
}

// Status returns the current connection status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

// ReconnectStock drops the stock connection and reconnects immediately,
// without waiting for any pending backoff.
func (m *Manager) ReconnectStock() {
	m.reconnect(m.stock)
}

// ReconnectCrypto drops the crypto connection and reconnects immediately.
func (m *Manager) ReconnectCrypto() {
	m.reconnect(m.crypto)
}

// Reconnect dispatches on asset.
func (m *Manager) Reconnect(asset AssetClass) {
	if f := m.feed(asset); f != nil {
		m.reconnect(f)
	}
}

// CachedQuotes returns copies of cached quotes for the given symbols, or for
// every cached symbol when symbols is empty. Symbols without a cached quote
// are omitted.
func (m *Manager) CachedQuotes(asset AssetClass, symbols []string) map[string]Quote {
	f := m.feed(asset)
	if f == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Quote)
	if len(symbols) == 0 {
		for sym, q := range f.quotes {
			out[sym] = q
		}
		return out
	}
	for _, s := range symbols {
		sym := asset.Canonical(s)
		if q, ok := f.quotes[sym]; ok {
			out[sym] = q
		}
	}
	return out
}

// Close tears down both connections and cancels pending reconnects. Later
// subscriptions are inert.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.teardownLocked(m.stock)
	m.teardownLocked(m.crypto)
	m.cancel()
	m.mu.Unlock()

	m.publishStatus()
	m.log.Info("stream manager closed")
}

func (m *Manager) feed(asset AssetClass) *feed {
	switch asset {
	case Stock:
		return m.stock
	case Crypto:
		return m.crypto
	}
	return nil
}

// ---------------------------------------------------------------------------
// Listeners
// ---------------------------------------------------------------------------

type listener struct {
	id      int
	symbols map[string]struct{} // canonical
	cb      QuoteFunc

	// mu is held for the whole of a delivery, which keeps replay ahead of
	// any live update for a fresh listener.
	mu      sync.Mutex
	removed atomic.Bool
}

type statusListener struct {
	cb      StatusFunc
	mu      sync.Mutex
	lastSeq uint64
	removed atomic.Bool
}

func (m *Manager) subscribe(f *feed, symbols []string, cb QuoteFunc) func() {
	if cb == nil {
		return func() {}
	}
	l := &listener{symbols: make(map[string]struct{}, len(symbols)), cb: cb}
	for _, s := range symbols {
		if sym := f.asset.Canonical(s); sym != "" {
			l.symbols[sym] = struct{}{}
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return func() {}
	}
	m.nextID++
	l.id = m.nextID
	f.listeners[l.id] = l

	l.mu.Lock()
	var replay []QuoteUpdate
	var missing []string
	for _, sym := range sortedKeys(l.symbols) {
		if q, ok := f.quotes[sym]; ok {
			replay = append(replay, QuoteUpdate{Asset: f.asset, Symbol: sym, Quote: q})
		} else {
			missing = append(missing, sym)
		}
	}
	m.syncLocked(f)
	m.mu.Unlock()

	for _, u := range replay {
		if l.removed.Load() {
			break
		}
		m.invoke(l, u)
	}
	l.mu.Unlock()

	m.publishStatus()
	m.seed(f, missing)

	var once sync.Once
	return func() {
		once.Do(func() { m.unsubscribe(f, l) })
	}
}

func (m *Manager) unsubscribe(f *feed, l *listener) {
	m.mu.Lock()
	l.removed.Store(true)
	delete(f.listeners, l.id)
	m.syncLocked(f)
	m.mu.Unlock()

	m.publishStatus()
}

func (m *Manager) deliver(l *listener, u QuoteUpdate) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.removed.Load() {
		return
	}
	m.invoke(l, u)
}

func (m *Manager) invoke(l *listener, u QuoteUpdate) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("quote listener panicked", "asset", u.Asset, "symbol", u.Symbol, "panic", r)
		}
	}()
	l.cb(u)
}

func (m *Manager) invokeStatus(sl *statusListener, st Status) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("status listener panicked", "panic", r)
		}
	}()
	sl.cb(st)
}

// apply runs merge against the cached quote for sym under the manager lock,
// stores the result and delivers it. merge returns false to skip the update.
// Appliers of one feed are serialized so listeners see updates in cache
// order.
func (m *Manager) apply(f *feed, sym string, merge func(prev Quote, cached bool) (Quote, bool)) {
	if sym == "" {
		return
	}
	f.applyMu.Lock()
	defer f.applyMu.Unlock()

	m.mu.Lock()
	prev, cached := f.quotes[sym]
	next, ok := merge(prev, cached)
	if !ok {
		m.mu.Unlock()
		return
	}
	if f.asset == Stock && !next.Timestamp.IsZero() {
		next.Session = string(m.cal.SessionAt(next.Timestamp))
	}
	f.quotes[sym] = next
	targets := f.listenersFor(sym)
	m.mu.Unlock()

	u := QuoteUpdate{Asset: f.asset, Symbol: sym, Quote: next}
	for _, l := range targets {
		m.deliver(l, u)
	}
}

// seed asks the Seeder for snapshots of symbols with no cached quote. A
// snapshot is only applied if live data has not arrived first.
func (m *Manager) seed(f *feed, symbols []string) {
	if m.seeder == nil || len(symbols) == 0 {
		return
	}
	m.mu.Lock()
	var todo []string
	for _, s := range symbols {
		if _, busy := f.seeding[s]; busy {
			continue
		}
		f.seeding[s] = struct{}{}
		todo = append(todo, s)
	}
	m.mu.Unlock()
	if len(todo) == 0 {
		return
	}

	go func() {
		defer func() {
			m.mu.Lock()
			for _, s := range todo {
				delete(f.seeding, s)
			}
			m.mu.Unlock()
		}()

		creds, err := m.keys.get(m.ctx)
		if err != nil {
			m.log.Debug("skipping snapshot seed", "asset", f.asset, "error", err)
			return
		}
		frames, err := m.seeder.Seed(m.ctx, creds, f.asset, todo)
		if err != nil {
			m.log.Warn("snapshot seed failed", "asset", f.asset, "symbols", todo, "error", err)
			return
		}

		bySymbol := make(map[string][]Frame)
		for _, fr := range frames {
			bySymbol[fr.Symbol] = append(bySymbol[fr.Symbol], fr)
		}
		for _, sym := range todo {
			fs := bySymbol[sym]
			if len(fs) == 0 {
				continue
			}
			m.apply(f, sym, func(prev Quote, cached bool) (Quote, bool) {
				if cached {
					return prev, false
				}
				q := Quote{Symbol: sym}
				for _, fr := range fs {
					q = q.Merge(fr)
				}
				return q, true
			})
		}
		m.log.Debug("seeded snapshots", "asset", f.asset, "symbols", len(todo))
	}()
}

// ---------------------------------------------------------------------------
// Status
// ---------------------------------------------------------------------------

func (m *Manager) statusLocked() Status {
	st := Status{
		StockConnected:  m.stock.connected,
		CryptoConnected: m.crypto.connected,
		Error:           m.errMsg,
	}
	st.IsConnected = st.StockConnected || st.CryptoConnected
	return st
}

func (m *Manager) markDirtyLocked() {
	m.statusSeq++
	m.statusDirty = true
}

func (m *Manager) setErrorLocked(msg string) {
	if m.errMsg == msg {
		return
	}
	m.errMsg = msg
	m.markDirtyLocked()
}

// publishStatus delivers the current status if anything changed since the
// last publish. Listeners drop snapshots older than one they already saw.
func (m *Manager) publishStatus() {
	m.mu.Lock()
	if !m.statusDirty {
		m.mu.Unlock()
		return
	}
	m.statusDirty = false
	st := m.statusLocked()
	seq := m.statusSeq
	ids := make([]int, 0, len(m.statusSubs))
	for id := range m.statusSubs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	targets := make([]*statusListener, 0, len(ids))
	for _, id := range ids {
		targets = append(targets, m.statusSubs[id])
	}
	m.mu.Unlock()

	for _, sl := range targets {
		sl.mu.Lock()
		if !sl.removed.Load() && seq > sl.lastSeq {
			sl.lastSeq = seq
			m.invokeStatus(sl, st)
		}
		sl.mu.Unlock()
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

package stream

import (
	"sort"
	"sync"

	"marketstream/internal/util"
)

// feed is the connection state of one asset class. Every field except
// applyMu is guarded by Manager.mu.
type feed struct {
	asset AssetClass
	url   string
	label string

	listeners map[int]*listener
	quotes    map[string]Quote
	seeding   map[string]struct{}

	conn             Conn
	gen              uint64 // bumped per connection; events from older ones are dropped
	connecting       bool
	authenticated    bool
	connected        bool
	subscribed       map[string]struct{} // wire symbols last sent upstream
	attempt          int
	timer            Timer
	timerSeq         uint64
	intentionalClose bool

	applyMu sync.Mutex
}

func newFeed(asset AssetClass, url, label string) *feed {
	return &feed{
		asset:      asset,
		url:        url,
		label:      label,
		listeners:  make(map[int]*listener),
		quotes:     make(map[string]Quote),
		seeding:    make(map[string]struct{}),
		subscribed: make(map[string]struct{}),
	}
}

// desired is the union of every listener's symbols, in wire form.
func (f *feed) desired() map[string]struct{} {
	out := make(map[string]struct{})
	for _, l := range f.listeners {
		for sym := range l.symbols {
			if w := f.asset.Wire(sym); w != "" {
				out[w] = struct{}{}
			}
		}
	}
	return out
}

func (f *feed) listenersFor(sym string) []*listener {
	var out []*listener
	for _, l := range f.listeners {
		if _, ok := l.symbols[sym]; ok {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (f *feed) resetSession() {
	f.authenticated = false
	f.connected = false
	f.subscribed = make(map[string]struct{})
}

// ---------------------------------------------------------------------------
// Lifecycle: Idle -> Connecting -> Authenticating -> Authenticated -> Idle
// ---------------------------------------------------------------------------

// syncLocked converges the upstream subscription list on the desired set,
// connecting or tearing down as needed.
func (m *Manager) syncLocked(f *feed) {
	desired := f.desired()
	if len(desired) == 0 {
		m.teardownLocked(f)
		return
	}
	if f.conn == nil || !f.authenticated {
		// The post-auth sync sends the full desired set.
		m.connectLocked(f)
		return
	}

	var toAdd, toRemove []string
	for s := range desired {
		if _, ok := f.subscribed[s]; !ok {
			toAdd = append(toAdd, s)
		}
	}
	for s := range f.subscribed {
		if _, ok := desired[s]; !ok {
			toRemove = append(toRemove, s)
		}
	}
	sort.Strings(toAdd)
	sort.Strings(toRemove)

	if len(toAdd) > 0 {
		if err := f.conn.WriteJSON(newSubscriptionFrame(f.asset, "subscribe", toAdd)); err != nil {
			m.log.Warn("subscribe write failed", "asset", f.asset, "error", err)
		} else {
			m.log.Info("subscribed", "asset", f.asset, "symbols", toAdd)
		}
	}
	if len(toRemove) > 0 {
		if err := f.conn.WriteJSON(newSubscriptionFrame(f.asset, "unsubscribe", toRemove)); err != nil {
			m.log.Warn("unsubscribe write failed", "asset", f.asset, "error", err)
		} else {
			m.log.Info("unsubscribed", "asset", f.asset, "symbols", toRemove)
		}
	}
	// Bookkeeping is optimistic: upstream acknowledgements are not tracked.
	f.subscribed = desired
}

func (m *Manager) connectLocked(f *feed) {
	if m.closed || f.connecting || f.conn != nil {
		return
	}
	if len(f.desired()) == 0 {
		m.teardownLocked(f)
		return
	}
	f.connecting = true
	go m.dial(f)
}

func (m *Manager) dial(f *feed) {
	creds, err := m.keys.get(m.ctx)
	if err != nil {
		m.log.Error("connect aborted", "asset", f.asset, "error", err)
		m.mu.Lock()
		f.connecting = false
		m.setErrorLocked(err.Error())
		m.mu.Unlock()
		m.publishStatus()
		return
	}

	m.log.Info("connecting", "asset", f.asset, "url", f.url)
	conn, err := m.dialer.Dial(m.ctx, f.url)

	m.mu.Lock()
	f.connecting = false
	if err != nil {
		m.log.Warn("dial failed", "asset", f.asset, "error", err)
		m.setErrorLocked(f.label + " WebSocket error")
		if !m.closed && len(f.desired()) > 0 {
			m.scheduleReconnectLocked(f)
		}
		m.mu.Unlock()
		m.publishStatus()
		return
	}
	if m.closed || f.conn != nil || len(f.desired()) == 0 {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}

	f.gen++
	gen := f.gen
	f.conn = conn
	f.intentionalClose = false
	if err := conn.WriteJSON(authFrame{Action: "auth", Key: creds.Key, Secret: creds.Secret}); err != nil {
		// The reader sees the closed conn and drives the reconnect.
		m.log.Warn("auth write failed", "asset", f.asset, "error", err)
		_ = conn.Close()
	}
	m.mu.Unlock()

	go m.read(f, conn, gen)
}

func (m *Manager) read(f *feed, conn Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			m.handleClose(f, gen, err)
			return
		}
		frames, err := ParseFrames(data, f.asset)
		if err != nil {
			m.log.Debug("dropping malformed frame", "asset", f.asset, "error", err)
			continue
		}
		for _, fr := range frames {
			m.handleFrame(f, gen, fr)
		}
	}
}

func (m *Manager) handleFrame(f *feed, gen uint64, fr Frame) {
	switch fr.Kind {
	case FrameSuccess:
		if fr.Msg != "authenticated" {
			return
		}
		m.mu.Lock()
		if gen != f.gen || f.conn == nil {
			m.mu.Unlock()
			return
		}
		f.authenticated = true
		f.connected = true
		f.attempt = 0
		m.errMsg = ""
		m.markDirtyLocked()
		m.log.Info("authenticated", "asset", f.asset)
		m.syncLocked(f)
		m.mu.Unlock()
		m.publishStatus()

	case FrameError:
		msg := fr.Msg
		if msg == "" {
			msg = f.label + " stream error"
		}
		m.mu.Lock()
		if gen != f.gen {
			m.mu.Unlock()
			return
		}
		m.log.Warn("upstream error", "asset", f.asset, "code", fr.Code, "msg", msg)
		m.setErrorLocked(msg)
		m.mu.Unlock()
		m.publishStatus()

	case FrameSubscription:
		m.log.Debug("subscription acknowledged", "asset", f.asset)

	case FrameTrade, FrameQuote, FrameBar:
		if f.asset == Stock && fr.Kind == FrameBar {
			return
		}
		m.apply(f, fr.Symbol, func(prev Quote, cached bool) (Quote, bool) {
			if gen != f.gen {
				return prev, false
			}
			if !cached {
				prev = Quote{Symbol: fr.Symbol}
			}
			return prev.Merge(fr), true
		})
	}
}

func (m *Manager) handleClose(f *feed, gen uint64, err error) {
	m.mu.Lock()
	if gen != f.gen {
		m.mu.Unlock()
		return
	}
	if f.intentionalClose {
		f.intentionalClose = false
		m.mu.Unlock()
		return
	}

	m.log.Warn("connection lost", "asset", f.asset, "error", err)
	f.conn = nil
	f.resetSession()
	m.markDirtyLocked()
	if !isNormalClose(err) {
		m.setErrorLocked(f.label + " WebSocket error")
	}
	if !m.closed && len(f.desired()) > 0 {
		m.scheduleReconnectLocked(f)
	}
	m.mu.Unlock()
	m.publishStatus()
}

// scheduleReconnectLocked arms the single reconnect timer for f. It is a
// no-op while one is already pending.
func (m *Manager) scheduleReconnectLocked(f *feed) {
	if f.timer != nil {
		return
	}
	delay := util.Backoff(f.attempt, m.base, m.max)
	f.attempt++
	f.timerSeq++
	seq := f.timerSeq
	m.log.Info("reconnect scheduled", "asset", f.asset, "delay", delay, "attempt", f.attempt)

	f.timer = m.afterFunc(delay, func() {
		m.mu.Lock()
		if f.timerSeq != seq || f.timer == nil {
			m.mu.Unlock()
			return
		}
		f.timer = nil
		m.connectLocked(f)
		m.mu.Unlock()
		m.publishStatus()
	})
}

func (m *Manager) stopReconnectLocked(f *feed) {
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	f.timerSeq++
}

// teardownLocked closes f's connection, if any, and cancels a pending
// reconnect. The close it causes will not trigger a reconnect.
func (m *Manager) teardownLocked(f *feed) {
	m.stopReconnectLocked(f)
	if f.conn != nil {
		f.intentionalClose = true
		if err := f.conn.Close(); err != nil {
			m.log.Debug("close failed", "asset", f.asset, "error", err)
		}
		m.log.Info("connection closed", "asset", f.asset)
	}
	f.conn = nil
	if f.authenticated || f.connected || len(f.subscribed) > 0 {
		m.markDirtyLocked()
	}
	f.resetSession()
}

func (m *Manager) reconnect(f *feed) {
	m.mu.Lock()
	m.log.Info("manual reconnect", "asset", f.asset)
	m.teardownLocked(f)
	m.connectLocked(f)
	m.mu.Unlock()
	m.publishStatus()
}

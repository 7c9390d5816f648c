package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"marketstream/internal/util"
)

const waitTimeout = 2 * time.Second

var errConnClosed = errors.New("use of closed network connection")

// ---------------------------------------------------------------------------
// fakeConn
// ---------------------------------------------------------------------------

type fakeConn struct {
	url    string
	inbox  chan []byte
	writes chan any
	done   chan struct{}

	mu       sync.Mutex
	closed   bool
	readErr  error
	onClose  func()
	closeCnt int
}

func newFakeConn(url string) *fakeConn {
	return &fakeConn{
		url:    url,
		inbox:  make(chan []byte, 64),
		writes: make(chan any, 64),
		done:   make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.inbox:
		return websocket.TextMessage, data, nil
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return 0, nil, c.readErr
	}
}

func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	c.writes <- v
	return nil
}

func (c *fakeConn) Close() error {
	c.shutdown(errConnClosed)
	return nil
}

// drop simulates the server going away.
func (c *fakeConn) drop() {
	c.shutdown(&websocket.CloseError{Code: websocket.CloseAbnormalClosure})
}

func (c *fakeConn) shutdown(err error) {
	c.mu.Lock()
	c.closeCnt++
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.readErr = err
	onClose := c.onClose
	close(c.done)
	c.mu.Unlock()
	if onClose != nil {
		onClose()
	}
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) send(frame string) {
	c.inbox <- []byte(frame)
}

func (c *fakeConn) nextWrite(t *testing.T) any {
	t.Helper()
	select {
	case w := <-c.writes:
		return w
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a write")
		return nil
	}
}

// drainWrites returns writes already made without waiting.
func (c *fakeConn) drainWrites() []any {
	var out []any
	for {
		select {
		case w := <-c.writes:
			out = append(out, w)
		default:
			return out
		}
	}
}

// authenticate consumes the auth frame and answers with success.
func (c *fakeConn) authenticate(t *testing.T) {
	t.Helper()
	w := c.nextWrite(t)
	auth, ok := w.(authFrame)
	if !ok {
		t.Fatalf("first write = %#v, want authFrame", w)
	}
	if auth.Action != "auth" || auth.Key != "key" || auth.Secret != "secret" {
		t.Fatalf("auth frame = %+v", auth)
	}
	c.send(`[{"T":"success","msg":"authenticated"}]`)
}

// ---------------------------------------------------------------------------
// fakeDialer
// ---------------------------------------------------------------------------

type fakeDialer struct {
	dialed chan *fakeConn

	mu      sync.Mutex
	fail    int
	open    map[string]int
	maxOpen map[string]int
	dials   int
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		dialed:  make(chan *fakeConn, 64),
		open:    make(map[string]int),
		maxOpen: make(map[string]int),
	}
}

func (d *fakeDialer) Dial(_ context.Context, url string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	if d.fail > 0 {
		d.fail--
		d.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	d.open[url]++
	if d.open[url] > d.maxOpen[url] {
		d.maxOpen[url] = d.open[url]
	}
	d.mu.Unlock()

	c := newFakeConn(url)
	c.onClose = func() {
		d.mu.Lock()
		d.open[url]--
		d.mu.Unlock()
	}
	d.dialed <- c
	return c, nil
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.dialed:
		return c
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a dial")
		return nil
	}
}

func (d *fakeDialer) expectNoDial(t *testing.T) {
	t.Helper()
	select {
	case c := <-d.dialed:
		t.Fatalf("unexpected dial to %s", c.url)
	case <-time.After(50 * time.Millisecond):
	}
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) maxOpenFor(url string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxOpen[url]
}

// ---------------------------------------------------------------------------
// fakeClock
// ---------------------------------------------------------------------------

type fakeTimer struct {
	clock   *fakeClock
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeClock struct {
	mu      sync.Mutex
	delays  []time.Duration
	pending []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delays = append(c.delays, d)
	t := &fakeTimer{clock: c, fn: fn}
	c.pending = append(c.pending, t)
	return t
}

func (c *fakeClock) scheduled() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

// fire runs the oldest live timer.
func (c *fakeClock) fire(t *testing.T) {
	t.Helper()
	c.mu.Lock()
	var next *fakeTimer
	for len(c.pending) > 0 {
		p := c.pending[0]
		c.pending = c.pending[1:]
		if !p.stopped {
			p.stopped = true
			next = p
			break
		}
	}
	c.mu.Unlock()
	if next == nil {
		t.Fatal("no pending timer to fire")
	}
	next.fn()
}

func (c *fakeClock) waitScheduled(t *testing.T, n int) {
	t.Helper()
	waitFor(t, func() bool { return len(c.scheduled()) >= n })
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

const (
	testStockURL  = "wss://stock.test/v2/sip"
	testCryptoURL = "wss://crypto.test/v1beta3/crypto/us"
)

func newTestManager(t *testing.T, mod func(*Options)) (*Manager, *fakeDialer, *fakeClock) {
	t.Helper()
	d := newFakeDialer()
	clock := &fakeClock{}
	opts := Options{
		StockURL:  testStockURL,
		CryptoURL: testCryptoURL,
		Keys:      StaticKeySource{Key: "key", Secret: "secret"},
		Dialer:    d,
		Logger:    util.Discard(),
		AfterFunc: clock.AfterFunc,
	}
	if mod != nil {
		mod(&opts)
	}
	m := NewManager(opts)
	t.Cleanup(m.Close)
	return m, d, clock
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// recorder collects quote updates delivered to a listener.
type recorder struct {
	mu      sync.Mutex
	updates []QuoteUpdate
}

func (r *recorder) record(u QuoteUpdate) {
	r.mu.Lock()
	r.updates = append(r.updates, u)
	r.mu.Unlock()
}

func (r *recorder) symbols() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.updates))
	for i, u := range r.updates {
		out[i] = u.Symbol
	}
	return out
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func (r *recorder) last() QuoteUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates[len(r.updates)-1]
}

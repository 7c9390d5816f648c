package stream

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func noop(QuoteUpdate) {}

func subscriptionOf(t *testing.T, w any) subscriptionFrame {
	t.Helper()
	f, ok := w.(subscriptionFrame)
	if !ok {
		t.Fatalf("write = %#v, want subscriptionFrame", w)
	}
	return f
}

func TestSharedSocketScenario(t *testing.T) {
	m, d, _ := newTestManager(t, nil)

	var a, b recorder
	unsubA := m.SubscribeStocks([]string{"AAPL"}, a.record)
	unsubB := m.SubscribeStocks([]string{"aapl", "$MSFT"}, b.record)

	c := d.next(t)
	if c.url != testStockURL {
		t.Fatalf("dialed %s, want %s", c.url, testStockURL)
	}
	c.authenticate(t)

	sub := subscriptionOf(t, c.nextWrite(t))
	if sub.Action != "subscribe" {
		t.Fatalf("action = %q, want subscribe", sub.Action)
	}
	want := []string{"AAPL", "MSFT"}
	if !reflect.DeepEqual(sub.Trades, want) || !reflect.DeepEqual(sub.Quotes, want) {
		t.Errorf("subscribe trades=%v quotes=%v, want %v", sub.Trades, sub.Quotes, want)
	}
	if sub.Bars != nil {
		t.Errorf("stock subscribe should not carry bars, got %v", sub.Bars)
	}
	d.expectNoDial(t)

	c.send(`[{"T":"t","S":"AAPL","p":190.5,"s":100,"t":"2025-03-04T15:00:00Z"},` +
		`{"T":"t","S":"MSFT","p":410,"s":5,"t":"2025-03-04T15:00:01Z"}]`)
	waitFor(t, func() bool { return b.count() == 2 && a.count() == 1 })
	if got := a.symbols(); !reflect.DeepEqual(got, []string{"AAPL"}) {
		t.Errorf("cbA saw %v, want only AAPL", got)
	}
	if got := b.symbols(); !reflect.DeepEqual(got, []string{"AAPL", "MSFT"}) {
		t.Errorf("cbB saw %v, want AAPL then MSFT", got)
	}

	// AAPL is still wanted by cbB: no unsubscribe frame, socket stays up.
	unsubA()
	if w := c.drainWrites(); len(w) != 0 {
		t.Errorf("unexpected writes after cbA left: %#v", w)
	}
	if c.isClosed() {
		t.Fatal("socket closed while cbB still subscribed")
	}

	c.send(`{"T":"t","S":"AAPL","p":191,"s":10,"t":"2025-03-04T15:00:02Z"}`)
	waitFor(t, func() bool { return b.count() == 3 })
	if a.count() != 1 {
		t.Errorf("cbA received %d updates after unsubscribing, want 1", a.count())
	}
	if s := b.last().Quote.Session; s != "regular" {
		t.Errorf("session = %q, want regular", s)
	}

	unsubB()
	if !c.isClosed() {
		t.Error("socket should close once no listener remains")
	}
}

func TestDiffSyncConverges(t *testing.T) {
	m, d, _ := newTestManager(t, nil)

	believed := make(map[string]bool)
	replay := func(writes []any) {
		t.Helper()
		for _, w := range writes {
			f := subscriptionOf(t, w)
			for _, s := range f.Trades {
				switch f.Action {
				case "subscribe":
					if believed[s] {
						t.Errorf("%s subscribed twice", s)
					}
					believed[s] = true
				case "unsubscribe":
					if !believed[s] {
						t.Errorf("%s unsubscribed while not subscribed", s)
					}
					delete(believed, s)
				}
			}
		}
	}
	check := func(step string, want ...string) {
		t.Helper()
		got := make([]string, 0, len(believed))
		for s := range believed {
			got = append(got, s)
		}
		set := make(map[string]struct{}, len(got))
		for _, s := range got {
			set[s] = struct{}{}
		}
		if !reflect.DeepEqual(sortedKeys(set), want) {
			t.Errorf("%s: upstream believes %v, want %v", step, sortedKeys(set), want)
		}
	}

	u1 := m.SubscribeStocks([]string{"AAPL"}, noop)
	c := d.next(t)
	c.authenticate(t)
	replay([]any{c.nextWrite(t)})
	check("first listener", "AAPL")

	u2 := m.SubscribeStocks([]string{"AAPL", "MSFT"}, noop)
	replay(c.drainWrites())
	check("overlap", "AAPL", "MSFT")

	u3 := m.SubscribeStocks([]string{"TSLA"}, noop)
	replay(c.drainWrites())
	check("disjoint", "AAPL", "MSFT", "TSLA")

	u1()
	replay(c.drainWrites())
	check("drop shared", "AAPL", "MSFT", "TSLA")

	u2()
	replay(c.drainWrites())
	check("drop overlap", "TSLA")

	u4 := m.SubscribeStocks([]string{"aapl", "$AAPL", "TSLA"}, noop)
	replay(c.drainWrites())
	check("duplicates", "AAPL", "TSLA")

	u3()
	replay(c.drainWrites())
	check("drop disjoint", "AAPL", "TSLA")

	u4()
	if !c.isClosed() {
		t.Error("socket should close when the desired set empties")
	}
}

func TestSingleSocketUnderConcurrentSubscribes(t *testing.T) {
	m, d, _ := newTestManager(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.SubscribeStocks([]string{fmt.Sprintf("SYM%d", i%5), "AAPL"}, noop)
		}(i)
	}
	wg.Wait()

	c := d.next(t)
	d.expectNoDial(t)
	c.authenticate(t)

	sub := subscriptionOf(t, c.nextWrite(t))
	want := []string{"AAPL", "SYM0", "SYM1", "SYM2", "SYM3", "SYM4"}
	if !reflect.DeepEqual(sub.Trades, want) {
		t.Errorf("subscribe trades = %v, want %v", sub.Trades, want)
	}
	if n := d.maxOpenFor(testStockURL); n != 1 {
		t.Errorf("max concurrent stock sockets = %d, want 1", n)
	}
	if n := d.dialCount(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
}

func TestImmediateReplay(t *testing.T) {
	m, d, _ := newTestManager(t, nil)

	var first recorder
	m.SubscribeStocks([]string{"AAPL"}, first.record)
	c := d.next(t)
	c.authenticate(t)
	c.nextWrite(t)
	c.send(`{"T":"t","S":"AAPL","p":190.5,"s":100,"t":"2025-03-04T15:00:00Z"}`)
	waitFor(t, func() bool { return first.count() == 1 })

	var got []QuoteUpdate
	m.SubscribeStocks([]string{"$aapl", "MSFT"}, func(u QuoteUpdate) {
		got = append(got, u)
	})
	if len(got) != 1 {
		t.Fatalf("replayed %d updates before Subscribe returned, want 1", len(got))
	}
	if got[0].Symbol != "AAPL" || got[0].Quote.Price != 190.5 {
		t.Errorf("replayed %+v", got[0])
	}
}

func TestMergeAcrossFrames(t *testing.T) {
	m, d, _ := newTestManager(t, nil)

	var r recorder
	m.SubscribeStocks([]string{"AAPL"}, r.record)
	c := d.next(t)
	c.authenticate(t)
	c.nextWrite(t)

	c.send(`{"T":"t","S":"AAPL","p":190.5,"s":100,"t":"2025-03-04T15:00:00Z"}`)
	c.send(`{"T":"q","S":"AAPL","bp":190.4,"ap":190.6,"bs":3,"as":4,"t":"2025-03-04T15:00:01Z"}`)
	waitFor(t, func() bool { return r.count() == 2 })

	q := m.CachedQuotes(Stock, []string{"aapl"})["AAPL"]
	if q.LastTrade != 190.5 || q.Size != 100 {
		t.Errorf("trade fields lost after quote frame: %+v", q)
	}
	if q.Bid != 190.4 || q.Ask != 190.6 || q.BidSize != 3 || q.AskSize != 4 {
		t.Errorf("quote fields not merged: %+v", q)
	}
	if q.Price != 190.6 {
		t.Errorf("Price = %v, want ask 190.6", q.Price)
	}
	if want := time.Date(2025, 3, 4, 15, 0, 1, 0, time.UTC); !q.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", q.Timestamp, want)
	}
}

func TestBackoffGrowthCapAndReset(t *testing.T) {
	m, d, clock := newTestManager(t, nil)

	m.SubscribeStocks([]string{"AAPL"}, noop)
	c := d.next(t)
	c.authenticate(t)
	c.nextWrite(t)
	waitFor(t, func() bool { return m.Status().StockConnected })

	c.drop()
	clock.waitScheduled(t, 1)
	if st := m.Status(); st.StockConnected || st.Error != "Stock WebSocket error" {
		t.Errorf("status after drop = %+v", st)
	}

	for i := 0; i < 5; i++ {
		clock.fire(t)
		c = d.next(t)
		c.nextWrite(t) // auth, never answered
		c.drop()
		clock.waitScheduled(t, i+2)
	}

	clock.fire(t)
	c = d.next(t)
	c.authenticate(t)
	c.nextWrite(t)
	waitFor(t, func() bool { return m.Status().StockConnected })
	if st := m.Status(); st.Error != "" {
		t.Errorf("error not cleared after auth: %q", st.Error)
	}

	c.drop()
	clock.waitScheduled(t, 7)

	want := []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		20 * time.Second, 20 * time.Second, 2 * time.Second,
	}
	if got := clock.scheduled(); !reflect.DeepEqual(got, want) {
		t.Errorf("reconnect delays = %v, want %v", got, want)
	}
}

func TestTeardownOnEmptyInterest(t *testing.T) {
	m, d, clock := newTestManager(t, nil)

	unsub := m.SubscribeStocks([]string{"AAPL"}, noop)
	c := d.next(t)
	c.authenticate(t)
	c.nextWrite(t)
	waitFor(t, func() bool { return m.Status().StockConnected })

	unsub()
	unsub()
	if !c.isClosed() {
		t.Fatal("socket not closed after last listener left")
	}
	if st := m.Status(); st.StockConnected || st.IsConnected {
		t.Errorf("status after teardown = %+v", st)
	}
	d.expectNoDial(t)
	if n := len(clock.scheduled()); n != 0 {
		t.Errorf("%d reconnects scheduled after intentional close, want 0", n)
	}
	if st := m.Status(); st.Error != "" {
		t.Errorf("intentional close set error %q", st.Error)
	}
}

func TestManualReconnectBypassesBackoff(t *testing.T) {
	m, d, clock := newTestManager(t, nil)

	m.SubscribeStocks([]string{"AAPL"}, noop)
	c1 := d.next(t)
	c1.authenticate(t)
	c1.nextWrite(t)
	waitFor(t, func() bool { return m.Status().StockConnected })

	m.ReconnectStock()
	if !c1.isClosed() {
		t.Fatal("old socket not closed")
	}
	c2 := d.next(t)
	c2.authenticate(t)
	sub := subscriptionOf(t, c2.nextWrite(t))
	if !reflect.DeepEqual(sub.Trades, []string{"AAPL"}) {
		t.Errorf("resubscribe trades = %v, want [AAPL]", sub.Trades)
	}
	if n := len(clock.scheduled()); n != 0 {
		t.Errorf("manual reconnect scheduled %d timers", n)
	}
}

func TestReconnectCancelsPendingTimer(t *testing.T) {
	m, d, clock := newTestManager(t, nil)

	m.SubscribeStocks([]string{"AAPL"}, noop)
	c := d.next(t)
	c.authenticate(t)
	c.nextWrite(t)
	c.drop()
	clock.waitScheduled(t, 1)

	m.ReconnectStock()
	d.next(t)

	// The stale timer must not open a second socket.
	clock.mu.Lock()
	stale := len(clock.pending) > 0 && !clock.pending[0].stopped
	clock.mu.Unlock()
	if stale {
		t.Error("pending reconnect timer was not stopped")
	}
	d.expectNoDial(t)
}

func TestStatusSubscription(t *testing.T) {
	m, d, _ := newTestManager(t, nil)

	var mu sync.Mutex
	var got []Status
	last := func() Status {
		mu.Lock()
		defer mu.Unlock()
		return got[len(got)-1]
	}
	unsub := m.SubscribeStatus(func(s Status) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	})
	if len(got) != 1 || got[0].IsConnected {
		t.Fatalf("initial status = %+v", got)
	}

	m.SubscribeStocks([]string{"AAPL"}, noop)
	c := d.next(t)
	c.authenticate(t)
	waitFor(t, func() bool { return last().StockConnected && last().IsConnected })

	c.send(`{"T":"error","code":406,"msg":"connection limit exceeded"}`)
	waitFor(t, func() bool { return last().Error == "connection limit exceeded" })
	if c.isClosed() {
		t.Error("error frame must not close the socket")
	}
	if !m.Status().StockConnected {
		t.Error("error frame must not clear connected")
	}

	unsub()
	mu.Lock()
	n := len(got)
	mu.Unlock()
	c.drop()
	waitFor(t, func() bool { return !m.Status().StockConnected })
	mu.Lock()
	defer mu.Unlock()
	if len(got) != n {
		t.Errorf("status delivered after unsubscribe: %+v", got[n:])
	}
}

func TestErrorFrameWithoutMessage(t *testing.T) {
	m, d, _ := newTestManager(t, nil)

	m.SubscribeCrypto([]string{"BTC-USD"}, noop)
	c := d.next(t)
	c.authenticate(t)
	c.nextWrite(t)
	c.send(`{"T":"error"}`)
	waitFor(t, func() bool { return m.Status().Error == "Crypto stream error" })
}

func TestKeyFetchFailureAbortsConnect(t *testing.T) {
	m, d, clock := newTestManager(t, func(o *Options) {
		o.Keys = StaticKeySource{}
	})

	m.SubscribeStocks([]string{"AAPL"}, noop)
	waitFor(t, func() bool {
		return strings.Contains(m.Status().Error, ErrKeysUnavailable.Error())
	})
	if n := d.dialCount(); n != 0 {
		t.Errorf("dialed %d times without keys", n)
	}
	if n := len(clock.scheduled()); n != 0 {
		t.Errorf("key failure scheduled %d reconnects", n)
	}
}

func TestDialFailureSchedulesReconnect(t *testing.T) {
	m, d, clock := newTestManager(t, nil)
	d.fail = 1

	m.SubscribeStocks([]string{"AAPL"}, noop)
	clock.waitScheduled(t, 1)
	if st := m.Status(); st.Error != "Stock WebSocket error" {
		t.Errorf("status error = %q", st.Error)
	}

	clock.fire(t)
	c := d.next(t)
	c.authenticate(t)
	waitFor(t, func() bool {
		st := m.Status()
		return st.StockConnected && st.Error == ""
	})
}

func TestCryptoWireForm(t *testing.T) {
	m, d, _ := newTestManager(t, nil)

	var r recorder
	m.SubscribeCrypto([]string{"btc_usd", "DOGE", "eth/usdt", "BTC-USD"}, r.record)
	c := d.next(t)
	if c.url != testCryptoURL {
		t.Fatalf("dialed %s, want %s", c.url, testCryptoURL)
	}
	c.authenticate(t)

	sub := subscriptionOf(t, c.nextWrite(t))
	want := []string{"BTC/USD", "DOGE/USD", "ETH/USDT"}
	if !reflect.DeepEqual(sub.Trades, want) || !reflect.DeepEqual(sub.Bars, want) {
		t.Errorf("crypto subscribe = %+v, want %v in trades and bars", sub, want)
	}

	c.send(`[{"T":"b","S":"DOGE/USD","o":0.1,"h":0.12,"l":0.09,"c":0.11,"v":1000,"t":"2025-03-04T15:00:00Z"},` +
		`{"T":"q","S":"BTC/USD","BP":64000,"AP":64010,"bs":1,"as":2}]`)
	waitFor(t, func() bool { return r.count() == 2 })

	cached := m.CachedQuotes(Crypto, []string{"doge", "btc/usd"})
	doge, ok := cached["DOGE-USD"]
	if !ok || doge.Price != 0.11 || doge.Open != 0.1 || doge.Volume != 1000 {
		t.Errorf("DOGE-USD = %+v (ok=%v)", doge, ok)
	}
	if doge.Session != "" {
		t.Errorf("crypto quote got session %q", doge.Session)
	}
	btc := cached["BTC-USD"]
	if btc.Bid != 64000 || btc.Ask != 64010 || btc.Price != 64010 {
		t.Errorf("BTC-USD = %+v", btc)
	}
}

func TestMalformedFrameDropped(t *testing.T) {
	m, d, _ := newTestManager(t, nil)

	var r recorder
	m.SubscribeStocks([]string{"AAPL"}, r.record)
	c := d.next(t)
	c.authenticate(t)
	c.nextWrite(t)
	waitFor(t, func() bool { return m.Status().StockConnected })

	c.send(`not json`)
	c.send(`[1, "x", null, {"T":"t","S":"AAPL","p":1.5}]`)
	waitFor(t, func() bool { return r.count() == 1 })
	if st := m.Status(); st.Error != "" || !st.StockConnected {
		t.Errorf("status changed by malformed frame: %+v", st)
	}
}

func TestNilCallbackIsInert(t *testing.T) {
	m, d, _ := newTestManager(t, nil)

	unsub := m.SubscribeStocks([]string{"AAPL"}, nil)
	unsub()
	m.SubscribeStatus(nil)()
	d.expectNoDial(t)
}

func TestSubscribeAfterCloseIsInert(t *testing.T) {
	m, d, _ := newTestManager(t, nil)
	m.Close()

	m.SubscribeStocks([]string{"AAPL"}, noop)()
	d.expectNoDial(t)
}

func TestUnsubscribeFromCallback(t *testing.T) {
	m, d, _ := newTestManager(t, nil)

	var keeper recorder
	m.SubscribeStocks([]string{"AAPL"}, keeper.record)

	var calls atomic.Int32
	var unsub func()
	unsub = m.SubscribeStocks([]string{"AAPL"}, func(QuoteUpdate) {
		calls.Add(1)
		unsub()
	})

	c := d.next(t)
	c.authenticate(t)
	c.nextWrite(t)
	c.send(`{"T":"t","S":"AAPL","p":1}`)
	c.send(`{"T":"t","S":"AAPL","p":2}`)
	waitFor(t, func() bool { return keeper.count() == 2 })
	if n := calls.Load(); n != 1 {
		t.Errorf("self-unsubscribing listener called %d times, want 1", n)
	}
}

func TestPanickingListenerIsContained(t *testing.T) {
	m, d, _ := newTestManager(t, nil)

	m.SubscribeStocks([]string{"AAPL"}, func(QuoteUpdate) { panic("boom") })
	var r recorder
	m.SubscribeStocks([]string{"AAPL"}, r.record)

	c := d.next(t)
	c.authenticate(t)
	c.nextWrite(t)
	c.send(`{"T":"t","S":"AAPL","p":1}`)
	waitFor(t, func() bool { return r.count() == 1 })
}

type stubSeeder struct {
	calls atomic.Int32
}

func (s *stubSeeder) Seed(_ context.Context, creds Credentials, asset AssetClass, symbols []string) ([]Frame, error) {
	s.calls.Add(1)
	if creds.Key != "key" {
		return nil, fmt.Errorf("unexpected key %q", creds.Key)
	}
	price, bid, ask := 100.0, 99.5, 100.5
	var out []Frame
	for _, sym := range symbols {
		out = append(out,
			Frame{Kind: FrameTrade, Symbol: sym, Price: &price},
			Frame{Kind: FrameQuote, Symbol: sym, Bid: &bid, Ask: &ask},
		)
	}
	return out, nil
}

func TestSeederFillsEmptyCache(t *testing.T) {
	seeder := &stubSeeder{}
	m, d, _ := newTestManager(t, func(o *Options) { o.Seeder = seeder })

	var r recorder
	m.SubscribeStocks([]string{"AAPL"}, r.record)
	waitFor(t, func() bool { return r.count() == 1 })

	q := r.last().Quote
	if q.LastTrade != 100 || q.Bid != 99.5 || q.Ask != 100.5 {
		t.Errorf("seeded quote = %+v", q)
	}

	// Cached symbols are not seeded again.
	var again recorder
	m.SubscribeStocks([]string{"AAPL"}, again.record)
	if again.count() != 1 {
		t.Errorf("second listener replay count = %d, want 1", again.count())
	}
	time.Sleep(20 * time.Millisecond)
	if n := seeder.calls.Load(); n != 1 {
		t.Errorf("Seed called %d times, want 1", n)
	}
	d.next(t)
}

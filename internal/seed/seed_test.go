package seed

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"marketstream/internal/stream"
	"marketstream/internal/util"
)

type fakeClient struct {
	stockSymbols  []string
	cryptoSymbols []string
	failQuotes    bool
	failTrades    bool
}

var ts = time.Date(2025, 3, 4, 15, 0, 0, 0, time.UTC)

func (f *fakeClient) GetLatestTrades(symbols []string, _ marketdata.GetLatestTradeRequest) (map[string]marketdata.Trade, error) {
	f.stockSymbols = symbols
	if f.failTrades {
		return nil, errors.New("trades down")
	}
	return map[string]marketdata.Trade{"AAPL": {Price: 190.5, Size: 100, Timestamp: ts}}, nil
}

func (f *fakeClient) GetLatestQuotes(symbols []string, _ marketdata.GetLatestQuoteRequest) (map[string]marketdata.Quote, error) {
	if f.failQuotes {
		return nil, errors.New("quotes down")
	}
	return map[string]marketdata.Quote{"AAPL": {BidPrice: 190.4, AskPrice: 190.6, BidSize: 3, AskSize: 4, Timestamp: ts}}, nil
}

func (f *fakeClient) GetLatestCryptoTrades(symbols []string, _ marketdata.GetLatestCryptoTradeRequest) (map[string]marketdata.CryptoTrade, error) {
	f.cryptoSymbols = symbols
	return map[string]marketdata.CryptoTrade{"BTC/USD": {Price: 64005, Size: 0.5, Timestamp: ts}}, nil
}

func (f *fakeClient) GetLatestCryptoQuotes(symbols []string, _ marketdata.GetLatestCryptoQuoteRequest) (map[string]marketdata.CryptoQuote, error) {
	return map[string]marketdata.CryptoQuote{"BTC/USD": {BidPrice: 64000, AskPrice: 64010, Timestamp: ts}}, nil
}

func newTestSeeder(fc *fakeClient) *AlpacaSeeder {
	s := NewAlpacaSeeder("", 600, util.Discard())
	s.newClient = func(stream.Credentials) snapshotClient { return fc }
	return s
}

var creds = stream.Credentials{Key: "k", Secret: "s"}

func merged(frames []stream.Frame, sym string) stream.Quote {
	q := stream.Quote{Symbol: sym}
	for _, f := range frames {
		if f.Symbol == sym {
			q = q.Merge(f)
		}
	}
	return q
}

func TestSeedStocks(t *testing.T) {
	fc := &fakeClient{}
	s := newTestSeeder(fc)

	frames, err := s.Seed(context.Background(), creds, stream.Stock, []string{"AAPL", "MSFT"})
	if err != nil {
		t.Fatalf("Seed() error: %v", err)
	}
	if !reflect.DeepEqual(fc.stockSymbols, []string{"AAPL", "MSFT"}) {
		t.Errorf("requested %v", fc.stockSymbols)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want quote+trade for AAPL only", len(frames))
	}
	if frames[0].Kind != stream.FrameQuote || frames[1].Kind != stream.FrameTrade {
		t.Errorf("frame order = %v, %v; want quote then trade", frames[0].Kind, frames[1].Kind)
	}

	q := merged(frames, "AAPL")
	if q.Price != 190.5 || q.Bid != 190.4 || q.Ask != 190.6 || q.Size != 100 || q.AskSize != 4 {
		t.Errorf("merged AAPL = %+v", q)
	}
}

func TestSeedCryptoUsesWireSymbols(t *testing.T) {
	fc := &fakeClient{}
	s := newTestSeeder(fc)

	frames, err := s.Seed(context.Background(), creds, stream.Crypto, []string{"BTC-USD"})
	if err != nil {
		t.Fatalf("Seed() error: %v", err)
	}
	if !reflect.DeepEqual(fc.cryptoSymbols, []string{"BTC/USD"}) {
		t.Errorf("requested %v, want wire form", fc.cryptoSymbols)
	}
	q := merged(frames, "BTC-USD")
	if q.Price != 64005 || q.Bid != 64000 || q.Size != 0.5 {
		t.Errorf("merged BTC-USD = %+v", q)
	}
}

func TestSeedPartialFailure(t *testing.T) {
	s := newTestSeeder(&fakeClient{failQuotes: true})
	frames, err := s.Seed(context.Background(), creds, stream.Stock, []string{"AAPL"})
	if err != nil {
		t.Fatalf("Seed() error: %v", err)
	}
	if len(frames) != 1 || frames[0].Kind != stream.FrameTrade {
		t.Errorf("frames = %+v, want the trade only", frames)
	}

	s = newTestSeeder(&fakeClient{failQuotes: true, failTrades: true})
	if _, err := s.Seed(context.Background(), creds, stream.Stock, []string{"AAPL"}); err == nil {
		t.Error("expected error when both calls fail")
	}
}

func TestSeedCancelledContext(t *testing.T) {
	s := newTestSeeder(&fakeClient{})
	s.limiter = util.NewBurstRateLimiter(1, 1)
	s.limiter.Allow()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Seed(ctx, creds, stream.Stock, []string{"AAPL"}); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestClientRebuiltOnKeyChange(t *testing.T) {
	s := NewAlpacaSeeder("", 600, util.Discard())
	built := 0
	s.newClient = func(stream.Credentials) snapshotClient {
		built++
		return &fakeClient{}
	}
	s.clientFor(creds)
	s.clientFor(creds)
	s.clientFor(stream.Credentials{Key: "k2", Secret: "s2"})
	if built != 2 {
		t.Errorf("built %d clients, want 2", built)
	}
}

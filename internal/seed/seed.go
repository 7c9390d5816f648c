// Package seed fills the quote cache for newly requested symbols from the
// Alpaca REST market-data API, so consumers see a price before the first
// live tick arrives.
package seed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"marketstream/internal/stream"
	"marketstream/internal/symbol"
	"marketstream/internal/util"
)

var _ stream.Seeder = (*AlpacaSeeder)(nil)

// snapshotClient is the subset of *marketdata.Client the seeder calls.
type snapshotClient interface {
	GetLatestTrades(symbols []string, req marketdata.GetLatestTradeRequest) (map[string]marketdata.Trade, error)
	GetLatestQuotes(symbols []string, req marketdata.GetLatestQuoteRequest) (map[string]marketdata.Quote, error)
	GetLatestCryptoTrades(symbols []string, req marketdata.GetLatestCryptoTradeRequest) (map[string]marketdata.CryptoTrade, error)
	GetLatestCryptoQuotes(symbols []string, req marketdata.GetLatestCryptoQuoteRequest) (map[string]marketdata.CryptoQuote, error)
}

// AlpacaSeeder fetches latest trades and quotes over REST.
type AlpacaSeeder struct {
	baseURL string
	feed    marketdata.Feed
	limiter *util.RateLimiter
	log     *slog.Logger

	newClient func(creds stream.Credentials) snapshotClient

	mu          sync.Mutex
	client      snapshotClient
	clientCreds stream.Credentials
}

// NewAlpacaSeeder creates a seeder. baseURL may be empty for the default
// data endpoint; ratePerMin bounds REST calls across all symbols.
func NewAlpacaSeeder(baseURL string, ratePerMin int, log *slog.Logger) *AlpacaSeeder {
	if ratePerMin <= 0 {
		ratePerMin = 60
	}
	s := &AlpacaSeeder{
		baseURL: baseURL,
		feed:    marketdata.SIP,
		limiter: util.NewRateLimiter(ratePerMin),
		log:     log.With("component", "seed"),
	}
	s.newClient = func(creds stream.Credentials) snapshotClient {
		opts := marketdata.ClientOpts{
			APIKey:    creds.Key,
			APISecret: creds.Secret,
		}
		if s.baseURL != "" {
			opts.BaseURL = s.baseURL
		}
		return marketdata.NewClient(opts)
	}
	return s
}

// clientFor returns a client for creds, rebuilding it if the keys changed.
func (s *AlpacaSeeder) clientFor(creds stream.Credentials) snapshotClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil || s.clientCreds != creds {
		s.client = s.newClient(creds)
		s.clientCreds = creds
	}
	return s.client
}

// Seed returns trade and quote frames for symbols (canonical form). Quote
// frames precede trade frames so a merged quote's price is the last trade.
func (s *AlpacaSeeder) Seed(ctx context.Context, creds stream.Credentials, asset stream.AssetClass, symbols []string) ([]stream.Frame, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	c := s.clientFor(creds)

	switch asset {
	case stream.Stock:
		return s.seedStocks(c, symbols)
	case stream.Crypto:
		return s.seedCrypto(c, symbols)
	}
	return nil, fmt.Errorf("unknown asset class %q", asset)
}

func (s *AlpacaSeeder) seedStocks(c snapshotClient, symbols []string) ([]stream.Frame, error) {
	quotes, qErr := c.GetLatestQuotes(symbols, marketdata.GetLatestQuoteRequest{Feed: s.feed})
	trades, tErr := c.GetLatestTrades(symbols, marketdata.GetLatestTradeRequest{Feed: s.feed})
	if qErr != nil && tErr != nil {
		return nil, fmt.Errorf("latest stock snapshots: %w", errors.Join(qErr, tErr))
	}
	if qErr != nil || tErr != nil {
		s.log.Warn("partial stock snapshot", "quotesError", qErr, "tradesError", tErr)
	}

	var frames []stream.Frame
	for _, sym := range symbols {
		if q, ok := quotes[sym]; ok {
			frames = append(frames, stream.Frame{
				Kind:      stream.FrameQuote,
				Symbol:    sym,
				Bid:       ptr(q.BidPrice),
				Ask:       ptr(q.AskPrice),
				BidSize:   ptr(float64(q.BidSize)),
				AskSize:   ptr(float64(q.AskSize)),
				Timestamp: q.Timestamp,
			})
		}
		if t, ok := trades[sym]; ok {
			frames = append(frames, stream.Frame{
				Kind:      stream.FrameTrade,
				Symbol:    sym,
				Price:     ptr(t.Price),
				Size:      ptr(float64(t.Size)),
				Timestamp: t.Timestamp,
			})
		}
	}
	return frames, nil
}

func (s *AlpacaSeeder) seedCrypto(c snapshotClient, symbols []string) ([]stream.Frame, error) {
	wire := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		wire = append(wire, stream.Crypto.Wire(sym))
	}

	quotes, qErr := c.GetLatestCryptoQuotes(wire, marketdata.GetLatestCryptoQuoteRequest{})
	trades, tErr := c.GetLatestCryptoTrades(wire, marketdata.GetLatestCryptoTradeRequest{})
	if qErr != nil && tErr != nil {
		return nil, fmt.Errorf("latest crypto snapshots: %w", errors.Join(qErr, tErr))
	}
	if qErr != nil || tErr != nil {
		s.log.Warn("partial crypto snapshot", "quotesError", qErr, "tradesError", tErr)
	}

	var frames []stream.Frame
	for _, w := range wire {
		sym := symbol.CryptoFromWire(w)
		if q, ok := quotes[w]; ok {
			frames = append(frames, stream.Frame{
				Kind:      stream.FrameQuote,
				Symbol:    sym,
				Bid:       ptr(q.BidPrice),
				Ask:       ptr(q.AskPrice),
				BidSize:   ptr(q.BidSize),
				AskSize:   ptr(q.AskSize),
				Timestamp: q.Timestamp,
			})
		}
		if t, ok := trades[w]; ok {
			frames = append(frames, stream.Frame{
				Kind:      stream.FrameTrade,
				Symbol:    sym,
				Price:     ptr(t.Price),
				Size:      ptr(t.Size),
				Timestamp: t.Timestamp,
			})
		}
	}
	return frames, nil
}

func ptr(v float64) *float64 { return &v }

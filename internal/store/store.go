// Package store persists what the recorder sees on the stream: a parquet
// tick tape per symbol and day, and a sqlite table holding the latest quote
// per symbol.
package store

import (
	"context"
	"errors"
	"time"

	"marketstream/internal/stream"
)

// ErrNotFound is returned when a snapshot does not exist.
var ErrNotFound = errors.New("store: not found")

// Tick is one recorded quote update.
type Tick struct {
	Symbol  string
	Time    time.Time
	Price   float64
	Bid     float64
	Ask     float64
	BidSize float64
	AskSize float64
	Size    float64
	Volume  float64
	Session string
}

// TickFromQuote flattens a merged quote into a tick.
func TickFromQuote(q stream.Quote) Tick {
	return Tick{
		Symbol:  q.Symbol,
		Time:    q.Timestamp,
		Price:   q.Price,
		Bid:     q.Bid,
		Ask:     q.Ask,
		BidSize: q.BidSize,
		AskSize: q.AskSize,
		Size:    q.Size,
		Volume:  q.Volume,
		Session: q.Session,
	}
}

// TickStore persists and retrieves recorded ticks.
type TickStore interface {
	// WriteTicks appends ticks for one asset class. Exact duplicates of
	// already-stored ticks are dropped.
	WriteTicks(ctx context.Context, asset stream.AssetClass, ticks []Tick) error

	// ReadTicks returns ticks for symbol within [start, end], oldest first.
	ReadTicks(ctx context.Context, asset stream.AssetClass, symbol string, start, end time.Time) ([]Tick, error)

	// ListSymbols returns all symbols with recorded ticks.
	ListSymbols(ctx context.Context, asset stream.AssetClass) ([]string, error)
}

// SnapshotStore keeps the latest quote per symbol.
type SnapshotStore interface {
	// UpsertSnapshots replaces the stored quote for each symbol.
	UpsertSnapshots(ctx context.Context, asset stream.AssetClass, quotes []stream.Quote) error

	// GetSnapshot returns the stored quote or ErrNotFound.
	GetSnapshot(ctx context.Context, asset stream.AssetClass, symbol string) (stream.Quote, error)

	// ListSnapshots returns every stored quote for an asset class keyed by symbol.
	ListSnapshots(ctx context.Context, asset stream.AssetClass) (map[string]stream.Quote, error)
}

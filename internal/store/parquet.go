package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"

	"marketstream/internal/stream"
)

var _ TickStore = (*ParquetStore)(nil)

// ParquetStore implements TickStore using Parquet files on disk.
type ParquetStore struct {
	DataDir string
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// TickRecord is the Parquet schema for recorded ticks.
type TickRecord struct {
	Symbol    string  `parquet:"symbol"`
	Timestamp int64   `parquet:"timestamp,timestamp(microsecond)"` // Unix µs
	Price     float64 `parquet:"price"`
	Bid       float64 `parquet:"bid"`
	Ask       float64 `parquet:"ask"`
	BidSize   float64 `parquet:"bid_size"`
	AskSize   float64 `parquet:"ask_size"`
	Size      float64 `parquet:"size"`
	Volume    float64 `parquet:"volume"`
	Session   string  `parquet:"session"`
}

func toRecord(t Tick) TickRecord {
	return TickRecord{
		Symbol:    t.Symbol,
		Timestamp: t.Time.UnixMicro(),
		Price:     t.Price,
		Bid:       t.Bid,
		Ask:       t.Ask,
		BidSize:   t.BidSize,
		AskSize:   t.AskSize,
		Size:      t.Size,
		Volume:    t.Volume,
		Session:   t.Session,
	}
}

func fromRecord(r TickRecord) Tick {
	return Tick{
		Symbol:  r.Symbol,
		Time:    time.UnixMicro(r.Timestamp).UTC(),
		Price:   r.Price,
		Bid:     r.Bid,
		Ask:     r.Ask,
		BidSize: r.BidSize,
		AskSize: r.AskSize,
		Size:    r.Size,
		Volume:  r.Volume,
		Session: r.Session,
	}
}

// ---------------------------------------------------------------------------
// TickStore implementation
// ---------------------------------------------------------------------------

// WriteTicks writes ticks to Parquet files organized by symbol and UTC date.
// Each symbol+date combination is one file at:
//
//	<DataDir>/<asset>/ticks/<SYMBOL>/<YYYY-MM-DD>.parquet
func (s *ParquetStore) WriteTicks(_ context.Context, asset stream.AssetClass, ticks []Tick) error {
	if len(ticks) == 0 {
		return nil
	}

	type key struct {
		symbol string
		date   string // YYYY-MM-DD
	}
	groups := make(map[key][]TickRecord)
	for _, t := range ticks {
		if t.Symbol == "" {
			continue
		}
		k := key{symbol: t.Symbol, date: t.Time.UTC().Format("2006-01-02")}
		groups[k] = append(groups[k], toRecord(t))
	}

	for k, records := range groups {
		path := s.tickPath(asset, k.symbol, k.date)

		existing, _ := readParquetFile[TickRecord](path)
		merged := mergeTickRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing ticks for %s/%s: %w", k.symbol, k.date, err)
		}
	}
	return nil
}

// ReadTicks reads ticks from Parquet files for the given symbol and time range.
func (s *ParquetStore) ReadTicks(_ context.Context, asset stream.AssetClass, symbol string, start, end time.Time) ([]Tick, error) {
	start, end = start.UTC(), end.UTC()
	var ticks []Tick
	day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	for ; !day.After(end); day = day.AddDate(0, 0, 1) {
		records, err := readParquetFile[TickRecord](s.tickPath(asset, symbol, day.Format("2006-01-02")))
		if err != nil {
			continue
		}
		for _, r := range records {
			t := fromRecord(r)
			if !t.Time.Before(start) && !t.Time.After(end) {
				ticks = append(ticks, t)
			}
		}
	}
	return ticks, nil
}

// ListSymbols lists all symbols that have tick data for the asset class.
func (s *ParquetStore) ListSymbols(_ context.Context, asset stream.AssetClass) ([]string, error) {
	dir := filepath.Join(s.DataDir, string(asset), "ticks")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var symbols []string
	for _, e := range entries {
		if e.IsDir() {
			symbols = append(symbols, e.Name())
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// ---------------------------------------------------------------------------
// Path and file helpers
// ---------------------------------------------------------------------------

// tickPath returns the filesystem path for a tick Parquet file.
func (s *ParquetStore) tickPath(asset stream.AssetClass, symbol, date string) string {
	return filepath.Join(s.DataDir, string(asset), "ticks", asset.Canonical(symbol), date+".parquet")
}

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	return parquet.ReadFile[T](path)
}

// mergeTickRecords drops exact duplicates and sorts by timestamp. Records
// with equal timestamps keep their arrival order.
func mergeTickRecords(existing, incoming []TickRecord) []TickRecord {
	seen := make(map[TickRecord]struct{}, len(existing)+len(incoming))
	merged := make([]TickRecord, 0, len(existing)+len(incoming))
	for _, list := range [][]TickRecord{existing, incoming} {
		for _, r := range list {
			if _, dup := seen[r]; dup {
				continue
			}
			seen[r] = struct{}{}
			merged = append(merged, r)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}

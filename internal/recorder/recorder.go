// Package recorder keeps a fixed set of symbols subscribed on the stream
// manager and periodically writes what it sees to a tick tape and a
// latest-quote snapshot table.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"marketstream/internal/store"
	"marketstream/internal/stream"
	"marketstream/internal/util"
)

// Streamer is the part of *stream.Manager the recorder uses.
type Streamer interface {
	SubscribeStocks(symbols []string, cb stream.QuoteFunc) func()
	SubscribeCrypto(symbols []string, cb stream.QuoteFunc) func()
}

var _ Streamer = (*stream.Manager)(nil)

// Options configures a Recorder.
type Options struct {
	Stocks        []string
	Crypto        []string
	FlushInterval time.Duration // default 10s
	// MaxAttempts bounds retries of a failed store write. Default 3.
	MaxAttempts int
}

// Recorder buffers quote updates and flushes them to storage.
type Recorder struct {
	streamer Streamer
	ticks    store.TickStore
	snaps    store.SnapshotStore // may be nil
	log      *slog.Logger
	opts     Options

	mu      sync.Mutex
	pending map[stream.AssetClass][]store.Tick
	latest  map[stream.AssetClass]map[string]stream.Quote
}

// New creates a recorder. snaps may be nil to record ticks only.
func New(streamer Streamer, ticks store.TickStore, snaps store.SnapshotStore, log *slog.Logger, opts Options) *Recorder {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 10 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	return &Recorder{
		streamer: streamer,
		ticks:    ticks,
		snaps:    snaps,
		log:      log.With("component", "recorder"),
		opts:     opts,
		pending:  make(map[stream.AssetClass][]store.Tick),
		latest:   make(map[stream.AssetClass]map[string]stream.Quote),
	}
}

// Run subscribes the configured symbols and flushes on every interval until
// ctx is cancelled. A final flush runs before Run returns.
func (r *Recorder) Run(ctx context.Context) error {
	var unsubs []func()
	if len(r.opts.Stocks) > 0 {
		unsubs = append(unsubs, r.streamer.SubscribeStocks(r.opts.Stocks, r.Record))
	}
	if len(r.opts.Crypto) > 0 {
		unsubs = append(unsubs, r.streamer.SubscribeCrypto(r.opts.Crypto, r.Record))
	}
	r.log.Info("recorder started",
		"stocks", len(r.opts.Stocks), "crypto", len(r.opts.Crypto),
		"interval", r.opts.FlushInterval)

	ticker := time.NewTicker(r.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			for _, unsub := range unsubs {
				unsub()
			}
			// The run context is gone; give the last flush its own deadline.
			flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err := r.Flush(flushCtx)
			cancel()
			r.log.Info("recorder stopped")
			return err
		case <-ticker.C:
			if err := r.Flush(ctx); err != nil {
				r.log.Error("flush failed", "error", err)
			}
		}
	}
}

// Record buffers one update. It is the QuoteFunc handed to the manager.
func (r *Recorder) Record(u stream.QuoteUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[u.Asset] = append(r.pending[u.Asset], store.TickFromQuote(u.Quote))
	m := r.latest[u.Asset]
	if m == nil {
		m = make(map[string]stream.Quote)
		r.latest[u.Asset] = m
	}
	m[u.Symbol] = u.Quote
}

// Pending returns the number of buffered ticks.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ticks := range r.pending {
		n += len(ticks)
	}
	return n
}

// Flush writes buffered ticks and snapshots. Ticks that could not be written
// stay buffered for the next flush.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	pending := r.pending
	latest := r.latest
	r.pending = make(map[stream.AssetClass][]store.Tick)
	r.latest = make(map[stream.AssetClass]map[string]stream.Quote)
	r.mu.Unlock()

	var errs []error
	for asset, ticks := range pending {
		err := util.Retry(ctx, r.opts.MaxAttempts, 500*time.Millisecond, 5*time.Second, func() error {
			return r.ticks.WriteTicks(ctx, asset, ticks)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("writing %s ticks: %w", asset, err))
			r.requeue(asset, ticks)
			continue
		}
		r.log.Debug("ticks written", "asset", asset, "count", len(ticks))
	}

	if r.snaps != nil {
		for asset, quotes := range latest {
			list := make([]stream.Quote, 0, len(quotes))
			for _, q := range quotes {
				list = append(list, q)
			}
			err := util.Retry(ctx, r.opts.MaxAttempts, 500*time.Millisecond, 5*time.Second, func() error {
				return r.snaps.UpsertSnapshots(ctx, asset, list)
			})
			if err != nil {
				errs = append(errs, fmt.Errorf("writing %s snapshots: %w", asset, err))
			}
		}
	}
	return errors.Join(errs...)
}

// requeue puts failed ticks back ahead of anything recorded since.
func (r *Recorder) requeue(asset stream.AssetClass, ticks []store.Tick) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[asset] = append(ticks, r.pending[asset]...)
}

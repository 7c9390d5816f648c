package live

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"marketstream/internal/stream"
)

// Client connects to a QuoteStream server and mirrors the server-side view
// locally.
type Client struct {
	addr     string
	log      *slog.Logger
	dialOpts []grpc.DialOption

	mu     sync.RWMutex
	stocks map[string]stream.Quote
	crypto map[string]stream.Quote
	status stream.Status
}

// NewClient creates a client targeting the given gRPC address. Extra dial
// options are appended after insecure transport credentials.
func NewClient(addr string, log *slog.Logger, opts ...grpc.DialOption) *Client {
	return &Client{
		addr:     addr,
		log:      log,
		dialOpts: opts,
		stocks:   make(map[string]stream.Quote),
		crypto:   make(map[string]stream.Quote),
	}
}

// Sync streams changes for opts into the local mirror, calling onChange (if
// non-nil) after each one is applied. It blocks until ctx is cancelled or
// the stream ends.
func (c *Client) Sync(ctx context.Context, opts Options, onChange func(Change)) error {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, c.dialOpts...)
	conn, err := grpc.NewClient(c.addr, dialOpts...)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", c.addr, err)
	}
	defer conn.Close()

	cs, err := conn.NewStream(ctx, &quoteStreamDesc.Streams[0], streamQuotesMethod)
	if err != nil {
		return fmt.Errorf("starting stream: %w", err)
	}
	req, err := OptionsToStruct(opts)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	if err := cs.SendMsg(req); err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	if err := cs.CloseSend(); err != nil {
		return fmt.Errorf("closing send: %w", err)
	}

	c.log.Info("connected to quote stream", "addr", c.addr)

	for {
		msg := new(structpb.Struct)
		err := cs.RecvMsg(msg)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("receiving change: %w", err)
		}

		change, err := ChangeFromStruct(msg)
		if err != nil {
			c.log.Warn("skipping message", "error", err)
			continue
		}
		c.apply(change)
		if onChange != nil {
			onChange(change)
		}
	}
}

func (c *Client) apply(ch Change) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ch.Kind {
	case ChangeQuote:
		switch ch.Asset {
		case stream.Stock:
			c.stocks[ch.Symbol] = ch.Quote
		case stream.Crypto:
			c.crypto[ch.Symbol] = ch.Quote
		}
	case ChangeStatus:
		c.status = ch.Status
	}
}

// StockQuotes returns a copy of the mirrored stock quotes.
func (c *Client) StockQuotes() map[string]stream.Quote {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyQuotes(c.stocks)
}

// CryptoQuotes returns a copy of the mirrored crypto quotes.
func (c *Client) CryptoQuotes() map[string]stream.Quote {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyQuotes(c.crypto)
}

// Status returns the last status received.
func (c *Client) Status() stream.Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

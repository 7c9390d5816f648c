package live

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"marketstream/internal/stream"
)

// Wire shape of QuoteStream messages. Requests carry Options; responses are
// either {"type":"quote",...} or {"type":"status",...}.

// OptionsToStruct encodes a stream request.
func OptionsToStruct(o Options) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"stockSymbols":  toAnySlice(o.StockSymbols),
		"cryptoSymbols": toAnySlice(o.CryptoSymbols),
		"enabled":       o.Enabled,
	})
}

// OptionsFromStruct decodes a stream request. A missing "enabled" field
// means enabled.
func OptionsFromStruct(s *structpb.Struct) Options {
	m := s.AsMap()
	o := Options{
		StockSymbols:  toStringSlice(m["stockSymbols"]),
		CryptoSymbols: toStringSlice(m["cryptoSymbols"]),
		Enabled:       true,
	}
	if v, ok := m["enabled"].(bool); ok {
		o.Enabled = v
	}
	return o
}

// ChangeToMap renders a Change as plain JSON-compatible values.
func ChangeToMap(c Change) map[string]any {
	if c.Kind == ChangeQuote {
		return map[string]any{
			"type":   "quote",
			"asset":  string(c.Asset),
			"symbol": c.Symbol,
			"quote":  QuoteToMap(c.Quote),
		}
	}
	return map[string]any{
		"type":            "status",
		"stockConnected":  c.Status.StockConnected,
		"cryptoConnected": c.Status.CryptoConnected,
		"isConnected":     c.Status.IsConnected,
		"error":           c.Status.Error,
	}
}

// ChangeFromStruct is the inverse of ChangeToMap.
func ChangeFromStruct(s *structpb.Struct) (Change, error) {
	m := s.AsMap()
	switch m["type"] {
	case "quote":
		qm, _ := m["quote"].(map[string]any)
		asset, _ := m["asset"].(string)
		sym, _ := m["symbol"].(string)
		return Change{
			Kind:   ChangeQuote,
			Asset:  stream.AssetClass(asset),
			Symbol: sym,
			Quote:  QuoteFromMap(qm),
		}, nil
	case "status":
		st := stream.Status{
			StockConnected:  boolField(m, "stockConnected"),
			CryptoConnected: boolField(m, "cryptoConnected"),
			IsConnected:     boolField(m, "isConnected"),
		}
		st.Error, _ = m["error"].(string)
		return Change{Kind: ChangeStatus, Status: st}, nil
	}
	return Change{}, fmt.Errorf("unknown message type %v", m["type"])
}

// QuoteToMap renders a quote with zero fields omitted.
func QuoteToMap(q stream.Quote) map[string]any {
	m := map[string]any{"symbol": q.Symbol}
	put := func(k string, v float64) {
		if v != 0 {
			m[k] = v
		}
	}
	put("price", q.Price)
	put("lastTrade", q.LastTrade)
	put("size", q.Size)
	put("bid", q.Bid)
	put("ask", q.Ask)
	put("bidSize", q.BidSize)
	put("askSize", q.AskSize)
	put("open", q.Open)
	put("high", q.High)
	put("low", q.Low)
	put("volume", q.Volume)
	if !q.Timestamp.IsZero() {
		m["timestamp"] = q.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	if q.Session != "" {
		m["session"] = q.Session
	}
	return m
}

// QuoteFromMap is the inverse of QuoteToMap.
func QuoteFromMap(m map[string]any) stream.Quote {
	f := func(k string) float64 {
		v, _ := m[k].(float64)
		return v
	}
	q := stream.Quote{
		Price:     f("price"),
		LastTrade: f("lastTrade"),
		Size:      f("size"),
		Bid:       f("bid"),
		Ask:       f("ask"),
		BidSize:   f("bidSize"),
		AskSize:   f("askSize"),
		Open:      f("open"),
		High:      f("high"),
		Low:       f("low"),
		Volume:    f("volume"),
	}
	q.Symbol, _ = m["symbol"].(string)
	q.Session, _ = m["session"].(string)
	if ts, ok := m["timestamp"].(string); ok {
		q.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	}
	return q
}

func boolField(m map[string]any, k string) bool {
	v, _ := m[k].(bool)
	return v
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func toStringSlice(v any) []string {
	list, _ := v.([]any)
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

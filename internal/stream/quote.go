package stream

import "time"

// Quote is the latest known state of one symbol. It is built up
// incrementally: each frame only overwrites the fields it carries.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price,omitempty"`
	LastTrade float64   `json:"lastTrade,omitempty"`
	Size      float64   `json:"size,omitempty"`
	Bid       float64   `json:"bid,omitempty"`
	Ask       float64   `json:"ask,omitempty"`
	BidSize   float64   `json:"bidSize,omitempty"`
	AskSize   float64   `json:"askSize,omitempty"`
	Open      float64   `json:"open,omitempty"`
	High      float64   `json:"high,omitempty"`
	Low       float64   `json:"low,omitempty"`
	Volume    float64   `json:"volume,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	// Session is the US market session of Timestamp (stocks only).
	Session string `json:"session,omitempty"`
}

// QuoteUpdate is what listeners receive: the symbol that changed and its
// merged quote.
type QuoteUpdate struct {
	Asset  AssetClass
	Symbol string
	Quote  Quote
}

// Merge returns q with the fields carried by f applied on top. Fields f
// does not carry keep their previous values.
func (q Quote) Merge(f Frame) Quote {
	switch f.Kind {
	case FrameTrade:
		if f.Price != nil {
			q.Price = *f.Price
			q.LastTrade = *f.Price
		}
		set(&q.Size, f.Size)
	case FrameQuote:
		set(&q.Bid, f.Bid)
		set(&q.Ask, f.Ask)
		set(&q.BidSize, f.BidSize)
		set(&q.AskSize, f.AskSize)
		// Price follows the ask, then the bid; otherwise the previous price stands.
		switch {
		case f.Ask != nil && *f.Ask > 0:
			q.Price = *f.Ask
		case f.Bid != nil && *f.Bid > 0:
			q.Price = *f.Bid
		}
	case FrameBar:
		set(&q.Price, f.Close)
		set(&q.Open, f.Open)
		set(&q.High, f.High)
		set(&q.Low, f.Low)
		set(&q.Volume, f.Volume)
	default:
		return q
	}
	if f.Symbol != "" {
		q.Symbol = f.Symbol
	}
	if !f.Timestamp.IsZero() {
		q.Timestamp = f.Timestamp
	}
	return q
}

func set(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

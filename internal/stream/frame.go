package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"marketstream/internal/symbol"
)

// AssetClass selects one of the two upstream feeds.
type AssetClass string

const (
	Stock  AssetClass = "stock"
	Crypto AssetClass = "crypto"
)

// ParseAssetClass accepts "stock"/"stocks" and "crypto".
func ParseAssetClass(s string) (AssetClass, bool) {
	switch s {
	case "stock", "stocks":
		return Stock, true
	case "crypto":
		return Crypto, true
	}
	return "", false
}

// Canonical normalizes a user-supplied symbol into the key used for listener
// registration and the quote cache.
func (a AssetClass) Canonical(s string) string {
	if a == Crypto {
		// Round-trip through the wire form so a base-only input such as
		// "DOGE" is keyed as "DOGE-USD", matching what the feed sends back.
		return symbol.CryptoFromWire(symbol.CryptoToWire(s))
	}
	return symbol.Stock(s)
}

// Wire converts a canonical symbol into the feed's subscription form.
func (a AssetClass) Wire(canonical string) string {
	if a == Crypto {
		return symbol.CryptoToWire(canonical)
	}
	return canonical
}

// FrameKind discriminates normalized inbound frames.
type FrameKind uint8

const (
	FrameUnknown FrameKind = iota
	FrameSuccess
	FrameError
	FrameSubscription
	FrameTrade
	FrameQuote
	FrameBar
)

func (k FrameKind) String() string {
	switch k {
	case FrameSuccess:
		return "success"
	case FrameError:
		return "error"
	case FrameSubscription:
		return "subscription"
	case FrameTrade:
		return "trade"
	case FrameQuote:
		return "quote"
	case FrameBar:
		return "bar"
	}
	return "unknown"
}

// Frame is one inbound message normalized from either feed's wire format.
// Numeric fields are nil when the wire message did not carry them.
type Frame struct {
	Kind   FrameKind
	Msg    string
	Code   int
	Symbol string // canonical form

	Price *float64
	Size  *float64

	Bid     *float64
	Ask     *float64
	BidSize *float64
	AskSize *float64

	Open   *float64
	High   *float64
	Low    *float64
	Close  *float64
	Volume *float64

	Timestamp time.Time
}

// wireMessage covers every field name either feed has been seen to use.
// encoding/json prefers exact-case matches, so T/t, S/s and bp/BP decode into
// distinct fields.
type wireMessage struct {
	T    string `json:"T"`
	Msg  string `json:"msg"`
	Code int    `json:"code"`
	S    string `json:"S"`

	P  optFloat `json:"p"`
	Sz optFloat `json:"s"`

	BP      optFloat `json:"bp"`
	AP      optFloat `json:"ap"`
	BPUpper optFloat `json:"BP"`
	APUpper optFloat `json:"AP"`
	Bid     optFloat `json:"bid"`
	Ask     optFloat `json:"ask"`
	BS      optFloat `json:"bs"`
	AS      optFloat `json:"as"`

	O        optFloat `json:"o"`
	H        optFloat `json:"h"`
	L        optFloat `json:"l"`
	C        optFloat `json:"c"` // stock trades reuse "c" for a conditions array
	V        optFloat `json:"v"`
	OpenAlt  optFloat `json:"open"`
	HighAlt  optFloat `json:"high"`
	LowAlt   optFloat `json:"low"`
	CloseAlt optFloat `json:"close"`
	VolAlt   optFloat `json:"volume"`

	Ts    string `json:"t"`
	TsAlt string `json:"timestamp"`
}

// ParseFrames decodes one websocket payload, which may hold a single JSON
// object or an array of them, into normalized frames. Array entries that are
// not objects are skipped. A payload that is not valid JSON returns an error.
func ParseFrames(data []byte, asset AssetClass) ([]Frame, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	var raws []json.RawMessage
	if data[0] == '[' {
		if err := json.Unmarshal(data, &raws); err != nil {
			return nil, fmt.Errorf("decoding frame array: %w", err)
		}
	} else {
		if !json.Valid(data) {
			return nil, fmt.Errorf("decoding frame: invalid json")
		}
		raws = []json.RawMessage{data}
	}

	frames := make([]Frame, 0, len(raws))
	for _, raw := range raws {
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 || raw[0] != '{' {
			continue
		}
		var msg wireMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		frames = append(frames, normalize(msg, asset))
	}
	return frames, nil
}

func normalize(msg wireMessage, asset AssetClass) Frame {
	f := Frame{Msg: msg.Msg, Code: msg.Code}

	switch msg.T {
	case "success":
		f.Kind = FrameSuccess
		return f
	case "error":
		f.Kind = FrameError
		return f
	case "subscription":
		f.Kind = FrameSubscription
		return f
	case "t":
		f.Kind = FrameTrade
		f.Price = msg.P.ptr()
		f.Size = msg.Sz.ptr()
	case "q":
		f.Kind = FrameQuote
		f.Bid = first(msg.BP, msg.Bid, msg.BPUpper)
		f.Ask = first(msg.AP, msg.Ask, msg.APUpper)
		f.BidSize = msg.BS.ptr()
		f.AskSize = msg.AS.ptr()
	case "b", "u":
		f.Kind = FrameBar
		f.Open = first(msg.O, msg.OpenAlt)
		f.High = first(msg.H, msg.HighAlt)
		f.Low = first(msg.L, msg.LowAlt)
		f.Close = first(msg.C, msg.CloseAlt)
		f.Volume = first(msg.V, msg.VolAlt)
	default:
		return f
	}

	if asset == Crypto {
		f.Symbol = symbol.CryptoFromWire(msg.S)
	} else {
		f.Symbol = symbol.Stock(msg.S)
	}
	f.Timestamp = parseTime(msg.Ts)
	if f.Timestamp.IsZero() {
		f.Timestamp = parseTime(msg.TsAlt)
	}
	return f
}

// optFloat records whether a numeric field was present. Values of any other
// JSON type are treated as absent.
type optFloat struct {
	v   float64
	set bool
}

func (o *optFloat) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return nil
	}
	o.v, o.set = v, true
	return nil
}

func (o optFloat) ptr() *float64 {
	if !o.set {
		return nil
	}
	v := o.v
	return &v
}

func first(vals ...optFloat) *float64 {
	for _, v := range vals {
		if v.set {
			return v.ptr()
		}
	}
	return nil
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ---------------------------------------------------------------------------
// Outbound frames
// ---------------------------------------------------------------------------

type authFrame struct {
	Action string `json:"action"`
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

type subscriptionFrame struct {
	Action string   `json:"action"`
	Trades []string `json:"trades"`
	Quotes []string `json:"quotes"`
	Bars   []string `json:"bars,omitempty"`
}

func newSubscriptionFrame(asset AssetClass, action string, symbols []string) subscriptionFrame {
	f := subscriptionFrame{Action: action, Trades: symbols, Quotes: symbols}
	if asset == Crypto {
		f.Bars = symbols
	}
	return f
}

// Package symbol converts user-supplied tickers into the canonical forms used
// by the stream manager and into the wire forms each upstream feed expects.
//
// Stocks have a single form (AAPL). Crypto pairs are keyed internally as
// BASE-QUOTE (BTC-USD) and sent upstream as BASE/QUOTE (BTC/USD).
package symbol

import (
	"regexp"
	"strings"
)

// DefaultQuoteCurrency is assumed when a crypto symbol names only its base.
const DefaultQuoteCurrency = "USD"

// compactPair matches a pair written without a separator, e.g. BTCUSDT.
var compactPair = regexp.MustCompile(`^([A-Z0-9]+)(USD|USDT|USDC)$`)

var nonAlnum = regexp.MustCompile(`[^A-Z0-9]`)

func clean(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "$")
	return strings.ToUpper(s)
}

// Stock returns the canonical stock symbol: trimmed, leading "$" removed,
// upper-cased. "$aapl " becomes "AAPL".
func Stock(s string) string {
	return clean(s)
}

// Stocks normalizes a list of stock symbols, dropping empties and duplicates.
// Order of first occurrence is preserved.
func Stocks(symbols []string) []string {
	return dedupe(symbols, Stock)
}

// Crypto returns the canonical internal crypto symbol: upper-cased, leading
// "$" removed, "_" and "/" replaced by "-". "btc_usd" becomes "BTC-USD".
func Crypto(s string) string {
	s = clean(s)
	if s == "" {
		return ""
	}
	s = strings.ReplaceAll(s, "_", "-")
	return strings.ReplaceAll(s, "/", "-")
}

// Cryptos normalizes a list of crypto symbols, dropping empties and
// duplicates. Order of first occurrence is preserved.
func Cryptos(symbols []string) []string {
	return dedupe(symbols, Crypto)
}

// CryptoToWire converts a crypto symbol in any accepted shape into the
// BASE/QUOTE form used by the upstream crypto feed. A recognised USD, USDT
// or USDC suffix splits the pair; otherwise the first dash separates base
// from quote and the quote defaults to USD.
func CryptoToWire(s string) string {
	canon := Crypto(s)
	if canon == "" {
		return ""
	}
	compact := strings.ReplaceAll(canon, "-", "")
	if m := compactPair.FindStringSubmatch(compact); m != nil {
		return m[1] + "/" + m[2]
	}
	base, quote, found := strings.Cut(canon, "-")
	if base == "" {
		return ""
	}
	if !found || quote == "" {
		quote = DefaultQuoteCurrency
	}
	if i := strings.Index(quote, "-"); i >= 0 {
		quote = quote[:i]
	}
	return base + "/" + quote
}

// CryptoFromWire converts an upstream BASE/QUOTE symbol back into the
// canonical BASE-QUOTE form. It is the inverse of CryptoToWire.
func CryptoFromWire(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	if strings.Contains(s, "/") {
		return strings.Replace(s, "/", "-", 1)
	}
	if strings.Contains(s, "-") {
		return s
	}
	compact := nonAlnum.ReplaceAllString(s, "")
	if m := compactPair.FindStringSubmatch(compact); m != nil {
		return m[1] + "-" + m[2]
	}
	return compact
}

func dedupe(symbols []string, norm func(string) string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		n := norm(s)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

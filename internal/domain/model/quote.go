package model

import (
	"errors"
	"strings"
)

// QuoteBase 交易对的计价币种
type QuoteBase string

const (
	QuoteUSDT QuoteBase = "usdt"
	QuoteBUSD QuoteBase = "busd"
	QuoteBNB  QuoteBase = "bnb"
	QuoteETH  QuoteBase = "eth"
	QuoteBTC  QuoteBase = "btc"
)

// QuoteBases is the fixed iteration order. Ties are broken by position in this slice.
var QuoteBases = []QuoteBase{QuoteUSDT, QuoteBUSD, QuoteBNB, QuoteETH, QuoteBTC}

var ErrNoSupportedPair = errors.New("no pair quoted in a supported base")

// Asset returns the exchange asset code, e.g. "BUSD".
func (q QuoteBase) Asset() string { return strings.ToUpper(string(q)) }

func (q QuoteBase) IsStable() bool { return q == QuoteUSDT || q == QuoteBUSD }

func (q QuoteBase) Index() int {
	for i, b := range QuoteBases {
		if b == q {
			return i
		}
	}
	return -1
}

func ParseQuoteBase(s string) (QuoteBase, bool) {
	q := QuoteBase(strings.ToLower(strings.TrimSpace(s)))
	return q, q.Index() >= 0
}

// TradingPairSet maps a quote base to the concrete symbol quoted in it.
type TradingPairSet map[QuoteBase]string

// ExtractTradingPairs matches every supported base against the quote segment of the
// given symbols, case-insensitively. The first matching symbol wins per base.
func ExtractTradingPairs(pairs []string) TradingPairSet {
	set := TradingPairSet{}
	for _, base := range QuoteBases {
		for _, p := range pairs {
			if strings.Contains(quoteSegment(p), string(base)) {
				set[base] = strings.ToUpper(strings.TrimSpace(p))
				break
			}
		}
	}
	return set
}

func quoteSegment(pair string) string {
	p := strings.ToLower(strings.TrimSpace(pair))
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}

// Bases returns the bases present in the set, in fixed order.
func (s TradingPairSet) Bases() []QuoteBase {
	out := make([]QuoteBase, 0, len(s))
	for _, b := range QuoteBases {
		if _, ok := s[b]; ok {
			out = append(out, b)
		}
	}
	return out
}

// Symbols returns the concrete symbols, in fixed base order.
func (s TradingPairSet) Symbols() []string {
	out := make([]string, 0, len(s))
	for _, b := range s.Bases() {
		out = append(out, s[b])
	}
	return out
}

func (s TradingPairSet) Validate() error {
	if len(s) == 0 {
		return ErrNoSupportedPair
	}
	return nil
}

// SplitPair splits "ABC/BUSD" into "ABC" and "BUSD".
func SplitPair(pair string) (base, quote string) {
	p := strings.ToUpper(strings.TrimSpace(pair))
	if i := strings.Index(p, "/"); i >= 0 {
		return p[:i], p[i+1:]
	}
	return p, ""
}

func Pair(base, quote string) string {
	return strings.ToUpper(base) + "/" + strings.ToUpper(quote)
}

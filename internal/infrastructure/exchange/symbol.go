package exchange

import (
	"sort"
	"strings"
)

// SymbolConverter 内部交易对写作 "ABC/BUSD"，交易所各有自己的格式
type SymbolConverter interface {
	// ToVenue 例: ABC/BUSD -> ABCBUSD
	ToVenue(pair string) string
	// FromVenue 例: ABCBUSD -> ABC/BUSD
	FromVenue(symbol string) string
}

// CommonSymbolConverter 无分隔符的交易所格式，按已知计价币后缀拆分
type CommonSymbolConverter struct {
	quotes []string
}

// NewCommonSymbolConverter 后缀按长度倒序匹配，BUSD 优先于 USD 之类的短后缀
func NewCommonSymbolConverter(quotes ...string) *CommonSymbolConverter {
	qs := make([]string, 0, len(quotes))
	for _, q := range quotes {
		q = strings.ToUpper(strings.TrimSpace(q))
		if q != "" {
			qs = append(qs, q)
		}
	}
	sort.SliceStable(qs, func(i, j int) bool { return len(qs[i]) > len(qs[j]) })
	return &CommonSymbolConverter{quotes: qs}
}

func (c *CommonSymbolConverter) ToVenue(pair string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(pair), "/", ""))
}

func (c *CommonSymbolConverter) FromVenue(symbol string) string {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	if sym == "" || strings.Contains(sym, "/") {
		return sym
	}
	for _, q := range c.quotes {
		if len(sym) > len(q) && strings.HasSuffix(sym, q) {
			return sym[:len(sym)-len(q)] + "/" + q
		}
	}
	return sym
}

// Package symbol 在 token（BTC）与交易所交易对（BTCUSDT）之间互转。
package symbol

import (
	"strings"
)

// knownQuotes 按长度优先匹配，避免 BTCUSDT 被拆成 BTCUSD+T。
var knownQuotes = []string{"FDUSD", "USDT", "USDC", "BUSD", "TUSD", "BTC", "ETH", "BNB"}

type Pair struct {
	Base  string
	Quote string
}

// Of 以 quote 资产组合出交易对。
func Of(token, quote string) Pair {
	return Pair{Base: clean(token), Quote: clean(quote)}
}

func (p Pair) Valid() bool { return p.Base != "" && p.Quote != "" }

// Exchange 返回交易所格式（无分隔符），如 BTCUSDT。
func (p Pair) Exchange() string {
	if !p.Valid() {
		return ""
	}
	return p.Base + p.Quote
}

func (p Pair) String() string {
	if !p.Valid() {
		return p.Base
	}
	return p.Base + "/" + p.Quote
}

// Parse 识别 BTC/USDT、BTC-USDT、BTCUSDT 以及 BTCUSDT:USDT 这几种写法。
func Parse(s string) Pair {
	s = clean(s)
	if s == "" {
		return Pair{}
	}
	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[:idx]
	}
	for _, sep := range []string{"/", "-", "_"} {
		if parts := strings.SplitN(s, sep, 2); len(parts) == 2 {
			return Pair{Base: strings.TrimSpace(parts[0]), Quote: strings.TrimSpace(parts[1])}
		}
	}
	for _, quote := range knownQuotes {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return Pair{Base: s[:len(s)-len(quote)], Quote: quote}
		}
	}
	return Pair{Base: s}
}

// Token 返回交易对的 base 资产，无法识别时原样返回。
func Token(s string) string {
	return Parse(s).Base
}

func clean(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

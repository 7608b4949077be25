// Package symbol parses trading pair identifiers and time frames.
package symbol

import (
	"fmt"
	"strings"

	"trading-engine/internal/errs"
)

const (
	baseSeparator   = "/"
	settleSeparator = ":"
	suffixSeparator = "-"
)

// OptionType is the call/put flag of an option symbol.
type OptionType string

const (
	Call OptionType = "C"
	Put  OptionType = "P"
)

// Symbol is a parsed base/quote[:settle[-expiry[-strike-type]]] identifier.
type Symbol struct {
	Base       string
	Quote      string
	Settle     string
	Expiry     string
	Strike     string
	OptionType OptionType
}

// Parse splits a symbol string into its components.
func Parse(s string) (Symbol, error) {
	var sym Symbol
	pair, rest, hasSettle := strings.Cut(s, settleSeparator)
	base, quote, ok := strings.Cut(pair, baseSeparator)
	if !ok || base == "" || quote == "" {
		return sym, errs.New(errs.InvalidArgument, "malformed symbol %q", s)
	}
	sym.Base, sym.Quote = base, quote
	if !hasSettle {
		return sym, nil
	}
	parts := strings.Split(rest, suffixSeparator)
	if parts[0] == "" {
		return sym, errs.New(errs.InvalidArgument, "malformed settlement in %q", s)
	}
	sym.Settle = parts[0]
	switch len(parts) {
	case 1:
	case 2:
		sym.Expiry = parts[1]
	case 4:
		sym.Expiry, sym.Strike = parts[1], parts[2]
		sym.OptionType = OptionType(parts[3])
		if sym.OptionType != Call && sym.OptionType != Put {
			return sym, errs.New(errs.InvalidArgument, "unknown option type in %q", s)
		}
	default:
		return sym, errs.New(errs.InvalidArgument, "malformed suffix in %q", s)
	}
	return sym, nil
}

// MustParse is Parse for literals known to be valid.
func MustParse(s string) Symbol {
	sym, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return sym
}

// String formats the symbol back into its canonical form.
func (s Symbol) String() string {
	var b strings.Builder
	b.WriteString(s.Base)
	b.WriteString(baseSeparator)
	b.WriteString(s.Quote)
	if s.Settle == "" {
		return b.String()
	}
	b.WriteString(settleSeparator)
	b.WriteString(s.Settle)
	if s.Expiry != "" {
		b.WriteString(suffixSeparator)
		b.WriteString(s.Expiry)
	}
	if s.Strike != "" {
		b.WriteString(suffixSeparator)
		b.WriteString(s.Strike)
		b.WriteString(suffixSeparator)
		b.WriteString(string(s.OptionType))
	}
	return b.String()
}

// Pair returns the base/quote part only.
func (s Symbol) Pair() string { return s.Base + baseSeparator + s.Quote }

func (s Symbol) IsSpot() bool      { return s.Settle == "" }
func (s Symbol) IsFuture() bool    { return s.Settle != "" && s.Strike == "" }
func (s Symbol) IsOption() bool    { return s.Strike != "" }
func (s Symbol) IsPerpetual() bool { return s.IsFuture() && s.Expiry == "" }

// IsLinear reports whether the contract settles in the quote currency.
func (s Symbol) IsLinear() bool { return s.Settle != "" && s.Settle == s.Quote }

// IsInverse reports whether the contract settles in the base currency.
func (s Symbol) IsInverse() bool { return s.Settle != "" && s.Settle == s.Base }

// SettlementAsset is the currency margins and pnl are expressed in.
func (s Symbol) SettlementAsset() string {
	if s.Settle != "" {
		return s.Settle
	}
	return s.Quote
}

// Split returns base and quote of a symbol string, or empty strings when it
// cannot be parsed.
func Split(s string) (base, quote string) {
	sym, err := Parse(s)
	if err != nil {
		return "", ""
	}
	return sym.Base, sym.Quote
}

// Merge builds a spot pair string.
func Merge(base, quote string) string {
	return fmt.Sprintf("%s%s%s", base, baseSeparator, quote)
}

package model

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

type Exchange int

const (
	ExchangeUnknown Exchange = iota
	ExchangeBinance
	ExchangeBitstamp
	ExchangeBybit
)

func (e Exchange) String() string {
	return []string{"UNKNOWN", "BINANCE", "BITSTAMP", "BYBIT"}[e]
}

func NewExchange(exchange string) Exchange {
	switch strings.ToUpper(exchange) {
	case "BINANCE":
		return ExchangeBinance
	case "BITSTAMP":
		return ExchangeBitstamp
	case "BYBIT":
		return ExchangeBybit
	}
	return ExchangeUnknown
}

type Symbol struct {
	Base  string
	Quote string
}

func NewSymbol(base, quote string) Symbol {
	return Symbol{
		Base:  strings.ToUpper(base),
		Quote: strings.ToUpper(quote),
	}
}

// NewSymbolFromPair parses a "BASE,QUOTE" pair as supplied on the command line.
func NewSymbolFromPair(pair string) (Symbol, error) {
	parts := strings.Split(pair, ",")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Symbol{}, fmt.Errorf("invalid pair: %q", pair)
	}
	return NewSymbol(parts[0], parts[1]), nil
}

// Lower renders the concatenated form some venues expect, e.g. "btcusdt".
func (s Symbol) Lower() string {
	return strings.ToLower(s.Base + s.Quote)
}

// Upper renders the concatenated form, e.g. "BTCUSDT".
func (s Symbol) Upper() string {
	return s.Base + s.Quote
}

func (s Symbol) String() string {
	return fmt.Sprintf("%s-%s", s.Base, s.Quote)
}

// PriceKey canonicalizes a decimal so "100", "100.0" and "100.00" identify
// the same price position regardless of how a venue rendered it.
func PriceKey(d decimal.Decimal) string {
	s := d.String()
	if strings.ContainsRune(s, '.') {
		s = strings.TrimRight(s, "0")
		s = strings.TrimRight(s, ".")
	}
	return s
}

// PriceLevel is one (price, quantity, venue) entry on a book side.
// A zero quantity marks removal of the level at that (price, venue).
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Exchange Exchange        `json:"exchange"`
}

// PriceLevelUpdate is an atomic batch of absolute level sets from one venue.
// Updates from the same venue arrive in FIFO order.
type PriceLevelUpdate struct {
	Exchange Exchange
	Bids     []PriceLevel
	Asks     []PriceLevel
}

// Summary is the published view of the aggregated book: the spread plus the
// top-N of each side, padded to fixed arity with sentinel levels.
type Summary struct {
	Spread decimal.Decimal
	Bids   []PriceLevel
	Asks   []PriceLevel
}

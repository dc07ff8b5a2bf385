// Package models contains the value types shared by every layer of the
// arbitrage engine: symbols, order-book views, orders, balances, and the
// serializable engine context.
package models

import "fmt"

// Market distinguishes a spot listing from a futures (perpetual) listing
// of the same base/quote pair.
type Market string

const (
	MarketSpot    Market = "SPOT"
	MarketFutures Market = "FUTURES"
)

// Symbol identifies a tradable pair on one market. It is immutable and
// hashable, so it can be used directly as a map key.
type Symbol struct {
	Base   string
	Quote  string
	Market Market
}

func (s Symbol) String() string {
	return fmt.Sprintf("%s/%s:%s", s.Base, s.Quote, s.Market)
}

// SymbolInfo carries venue-specific trading rules for a symbol. It is
// loaded once at startup and refreshed on demand; nothing in the hot
// path mutates it.
type SymbolInfo struct {
	Symbol          Symbol
	BasePrecision   int32
	QuotePrecision  int32
	MinBaseQty      float64
	MinQuoteNotional float64
	MakerFeePct     float64
	TakerFeePct     float64
	Active          bool
	ContractSize    float64 // futures only; 0 for spot
}

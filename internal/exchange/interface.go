// Package exchange defines the unified public/private market-and-trading
// surface that hides venue-specific wire protocols behind a common
// contract. The surface is split in two halves, market data and
// trading, since a symbol's spot leg and futures leg are always
// different venues in this system and only one of the two needs
// credentials.
package exchange

import (
	"context"
	"time"

	"arbitrage/internal/models"
)

// OrderBookHandler is invoked by a PublicExchange for every accepted
// order-book update. Handlers run concurrently and must tolerate
// out-of-order delivery and duplicate snapshot ids.
type OrderBookHandler func(symbol models.Symbol, ob models.OrderBook, kind models.UpdateType)

// PublicExchange is the per-venue market-data surface: symbol catalog,
// order-book snapshots plus streaming deltas, and the top-of-book cache
// the engine reads on every tick.
type PublicExchange interface {
	// Name identifies the venue for logging and metrics.
	Name() string

	// Initialize loads the symbol catalog, seeds initial order-book
	// snapshots via REST, and opens the public WebSocket subscriptions.
	Initialize(ctx context.Context, symbols []models.Symbol) error

	// AddSymbol starts streaming one more symbol without a full restart.
	AddSymbol(ctx context.Context, symbol models.Symbol) error

	// RemoveSymbol stops streaming a symbol and drops its cached state.
	RemoveSymbol(symbol models.Symbol) error

	// SymbolInfo returns the venue's cached trading rules for a symbol.
	SymbolInfo(symbol models.Symbol) (models.SymbolInfo, bool)

	// GetBestBidAsk returns the latest accepted book ticker; its age is
	// not checked here. ok is false until a book ticker or depth
	// snapshot for the symbol has been accepted, and again after
	// RemoveSymbol.
	GetBestBidAsk(symbol models.Symbol) (models.BookTicker, bool)

	// GetOrderBook returns the current deeper-book view, if maintained.
	GetOrderBook(symbol models.Symbol) (models.OrderBook, bool)

	// RegisterOrderBookHandler adds a callback invoked on every
	// order-book update (snapshot or diff).
	RegisterOrderBookHandler(h OrderBookHandler)

	// Close tears down the WebSocket connection and REST client.
	Close() error
}

// OrderHandler is invoked on every streaming order update.
type OrderHandler func(order models.Order)

// BalanceHandler is invoked on every streaming balance update.
type BalanceHandler func(balance models.AssetBalance)

// ExecutionHandler is invoked on every fill (execution report).
type ExecutionHandler func(trade models.Trade)

// OrderParams describes one order to place.
type OrderParams struct {
	Symbol   models.Symbol
	Side     models.Side
	Type     models.OrderType
	Price    float64 // ignored for market orders
	Quantity float64
}

// PrivateExchange is the per-venue trading surface: balances, open and
// executed orders, place/cancel, and streaming private updates.
type PrivateExchange interface {
	Name() string

	// Initialize loads trading rules for the given symbols and opens
	// the authenticated WebSocket (listen-key or in-band regime).
	Initialize(ctx context.Context, symbolsInfo []models.SymbolInfo) error

	PlaceLimitOrder(ctx context.Context, p OrderParams) (models.Order, error)
	PlaceMarketOrder(ctx context.Context, p OrderParams) (models.Order, error)
	CancelOrder(ctx context.Context, symbol models.Symbol, orderID string) error

	// CancelAllOrders cancels every open order. If symbol is the zero
	// value, every symbol's open orders are cancelled.
	CancelAllOrders(ctx context.Context, symbol *models.Symbol) error

	// GetActiveOrder looks up open-orders, then executed-orders, then
	// falls back to an authoritative REST fetch.
	GetActiveOrder(ctx context.Context, symbol models.Symbol, orderID string) (models.Order, error)

	// GetOpenOrders returns the in-memory open-orders view, or forces a
	// REST refresh first when force is true.
	GetOpenOrders(ctx context.Context, symbol *models.Symbol, force bool) ([]models.Order, error)

	// GetAssetBalance returns a zero placeholder (not a stale reading)
	// when the asset is unknown and force is false.
	GetAssetBalance(ctx context.Context, asset string, force bool) (models.AssetBalance, error)

	// Withdraw requests an on-chain withdrawal of asset to address and
	// returns the venue-assigned withdrawal id. network selects the
	// chain when the venue lists the asset on more than one.
	Withdraw(ctx context.Context, asset, network, address string, amount float64) (string, error)

	RegisterOrderHandler(h OrderHandler)
	RegisterBalanceHandler(h BalanceHandler)
	RegisterExecutionHandler(h ExecutionHandler)

	Close() error
}

// CredentialRefresher abstracts the two private-WS authentication
// regimes venues use: a listen-key with periodic REST keep-alive, or
// an in-band signed first-subscription message. Venue
// packages implement whichever regime they need; the other methods are
// no-ops.
type CredentialRefresher interface {
	// Obtain fetches (or computes) the credential needed to open the
	// private stream: a listen-key token, or an empty string for
	// in-band regimes that sign at subscribe time instead.
	Obtain(ctx context.Context) (string, error)

	// RefreshInterval is how often Obtain must be called again to keep
	// the credential alive. Zero means "never" (in-band regimes).
	RefreshInterval() time.Duration
}

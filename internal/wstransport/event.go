package wstransport

import "arbitrage/internal/models"

// Kind tags the variant carried by an Event. Every venue Decoder maps
// its wire frames onto this fixed vocabulary so the engine and exchange
// manager never see venue-specific message shapes.
type Kind string

const (
	KindHeartbeat          Kind = "HEARTBEAT"
	KindSubscriptionAck    Kind = "SUBSCRIPTION_ACK"
	KindSubscriptionError  Kind = "SUBSCRIPTION_ERROR"
	KindOrderBook          Kind = "ORDERBOOK"
	KindBookTicker         Kind = "BOOK_TICKER"
	KindTrades             Kind = "TRADES"
	KindOrderUpdate        Kind = "ORDER_UPDATE"
	KindBalanceUpdate      Kind = "BALANCE_UPDATE"
	KindExecutionReport    Kind = "EXECUTION_REPORT"
	KindUnknown            Kind = "UNKNOWN"
)

// Event is the tagged union dispatched to a Transport's onEvent
// handler. Exactly one payload field is populated, matching Kind.
type Event struct {
	Kind Kind

	BookTicker *models.BookTicker
	OrderBook  *models.OrderBook
	Trades     []models.Trade
	Order      *models.Order
	Balance    *models.AssetBalance
	Execution  *models.Trade

	SubscriptionChannel string
	Error               error

	Raw []byte
}

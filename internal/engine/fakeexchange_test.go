package engine

import (
	"context"
	"fmt"

	"arbitrage/internal/exchange"
	"arbitrage/internal/models"
)

// fakePublic is a minimal exchange.PublicExchange backed by a single
// in-memory book ticker and symbol info, enough to drive the engine's
// opportunity-detection and min-notional checks without a real venue.
type fakePublic struct {
	name   string
	info   map[models.Symbol]models.SymbolInfo
	ticker map[models.Symbol]models.BookTicker
}

func newFakePublic(name string) *fakePublic {
	return &fakePublic{
		name:   name,
		info:   make(map[models.Symbol]models.SymbolInfo),
		ticker: make(map[models.Symbol]models.BookTicker),
	}
}

func (f *fakePublic) Name() string                                               { return f.name }
func (f *fakePublic) Initialize(ctx context.Context, symbols []models.Symbol) error { return nil }
func (f *fakePublic) AddSymbol(ctx context.Context, symbol models.Symbol) error     { return nil }
func (f *fakePublic) RemoveSymbol(symbol models.Symbol) error                       { return nil }

func (f *fakePublic) SymbolInfo(symbol models.Symbol) (models.SymbolInfo, bool) {
	info, ok := f.info[symbol]
	return info, ok
}

func (f *fakePublic) GetBestBidAsk(symbol models.Symbol) (models.BookTicker, bool) {
	bt, ok := f.ticker[symbol]
	return bt, ok
}

func (f *fakePublic) GetOrderBook(symbol models.Symbol) (models.OrderBook, bool) {
	return models.OrderBook{}, false
}

func (f *fakePublic) RegisterOrderBookHandler(h exchange.OrderBookHandler) {}
func (f *fakePublic) Close() error                                        { return nil }

// fakePrivate is a minimal exchange.PrivateExchange. Each call to
// PlaceLimitOrder/PlaceMarketOrder consumes the next queued response (or
// synthesizes an immediately-filled order if none is queued), letting
// tests script success/failure per leg.
type fakePrivate struct {
	name          string
	placeResponse []placeResult
	placeCalls    int
	cancelled     []string
	cancelErr     error
}

type placeResult struct {
	order models.Order
	err   error
}

func newFakePrivate(name string) *fakePrivate {
	return &fakePrivate{name: name}
}

func (f *fakePrivate) Name() string { return f.name }
func (f *fakePrivate) Initialize(ctx context.Context, symbolsInfo []models.SymbolInfo) error {
	return nil
}

func (f *fakePrivate) nextPlaceResult(p exchange.OrderParams) (models.Order, error) {
	if f.placeCalls < len(f.placeResponse) {
		r := f.placeResponse[f.placeCalls]
		f.placeCalls++
		return r.order, r.err
	}
	f.placeCalls++
	return models.Order{
		ExchangeOrderID: fmt.Sprintf("%s-%d", f.name, f.placeCalls),
		Symbol:          p.Symbol,
		Side:            p.Side,
		Type:            p.Type,
		Price:           p.Price,
		RequestedQty:    p.Quantity,
		FilledQty:       p.Quantity,
		Status:          models.OrderStatusFilled,
	}, nil
}

func (f *fakePrivate) PlaceLimitOrder(ctx context.Context, p exchange.OrderParams) (models.Order, error) {
	return f.nextPlaceResult(p)
}

func (f *fakePrivate) PlaceMarketOrder(ctx context.Context, p exchange.OrderParams) (models.Order, error) {
	return f.nextPlaceResult(p)
}

func (f *fakePrivate) CancelOrder(ctx context.Context, symbol models.Symbol, orderID string) error {
	f.cancelled = append(f.cancelled, orderID)
	return f.cancelErr
}

func (f *fakePrivate) CancelAllOrders(ctx context.Context, symbol *models.Symbol) error { return nil }

func (f *fakePrivate) GetActiveOrder(ctx context.Context, symbol models.Symbol, orderID string) (models.Order, error) {
	return models.Order{ExchangeOrderID: orderID, Status: models.OrderStatusCanceled}, nil
}

func (f *fakePrivate) GetOpenOrders(ctx context.Context, symbol *models.Symbol, force bool) ([]models.Order, error) {
	return nil, nil
}

func (f *fakePrivate) GetAssetBalance(ctx context.Context, asset string, force bool) (models.AssetBalance, error) {
	return models.AssetBalance{Asset: asset}, nil
}

func (f *fakePrivate) Withdraw(ctx context.Context, asset, network, address string, amount float64) (string, error) {
	return "", nil
}

func (f *fakePrivate) RegisterOrderHandler(h exchange.OrderHandler) {}
func (f *fakePrivate) RegisterBalanceHandler(h exchange.BalanceHandler) {}
func (f *fakePrivate) RegisterExecutionHandler(h exchange.ExecutionHandler) {}
func (f *fakePrivate) Close() error                                        { return nil }

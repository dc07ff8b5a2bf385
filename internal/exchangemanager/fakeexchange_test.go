package exchangemanager

import (
	"context"
	"fmt"

	"arbitrage/internal/exchange"
	"arbitrage/internal/models"
)

type fakePublic struct{ name string }

func (f *fakePublic) Name() string                                                 { return f.name }
func (f *fakePublic) Initialize(ctx context.Context, symbols []models.Symbol) error { return nil }
func (f *fakePublic) AddSymbol(ctx context.Context, symbol models.Symbol) error     { return nil }
func (f *fakePublic) RemoveSymbol(symbol models.Symbol) error                       { return nil }
func (f *fakePublic) SymbolInfo(symbol models.Symbol) (models.SymbolInfo, bool) {
	return models.SymbolInfo{Symbol: symbol}, true
}
func (f *fakePublic) GetBestBidAsk(symbol models.Symbol) (models.BookTicker, bool) {
	return models.BookTicker{Symbol: symbol, BidPrice: 1, AskPrice: 1.01}, true
}
func (f *fakePublic) GetOrderBook(symbol models.Symbol) (models.OrderBook, bool) {
	return models.OrderBook{}, false
}
func (f *fakePublic) RegisterOrderBookHandler(h exchange.OrderBookHandler) {}
func (f *fakePublic) Close() error                                        { return nil }

type fakePrivate struct {
	name         string
	placeErr     map[models.Role]error
	placeGate    chan struct{} // when set, place blocks until the gate closes
	cancelled    []string
	closeErr     error
	cancelAllErr error
}

func newFakePrivate(name string) *fakePrivate {
	return &fakePrivate{name: name, placeErr: make(map[models.Role]error)}
}

func (f *fakePrivate) Name() string { return f.name }
func (f *fakePrivate) Initialize(ctx context.Context, symbolsInfo []models.SymbolInfo) error {
	return nil
}

func (f *fakePrivate) place(p exchange.OrderParams) (models.Order, error) {
	if f.placeGate != nil {
		<-f.placeGate
	}
	if err, ok := f.placeErr[roleOf(f.name)]; ok && err != nil {
		return models.Order{}, err
	}
	return models.Order{
		ExchangeOrderID: fmt.Sprintf("%s-order", f.name),
		Symbol:          p.Symbol,
		Side:            p.Side,
		Type:            p.Type,
		Price:           p.Price,
		RequestedQty:    p.Quantity,
		Status:          models.OrderStatusNew,
	}, nil
}

func roleOf(name string) models.Role {
	if name == "futures" {
		return models.RoleFutures
	}
	return models.RoleSpot
}

func (f *fakePrivate) PlaceLimitOrder(ctx context.Context, p exchange.OrderParams) (models.Order, error) {
	return f.place(p)
}
func (f *fakePrivate) PlaceMarketOrder(ctx context.Context, p exchange.OrderParams) (models.Order, error) {
	return f.place(p)
}
func (f *fakePrivate) CancelOrder(ctx context.Context, symbol models.Symbol, orderID string) error {
	f.cancelled = append(f.cancelled, orderID)
	return nil
}
func (f *fakePrivate) CancelAllOrders(ctx context.Context, symbol *models.Symbol) error {
	return f.cancelAllErr
}
func (f *fakePrivate) GetActiveOrder(ctx context.Context, symbol models.Symbol, orderID string) (models.Order, error) {
	return models.Order{ExchangeOrderID: orderID}, nil
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
func (f *fakePrivate) Close() error                                        { return f.closeErr }

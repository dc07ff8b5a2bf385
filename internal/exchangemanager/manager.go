// Package exchangemanager binds one spot venue and one futures venue for
// a single symbol: a book-ticker read per role, parallel order placement
// with cancel-on-partial-failure, and an event bus fanning venue updates
// out to subscribers that must never block it.
package exchangemanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"arbitrage/internal/exchange"
	"arbitrage/internal/models"
)

// legResult is what one leg's goroutine reports back.
type legResult struct {
	role  models.Role
	order models.Order
	err   error
}

// Venue bundles the public and private surface for one role.
type Venue struct {
	Role    models.Role
	Public  exchange.PublicExchange
	Private exchange.PrivateExchange
}

// EventKind tags what's on the manager's event bus.
type EventKind string

const (
	EventBookTicker EventKind = "book_ticker"
	EventOrder      EventKind = "order"
	EventPosition   EventKind = "position"
)

// Event is one bus message. Exactly one payload field is populated,
// matching Kind.
type Event struct {
	Kind       EventKind
	Role       models.Role
	BookTicker *models.BookTicker
	Order      *models.Order
	Position   *models.Position
}

// Manager pairs the two venues for one symbol.
//
// A symbol's two legs are never the same wire symbol: the spot venue
// keys its state by {Base,Quote,MarketSpot} and the futures venue by
// {Base,Quote,MarketFutures}. Manager is the one place that resolves
// "this engine's symbol" into each venue's actual key, so callers never
// have to carry the Market tag themselves.
type Manager struct {
	base, quote string
	roleSymbol  map[models.Role]models.Symbol
	logger      *zap.Logger

	venues map[models.Role]Venue

	subsMu sync.RWMutex
	subs   []chan Event
}

// New binds spot and futures venues for one base/quote pair.
func New(base, quote string, spot, futures Venue, logger *zap.Logger) *Manager {
	spot.Role = models.RoleSpot
	futures.Role = models.RoleFutures
	return &Manager{
		base:   base,
		quote:  quote,
		logger: logger,
		roleSymbol: map[models.Role]models.Symbol{
			models.RoleSpot:    {Base: base, Quote: quote, Market: models.MarketSpot},
			models.RoleFutures: {Base: base, Quote: quote, Market: models.MarketFutures},
		},
		venues: map[models.Role]Venue{
			models.RoleSpot:    spot,
			models.RoleFutures: futures,
		},
	}
}

// Symbol returns this manager's address on role's venue.
func (m *Manager) Symbol(role models.Role) models.Symbol {
	return m.roleSymbol[role]
}

// Initialize wires handler registration so every venue update is
// forwarded onto the bus. It does not initialize either venue's public
// or private surface; public surfaces are shared across every symbol's
// Manager on that venue.
func (m *Manager) Initialize(ctx context.Context) error {
	for role, v := range m.venues {
		role, want := role, m.roleSymbol[role]
		v.Public.RegisterOrderBookHandler(func(sym models.Symbol, ob models.OrderBook, kind models.UpdateType) {
			if sym != want {
				return
			}
			bt, ok := v.Public.GetBestBidAsk(sym)
			if !ok {
				return
			}
			m.publish(Event{Kind: EventBookTicker, Role: role, BookTicker: &bt})
		})
		v.Private.RegisterOrderHandler(func(o models.Order) {
			if o.Symbol != want {
				return
			}
			m.publish(Event{Kind: EventOrder, Role: role, Order: &o})
		})
	}
	return nil
}

// Subscribe returns a channel receiving every bus event. The channel is
// buffered; a slow subscriber drops events rather than blocking the
// bus.
func (m *Manager) Subscribe() <-chan Event {
	ch := make(chan Event, 256)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) publish(ev Event) {
	m.subsMu.RLock()
	defer m.subsMu.RUnlock()
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			m.logger.Warn("exchangemanager: subscriber channel full, dropping event",
				zap.String("base", m.base), zap.String("quote", m.quote), zap.String("kind", string(ev.Kind)))
		}
	}
}

// GetBookTicker returns the latest best-bid-ask cached for one role.
func (m *Manager) GetBookTicker(role models.Role) (models.BookTicker, bool) {
	v, ok := m.venues[role]
	if !ok {
		return models.BookTicker{}, false
	}
	return v.Public.GetBestBidAsk(m.roleSymbol[role])
}

// SymbolInfo returns one role's venue trading rules (precision, min
// notional, contract size).
func (m *Manager) SymbolInfo(role models.Role) (models.SymbolInfo, bool) {
	v, ok := m.venues[role]
	if !ok {
		return models.SymbolInfo{}, false
	}
	return v.Public.SymbolInfo(m.roleSymbol[role])
}

// ActiveOrder looks up one role's order by id, through the
// open->executed->REST-fallback chain each PrivateExchange implements.
// Used by the engine at startup to revalidate a restored snapshot's
// active-orders map against the venue.
func (m *Manager) ActiveOrder(ctx context.Context, role models.Role, orderID string) (models.Order, error) {
	v, ok := m.venues[role]
	if !ok {
		return models.Order{}, fmt.Errorf("exchangemanager: unknown role %s", role)
	}
	return v.Private.GetActiveOrder(ctx, m.roleSymbol[role], orderID)
}

// PlaceOrder dispatches a single leg, bypassing the parallel/cancel-on-
// partial-failure path. Used for one-sided adjustments such as the
// delta-rebalance order, where there is only one leg to place.
func (m *Manager) PlaceOrder(ctx context.Context, role models.Role, params exchange.OrderParams) (models.Order, error) {
	v, ok := m.venues[role]
	if !ok {
		return models.Order{}, fmt.Errorf("exchangemanager: unknown role %s", role)
	}
	params.Symbol = m.roleSymbol[role]
	if params.Type == models.OrderTypeLimit {
		return v.Private.PlaceLimitOrder(ctx, params)
	}
	return v.Private.PlaceMarketOrder(ctx, params)
}

// PlaceOrderParallel fires every role's order simultaneously and waits
// for all outcomes. If any one leg fails while another succeeds, the
// successful legs are best-effort cancelled and the overall call fails.
// Target wall-clock for the common two-leg case is under 50ms on a
// healthy network.
func (m *Manager) PlaceOrderParallel(ctx context.Context, orders map[models.Role]exchange.OrderParams) (map[models.Role]models.Order, error) {
	if len(orders) == 0 {
		return nil, fmt.Errorf("exchangemanager: no orders given")
	}

	// Buffered to len(orders) so a leg's goroutine can always report
	// back without blocking, whatever order the results are drained in.
	resultCh := make(chan legResult, len(orders))

	for role, params := range orders {
		role, params := role, params
		v, ok := m.venues[role]
		if !ok {
			resultCh <- legResult{role: role, err: fmt.Errorf("exchangemanager: unknown role %s", role)}
			continue
		}
		params.Symbol = m.roleSymbol[role]
		go func() {
			var order models.Order
			var err error
			if params.Type == models.OrderTypeLimit {
				order, err = v.Private.PlaceLimitOrder(ctx, params)
			} else {
				order, err = v.Private.PlaceMarketOrder(ctx, params)
			}
			resultCh <- legResult{role: role, order: order, err: err}
		}()
	}

	results := make(map[models.Role]legResult, len(orders))
	for i := 0; i < len(orders); i++ {
		select {
		case r := <-resultCh:
			results[r.role] = r
		case <-ctx.Done():
			// Every leg shares ctx, so its REST call unwinds promptly
			// once cancelled. Drain every outstanding result before
			// returning: a leg that beat the cancellation onto the venue
			// must show up in results so cancelSurviving can reach it,
			// never complete invisibly after this call has returned.
			for j := i; j < len(orders); j++ {
				r := <-resultCh
				results[r.role] = r
			}
			m.cancelSurviving(results)
			return nil, fmt.Errorf("exchangemanager: place-order-parallel: %w", ctx.Err())
		}
	}

	var combinedErr error
	anyFailed := false
	for _, r := range results {
		if r.err != nil {
			anyFailed = true
			combinedErr = multierr.Append(combinedErr, r.err)
		}
	}
	if anyFailed {
		m.cancelSurviving(results)
		return nil, fmt.Errorf("exchangemanager: one or more legs failed: %w", combinedErr)
	}

	out := make(map[models.Role]models.Order, len(results))
	for role, r := range results {
		out[role] = r.order
	}
	return out, nil
}

// cancelSurviving issues a best-effort cancel on every leg that placed
// successfully when the overall parallel placement failed.
func (m *Manager) cancelSurviving(results map[models.Role]legResult) {
	for role, r := range results {
		if r.err != nil || r.order.ExchangeOrderID == "" {
			continue
		}
		v, ok := m.venues[role]
		if !ok {
			continue
		}
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		sym := m.roleSymbol[role]
		if err := v.Private.CancelOrder(cctx, sym, r.order.ExchangeOrderID); err != nil {
			m.logger.Warn("exchangemanager: best-effort cancel of surviving leg failed",
				zap.String("symbol", sym.String()), zap.String("role", string(role)), zap.Error(err))
		}
		cancel()
	}
}

// CancelAllOrders cancels every open order on every role.
func (m *Manager) CancelAllOrders(ctx context.Context) error {
	var combined error
	for role, v := range m.venues {
		sym := m.roleSymbol[role]
		if err := v.Private.CancelAllOrders(ctx, &sym); err != nil {
			combined = multierr.Append(combined, err)
		}
	}
	return combined
}

// AssetBalance reads one role's available/locked balance for asset.
func (m *Manager) AssetBalance(ctx context.Context, role models.Role, asset string, force bool) (models.AssetBalance, error) {
	v, ok := m.venues[role]
	if !ok {
		return models.AssetBalance{}, fmt.Errorf("exchangemanager: unknown role %s", role)
	}
	return v.Private.GetAssetBalance(ctx, asset, force)
}

// Shutdown closes every subscriber channel and tears down both venues'
// private surfaces. Public surfaces are shared across symbols and are
// not closed here.
func (m *Manager) Shutdown() error {
	var combined error
	for _, v := range m.venues {
		if err := v.Private.Close(); err != nil {
			combined = multierr.Append(combined, err)
		}
	}
	m.subsMu.Lock()
	for _, ch := range m.subs {
		close(ch)
	}
	m.subs = nil
	m.subsMu.Unlock()
	return combined
}

// Package engine implements the per-symbol arbitrage state machine.
// One Engine runs one symbol: it owns that symbol's EngineContext
// exclusively, drives it through
// IDLE->INITIALIZING->MONITORING<->ANALYZING->EXECUTING->MONITORING
// with ERROR_RECOVERY reachable from EXECUTING and from MONITORING's
// exit path, and persists
// it through a SnapshotStore on every material change plus a periodic
// cadence.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"arbitrage/internal/exchange"
	"arbitrage/internal/exchangemanager"
	"arbitrage/internal/metrics"
	"arbitrage/internal/models"
	"arbitrage/pkg/utils"
)

// SnapshotStore is the persistence surface the engine needs; implemented
// by internal/snapshot.
type SnapshotStore interface {
	Load(ctx context.Context, symbol models.Symbol) (*models.EngineContext, bool, error)
	Save(ctx context.Context, snap *models.EngineContext) error
}

const (
	tickInterval     = 10 * time.Millisecond
	analysisThrottle = 100 * time.Millisecond
	tickerFreshness  = 5 * time.Second
	recoverySleep    = 1 * time.Second
)

// Engine drives one symbol's arbitrage loop.
type Engine struct {
	symbol           models.Symbol
	cfg              models.EngineConfig
	mgr              *exchangemanager.Manager
	store            SnapshotStore
	logger           *zap.Logger
	snapshotInterval time.Duration

	// ctx is mutated only from Run's goroutine, which holds ctxMu around
	// each event dispatch and tick; Context()/State() take ctxMu to hand
	// out clones for external (admin server) reads.
	ctx   *models.EngineContext
	ctxMu sync.RWMutex

	spotTicker, futuresTicker         models.BookTicker
	haveSpotTicker, haveFuturesTicker bool

	lastAnalysis time.Time
	lastSnapshot time.Time
}

// New builds an Engine for one symbol. Run must be called to start it.
func New(symbol models.Symbol, cfg models.EngineConfig, mgr *exchangemanager.Manager, store SnapshotStore, snapshotInterval time.Duration, logger *zap.Logger) *Engine {
	return &Engine{
		symbol:           symbol,
		cfg:              cfg,
		mgr:              mgr,
		store:            store,
		logger:           logger,
		snapshotInterval: snapshotInterval,
		ctx:              models.NewEngineContext(symbol, cfg),
	}
}

// Symbol returns the symbol this engine drives.
func (e *Engine) Symbol() models.Symbol {
	return e.symbol
}

// State returns the current engine state. Safe to call from any
// goroutine.
func (e *Engine) State() models.EngineState {
	e.ctxMu.RLock()
	defer e.ctxMu.RUnlock()
	return e.ctx.State
}

// Context returns a deep copy of the current engine context, safe to
// read concurrently with the running loop.
func (e *Engine) Context() *models.EngineContext {
	e.ctxMu.RLock()
	defer e.ctxMu.RUnlock()
	return e.ctx.Clone()
}

// Run drives the state machine until ctx is cancelled. It restores the
// latest snapshot first; a failed restore aborts startup, a missing
// snapshot is not a failure.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.restore(ctx); err != nil {
		return fmt.Errorf("engine %s: restore: %w", e.symbol, err)
	}

	events := e.mgr.Subscribe()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				// Bus closed (manager shutdown); stop selecting on it.
				events = nil
				continue
			}
			e.ctxMu.Lock()
			e.handleEvent(ctx, ev)
			e.ctxMu.Unlock()
		case <-ticker.C:
			e.ctxMu.Lock()
			e.tick(ctx)
			e.ctxMu.Unlock()
		}
	}
}

// restore loads the latest snapshot (if any) and revalidates every
// recorded active order against its venue, so a restart never
// re-submits a leg the venue already holds.
func (e *Engine) restore(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	snap, ok, err := e.store.Load(ctx, e.symbol)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	e.ctxMu.Lock()
	defer e.ctxMu.Unlock()
	e.ctx = snap

	for key := range e.ctx.ActiveOrders {
		fresh, err := e.mgr.ActiveOrder(ctx, key.Role, key.OrderID)
		if err != nil {
			e.logger.Warn("engine: could not revalidate restored order, dropping",
				zap.String("symbol", e.symbol.String()), zap.String("order_id", key.OrderID), zap.Error(err))
			delete(e.ctx.ActiveOrders, key)
			continue
		}
		if fresh.IsDone() {
			delete(e.ctx.ActiveOrders, key)
			continue
		}
		e.ctx.ActiveOrders[key] = fresh
	}
	// A restored context always resumes from MONITORING: whatever state
	// it was captured in, the only safe re-entry point is re-evaluating
	// the book from scratch.
	e.ctx.State = models.StateMonitoring
	return nil
}

func (e *Engine) handleEvent(ctx context.Context, ev exchangemanager.Event) {
	switch ev.Kind {
	case exchangemanager.EventBookTicker:
		switch ev.Role {
		case models.RoleSpot:
			e.spotTicker, e.haveSpotTicker = *ev.BookTicker, true
		case models.RoleFutures:
			e.futuresTicker, e.haveFuturesTicker = *ev.BookTicker, true
		}
	case exchangemanager.EventOrder:
		e.applyOrderUpdate(ctx, ev.Role, *ev.Order)
	}
}

// applyOrderUpdate folds a terminal order update into the held
// position. Non-terminal updates only update the active-orders map;
// the open/executed bookkeeping itself lives in the PrivateExchange
// implementations, this is the engine-side mirror against its own
// active-orders map.
func (e *Engine) applyOrderUpdate(ctx context.Context, role models.Role, o models.Order) {
	key := models.OrderKey{Role: role, OrderID: o.ExchangeOrderID}
	if !o.IsDone() {
		e.ctx.ActiveOrders[key] = o
		return
	}
	delete(e.ctx.ActiveOrders, key)
	if o.FilledQty <= 0 {
		return
	}
	trade := models.Trade{
		Symbol: o.Symbol, Side: o.Side, Price: o.Price, Qty: o.FilledQty,
		TSMillis: o.CreatedAtMillis, OrderID: o.ExchangeOrderID,
	}
	switch role {
	case models.RoleSpot:
		e.ctx.Position.Spot = e.ctx.Position.Spot.ApplyFill(trade)
	case models.RoleFutures:
		e.ctx.Position.Futures = e.ctx.Position.Futures.ApplyFill(trade)
	}
	metrics.DeltaRatio.WithLabelValues(e.symbol.String()).Set(e.ctx.Position.DeltaRatio())
	e.persist(ctx, "fill")
}

func (e *Engine) tick(ctx context.Context) {
	switch e.ctx.State {
	case models.StateIdle:
		e.transition(models.StateInitializing)
	case models.StateInitializing:
		e.transition(models.StateMonitoring)
	case models.StateMonitoring:
		e.monitorStep(ctx)
	case models.StateAnalyzing:
		e.analyzeStep()
	case models.StateExecuting:
		e.executeStep(ctx)
	case models.StateErrorRecovery:
		e.recoverStep(ctx)
	}

	if e.snapshotInterval > 0 && time.Since(e.lastSnapshot) >= e.snapshotInterval {
		e.persist(ctx, "periodic")
	}
}

// transition moves the state machine. Callers always hold ctxMu for
// the duration of the tick/event that calls this (see Run), so this
// only mutates; it does not take the lock itself.
func (e *Engine) transition(to models.EngineState) {
	from := e.ctx.State
	if from == to {
		return
	}
	e.ctx.State = to
	metrics.StateTransitions.WithLabelValues(e.symbol.String(), string(from), string(to)).Inc()
	e.logger.Debug("engine: state transition",
		zap.String("symbol", e.symbol.String()), zap.String("from", string(from)), zap.String("to", string(to)))
}

func (e *Engine) monitorStep(ctx context.Context) {
	if !e.ctx.Position.IsFlat() {
		e.checkExitAndRebalance(ctx)
		return
	}
	if len(e.ctx.ActiveOrders) > 0 {
		// An entry pair is already resting at one or both venues
		// (placed but not yet filled); don't analyze a second one on
		// top of it.
		return
	}
	if time.Since(e.lastAnalysis) >= analysisThrottle {
		e.transition(models.StateAnalyzing)
	}
}

// analyzeStep computes the entry opportunity once per throttle window.
// Cost convention throughout: cost = (buyPrice-sellPrice)/buyPrice*100,
// enter when cost < MaxEntryCostPct (a negative threshold).
func (e *Engine) analyzeStep() {
	e.lastAnalysis = time.Now()
	opp := e.detectOpportunity()
	if opp == nil {
		e.transition(models.StateMonitoring)
		return
	}
	e.ctx.CurrentOpportunity = opp
	e.transition(models.StateExecuting)
}

// detectOpportunity evaluates both trade directions against the current
// book and returns whichever qualifies with the lower (more favorable)
// cost, so the engine trades both ways rather than only ever one.
func (e *Engine) detectOpportunity() *models.ArbitrageOpportunity {
	if !e.haveSpotTicker || !e.haveFuturesTicker {
		return nil
	}
	now := time.Now()
	if !e.spotTicker.Fresh(now, tickerFreshness) || !e.futuresTicker.Fresh(now, tickerFreshness) {
		return nil
	}

	s2f := e.evaluateDirection(models.DirectionSpotToFutures, now)
	f2s := e.evaluateDirection(models.DirectionFuturesToSpot, now)
	switch {
	case s2f != nil && f2s != nil:
		if f2s.SpreadPct < s2f.SpreadPct {
			return f2s
		}
		return s2f
	case s2f != nil:
		return s2f
	default:
		return f2s
	}
}

// evaluateDirection prices one trade direction (spot->futures: buy spot
// ask, sell futures bid; futures->spot: buy futures ask, sell spot bid)
// against the current book, applying the depth, budget and min-notional
// caps a candidate opportunity must clear. Returns nil if the direction
// doesn't clear MaxEntryCostPct or any cap.
func (e *Engine) evaluateDirection(direction models.Direction, now time.Time) *models.ArbitrageOpportunity {
	var buyPrice, sellPrice, buyQty, sellQty float64
	var buyIsSpot bool
	switch direction {
	case models.DirectionSpotToFutures:
		buyPrice, sellPrice = e.spotTicker.AskPrice, e.futuresTicker.BidPrice
		buyQty, sellQty = e.spotTicker.AskQty, e.futuresTicker.BidQty
		buyIsSpot = true
	case models.DirectionFuturesToSpot:
		buyPrice, sellPrice = e.futuresTicker.AskPrice, e.spotTicker.BidPrice
		buyQty, sellQty = e.futuresTicker.AskQty, e.spotTicker.BidQty
		buyIsSpot = false
	default:
		return nil
	}
	if buyPrice <= 0 || sellPrice <= 0 {
		return nil
	}

	cost := (buyPrice - sellPrice) / buyPrice * 100
	if cost >= e.cfg.MaxEntryCostPct {
		return nil
	}

	maxQty := buyQty
	if sellQty < maxQty {
		maxQty = sellQty
	}
	if budgetQty := (e.cfg.BasePositionSizeQuote / buyPrice) * e.cfg.MaxPositionMultiplier; budgetQty < maxQty {
		maxQty = budgetQty
	}
	if maxQty <= 0 {
		return nil
	}

	spotPrice, futuresPrice := sellPrice, buyPrice
	if buyIsSpot {
		spotPrice, futuresPrice = buyPrice, sellPrice
	}
	if spotInfo, ok := e.mgr.SymbolInfo(models.RoleSpot); ok && spotInfo.MinQuoteNotional > 0 {
		if maxQty*spotPrice < spotInfo.MinQuoteNotional {
			return nil
		}
	}
	if futInfo, ok := e.mgr.SymbolInfo(models.RoleFutures); ok && futInfo.MinQuoteNotional > 0 {
		if maxQty*futuresPrice < futInfo.MinQuoteNotional {
			return nil
		}
	}

	return &models.ArbitrageOpportunity{
		Direction:       direction,
		SpreadPct:       cost,
		BuyPrice:        buyPrice,
		SellPrice:       sellPrice,
		MaxQty:          maxQty,
		ObservedAtMilli: now.UnixMilli(),
	}
}

// validate re-checks an opportunity right before dispatch: still fresh,
// still within max position size, still profitable against the current
// book. It re-prices the same direction rather than letting a market
// flip switch which pair gets dispatched mid-validation.
func (e *Engine) validate(opp *models.ArbitrageOpportunity) bool {
	if opp == nil {
		return false
	}
	if time.Since(time.UnixMilli(opp.ObservedAtMilli)) >= tickerFreshness {
		return false
	}
	fresh := e.evaluateDirection(opp.Direction, time.Now())
	if fresh == nil {
		return false
	}
	opp.BuyPrice, opp.SellPrice, opp.SpreadPct = fresh.BuyPrice, fresh.SellPrice, fresh.SpreadPct
	if fresh.MaxQty < opp.MaxQty {
		opp.MaxQty = fresh.MaxQty
	}
	return opp.MaxQty > 0
}

// executeStep dispatches both legs in parallel through the Exchange
// Manager.
func (e *Engine) executeStep(ctx context.Context) {
	opp := e.ctx.CurrentOpportunity
	if !e.validate(opp) {
		e.ctx.CurrentOpportunity = nil
		e.transition(models.StateMonitoring)
		return
	}

	// Mirror the buy/sell legs by direction: spot->futures buys spot and
	// sells futures, futures->spot buys futures and sells spot.
	var orders map[models.Role]exchange.OrderParams
	if opp.Direction == models.DirectionFuturesToSpot {
		orders = map[models.Role]exchange.OrderParams{
			models.RoleFutures: {
				Side: models.SideBuy, Type: models.OrderTypeLimit,
				Price: opp.BuyPrice, Quantity: opp.MaxQty,
			},
			models.RoleSpot: {
				Side: models.SideSell, Type: models.OrderTypeLimit,
				Price: opp.SellPrice, Quantity: opp.MaxQty,
			},
		}
	} else {
		orders = map[models.Role]exchange.OrderParams{
			models.RoleSpot: {
				Side: models.SideBuy, Type: models.OrderTypeLimit,
				Price: opp.BuyPrice, Quantity: opp.MaxQty,
			},
			models.RoleFutures: {
				Side: models.SideSell, Type: models.OrderTypeLimit,
				Price: opp.SellPrice, Quantity: opp.MaxQty,
			},
		}
	}

	placeCtx, cancel := context.WithTimeout(ctx, orderTimeout())
	defer cancel()
	start := time.Now()
	results, err := e.mgr.PlaceOrderParallel(placeCtx, orders)
	metrics.TickToOrderLatency.WithLabelValues(e.symbol.String()).Observe(float64(time.Since(start).Milliseconds()))

	e.ctx.CurrentOpportunity = nil
	if err != nil {
		e.logger.Warn("engine: entry dispatch failed, entering error recovery",
			zap.String("symbol", e.symbol.String()), zap.Error(err))
		e.transition(models.StateErrorRecovery)
		return
	}

	for role, order := range results {
		key := models.OrderKey{Role: role, OrderID: order.ExchangeOrderID}
		if order.IsDone() {
			e.applyOrderUpdate(ctx, role, order)
		} else {
			e.ctx.ActiveOrders[key] = order
		}
	}
	e.ctx.PositionOpenedMilli = time.Now().UnixMilli()
	e.ctx.Counters.ArbitrageCycles++
	e.ctx.Counters.TotalVolume += opp.MaxQty
	metrics.ArbitrageCycles.WithLabelValues(e.symbol.String(), string(opp.Direction)).Inc()
	e.persist(ctx, "entry")
	e.transition(models.StateMonitoring)
}

// checkExitAndRebalance runs while a position is held: the unwind-cost
// exit check, the optional hold-duration force-exit, and the delta
// rebalance.
func (e *Engine) checkExitAndRebalance(ctx context.Context) {
	if e.haveSpotTicker && e.haveFuturesTicker {
		e.checkExit(ctx)
	}
	e.checkDeltaRebalance(ctx)
}

// directionCost is the raw (ungated) cost of entering the given
// direction against the given book, shared by evaluateDirection (entry)
// and checkExit (unwind-cost: closing a held position is priced as the
// entry cost of the mirror-image direction).
func directionCost(direction models.Direction, spotBid, spotAsk, futuresBid, futuresAsk float64) (float64, bool) {
	switch direction {
	case models.DirectionSpotToFutures:
		if spotAsk <= 0 || futuresBid <= 0 {
			return 0, false
		}
		return (spotAsk - futuresBid) / spotAsk * 100, true
	case models.DirectionFuturesToSpot:
		if futuresAsk <= 0 || spotBid <= 0 {
			return 0, false
		}
		return (futuresAsk - spotBid) / futuresAsk * 100, true
	default:
		return 0, false
	}
}

// heldDirection reports which direction the current position was
// entered under, derived from the sign of whichever leg is non-zero: a
// long spot leg (or short futures leg) means spot->futures was entered,
// a short spot leg (or long futures leg) means futures->spot was.
// Deriving it from position sign keeps EngineContext free of a
// redundant direction field that could drift out of sync with fills.
func (e *Engine) heldDirection() (models.Direction, bool) {
	switch {
	case e.ctx.Position.Spot.SignedQty > 0, e.ctx.Position.Futures.SignedQty < 0:
		return models.DirectionSpotToFutures, true
	case e.ctx.Position.Spot.SignedQty < 0, e.ctx.Position.Futures.SignedQty > 0:
		return models.DirectionFuturesToSpot, true
	default:
		return "", false
	}
}

// flattenOrders builds one market order per non-flat leg to close it,
// with the side derived from that leg's position sign, so it closes
// whichever direction is actually held rather than assuming
// spot->futures.
func (e *Engine) flattenOrders() map[models.Role]exchange.OrderParams {
	orders := make(map[models.Role]exchange.OrderParams)
	if qty := e.ctx.Position.Spot.SignedQty; qty != 0 {
		side := models.SideSell
		if qty < 0 {
			side = models.SideBuy
		}
		orders[models.RoleSpot] = exchange.OrderParams{Side: side, Type: models.OrderTypeMarket, Quantity: abs(qty)}
	}
	if qty := e.ctx.Position.Futures.SignedQty; qty != 0 {
		side := models.SideSell
		if qty < 0 {
			side = models.SideBuy
		}
		orders[models.RoleFutures] = exchange.OrderParams{Side: side, Type: models.OrderTypeMarket, Quantity: abs(qty)}
	}
	return orders
}

func (e *Engine) checkExit(ctx context.Context) {
	now := time.Now()
	if !e.spotTicker.Fresh(now, tickerFreshness) || !e.futuresTicker.Fresh(now, tickerFreshness) {
		return
	}
	held, ok := e.heldDirection()
	if !ok {
		return
	}
	unwind := models.DirectionFuturesToSpot
	if held == models.DirectionFuturesToSpot {
		unwind = models.DirectionSpotToFutures
	}

	exit := false
	reason := ""
	cost, haveCost := directionCost(unwind, e.spotTicker.BidPrice, e.spotTicker.AskPrice, e.futuresTicker.BidPrice, e.futuresTicker.AskPrice)
	if haveCost && utils.ShouldExit(cost, e.cfg.ExitThresholdPct) {
		exit, reason = true, "exit_threshold_reached"
	}
	if !exit && e.cfg.MaxHoldDurationMillis > 0 && e.ctx.PositionOpenedMilli > 0 {
		if now.UnixMilli()-e.ctx.PositionOpenedMilli >= e.cfg.MaxHoldDurationMillis {
			exit, reason = true, "max_hold_duration"
		}
	}
	if !exit {
		return
	}

	orders := e.flattenOrders()
	if len(orders) == 0 {
		return
	}
	e.logger.Info("engine: closing position", zap.String("symbol", e.symbol.String()), zap.String("reason", reason))
	placeCtx, cancel := context.WithTimeout(ctx, orderTimeout())
	defer cancel()
	results, err := e.mgr.PlaceOrderParallel(placeCtx, orders)
	if err != nil {
		e.logger.Warn("engine: exit dispatch failed, entering error recovery",
			zap.String("symbol", e.symbol.String()), zap.Error(err))
		e.transition(models.StateErrorRecovery)
		return
	}
	for role, order := range results {
		e.applyOrderUpdate(ctx, role, order)
	}
	e.persist(ctx, "exit")
}

// checkDeltaRebalance trims whichever leg carries excess exposure back
// towards neutral.
func (e *Engine) checkDeltaRebalance(ctx context.Context) {
	pos := e.ctx.Position
	if pos.IsFlat() {
		return
	}
	ratio := pos.DeltaRatio()
	metrics.DeltaRatio.WithLabelValues(e.symbol.String()).Set(ratio)
	if ratio <= e.cfg.DeltaTolerancePct {
		return
	}

	delta := pos.Delta()
	var role models.Role
	var side models.Side
	var qty float64
	switch {
	case delta > 0:
		// Spot leg carries more long exposure than futures hedges: sell
		// the excess on spot.
		role, side, qty = models.RoleSpot, models.SideSell, delta
	case delta < 0:
		// Futures leg is short more than spot covers: buy back the
		// excess on futures.
		role, side, qty = models.RoleFutures, models.SideBuy, -delta
	default:
		return
	}

	placeCtx, cancel := context.WithTimeout(ctx, orderTimeout())
	defer cancel()
	order, err := e.mgr.PlaceOrder(placeCtx, role, exchange.OrderParams{Side: side, Type: models.OrderTypeMarket, Quantity: qty})
	if err != nil {
		e.logger.Warn("engine: delta rebalance order failed",
			zap.String("symbol", e.symbol.String()), zap.String("role", string(role)), zap.Error(err))
		return
	}
	e.applyOrderUpdate(ctx, role, order)
}

// recoverStep: clear the opportunity, cancel everything outstanding,
// flatten any leg that already filled before the failure, sleep
// briefly, return to MONITORING.
func (e *Engine) recoverStep(ctx context.Context) {
	e.ctx.CurrentOpportunity = nil
	if err := e.mgr.CancelAllOrders(ctx); err != nil {
		e.logger.Warn("engine: cancel-all during error recovery failed",
			zap.String("symbol", e.symbol.String()), zap.Error(err))
	}

	if orders := e.flattenOrders(); len(orders) > 0 {
		e.logger.Info("engine: flattening surviving leg during error recovery",
			zap.String("symbol", e.symbol.String()))
		placeCtx, cancel := context.WithTimeout(ctx, orderTimeout())
		results, err := e.mgr.PlaceOrderParallel(placeCtx, orders)
		cancel()
		if err != nil {
			// Left to checkDeltaRebalance to retry on the next
			// MONITORING tick.
			e.logger.Warn("engine: flatten dispatch failed during error recovery, deferring to delta rebalance",
				zap.String("symbol", e.symbol.String()), zap.Error(err))
		} else {
			for role, order := range results {
				e.applyOrderUpdate(ctx, role, order)
			}
		}
	}

	e.persist(ctx, "error_recovery")
	time.Sleep(recoverySleep)
	e.transition(models.StateMonitoring)
}

// persist hands a clone of the context to the snapshot store on a
// separate goroutine so disk I/O never blocks the tick loop.
func (e *Engine) persist(ctx context.Context, reason string) {
	e.lastSnapshot = time.Now()
	if e.store == nil {
		return
	}
	snap := e.ctx.Clone()
	go func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.store.Save(sctx, snap); err != nil {
			metrics.SnapshotWrites.WithLabelValues(e.symbol.String(), "error").Inc()
			e.logger.Error("engine: snapshot write failed",
				zap.String("symbol", e.symbol.String()), zap.String("reason", reason), zap.Error(err))
			return
		}
		metrics.SnapshotWrites.WithLabelValues(e.symbol.String(), "ok").Inc()
	}()
}

func orderTimeout() time.Duration {
	return 5 * time.Second
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

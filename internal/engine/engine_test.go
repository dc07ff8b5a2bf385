package engine

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"arbitrage/internal/exchangemanager"
	"arbitrage/internal/models"
)

const (
	testBase  = "BTC"
	testQuote = "USDT"
)

func newTestEngine(t *testing.T, cfg models.EngineConfig) (*Engine, *fakePublic, *fakePrivate, *fakePublic, *fakePrivate) {
	t.Helper()

	spotPub := newFakePublic("spot")
	spotPriv := newFakePrivate("spot")
	futPub := newFakePublic("futures")
	futPriv := newFakePrivate("futures")

	mgr := exchangemanager.New(testBase, testQuote,
		exchangemanager.Venue{Public: spotPub, Private: spotPriv},
		exchangemanager.Venue{Public: futPub, Private: futPriv},
		zap.NewNop())
	if err := mgr.Initialize(context.Background()); err != nil {
		t.Fatalf("mgr.Initialize: %v", err)
	}

	sym := models.Symbol{Base: testBase, Quote: testQuote, Market: models.MarketSpot}
	eng := New(sym, cfg, mgr, nil, 0, zap.NewNop())
	return eng, spotPub, spotPriv, futPub, futPriv
}

func setTickers(eng *Engine, spotPub, futPub *fakePublic, spotBid, spotAsk, futBid, futAsk float64, ts time.Time) {
	spotSym := models.Symbol{Base: testBase, Quote: testQuote, Market: models.MarketSpot}
	futSym := models.Symbol{Base: testBase, Quote: testQuote, Market: models.MarketFutures}

	spot := models.BookTicker{
		Symbol: spotSym, BidPrice: spotBid, AskPrice: spotAsk,
		BidQty: 10, AskQty: 10, TSMillis: ts.UnixMilli(),
	}
	fut := models.BookTicker{
		Symbol: futSym, BidPrice: futBid, AskPrice: futAsk,
		BidQty: 10, AskQty: 10, TSMillis: ts.UnixMilli(),
	}
	spotPub.ticker[spotSym] = spot
	futPub.ticker[futSym] = fut

	eng.spotTicker, eng.haveSpotTicker = spot, true
	eng.futuresTicker, eng.haveFuturesTicker = fut, true
}

// entryCost = (spotAsk-futuresBid)/spotAsk*100, entered only when
// entryCost < MaxEntryCostPct: the threshold itself is excluded.
func TestDetectOpportunity_ExactThresholdNotTaken(t *testing.T) {
	cfg := models.EngineConfig{MaxEntryCostPct: -0.1, BasePositionSizeQuote: 1000, MaxPositionMultiplier: 1}
	eng, spotPub, _, futPub, _ := newTestEngine(t, cfg)

	// entryCost = (100 - 100.1)/100*100 = -0.1, exactly at threshold.
	setTickers(eng, spotPub, futPub, 99.99, 100.0, 100.1, 100.11, time.Now())

	if opp := eng.detectOpportunity(); opp != nil {
		t.Fatalf("opportunity exactly at MaxEntryCostPct must not be taken, got %+v", opp)
	}
}

func TestDetectOpportunity_BelowThresholdTaken(t *testing.T) {
	cfg := models.EngineConfig{MaxEntryCostPct: -0.1, BasePositionSizeQuote: 1000, MaxPositionMultiplier: 1}
	eng, spotPub, _, futPub, _ := newTestEngine(t, cfg)

	// entryCost = (100.01 - 100.15)/100.01*100 ≈ -0.14, below -0.1.
	setTickers(eng, spotPub, futPub, 100.00, 100.01, 100.15, 100.16, time.Now())

	opp := eng.detectOpportunity()
	if opp == nil {
		t.Fatal("a spread past the entry threshold must produce an opportunity")
	}
	if opp.Direction != models.DirectionSpotToFutures {
		t.Fatalf("Direction = %v, want spot->futures", opp.Direction)
	}
	if opp.BuyPrice != 100.01 || opp.SellPrice != 100.15 {
		t.Fatalf("opportunity prices = (%v,%v), want (100.01,100.15)", opp.BuyPrice, opp.SellPrice)
	}
}

// A ticker exactly 5.000s old is stale.
func TestDetectOpportunity_StaleTickerRejected(t *testing.T) {
	cfg := models.EngineConfig{MaxEntryCostPct: -0.1, BasePositionSizeQuote: 1000, MaxPositionMultiplier: 1}
	eng, spotPub, _, futPub, _ := newTestEngine(t, cfg)

	stale := time.Now().Add(-5 * time.Second)
	setTickers(eng, spotPub, futPub, 100.00, 100.01, 100.15, 100.16, stale)

	if opp := eng.detectOpportunity(); opp != nil {
		t.Fatalf("a 5s-old ticker must be treated as stale, got %+v", opp)
	}
}

// A quantity exactly equal to min-notional/price is taken (inclusive
// lower bound).
func TestDetectOpportunity_MinNotionalInclusiveBoundary(t *testing.T) {
	cfg := models.EngineConfig{MaxEntryCostPct: -0.1, BasePositionSizeQuote: 1000, MaxPositionMultiplier: 1}
	eng, spotPub, spotPriv, futPub, _ := newTestEngine(t, cfg)
	_ = spotPriv

	setTickers(eng, spotPub, futPub, 100.00, 100.01, 100.15, 100.16, time.Now())

	spotSym := models.Symbol{Base: testBase, Quote: testQuote, Market: models.MarketSpot}
	// Budget caps maxQty at 1000/100.01 ≈ 9.999; set min notional to
	// exactly maxQty*askPrice so the boundary is inclusive.
	maxQty := (cfg.BasePositionSizeQuote / 100.01) * cfg.MaxPositionMultiplier
	spotPub.info[spotSym] = models.SymbolInfo{Symbol: spotSym, MinQuoteNotional: maxQty * 100.01}

	opp := eng.detectOpportunity()
	if opp == nil {
		t.Fatal("a quantity exactly at the min-notional boundary must be taken")
	}
}

func TestDetectOpportunity_BelowMinNotionalRejected(t *testing.T) {
	cfg := models.EngineConfig{MaxEntryCostPct: -0.1, BasePositionSizeQuote: 1000, MaxPositionMultiplier: 1}
	eng, spotPub, _, futPub, _ := newTestEngine(t, cfg)

	setTickers(eng, spotPub, futPub, 100.00, 100.01, 100.15, 100.16, time.Now())

	spotSym := models.Symbol{Base: testBase, Quote: testQuote, Market: models.MarketSpot}
	maxQty := (cfg.BasePositionSizeQuote / 100.01) * cfg.MaxPositionMultiplier
	spotPub.info[spotSym] = models.SymbolInfo{Symbol: spotSym, MinQuoteNotional: maxQty*100.01 + 1}

	if opp := eng.detectOpportunity(); opp != nil {
		t.Fatalf("a quantity just below the min-notional floor must be rejected, got %+v", opp)
	}
}

func TestExecuteStep_BothLegsFillOpensPosition(t *testing.T) {
	cfg := models.EngineConfig{MaxEntryCostPct: -0.1, BasePositionSizeQuote: 1000, MaxPositionMultiplier: 1}
	eng, spotPub, _, futPub, _ := newTestEngine(t, cfg)
	setTickers(eng, spotPub, futPub, 100.00, 100.01, 100.15, 100.16, time.Now())

	eng.ctx.CurrentOpportunity = eng.detectOpportunity()
	if eng.ctx.CurrentOpportunity == nil {
		t.Fatal("precondition: expected a detectable opportunity")
	}

	eng.executeStep(context.Background())

	if eng.ctx.Position.IsFlat() {
		t.Fatal("position should be non-flat after both legs fill")
	}
	if eng.ctx.Position.Spot.SignedQty <= 0 {
		t.Fatalf("spot leg should be long after a filled buy, got %v", eng.ctx.Position.Spot.SignedQty)
	}
	if eng.ctx.Position.Futures.SignedQty >= 0 {
		t.Fatalf("futures leg should be short after a filled sell, got %v", eng.ctx.Position.Futures.SignedQty)
	}
	if eng.ctx.State != models.StateMonitoring {
		t.Fatalf("State = %v, want MONITORING after a successful entry", eng.ctx.State)
	}
	if eng.ctx.Counters.ArbitrageCycles != 1 {
		t.Fatalf("ArbitrageCycles = %v, want 1", eng.ctx.Counters.ArbitrageCycles)
	}
}

// If one leg fails, the engine must not end up holding a one-sided
// position.
func TestExecuteStep_PartialLegFailureEntersErrorRecovery(t *testing.T) {
	cfg := models.EngineConfig{MaxEntryCostPct: -0.1, BasePositionSizeQuote: 1000, MaxPositionMultiplier: 1}
	eng, spotPub, spotPriv, futPub, futPriv := newTestEngine(t, cfg)
	setTickers(eng, spotPub, futPub, 100.00, 100.01, 100.15, 100.16, time.Now())

	spotPriv.placeResponse = []placeResult{{order: models.Order{
		ExchangeOrderID: "spot-1", Status: models.OrderStatusFilled, FilledQty: 1,
	}}}
	futPriv.placeResponse = []placeResult{{err: context.DeadlineExceeded}}

	eng.ctx.CurrentOpportunity = eng.detectOpportunity()
	eng.executeStep(context.Background())

	if eng.ctx.State != models.StateErrorRecovery {
		t.Fatalf("State = %v, want ERROR_RECOVERY after a partial leg failure", eng.ctx.State)
	}
	if len(spotPriv.cancelled) != 1 {
		t.Fatalf("expected the surviving spot leg to be cancelled, got %v", spotPriv.cancelled)
	}
}

// While holding, a delta drift past tolerance triggers a one-sided
// rebalance order on the excess leg.
func TestCheckDeltaRebalance_TrimsExcessLeg(t *testing.T) {
	cfg := models.EngineConfig{DeltaTolerancePct: 0.02}
	eng, _, spotPriv, _, _ := newTestEngine(t, cfg)

	eng.ctx.Position.Spot = models.Position{SignedQty: 0.2}
	eng.ctx.Position.Futures = models.Position{SignedQty: -0.15}

	eng.checkDeltaRebalance(context.Background())

	if spotPriv.placeCalls != 1 {
		t.Fatalf("expected exactly one rebalance order on the spot leg, got %d calls", spotPriv.placeCalls)
	}
}

func TestCheckDeltaRebalance_WithinToleranceNoOp(t *testing.T) {
	cfg := models.EngineConfig{DeltaTolerancePct: 0.5}
	eng, _, spotPriv, _, futPriv := newTestEngine(t, cfg)

	eng.ctx.Position.Spot = models.Position{SignedQty: 0.2}
	eng.ctx.Position.Futures = models.Position{SignedQty: -0.19}

	eng.checkDeltaRebalance(context.Background())

	if spotPriv.placeCalls != 0 || futPriv.placeCalls != 0 {
		t.Fatal("a delta within tolerance must not place any rebalance order")
	}
}

// When the futures->spot spread is the profitable one,
// detectOpportunity must pick it rather than only ever trading
// spot->futures.
func TestDetectOpportunity_FuturesToSpotDirectionTaken(t *testing.T) {
	cfg := models.EngineConfig{MaxEntryCostPct: -0.1, BasePositionSizeQuote: 1000, MaxPositionMultiplier: 1}
	eng, spotPub, _, futPub, _ := newTestEngine(t, cfg)

	// futures ask below spot bid: buy futures @ 100.01, sell spot @ 100.15.
	// cost = (100.01-100.15)/100.01*100 ≈ -0.14, below -0.1.
	setTickers(eng, spotPub, futPub, 100.15, 100.16, 100.00, 100.01, time.Now())

	opp := eng.detectOpportunity()
	if opp == nil {
		t.Fatal("a favorable futures->spot spread must produce an opportunity")
	}
	if opp.Direction != models.DirectionFuturesToSpot {
		t.Fatalf("Direction = %v, want futures->spot", opp.Direction)
	}
	if opp.BuyPrice != 100.01 || opp.SellPrice != 100.15 {
		t.Fatalf("opportunity prices = (%v,%v), want (100.01,100.15)", opp.BuyPrice, opp.SellPrice)
	}
}

// When both directions clear the entry threshold, the engine must pick
// whichever is more profitable (the lower/more negative cost).
func TestDetectOpportunity_PicksBetterOfBothDirections(t *testing.T) {
	// With uncrossed books at most one direction can cost below zero, so
	// the threshold sits above zero here to let both directions qualify.
	cfg := models.EngineConfig{MaxEntryCostPct: 0.05, BasePositionSizeQuote: 1000, MaxPositionMultiplier: 1}
	eng, spotPub, _, futPub, _ := newTestEngine(t, cfg)

	// spot->futures cost = (100.01-100.15)/100.01*100 ≈ -0.14
	// futures->spot cost = (100.02-99.98)/100.02*100 ≈ 0.04 (qualifies too, but costs more)
	setTickers(eng, spotPub, futPub, 99.98, 100.01, 100.15, 100.02, time.Now())

	opp := eng.detectOpportunity()
	if opp == nil {
		t.Fatal("expected an opportunity")
	}
	if opp.Direction != models.DirectionSpotToFutures {
		t.Fatalf("Direction = %v, want spot->futures (the cheaper of the two qualifying directions)", opp.Direction)
	}
}

// executeStep must swap legs for a futures->spot opportunity (buy
// futures, sell spot) rather than always buying spot and selling
// futures.
func TestExecuteStep_FuturesToSpotMirrorsLegs(t *testing.T) {
	cfg := models.EngineConfig{MaxEntryCostPct: -0.1, BasePositionSizeQuote: 1000, MaxPositionMultiplier: 1}
	eng, spotPub, _, futPub, _ := newTestEngine(t, cfg)
	setTickers(eng, spotPub, futPub, 100.15, 100.16, 100.00, 100.01, time.Now())

	eng.ctx.CurrentOpportunity = eng.detectOpportunity()
	if eng.ctx.CurrentOpportunity == nil || eng.ctx.CurrentOpportunity.Direction != models.DirectionFuturesToSpot {
		t.Fatal("precondition: expected a detectable futures->spot opportunity")
	}

	eng.executeStep(context.Background())

	if eng.ctx.Position.Futures.SignedQty <= 0 {
		t.Fatalf("futures leg should be long after a filled buy, got %v", eng.ctx.Position.Futures.SignedQty)
	}
	if eng.ctx.Position.Spot.SignedQty >= 0 {
		t.Fatalf("spot leg should be short after a filled sell, got %v", eng.ctx.Position.Spot.SignedQty)
	}
}

// The unwind cost must be priced against the direction actually held,
// not always the spot->futures formula: a held futures->spot position
// closes by buying spot back and selling futures, priced as the entry
// cost of the mirror (spot->futures) trade.
func TestCheckExit_FuturesToSpotHeldUsesMirroredUnwindCost(t *testing.T) {
	cfg := models.EngineConfig{ExitThresholdPct: 0.05}
	eng, spotPub, spotPriv, futPub, futPriv := newTestEngine(t, cfg)

	// Short spot, long futures: a futures->spot position.
	eng.ctx.Position.Spot = models.Position{SignedQty: -1}
	eng.ctx.Position.Futures = models.Position{SignedQty: 1}

	// Unwind (spot->futures cost) = (spotAsk-futuresBid)/spotAsk*100
	// = (100.02-100.00)/100.02*100 ≈ 0.02, below the 0.05 exit threshold.
	setTickers(eng, spotPub, futPub, 99.99, 100.02, 100.00, 100.03, time.Now())

	eng.checkExit(context.Background())

	if spotPriv.placeCalls != 1 || futPriv.placeCalls != 1 {
		t.Fatalf("expected one flatten order per leg, got spot=%d futures=%d", spotPriv.placeCalls, futPriv.placeCalls)
	}
	if eng.ctx.Position.Spot.SignedQty != 0 || eng.ctx.Position.Futures.SignedQty != 0 {
		t.Fatalf("position should be flat after a successful exit, got spot=%v futures=%v",
			eng.ctx.Position.Spot.SignedQty, eng.ctx.Position.Futures.SignedQty)
	}
}

// A filled surviving leg (position non-flat after a partial entry
// failure) is flattened with a market order rather than left to the
// next delta-rebalance tick.
func TestRecoverStep_FlattensSurvivingLeg(t *testing.T) {
	cfg := models.EngineConfig{}
	eng, _, spotPriv, _, _ := newTestEngine(t, cfg)
	eng.ctx.State = models.StateErrorRecovery
	eng.ctx.Position.Spot = models.Position{SignedQty: 1}

	eng.recoverStep(context.Background())

	if spotPriv.placeCalls != 1 {
		t.Fatalf("expected one flatten order on the surviving spot leg, got %d", spotPriv.placeCalls)
	}
	if eng.ctx.Position.Spot.SignedQty != 0 {
		t.Fatalf("spot leg should be flat after recovery flattens it, got %v", eng.ctx.Position.Spot.SignedQty)
	}
}

// A resting, unfilled entry order must block re-analysis even though
// the position is still flat.
func TestMonitorStep_OutstandingOrdersBlockReentry(t *testing.T) {
	cfg := models.EngineConfig{}
	eng, _, _, _, _ := newTestEngine(t, cfg)
	eng.ctx.State = models.StateMonitoring
	eng.ctx.ActiveOrders[models.OrderKey{Role: models.RoleSpot, OrderID: "resting-1"}] = models.Order{
		ExchangeOrderID: "resting-1", Status: models.OrderStatusNew,
	}
	eng.lastAnalysis = time.Time{}

	eng.monitorStep(context.Background())

	if eng.ctx.State != models.StateMonitoring {
		t.Fatalf("State = %v, want MONITORING to remain while an entry order is still outstanding", eng.ctx.State)
	}
}

func TestRecoverStep_ClearsOpportunityAndReturnsToMonitoring(t *testing.T) {
	cfg := models.EngineConfig{}
	eng, _, _, _, _ := newTestEngine(t, cfg)
	eng.ctx.State = models.StateErrorRecovery
	eng.ctx.CurrentOpportunity = &models.ArbitrageOpportunity{MaxQty: 1}

	start := time.Now()
	eng.recoverStep(context.Background())

	if eng.ctx.CurrentOpportunity != nil {
		t.Fatal("recoverStep must clear the current opportunity")
	}
	if eng.ctx.State != models.StateMonitoring {
		t.Fatalf("State = %v, want MONITORING after recovery", eng.ctx.State)
	}
	if time.Since(start) < recoverySleep {
		t.Fatal("recoverStep must sleep at least recoverySleep before returning")
	}
}

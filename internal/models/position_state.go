package models

// Role is the leg a venue plays in a pair, independent of venue identity.
type Role string

const (
	RoleSpot    Role = "spot"
	RoleFutures Role = "futures"
)

// PositionState is the engine-level view of both legs of a pair: the
// delta invariant (signed_spot + signed_futures) must stay within
// tolerance of zero while the pair is open.
type PositionState struct {
	Spot    Position
	Futures Position
}

// Delta is the signed sum of the two legs; zero means perfectly hedged.
func (p PositionState) Delta() float64 {
	return p.Spot.SignedQty + p.Futures.SignedQty
}

// DeltaRatio is |delta| / (|spot|+|futures|), the quantity compared
// against the configured delta tolerance. Returns 0 when both legs are
// flat (nothing to rebalance).
func (p PositionState) DeltaRatio() float64 {
	denom := abs(p.Spot.SignedQty) + abs(p.Futures.SignedQty)
	if denom == 0 {
		return 0
	}
	return abs(p.Delta()) / denom
}

// IsFlat reports whether both legs are closed.
func (p PositionState) IsFlat() bool {
	return p.Spot.SignedQty == 0 && p.Futures.SignedQty == 0
}

// Direction is which way an arbitrage pair was (or would be) entered.
type Direction string

const (
	DirectionSpotToFutures Direction = "spot->futures"
	DirectionFuturesToSpot Direction = "futures->spot"
)

// ArbitrageOpportunity describes one detected, executable spread.
type ArbitrageOpportunity struct {
	Direction       Direction
	SpreadPct       float64
	BuyPrice        float64
	SellPrice       float64
	MaxQty          float64
	ObservedAtMilli int64
}

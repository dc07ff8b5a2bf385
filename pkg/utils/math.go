package utils

import "math"

// RoundToLotSize rounds value down to the nearest multiple of lotSize
// (e.g. 0.123456 BTC with lot size 0.001 -> 0.123 BTC). A non-positive
// lotSize is treated as "no rounding" and value is returned unchanged.
func RoundToLotSize(value, lotSize float64) float64 {
	if lotSize <= 0 {
		return value
	}
	return math.Floor(value/lotSize) * lotSize
}

// RoundToLotSizeUp rounds value up to the nearest multiple of lotSize.
func RoundToLotSizeUp(value, lotSize float64) float64 {
	if lotSize <= 0 {
		return value
	}
	return math.Ceil(value/lotSize) * lotSize
}

// RoundToLotSizeNearest rounds value to the nearest multiple of lotSize.
func RoundToLotSizeNearest(value, lotSize float64) float64 {
	if lotSize <= 0 {
		return value
	}
	return math.Round(value/lotSize) * lotSize
}

// CalculateSpread returns the percentage spread between a high and a low
// price: (priceHigh-priceLow)/priceLow*100. Returns 0 when priceLow is
// not strictly positive.
func CalculateSpread(priceHigh, priceLow float64) float64 {
	if priceLow <= 0 {
		return 0
	}
	return (priceHigh - priceLow) / priceLow * 100
}

// CalculateSpreadFromPrices is CalculateSpread without needing the
// caller to know in advance which of priceA/priceB is higher.
func CalculateSpreadFromPrices(priceA, priceB float64) float64 {
	if priceA <= 0 || priceB <= 0 {
		return 0
	}
	high, low := priceA, priceB
	if low > high {
		high, low = low, high
	}
	return CalculateSpread(high, low)
}

// CalculateNetSpread subtracts the round-trip taker fees of both legs
// (each paid on entry and exit, hence the factor of two) from the gross
// spread.
func CalculateNetSpread(spreadPct, feeA, feeB float64) float64 {
	totalFeePct := (feeA + feeB) * 100 * 2
	return spreadPct - totalFeePct
}

// CalculateNetSpreadDirect combines CalculateSpread and
// CalculateNetSpread for the common case of two raw prices plus fees.
func CalculateNetSpreadDirect(priceHigh, priceLow, feeA, feeB float64) float64 {
	return CalculateNetSpread(CalculateSpread(priceHigh, priceLow), feeA, feeB)
}

// CalculateWeightedAverage computes a volume-weighted average price.
// Entries with a non-positive weight are ignored. Returns 0 if values
// and weights don't line up or every weight is non-positive.
func CalculateWeightedAverage(values, weights []float64) float64 {
	if len(values) == 0 || len(values) != len(weights) {
		return 0
	}
	var weightedSum, totalWeight float64
	for i, v := range values {
		w := weights[i]
		if w <= 0 {
			continue
		}
		weightedSum += v * w
		totalWeight += w
	}
	if totalWeight == 0 {
		return 0
	}
	return weightedSum / totalWeight
}

// OrderBookLevel is a single (price, size) rung used by the market-order
// simulators below.
type OrderBookLevel struct {
	Price  float64
	Volume float64
}

// SimulateMarketBuy walks asks from the top, filling targetVolume and
// returning the volume-weighted average price, the quantity actually
// filled (capped at available liquidity), and the slippage percentage
// versus the top-of-book price.
func SimulateMarketBuy(asks []OrderBookLevel, targetVolume float64) (avgPrice, filled, slippagePct float64) {
	return simulateMarketOrder(asks, targetVolume)
}

// SimulateMarketSell walks bids from the top, symmetric to
// SimulateMarketBuy.
func SimulateMarketSell(bids []OrderBookLevel, targetVolume float64) (avgPrice, filled, slippagePct float64) {
	return simulateMarketOrder(bids, targetVolume)
}

func simulateMarketOrder(levels []OrderBookLevel, targetVolume float64) (avgPrice, filled, slippagePct float64) {
	if len(levels) == 0 || targetVolume <= 0 {
		return 0, 0, 0
	}

	remaining := targetVolume
	var notional float64
	for _, level := range levels {
		if remaining <= 0 {
			break
		}
		take := level.Volume
		if take > remaining {
			take = remaining
		}
		notional += take * level.Price
		filled += take
		remaining -= take
	}
	if filled == 0 {
		return 0, 0, 0
	}
	avgPrice = notional / filled
	topPrice := levels[0].Price
	if topPrice > 0 {
		slippagePct = (avgPrice - topPrice) / topPrice * 100
	}
	return avgPrice, filled, slippagePct
}

// CalculatePNL returns the unrealized profit for one leg of a position.
// Unknown sides return 0.
func CalculatePNL(side string, entryPrice, currentPrice, quantity float64) float64 {
	switch side {
	case "long":
		return (currentPrice - entryPrice) * quantity
	case "short":
		return (entryPrice - currentPrice) * quantity
	default:
		return 0
	}
}

// CalculateTotalPNL sums the long-leg and short-leg PnL of a delta-
// neutral pair, assuming equal quantity on both legs.
func CalculateTotalPNL(longEntry, longCurrent, shortEntry, shortCurrent, quantity float64) float64 {
	return CalculatePNL("long", longEntry, longCurrent, quantity) +
		CalculatePNL("short", shortEntry, shortCurrent, quantity)
}

// SplitVolume divides totalVolume into nParts equal, lot-size-rounded
// chunks. Returns nil if nParts <= 0 or totalVolume <= 0.
func SplitVolume(totalVolume float64, nParts int, lotSize float64) []float64 {
	if nParts <= 0 || totalVolume <= 0 {
		return nil
	}
	part := RoundToLotSizeNearest(totalVolume/float64(nParts), lotSize)
	parts := make([]float64, nParts)
	for i := range parts {
		parts[i] = part
	}
	return parts
}

// IsSpreadSufficient reports whether spreadPct meets or exceeds
// thresholdPct (inclusive lower bound, per the entry boundary
// behaviour).
func IsSpreadSufficient(spreadPct, thresholdPct float64) bool {
	return spreadPct >= thresholdPct
}

// ShouldExit reports whether spreadPct has compressed to or below the
// exit threshold.
func ShouldExit(spreadPct, exitThresholdPct float64) bool {
	return spreadPct <= exitThresholdPct
}

// IsStopLossHit reports whether pnl has breached -stopLoss. A
// stopLoss of 0 means the policy is disabled.
func IsStopLossHit(pnl, stopLoss float64) bool {
	if stopLoss <= 0 {
		return false
	}
	return pnl <= -stopLoss
}

// Clamp restricts value to [min, max].
func Clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

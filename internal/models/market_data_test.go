package models

import (
	"testing"
	"time"
)

// A book ticker exactly 5.000s old is
// treated as stale.
func TestBookTickerFresh_FiveSecondBoundaryIsStale(t *testing.T) {
	now := time.UnixMilli(10_000_000)
	bt := BookTicker{TSMillis: now.UnixMilli() - 5000}

	if bt.Fresh(now, 5*time.Second) {
		t.Fatal("a ticker exactly maxAge old must be treated as stale")
	}

	fresher := BookTicker{TSMillis: now.UnixMilli() - 4999}
	if !fresher.Fresh(now, 5*time.Second) {
		t.Fatal("a ticker just under maxAge old must still be fresh")
	}
}

func TestOrderBookBestBidAsk_EmptyBook(t *testing.T) {
	var ob OrderBook
	if _, ok := ob.BestBid(); ok {
		t.Fatal("BestBid on an empty book must report ok=false")
	}
	if _, ok := ob.BestAsk(); ok {
		t.Fatal("BestAsk on an empty book must report ok=false")
	}
}

func TestOrderBookBestBidAsk(t *testing.T) {
	ob := OrderBook{
		Bids: []PriceLevel{{Price: 100, Size: 1}, {Price: 99, Size: 2}},
		Asks: []PriceLevel{{Price: 101, Size: 1}, {Price: 102, Size: 2}},
	}
	bid, ok := ob.BestBid()
	if !ok || bid.Price != 100 {
		t.Fatalf("BestBid() = %+v, ok=%v, want price 100", bid, ok)
	}
	ask, ok := ob.BestAsk()
	if !ok || ask.Price != 101 {
		t.Fatalf("BestAsk() = %+v, ok=%v, want price 101", ask, ok)
	}
}

package mexc

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"arbitrage/internal/models"
)

func TestExecutedLRU_PutGet(t *testing.T) {
	lru := newExecutedLRU(2)
	lru.put(models.Order{ExchangeOrderID: "1", Status: models.OrderStatusFilled})
	lru.put(models.Order{ExchangeOrderID: "2", Status: models.OrderStatusFilled})

	o, ok := lru.get("1")
	if !ok || o.ExchangeOrderID != "1" {
		t.Fatalf("get(1) = %v, %v", o, ok)
	}
}

func TestExecutedLRU_EvictsOldestBeyondCap(t *testing.T) {
	lru := newExecutedLRU(2)
	lru.put(models.Order{ExchangeOrderID: "1"})
	lru.put(models.Order{ExchangeOrderID: "2"})
	lru.put(models.Order{ExchangeOrderID: "3"})

	if _, ok := lru.get("1"); ok {
		t.Fatal("expected oldest entry to be evicted")
	}
	if _, ok := lru.get("3"); !ok {
		t.Fatal("expected newest entry to remain")
	}
}

func TestExecutedLRU_ZeroCapDefaultsTo1000(t *testing.T) {
	lru := newExecutedLRU(0)
	if lru.cap != 1000 {
		t.Fatalf("cap = %d, want 1000", lru.cap)
	}
}

func TestExecutedLRU_PutExistingIDUpdatesInPlace(t *testing.T) {
	lru := newExecutedLRU(2)
	lru.put(models.Order{ExchangeOrderID: "1", Status: models.OrderStatusFilled})
	lru.put(models.Order{ExchangeOrderID: "1", Status: models.OrderStatusCanceled})

	o, ok := lru.get("1")
	if !ok || o.Status != models.OrderStatusCanceled {
		t.Fatalf("get(1) = %v, %v, want status canceled", o, ok)
	}
}

func TestStepFromPrecision(t *testing.T) {
	cases := []struct {
		precision int32
		want      float64
	}{
		{0, 1},
		{-1, 1},
		{2, 0.01},
		{4, 0.0001},
	}
	for _, c := range cases {
		if got := stepFromPrecision(c.precision); got != c.want {
			t.Errorf("stepFromPrecision(%d) = %v, want %v", c.precision, got, c.want)
		}
	}
}

func newTestPrivate() *Private {
	p := NewPrivate(PrivateConfig{BaseURL: "http://127.0.0.1:0", APIKey: "k", APISecret: "s"}, zap.NewNop())
	sym := models.Symbol{Base: "BTC", Quote: "USDT", Market: models.MarketSpot}
	p.mu.Lock()
	p.symbolInfo[sym] = models.SymbolInfo{Symbol: sym, BasePrecision: 4}
	p.openOrders[sym] = make(map[string]models.Order)
	p.executed[sym] = newExecutedLRU(10)
	p.mu.Unlock()
	return p
}

func TestRound_AppliesSymbolPrecision(t *testing.T) {
	p := newTestPrivate()
	sym := models.Symbol{Base: "BTC", Quote: "USDT", Market: models.MarketSpot}
	got := p.round(sym, 1.123456)
	if got != 1.1234 {
		t.Fatalf("round = %v, want 1.1234", got)
	}
}

func TestRound_UnknownSymbolReturnsUnchanged(t *testing.T) {
	p := newTestPrivate()
	unknown := models.Symbol{Base: "ETH", Quote: "USDT", Market: models.MarketSpot}
	got := p.round(unknown, 1.123456)
	if got != 1.123456 {
		t.Fatalf("round(unknown) = %v, want unchanged 1.123456", got)
	}
}

func TestUpdateOrder_NonTerminalGoesToOpenOrders(t *testing.T) {
	p := newTestPrivate()
	sym := models.Symbol{Base: "BTC", Quote: "USDT", Market: models.MarketSpot}
	p.updateOrder(models.Order{ExchangeOrderID: "1", Symbol: sym, Status: models.OrderStatusNew})

	p.mu.RLock()
	_, inOpen := p.openOrders[sym]["1"]
	_, inExec := p.executed[sym].get("1")
	p.mu.RUnlock()

	if !inOpen || inExec {
		t.Fatalf("inOpen=%v inExec=%v, want true/false", inOpen, inExec)
	}
}

func TestUpdateOrder_TerminalMovesFromOpenToExecuted(t *testing.T) {
	p := newTestPrivate()
	sym := models.Symbol{Base: "BTC", Quote: "USDT", Market: models.MarketSpot}
	p.updateOrder(models.Order{ExchangeOrderID: "1", Symbol: sym, Status: models.OrderStatusNew})
	p.updateOrder(models.Order{ExchangeOrderID: "1", Symbol: sym, Status: models.OrderStatusFilled, FilledQty: 1})

	p.mu.RLock()
	_, inOpen := p.openOrders[sym]["1"]
	_, inExec := p.executed[sym].get("1")
	p.mu.RUnlock()

	if inOpen || !inExec {
		t.Fatalf("inOpen=%v inExec=%v, want false/true", inOpen, inExec)
	}
}

func TestUpdateOrder_NotifiesRegisteredHandlers(t *testing.T) {
	p := newTestPrivate()
	sym := models.Symbol{Base: "BTC", Quote: "USDT", Market: models.MarketSpot}

	var mu sync.Mutex
	var seen models.Order
	done := make(chan struct{})
	p.RegisterOrderHandler(func(o models.Order) {
		mu.Lock()
		seen = o
		mu.Unlock()
		close(done)
	})

	p.updateOrder(models.Order{ExchangeOrderID: "1", Symbol: sym, Status: models.OrderStatusNew})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}
	mu.Lock()
	defer mu.Unlock()
	if seen.ExchangeOrderID != "1" {
		t.Fatalf("handler saw order %q, want 1", seen.ExchangeOrderID)
	}
}

func TestUpdateBalance_NotifiesRegisteredHandlers(t *testing.T) {
	p := newTestPrivate()
	done := make(chan models.AssetBalance, 1)
	p.RegisterBalanceHandler(func(b models.AssetBalance) { done <- b })

	p.updateBalance(models.AssetBalance{Asset: "USDT", Available: 100})

	select {
	case b := <-done:
		if b.Asset != "USDT" || b.Available != 100 {
			t.Fatalf("handler saw %+v", b)
		}
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestGetAssetBalance_UnforcedUnknownAssetReturnsZeroPlaceholder(t *testing.T) {
	p := newTestPrivate()
	bal, err := p.GetAssetBalance(context.Background(), "DOGE", false)
	if err != nil {
		t.Fatalf("GetAssetBalance: %v", err)
	}
	if bal.Asset != "DOGE" || bal.Available != 0 {
		t.Fatalf("bal = %+v, want zero placeholder for DOGE", bal)
	}
}

func TestGetActiveOrder_CacheHitAvoidsNetworkCall(t *testing.T) {
	p := newTestPrivate()
	sym := models.Symbol{Base: "BTC", Quote: "USDT", Market: models.MarketSpot}
	p.updateOrder(models.Order{ExchangeOrderID: "42", Symbol: sym, Status: models.OrderStatusNew})

	o, err := p.GetActiveOrder(context.Background(), sym, "42")
	if err != nil {
		t.Fatalf("GetActiveOrder: %v", err)
	}
	if o.ExchangeOrderID != "42" {
		t.Fatalf("ExchangeOrderID = %q, want 42", o.ExchangeOrderID)
	}
}

func TestMexcSideAndType(t *testing.T) {
	if mexcSide(models.SideBuy) != "BUY" || mexcSide(models.SideSell) != "SELL" {
		t.Fatal("mexcSide mapping incorrect")
	}
	if mexcType(models.OrderTypeLimit) != "LIMIT" || mexcType(models.OrderTypeMarket) != "MARKET" {
		t.Fatal("mexcType mapping incorrect")
	}
}

func TestSideFromMEXCString(t *testing.T) {
	if sideFromMEXCString("BUY") != models.SideBuy {
		t.Fatal("expected BUY to map to SideBuy")
	}
	if sideFromMEXCString("SELL") != models.SideSell {
		t.Fatal("expected SELL to map to SideSell")
	}
}

func TestStatusFromMEXCString(t *testing.T) {
	cases := map[string]models.OrderStatus{
		"NEW":                models.OrderStatusNew,
		"PARTIALLY_FILLED":   models.OrderStatusPartiallyFilled,
		"FILLED":             models.OrderStatusFilled,
		"CANCELED":           models.OrderStatusCanceled,
		"PARTIALLY_CANCELED": models.OrderStatusPartiallyCanceled,
		"REJECTED":           models.OrderStatusRejected,
		"EXPIRED":            models.OrderStatusExpired,
		"SOMETHING_ELSE":     models.OrderStatusUnknown,
	}
	for in, want := range cases {
		if got := statusFromMEXCString(in); got != want {
			t.Errorf("statusFromMEXCString(%q) = %v, want %v", in, got, want)
		}
	}
}

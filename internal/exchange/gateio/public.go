package gateio

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"arbitrage/internal/exchange"
	"arbitrage/internal/metrics"
	"arbitrage/internal/models"
	"arbitrage/internal/restclient"
	"arbitrage/internal/wstransport"
	"arbitrage/pkg/ratelimit"
)

// PublicConfig governs REST/WS endpoints for the Gate.io futures public
// surface.
type PublicConfig struct {
	BaseURL   string
	WSURL     string
	Transport wstransport.Config
}

// Public implements exchange.PublicExchange for Gate.io USDT-margined
// futures.
type Public struct {
	cfg    PublicConfig
	logger *zap.Logger
	rest   *restclient.Client
	ws     *wstransport.Transport

	mu         sync.RWMutex
	symbolInfo map[models.Symbol]models.SymbolInfo
	bestBidAsk map[models.Symbol]models.BookTicker
	orderBooks map[models.Symbol]models.OrderBook

	handlersMu sync.RWMutex
	handlers   []exchange.OrderBookHandler
}

func NewPublic(cfg PublicConfig, logger *zap.Logger) *Public {
	limiter := ratelimit.NewMultiLimiter()
	limiter.Add("default", 20, 40)
	return &Public{
		cfg:        cfg,
		logger:     logger,
		rest:       restclient.New("gateio", cfg.BaseURL, nil, limiter),
		symbolInfo: make(map[models.Symbol]models.SymbolInfo),
		bestBidAsk: make(map[models.Symbol]models.BookTicker),
		orderBooks: make(map[models.Symbol]models.OrderBook),
	}
}

func (p *Public) Name() string { return "gateio" }

type contractResponse struct {
	Name             string `json:"name"`
	QuantoMultiplier string `json:"quanto_multiplier"`
	OrderSizeMin     int64  `json:"order_size_min"`
	OrderPriceRound  string `json:"order_price_round"`
	InDelisting      bool   `json:"in_delisting"`
}

type futuresOrderBookResponse struct {
	ID   int64 `json:"id"`
	Bids []struct {
		P string `json:"p"`
		S int64  `json:"s"`
	} `json:"bids"`
	Asks []struct {
		P string `json:"p"`
		S int64  `json:"s"`
	} `json:"asks"`
}

func (p *Public) Initialize(ctx context.Context, symbols []models.Symbol) error {
	if err := p.loadContracts(ctx, symbols); err != nil {
		return fmt.Errorf("gateio public: load contracts: %w", err)
	}
	for _, sym := range symbols {
		if err := p.seedSnapshot(ctx, sym); err != nil {
			p.logger.Warn("gateio: initial snapshot failed, continuing without it",
				zap.String("symbol", sym.String()), zap.Error(err))
		}
	}

	p.ws = wstransport.New("gateio-public", p.cfg.WSURL, p.cfg.Transport, Decoder{}, p.logger)
	p.ws.SetOnEvent(p.onEvent)
	p.ws.SetOnConnect(func() {
		go p.resyncSnapshots(context.Background(), symbols)
	})
	for _, sym := range symbols {
		p.subscribeBookTicker(sym)
	}
	return p.ws.Connect()
}

func (p *Public) loadContracts(ctx context.Context, wanted []models.Symbol) error {
	raw, err := p.rest.Get(ctx, "/futures/usdt/contracts", nil, false, restclient.EndpointConfig{Timeout: 10 * time.Second})
	if err != nil {
		return err
	}
	var resp []contractResponse
	if err := restclient.Decode(raw, &resp); err != nil {
		return fmt.Errorf("decode contracts: %w", err)
	}
	byWire := make(map[string]models.Symbol, len(wanted))
	for _, s := range wanted {
		byWire[WireSymbol(s)] = s
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range resp {
		sym, ok := byWire[c.Name]
		if !ok {
			continue
		}
		contractSize := parseFloat(c.QuantoMultiplier)
		minBase := float64(c.OrderSizeMin)
		if contractSize > 0 {
			// order_size_min is a contract count; express it in base
			// units like every other quantity in this module.
			minBase *= contractSize
		}
		p.symbolInfo[sym] = models.SymbolInfo{
			Symbol:       sym,
			MinBaseQty:   minBase,
			ContractSize: contractSize,
			Active:       !c.InDelisting,
		}
	}
	return nil
}

// contractScale is the base-units-per-contract factor for sym (1 when
// unknown), used to convert wire contract counts into base quantities.
func (p *Public) contractScale(sym models.Symbol) float64 {
	p.mu.RLock()
	info, ok := p.symbolInfo[sym]
	p.mu.RUnlock()
	if !ok || info.ContractSize <= 0 {
		return 1
	}
	return info.ContractSize
}

func (p *Public) seedSnapshot(ctx context.Context, sym models.Symbol) error {
	params := url.Values{"contract": {WireSymbol(sym)}, "limit": {"20"}}
	raw, err := p.rest.Get(ctx, "/futures/usdt/order_book", params, false, restclient.EndpointConfig{Timeout: 5 * time.Second})
	if err != nil {
		return err
	}
	var resp futuresOrderBookResponse
	if err := restclient.Decode(raw, &resp); err != nil {
		return fmt.Errorf("decode order book: %w", err)
	}

	scale := p.contractScale(sym)
	ob := models.OrderBook{Symbol: sym, LastUpdateID: resp.ID, TSMillis: time.Now().UnixMilli()}
	for _, lvl := range resp.Bids {
		ob.Bids = append(ob.Bids, models.PriceLevel{Price: parseFloat(lvl.P), Size: float64(lvl.S) * scale})
	}
	for _, lvl := range resp.Asks {
		ob.Asks = append(ob.Asks, models.PriceLevel{Price: parseFloat(lvl.P), Size: float64(lvl.S) * scale})
	}

	p.mu.Lock()
	p.orderBooks[sym] = ob
	if bb, ok := ob.BestBid(); ok {
		if ba, ok2 := ob.BestAsk(); ok2 {
			p.bestBidAsk[sym] = models.BookTicker{
				Symbol: sym, BidPrice: bb.Price, BidQty: bb.Size,
				AskPrice: ba.Price, AskQty: ba.Size, TSMillis: ob.TSMillis, UpdateID: ob.LastUpdateID,
			}
		}
	}
	p.mu.Unlock()

	p.notifyHandlers(sym, ob, models.UpdateSnapshot)
	return nil
}

func (p *Public) resyncSnapshots(ctx context.Context, symbols []models.Symbol) {
	for _, sym := range symbols {
		if err := p.seedSnapshot(ctx, sym); err != nil {
			p.logger.Warn("gateio: resync snapshot failed", zap.String("symbol", sym.String()), zap.Error(err))
		}
	}
}

func (p *Public) subscribeBookTicker(sym models.Symbol) {
	msg := map[string]interface{}{
		"time":    time.Now().Unix(),
		"channel": channelBookTicker,
		"event":   "subscribe",
		"payload": []string{WireSymbol(sym)},
	}
	raw, _ := json.Marshal(msg)
	p.ws.AddSubscription(raw)
	if p.ws.IsConnected() {
		_ = p.ws.Send(raw)
	}
}

func (p *Public) onEvent(ev wstransport.Event) {
	start := time.Now()
	switch ev.Kind {
	case wstransport.KindBookTicker:
		p.applyBookTicker(*ev.BookTicker)
		metrics.BookTickerProcessLatency.WithLabelValues("gateio", ev.BookTicker.Symbol.String()).
			Observe(float64(time.Since(start).Microseconds()))
		metrics.OrderbookUpdates.WithLabelValues("gateio", ev.BookTicker.Symbol.String(), "book_ticker").Inc()
	case wstransport.KindSubscriptionError:
		p.logger.Warn("gateio: subscription error", zap.Error(ev.Error))
	case wstransport.KindUnknown:
		p.logger.Debug("gateio: unknown frame", zap.ByteString("raw", ev.Raw))
	}
}

func (p *Public) applyBookTicker(bt models.BookTicker) {
	if !bt.Fresh(time.Now(), 5*time.Second) {
		return
	}
	if scale := p.contractScale(bt.Symbol); scale != 1 {
		bt.BidQty *= scale
		bt.AskQty *= scale
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	existing, ok := p.bestBidAsk[bt.Symbol]
	if ok && bt.TSMillis != 0 && bt.TSMillis <= existing.TSMillis {
		return
	}
	p.bestBidAsk[bt.Symbol] = bt
}

func (p *Public) AddSymbol(ctx context.Context, symbol models.Symbol) error {
	if err := p.seedSnapshot(ctx, symbol); err != nil {
		return err
	}
	p.subscribeBookTicker(symbol)
	return nil
}

func (p *Public) RemoveSymbol(symbol models.Symbol) error {
	p.mu.Lock()
	delete(p.bestBidAsk, symbol)
	delete(p.orderBooks, symbol)
	delete(p.symbolInfo, symbol)
	p.mu.Unlock()
	return nil
}

func (p *Public) SymbolInfo(symbol models.Symbol) (models.SymbolInfo, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	info, ok := p.symbolInfo[symbol]
	return info, ok
}

func (p *Public) GetBestBidAsk(symbol models.Symbol) (models.BookTicker, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	bt, ok := p.bestBidAsk[symbol]
	return bt, ok
}

func (p *Public) GetOrderBook(symbol models.Symbol) (models.OrderBook, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ob, ok := p.orderBooks[symbol]
	return ob, ok
}

func (p *Public) RegisterOrderBookHandler(h exchange.OrderBookHandler) {
	p.handlersMu.Lock()
	p.handlers = append(p.handlers, h)
	p.handlersMu.Unlock()
}

func (p *Public) notifyHandlers(sym models.Symbol, ob models.OrderBook, kind models.UpdateType) {
	p.handlersMu.RLock()
	handlers := make([]exchange.OrderBookHandler, len(p.handlers))
	copy(handlers, p.handlers)
	p.handlersMu.RUnlock()
	for _, h := range handlers {
		go h(sym, ob, kind)
	}
}

func (p *Public) Close() error {
	if p.ws != nil {
		return p.ws.Close()
	}
	return nil
}

package mexc

import (
	"context"
	"fmt"
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

// PublicConfig governs REST/WS endpoints for the MEXC public surface.
type PublicConfig struct {
	BaseURL   string
	WSURL     string
	Transport wstransport.Config
}

// Public implements exchange.PublicExchange for MEXC spot. REST
// snapshot first (seeds best-bid-ask), then open the WebSocket and
// subscribe.
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
		rest:       restclient.New("mexc", cfg.BaseURL, nil, limiter),
		symbolInfo: make(map[models.Symbol]models.SymbolInfo),
		bestBidAsk: make(map[models.Symbol]models.BookTicker),
		orderBooks: make(map[models.Symbol]models.OrderBook),
	}
}

func (p *Public) Name() string { return "mexc" }

type exchangeInfoResponse struct {
	Symbols []struct {
		Symbol              string `json:"symbol"`
		BaseAsset           string `json:"baseAsset"`
		QuoteAsset          string `json:"quoteAsset"`
		BaseAssetPrecision  int32  `json:"baseAssetPrecision"`
		QuoteAssetPrecision int32  `json:"quoteAssetPrecision"`
		Status              string `json:"status"`
		Filters             []struct {
			FilterType  string `json:"filterType"`
			MinNotional string `json:"minNotional"`
			MinQty      string `json:"minQty"`
		} `json:"filters"`
	} `json:"symbols"`
}

type depthResponse struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// Initialize loads the symbol catalog, fetches an initial depth
// snapshot per symbol (seeding best-bid-ask from its top level), then
// opens the public WebSocket and subscribes to book-ticker channels.
func (p *Public) Initialize(ctx context.Context, symbols []models.Symbol) error {
	if err := p.loadSymbolCatalog(ctx, symbols); err != nil {
		return fmt.Errorf("mexc public: load catalog: %w", err)
	}

	for _, sym := range symbols {
		if err := p.seedSnapshot(ctx, sym); err != nil {
			p.logger.Warn("mexc: initial snapshot failed, continuing without it",
				zap.String("symbol", sym.String()), zap.Error(err))
		}
	}

	p.ws = wstransport.New("mexc-public", p.cfg.WSURL, p.cfg.Transport, Decoder{Market: models.MarketSpot}, p.logger)
	p.ws.SetOnEvent(p.onEvent)
	p.ws.SetOnConnect(func() {
		// Every (re)connect re-fetches snapshots and re-seeds
		// best-bid-ask before resuming.
		go p.resyncSnapshots(context.Background(), symbols)
	})

	for _, sym := range symbols {
		p.subscribeBookTicker(sym)
	}

	return p.ws.Connect()
}

func (p *Public) loadSymbolCatalog(ctx context.Context, wanted []models.Symbol) error {
	raw, err := p.rest.Get(ctx, "/api/v3/exchangeInfo", nil, false, restclient.EndpointConfig{Timeout: 10 * time.Second})
	if err != nil {
		return err
	}
	var resp exchangeInfoResponse
	if err := restclient.Decode(raw, &resp); err != nil {
		return fmt.Errorf("decode exchangeInfo: %w", err)
	}

	byWire := make(map[string]models.Symbol, len(wanted))
	for _, s := range wanted {
		byWire[WireSymbol(s)] = s
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range resp.Symbols {
		sym, ok := byWire[s.Symbol]
		if !ok {
			continue
		}
		info := models.SymbolInfo{
			Symbol:         sym,
			BasePrecision:  s.BaseAssetPrecision,
			QuotePrecision: s.QuoteAssetPrecision,
			Active:         s.Status == "ENABLED" || s.Status == "1",
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				info.MinBaseQty = parseFloat(f.MinQty)
			case "MIN_NOTIONAL":
				info.MinQuoteNotional = parseFloat(f.MinNotional)
			}
		}
		p.symbolInfo[sym] = info
	}
	return nil
}

func (p *Public) seedSnapshot(ctx context.Context, sym models.Symbol) error {
	raw, err := p.rest.Get(ctx, "/api/v3/depth", depthParams(sym), false, restclient.EndpointConfig{Timeout: 5 * time.Second})
	if err != nil {
		return err
	}
	var resp depthResponse
	if err := restclient.Decode(raw, &resp); err != nil {
		return fmt.Errorf("decode depth: %w", err)
	}

	ob := models.OrderBook{Symbol: sym, LastUpdateID: resp.LastUpdateID, TSMillis: time.Now().UnixMilli()}
	for _, lvl := range resp.Bids {
		if len(lvl) < 2 {
			continue
		}
		ob.Bids = append(ob.Bids, models.PriceLevel{Price: parseFloat(lvl[0]), Size: parseFloat(lvl[1])})
	}
	for _, lvl := range resp.Asks {
		if len(lvl) < 2 {
			continue
		}
		ob.Asks = append(ob.Asks, models.PriceLevel{Price: parseFloat(lvl[0]), Size: parseFloat(lvl[1])})
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

func depthParams(sym models.Symbol) map[string][]string {
	return map[string][]string{"symbol": {WireSymbol(sym)}, "limit": {"20"}}
}

func (p *Public) resyncSnapshots(ctx context.Context, symbols []models.Symbol) {
	for _, sym := range symbols {
		if err := p.seedSnapshot(ctx, sym); err != nil {
			p.logger.Warn("mexc: resync snapshot failed", zap.String("symbol", sym.String()), zap.Error(err))
		}
	}
}

func (p *Public) subscribeBookTicker(sym models.Symbol) {
	channel := fmt.Sprintf("%s.v3.api@%s", bookTickerPrefix, WireSymbol(sym))
	msg := fmt.Sprintf(`{"method":"SUBSCRIBE","params":["%s"],"id":%d}`, channel, time.Now().UnixNano())
	p.ws.AddSubscription([]byte(msg))
	if p.ws.IsConnected() {
		_ = p.ws.Send([]byte(msg))
	}
}

func (p *Public) onEvent(ev wstransport.Event) {
	start := time.Now()
	switch ev.Kind {
	case wstransport.KindBookTicker:
		p.applyBookTicker(*ev.BookTicker)
		metrics.BookTickerProcessLatency.WithLabelValues("mexc", ev.BookTicker.Symbol.String()).
			Observe(float64(time.Since(start).Microseconds()))
		metrics.OrderbookUpdates.WithLabelValues("mexc", ev.BookTicker.Symbol.String(), "book_ticker").Inc()
	case wstransport.KindSubscriptionError:
		p.logger.Warn("mexc: subscription error", zap.Error(ev.Error))
	case wstransport.KindUnknown:
		p.logger.Debug("mexc: unknown frame", zap.ByteString("raw", ev.Raw))
	}
}

// applyBookTicker validates freshness (reject if older than 5s) before
// updating the in-memory map.
func (p *Public) applyBookTicker(bt models.BookTicker) {
	if !bt.Fresh(time.Now(), 5*time.Second) {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	existing, ok := p.bestBidAsk[bt.Symbol]
	if ok && bt.UpdateID != 0 && bt.UpdateID <= existing.UpdateID {
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

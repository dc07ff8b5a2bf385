package gateio

import (
	"container/list"
	"context"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"arbitrage/internal/exchange"
	"arbitrage/internal/metrics"
	"arbitrage/internal/models"
	"arbitrage/internal/restclient"
	"arbitrage/internal/wstransport"
	"arbitrage/pkg/ratelimit"
	"arbitrage/pkg/utils"
)

// PrivateConfig governs REST/WS endpoints and credentials for the
// Gate.io futures private surface.
type PrivateConfig struct {
	BaseURL   string
	WSURL     string
	APIKey    string
	APISecret string
	Transport wstransport.Config

	ExecutedOrdersCap int
}

type executedLRU struct {
	cap int
	ll  *list.List
	idx map[string]*list.Element
}

type executedEntry struct {
	id    string
	order models.Order
}

func newExecutedLRU(cap int) *executedLRU {
	if cap <= 0 {
		cap = 1000
	}
	return &executedLRU{cap: cap, ll: list.New(), idx: make(map[string]*list.Element)}
}

func (c *executedLRU) put(o models.Order) {
	if el, ok := c.idx[o.ExchangeOrderID]; ok {
		el.Value.(*executedEntry).order = o
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&executedEntry{id: o.ExchangeOrderID, order: o})
	c.idx[o.ExchangeOrderID] = el
	for c.ll.Len() > c.cap {
		back := c.ll.Back()
		if back == nil {
			break
		}
		c.ll.Remove(back)
		delete(c.idx, back.Value.(*executedEntry).id)
	}
}

func (c *executedLRU) get(id string) (models.Order, bool) {
	el, ok := c.idx[id]
	if !ok {
		return models.Order{}, false
	}
	return el.Value.(*executedEntry).order, true
}

// Private implements exchange.PrivateExchange for Gate.io USDT-margined
// futures, using in-band signed-subscription auth (no listen-key):
// every private channel subscription carries an "auth" block signed at
// subscribe time, resent verbatim on every reconnect by wstransport's
// subscription replay.
type Private struct {
	cfg    PrivateConfig
	logger *zap.Logger
	rest   *restclient.Client
	ws     *wstransport.Transport

	mu         sync.RWMutex
	symbolInfo map[models.Symbol]models.SymbolInfo
	openOrders map[models.Symbol]map[string]models.Order
	executed   map[models.Symbol]*executedLRU
	balances   map[string]models.AssetBalance

	handlersMu sync.RWMutex
	orderH     []exchange.OrderHandler
	balanceH   []exchange.BalanceHandler
	execH      []exchange.ExecutionHandler
}

func NewPrivate(cfg PrivateConfig, logger *zap.Logger) *Private {
	limiter := ratelimit.NewMultiLimiter()
	limiter.Add("order", 15, 30)
	limiter.Add("default", 20, 40)

	signer := Signer{APIKey: cfg.APIKey, APISecret: cfg.APISecret}
	rest := restclient.New("gateio", cfg.BaseURL, signer, limiter)

	return &Private{
		cfg:        cfg,
		logger:     logger,
		rest:       rest,
		symbolInfo: make(map[models.Symbol]models.SymbolInfo),
		openOrders: make(map[models.Symbol]map[string]models.Order),
		executed:   make(map[models.Symbol]*executedLRU),
		balances:   make(map[string]models.AssetBalance),
	}
}

func (p *Private) Name() string { return "gateio" }

func (p *Private) Initialize(ctx context.Context, symbolsInfo []models.SymbolInfo) error {
	p.mu.Lock()
	for _, si := range symbolsInfo {
		p.symbolInfo[si.Symbol] = si
		p.openOrders[si.Symbol] = make(map[string]models.Order)
		p.executed[si.Symbol] = newExecutedLRU(p.cfg.ExecutedOrdersCap)
	}
	p.mu.Unlock()

	p.ws = wstransport.New("gateio-private", p.cfg.WSURL, p.cfg.Transport, Decoder{}, p.logger)
	p.ws.SetOnEvent(p.onEvent)
	p.subscribePrivateChannel(channelOrders, "!all")
	p.subscribePrivateChannel(channelBalances, "")
	p.subscribePrivateChannel(channelUserTrades, "!all")

	if err := p.ws.Connect(); err != nil {
		return fmt.Errorf("gateio private: connect: %w", err)
	}

	if _, err := p.GetOpenOrders(ctx, nil, true); err != nil {
		p.logger.Warn("gateio private: initial open-orders refresh failed", zap.Error(err))
	}
	return nil
}

// subscribePrivateChannel builds and records a subscribe message carrying
// the in-band HMAC-SHA512 auth block, resent automatically by
// wstransport on every reconnect.
func (p *Private) subscribePrivateChannel(channel, payload string) {
	ts := time.Now().Unix()
	msg := map[string]interface{}{
		"time":    ts,
		"channel": channel,
		"event":   "subscribe",
		"auth": map[string]string{
			"method": "api_key",
			"KEY":    p.cfg.APIKey,
			"SIGN":   WSAuthSignature(p.cfg.APISecret, channel, ts),
		},
	}
	if payload != "" {
		msg["payload"] = []string{payload}
	}
	raw, _ := json.Marshal(msg)
	p.ws.AddSubscription(raw)
}

func (p *Private) onEvent(ev wstransport.Event) {
	switch ev.Kind {
	case wstransport.KindOrderUpdate:
		// Streamed sizes are contract counts; convert to base units
		// before they reach any consumer.
		o := *ev.Order
		o.RequestedQty = p.toBaseQty(o.Symbol, o.RequestedQty)
		o.FilledQty = p.toBaseQty(o.Symbol, o.FilledQty)
		p.updateOrder(o)
	case wstransport.KindBalanceUpdate:
		p.updateBalance(*ev.Balance)
	case wstransport.KindExecutionReport:
		t := *ev.Execution
		t.Qty = p.toBaseQty(t.Symbol, t.Qty)
		p.updateExecution(t)
	case wstransport.KindSubscriptionError:
		p.logger.Error("gateio: private subscription failed (likely auth)", zap.Error(ev.Error))
	}
}

func (p *Private) updateOrder(o models.Order) {
	p.mu.Lock()
	defer p.mu.Unlock()

	orders, ok := p.openOrders[o.Symbol]
	if !ok {
		orders = make(map[string]models.Order)
		p.openOrders[o.Symbol] = orders
	}
	exec, ok := p.executed[o.Symbol]
	if !ok {
		exec = newExecutedLRU(p.cfg.ExecutedOrdersCap)
		p.executed[o.Symbol] = exec
	}

	if o.IsDone() {
		delete(orders, o.ExchangeOrderID)
		exec.put(o)
	} else {
		orders[o.ExchangeOrderID] = o
	}

	p.handlersMu.RLock()
	handlers := append([]exchange.OrderHandler(nil), p.orderH...)
	p.handlersMu.RUnlock()
	for _, h := range handlers {
		go h(o)
	}
	metrics.OrderOperations.WithLabelValues("gateio", "futures", "update", string(o.Status)).Inc()
}

func (p *Private) updateBalance(b models.AssetBalance) {
	p.mu.Lock()
	p.balances[b.Asset] = b
	p.mu.Unlock()

	p.handlersMu.RLock()
	handlers := append([]exchange.BalanceHandler(nil), p.balanceH...)
	p.handlersMu.RUnlock()
	for _, h := range handlers {
		go h(b)
	}
}

// updateExecution fans out a private fill (futures.usertrades) to
// registered execution handlers.
func (p *Private) updateExecution(t models.Trade) {
	p.handlersMu.RLock()
	handlers := append([]exchange.ExecutionHandler(nil), p.execH...)
	p.handlersMu.RUnlock()
	for _, h := range handlers {
		go h(t)
	}
}

// round snaps qty down to the contract-size multiple, required for
// futures quantities, and raises a result below MinBaseQty to
// MinBaseQty. The symbol's precision fields are not applied.
func (p *Private) round(sym models.Symbol, qty float64) float64 {
	p.mu.RLock()
	info, ok := p.symbolInfo[sym]
	p.mu.RUnlock()
	if !ok {
		return qty
	}
	contracts := qty
	if info.ContractSize > 0 {
		contracts = utils.RoundToLotSize(qty, info.ContractSize)
	}
	if info.MinBaseQty > 0 && contracts < info.MinBaseQty {
		contracts = info.MinBaseQty
	}
	return contracts
}

// toContracts converts a base-asset quantity into the venue's integer
// contract count; the wire "size" field is always contracts.
func (p *Private) toContracts(sym models.Symbol, qty float64) int64 {
	p.mu.RLock()
	info, ok := p.symbolInfo[sym]
	p.mu.RUnlock()
	if !ok || info.ContractSize <= 0 {
		return int64(math.Round(qty))
	}
	return int64(math.Round(qty / info.ContractSize))
}

// toBaseQty converts a wire contract count back into base-asset units so
// futures quantities line up with the spot leg's.
func (p *Private) toBaseQty(sym models.Symbol, contracts float64) float64 {
	p.mu.RLock()
	info, ok := p.symbolInfo[sym]
	p.mu.RUnlock()
	if !ok || info.ContractSize <= 0 {
		return contracts
	}
	return contracts * info.ContractSize
}

func (p *Private) PlaceLimitOrder(ctx context.Context, params exchange.OrderParams) (models.Order, error) {
	return p.placeOrder(ctx, params, models.OrderTypeLimit)
}

func (p *Private) PlaceMarketOrder(ctx context.Context, params exchange.OrderParams) (models.Order, error) {
	return p.placeOrder(ctx, params, models.OrderTypeMarket)
}

func (p *Private) placeOrder(ctx context.Context, params exchange.OrderParams, typ models.OrderType) (models.Order, error) {
	contracts := p.toContracts(params.Symbol, p.round(params.Symbol, params.Quantity))
	if params.Side == models.SideSell {
		contracts = -contracts
	}

	body := map[string]interface{}{
		"contract": WireSymbol(params.Symbol),
		"size":     contracts,
	}
	if typ == models.OrderTypeLimit {
		body["price"] = strconv.FormatFloat(params.Price, 'f', -1, 64)
		body["tif"] = "gtc"
	} else {
		body["price"] = "0"
		body["tif"] = "ioc"
	}

	raw, err := p.rest.Post(ctx, "/futures/usdt/orders", nil, body, true, restclient.EndpointConfig{Timeout: 5 * time.Second, RateCategory: "order"})
	if err != nil {
		metrics.OrderOperations.WithLabelValues("gateio", "futures", "place", "error").Inc()
		return models.Order{}, err
	}

	var resp struct {
		ID         int64   `json:"id"`
		Contract   string  `json:"contract"`
		Size       float64 `json:"size"`
		Left       float64 `json:"left"`
		Price      string  `json:"price"`
		Status     string  `json:"status"`
		CreateTime float64 `json:"create_time"`
	}
	if err := restclient.Decode(raw, &resp); err != nil {
		return models.Order{}, fmt.Errorf("gateio: decode place-order response: %w", err)
	}

	filled := absFloat(resp.Size) - absFloat(resp.Left)
	order := models.Order{
		ExchangeOrderID: strconv.FormatInt(resp.ID, 10),
		Symbol:          params.Symbol,
		Side:            params.Side,
		Type:            typ,
		Price:           parseFloat(resp.Price),
		RequestedQty:    p.toBaseQty(params.Symbol, absFloat(resp.Size)),
		FilledQty:       p.toBaseQty(params.Symbol, filled),
		Status:          statusFromGate(resp.Status, "", resp.Size, resp.Left),
		CreatedAtMillis: int64(resp.CreateTime * 1000),
	}
	p.updateOrder(order)
	metrics.OrderOperations.WithLabelValues("gateio", "futures", "place", "ok").Inc()
	return order, nil
}

func (p *Private) CancelOrder(ctx context.Context, symbol models.Symbol, orderID string) error {
	_, err := p.rest.Delete(ctx, "/futures/usdt/orders/"+orderID, nil, true, restclient.EndpointConfig{Timeout: 5 * time.Second, RateCategory: "order"})
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.OrderOperations.WithLabelValues("gateio", "futures", "cancel", result).Inc()
	return err
}

func (p *Private) CancelAllOrders(ctx context.Context, symbol *models.Symbol) error {
	params := url.Values{}
	if symbol != nil {
		params.Set("contract", WireSymbol(*symbol))
	}
	_, err := p.rest.Delete(ctx, "/futures/usdt/orders", params, true, restclient.EndpointConfig{Timeout: 10 * time.Second, RateCategory: "order"})
	return err
}

func (p *Private) GetActiveOrder(ctx context.Context, symbol models.Symbol, orderID string) (models.Order, error) {
	p.mu.RLock()
	if orders, ok := p.openOrders[symbol]; ok {
		if o, ok := orders[orderID]; ok {
			p.mu.RUnlock()
			return o, nil
		}
	}
	if exec, ok := p.executed[symbol]; ok {
		if o, ok := exec.get(orderID); ok {
			p.mu.RUnlock()
			return o, nil
		}
	}
	p.mu.RUnlock()

	raw, err := p.rest.Get(ctx, "/futures/usdt/orders/"+orderID, nil, true, restclient.EndpointConfig{Timeout: 5 * time.Second})
	if err != nil {
		return models.Order{}, err
	}
	var resp struct {
		ID         int64   `json:"id"`
		Contract   string  `json:"contract"`
		Size       float64 `json:"size"`
		Left       float64 `json:"left"`
		Price      string  `json:"price"`
		Status     string  `json:"status"`
		CreateTime float64 `json:"create_time"`
	}
	if err := restclient.Decode(raw, &resp); err != nil {
		return models.Order{}, fmt.Errorf("gateio: decode order: %w", err)
	}
	side := models.SideBuy
	if resp.Size < 0 {
		side = models.SideSell
	}
	order := models.Order{
		ExchangeOrderID: strconv.FormatInt(resp.ID, 10),
		Symbol:          symbol,
		Side:            side,
		Price:           parseFloat(resp.Price),
		RequestedQty:    p.toBaseQty(symbol, absFloat(resp.Size)),
		FilledQty:       p.toBaseQty(symbol, absFloat(resp.Size)-absFloat(resp.Left)),
		Status:          statusFromGate(resp.Status, "", resp.Size, resp.Left),
		CreatedAtMillis: int64(resp.CreateTime * 1000),
	}
	p.updateOrder(order)
	return order, nil
}

func (p *Private) GetOpenOrders(ctx context.Context, symbol *models.Symbol, force bool) ([]models.Order, error) {
	if force {
		if err := p.refreshOpenOrders(ctx, symbol); err != nil {
			return nil, err
		}
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []models.Order
	if symbol != nil {
		for _, o := range p.openOrders[*symbol] {
			out = append(out, o)
		}
		return out, nil
	}
	for _, orders := range p.openOrders {
		for _, o := range orders {
			out = append(out, o)
		}
	}
	return out, nil
}

func (p *Private) refreshOpenOrders(ctx context.Context, symbol *models.Symbol) error {
	params := url.Values{"status": {"open"}}
	if symbol != nil {
		params.Set("contract", WireSymbol(*symbol))
	}
	raw, err := p.rest.Get(ctx, "/futures/usdt/orders", params, true, restclient.EndpointConfig{Timeout: 10 * time.Second})
	if err != nil {
		return err
	}
	var resp []struct {
		ID         int64   `json:"id"`
		Contract   string  `json:"contract"`
		Size       float64 `json:"size"`
		Left       float64 `json:"left"`
		Price      string  `json:"price"`
		Status     string  `json:"status"`
		CreateTime float64 `json:"create_time"`
	}
	if err := restclient.Decode(raw, &resp); err != nil {
		return fmt.Errorf("gateio: decode open orders: %w", err)
	}
	for _, o := range resp {
		side := models.SideBuy
		if o.Size < 0 {
			side = models.SideSell
		}
		sym := contractToSymbol(o.Contract)
		p.updateOrder(models.Order{
			ExchangeOrderID: strconv.FormatInt(o.ID, 10),
			Symbol:          sym,
			Side:            side,
			Price:           parseFloat(o.Price),
			RequestedQty:    p.toBaseQty(sym, absFloat(o.Size)),
			FilledQty:       p.toBaseQty(sym, absFloat(o.Size)-absFloat(o.Left)),
			Status:          statusFromGate(o.Status, "", o.Size, o.Left),
			CreatedAtMillis: int64(o.CreateTime * 1000),
		})
	}
	return nil
}

func (p *Private) GetAssetBalance(ctx context.Context, asset string, force bool) (models.AssetBalance, error) {
	if force {
		if err := p.refreshBalances(ctx); err != nil {
			return models.AssetBalance{}, err
		}
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if bal, ok := p.balances[asset]; ok {
		return bal, nil
	}
	return models.AssetBalance{Asset: asset}, nil
}

func (p *Private) refreshBalances(ctx context.Context) error {
	raw, err := p.rest.Get(ctx, "/futures/usdt/accounts", nil, true, restclient.EndpointConfig{Timeout: 10 * time.Second})
	if err != nil {
		return err
	}
	var resp struct {
		Total     string `json:"total"`
		Available string `json:"available"`
	}
	if err := restclient.Decode(raw, &resp); err != nil {
		return fmt.Errorf("gateio: decode account: %w", err)
	}
	p.mu.Lock()
	p.balances["USDT"] = models.AssetBalance{
		Asset:     "USDT",
		Available: parseFloat(resp.Available),
		Locked:    parseFloat(resp.Total) - parseFloat(resp.Available),
	}
	p.mu.Unlock()
	return nil
}

// Withdraw requests an on-chain withdrawal through the wallet API and
// returns the venue's withdrawal id.
func (p *Private) Withdraw(ctx context.Context, asset, network, address string, amount float64) (string, error) {
	body := map[string]interface{}{
		"currency": asset,
		"address":  address,
		"amount":   strconv.FormatFloat(amount, 'f', -1, 64),
	}
	if network != "" {
		body["chain"] = network
	}
	raw, err := p.rest.Post(ctx, "/withdrawals", nil, body, true, restclient.EndpointConfig{Timeout: 10 * time.Second})
	if err != nil {
		return "", err
	}
	var resp struct {
		ID int64 `json:"id"`
	}
	if err := restclient.Decode(raw, &resp); err != nil {
		return "", fmt.Errorf("gateio: decode withdraw response: %w", err)
	}
	return strconv.FormatInt(resp.ID, 10), nil
}

func (p *Private) RegisterOrderHandler(h exchange.OrderHandler) {
	p.handlersMu.Lock()
	p.orderH = append(p.orderH, h)
	p.handlersMu.Unlock()
}

func (p *Private) RegisterBalanceHandler(h exchange.BalanceHandler) {
	p.handlersMu.Lock()
	p.balanceH = append(p.balanceH, h)
	p.handlersMu.Unlock()
}

func (p *Private) RegisterExecutionHandler(h exchange.ExecutionHandler) {
	p.handlersMu.Lock()
	p.execH = append(p.execH, h)
	p.handlersMu.Unlock()
}

func (p *Private) Close() error {
	if p.ws != nil {
		return p.ws.Close()
	}
	return nil
}

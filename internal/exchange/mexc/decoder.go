package mexc

import (
	"fmt"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"arbitrage/internal/models"
	"arbitrage/internal/wstransport"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MEXC stream-id channel prefixes.
const (
	bookTickerPrefix = "spot@public.bookTicker"
	ordersPrefix      = "spot@private.orders"
	accountPrefix     = "spot@private.account"
	dealsPrefix       = "spot@private.deals"
)

// frame is the minimal envelope MEXC wraps every streamed payload in.
type frame struct {
	Channel string              `json:"c"`
	Symbol  string              `json:"s"`
	Data    jsoniter.RawMessage `json:"d"`
	Event   string              `json:"event"`
	Method  string              `json:"method"`
	Code    int                 `json:"code"`
	Msg     string              `json:"msg"`
}

type bookTickerPayload struct {
	BidPrice string `json:"b"`
	BidQty   string `json:"B"`
	AskPrice string `json:"a"`
	AskQty   string `json:"A"`
	Time     int64  `json:"t"`
}

type orderPayload struct {
	OrderID   string `json:"i"`
	ClientID  string `json:"c"`
	Side      int    `json:"S"`
	Status    int    `json:"s"`
	Price     string `json:"p"`
	Quantity  string `json:"v"`
	FilledQty string `json:"cv"`
	CreatedAt int64  `json:"O"`
}

type accountPayload struct {
	Asset  string `json:"a"`
	Free   string `json:"f"`
	Locked string `json:"l"`
}

type dealPayload struct {
	Price    string `json:"p"`
	Quantity string `json:"v"`
	Side     int    `json:"S"`
	Time     int64  `json:"t"`
	IsMaker  bool   `json:"m"`
	OrderID  string `json:"i"`
}

// Decoder implements wstransport.Decoder for MEXC's JSON public/private
// frames. MEXC also offers a protobuf stream; only the JSON variant is
// wired here.
type Decoder struct {
	Market models.Market
}

func (d Decoder) Decode(raw []byte, isBinary bool) (wstransport.Event, error) {
	if isBinary {
		return wstransport.Event{}, fmt.Errorf("mexc: binary (protobuf) frames are not decoded by this module")
	}

	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return wstransport.Event{}, fmt.Errorf("mexc: decode frame: %w", err)
	}

	if f.Method != "" && (f.Event == "" && f.Data == nil) {
		if f.Code != 0 {
			return wstransport.Event{Kind: wstransport.KindSubscriptionError, Error: fmt.Errorf("mexc: %s", f.Msg)}, nil
		}
		return wstransport.Event{Kind: wstransport.KindSubscriptionAck, SubscriptionChannel: f.Channel}, nil
	}

	switch {
	case f.Channel == "" && f.Event == "pong":
		return wstransport.Event{Kind: wstransport.KindHeartbeat}, nil
	case strings.HasPrefix(f.Channel, bookTickerPrefix):
		return d.decodeBookTicker(f)
	case strings.HasPrefix(f.Channel, ordersPrefix):
		return d.decodeOrder(f)
	case strings.HasPrefix(f.Channel, accountPrefix):
		return d.decodeAccount(f)
	case strings.HasPrefix(f.Channel, dealsPrefix):
		return d.decodeDeal(f)
	default:
		return wstransport.Event{Kind: wstransport.KindUnknown, Raw: raw}, nil
	}
}

func (d Decoder) decodeBookTicker(f frame) (wstransport.Event, error) {
	var p bookTickerPayload
	if err := json.Unmarshal(f.Data, &p); err != nil {
		return wstransport.Event{}, fmt.Errorf("mexc: decode book ticker: %w", err)
	}
	bt := models.BookTicker{
		Symbol:   models.Symbol{Base: baseFromMEXC(f.Symbol), Quote: quoteFromMEXC(f.Symbol), Market: d.Market},
		BidPrice: parseFloat(p.BidPrice),
		BidQty:   parseFloat(p.BidQty),
		AskPrice: parseFloat(p.AskPrice),
		AskQty:   parseFloat(p.AskQty),
		TSMillis: p.Time,
	}
	return wstransport.Event{Kind: wstransport.KindBookTicker, BookTicker: &bt}, nil
}

func (d Decoder) decodeOrder(f frame) (wstransport.Event, error) {
	var p orderPayload
	if err := json.Unmarshal(f.Data, &p); err != nil {
		return wstransport.Event{}, fmt.Errorf("mexc: decode order: %w", err)
	}
	o := models.Order{
		ExchangeOrderID: p.OrderID,
		ClientOrderID:   p.ClientID,
		Symbol:          models.Symbol{Base: baseFromMEXC(f.Symbol), Quote: quoteFromMEXC(f.Symbol), Market: d.Market},
		Side:            sideFromMEXC(p.Side),
		Price:           parseFloat(p.Price),
		RequestedQty:    parseFloat(p.Quantity),
		FilledQty:       parseFloat(p.FilledQty),
		Status:          statusFromMEXC(p.Status),
		CreatedAtMillis: p.CreatedAt,
	}
	return wstransport.Event{Kind: wstransport.KindOrderUpdate, Order: &o}, nil
}

func (d Decoder) decodeAccount(f frame) (wstransport.Event, error) {
	var p accountPayload
	if err := json.Unmarshal(f.Data, &p); err != nil {
		return wstransport.Event{}, fmt.Errorf("mexc: decode account: %w", err)
	}
	bal := models.AssetBalance{Asset: p.Asset, Available: parseFloat(p.Free), Locked: parseFloat(p.Locked)}
	return wstransport.Event{Kind: wstransport.KindBalanceUpdate, Balance: &bal}, nil
}

// decodeDeal handles spot@private.deals fills: one execution per frame,
// tradeType 1=BUY/2=SELL.
func (d Decoder) decodeDeal(f frame) (wstransport.Event, error) {
	var p dealPayload
	if err := json.Unmarshal(f.Data, &p); err != nil {
		return wstransport.Event{}, fmt.Errorf("mexc: decode deal: %w", err)
	}
	t := models.Trade{
		Symbol:   models.Symbol{Base: baseFromMEXC(f.Symbol), Quote: quoteFromMEXC(f.Symbol), Market: d.Market},
		Side:     sideFromMEXC(p.Side),
		Price:    parseFloat(p.Price),
		Qty:      parseFloat(p.Quantity),
		TSMillis: p.Time,
		OrderID:  p.OrderID,
		IsMaker:  p.IsMaker,
	}
	return wstransport.Event{Kind: wstransport.KindExecutionReport, Execution: &t}, nil
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func sideFromMEXC(v int) models.Side {
	if v == 1 {
		return models.SideBuy
	}
	return models.SideSell
}

// statusFromMEXC maps MEXC's numeric order status codes onto the shared
// status vocabulary.
func statusFromMEXC(v int) models.OrderStatus {
	switch v {
	case 1:
		return models.OrderStatusNew
	case 2:
		return models.OrderStatusFilled
	case 3:
		return models.OrderStatusPartiallyFilled
	case 4:
		return models.OrderStatusCanceled
	case 5:
		return models.OrderStatusPartiallyCanceled
	default:
		return models.OrderStatusUnknown
	}
}

// baseFromMEXC/quoteFromMEXC split a MEXC "BTCUSDT"-style symbol using
// the quote-asset suffixes this module trades against. Only USDT pairs
// are in scope.
func baseFromMEXC(sym string) string {
	if strings.HasSuffix(sym, "USDT") {
		return strings.TrimSuffix(sym, "USDT")
	}
	return sym
}

func quoteFromMEXC(sym string) string {
	if strings.HasSuffix(sym, "USDT") {
		return "USDT"
	}
	return ""
}

// WireSymbol renders a Symbol back into MEXC's "BASEQUOTE" stream
// suffix, e.g. {BTC,USDT} -> "BTCUSDT".
func WireSymbol(sym models.Symbol) string {
	return sym.Base + sym.Quote
}

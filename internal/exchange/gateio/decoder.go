package gateio

import (
	"fmt"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"arbitrage/internal/models"
	"arbitrage/internal/wstransport"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	channelBookTicker = "futures.book_ticker"
	channelOrderBook  = "futures.order_book"
	channelOrders     = "futures.orders"
	channelUserTrades = "futures.usertrades"
	channelBalances   = "futures.balances"
)

type wsFrame struct {
	Time    int64               `json:"time"`
	Channel string              `json:"channel"`
	Event   string              `json:"event"`
	Error   *wsError            `json:"error"`
	Result  jsoniter.RawMessage `json:"result"`
}

type wsError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type bookTickerPayload struct {
	Contract string `json:"s"`
	Bid      string `json:"b"`
	BidSize  int64  `json:"B"`
	Ask      string `json:"a"`
	AskSize  int64  `json:"A"`
	T        int64  `json:"t"`
}

type orderPayload struct {
	ID         int64   `json:"id"`
	Contract   string  `json:"contract"`
	Size       float64 `json:"size"`
	Left       float64 `json:"left"`
	Price      string  `json:"price"`
	FinishAs   string  `json:"finish_as"`
	Status     string  `json:"status"`
	CreateTime float64 `json:"create_time"`
}

type balancePayload struct {
	Currency  string `json:"currency"`
	Available string `json:"balance"`
}

type userTradePayload struct {
	ID         int64   `json:"id"`
	Contract   string  `json:"contract"`
	OrderID    string  `json:"order_id"`
	Size       float64 `json:"size"`
	Price      string  `json:"price"`
	Role       string  `json:"role"`
	CreateTime float64 `json:"create_time"`
}

// Decoder implements wstransport.Decoder for Gate.io futures JSON
// frames, switching on the frame's channel field.
type Decoder struct{}

func (Decoder) Decode(raw []byte, isBinary bool) (wstransport.Event, error) {
	if isBinary {
		return wstransport.Event{Kind: wstransport.KindUnknown, Raw: raw}, nil
	}

	var f wsFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return wstransport.Event{}, fmt.Errorf("gateio: decode frame: %w", err)
	}

	if f.Error != nil {
		return wstransport.Event{Kind: wstransport.KindSubscriptionError, Error: fmt.Errorf("gateio: %s", f.Error.Message)}, nil
	}
	if f.Event == "subscribe" {
		return wstransport.Event{Kind: wstransport.KindSubscriptionAck, SubscriptionChannel: f.Channel}, nil
	}
	if f.Channel == "futures.ping" || f.Event == "ping" {
		return wstransport.Event{Kind: wstransport.KindHeartbeat}, nil
	}
	if f.Event != "update" {
		return wstransport.Event{Kind: wstransport.KindUnknown, Raw: raw}, nil
	}

	switch f.Channel {
	case channelBookTicker:
		return decodeBookTicker(f.Result)
	case channelOrders:
		return decodeOrders(f.Result)
	case channelBalances:
		return decodeBalances(f.Result)
	case channelUserTrades:
		return decodeUserTrades(f.Result)
	default:
		return wstransport.Event{Kind: wstransport.KindUnknown, Raw: raw}, nil
	}
}

func decodeBookTicker(raw []byte) (wstransport.Event, error) {
	var p bookTickerPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return wstransport.Event{}, fmt.Errorf("gateio: decode book ticker: %w", err)
	}
	bt := models.BookTicker{
		Symbol:   contractToSymbol(p.Contract),
		BidPrice: parseFloat(p.Bid),
		BidQty:   float64(p.BidSize),
		AskPrice: parseFloat(p.Ask),
		AskQty:   float64(p.AskSize),
		TSMillis: p.T,
	}
	return wstransport.Event{Kind: wstransport.KindBookTicker, BookTicker: &bt}, nil
}

func decodeOrders(raw []byte) (wstransport.Event, error) {
	var ps []orderPayload
	if err := json.Unmarshal(raw, &ps); err != nil {
		return wstransport.Event{}, fmt.Errorf("gateio: decode orders: %w", err)
	}
	if len(ps) == 0 {
		return wstransport.Event{Kind: wstransport.KindUnknown}, nil
	}
	p := ps[0]
	side := models.SideBuy
	if p.Size < 0 {
		side = models.SideSell
	}
	filled := p.Size - p.Left
	if filled < 0 {
		filled = -filled
	}
	o := models.Order{
		ExchangeOrderID: strconv.FormatInt(p.ID, 10),
		Symbol:          contractToSymbol(p.Contract),
		Side:            side,
		Price:           parseFloat(p.Price),
		RequestedQty:    absFloat(p.Size),
		FilledQty:       filled,
		Status:          statusFromGate(p.Status, p.FinishAs, p.Size, p.Left),
		CreatedAtMillis: int64(p.CreateTime * 1000),
	}
	return wstransport.Event{Kind: wstransport.KindOrderUpdate, Order: &o}, nil
}

func decodeBalances(raw []byte) (wstransport.Event, error) {
	var ps []balancePayload
	if err := json.Unmarshal(raw, &ps); err != nil {
		return wstransport.Event{}, fmt.Errorf("gateio: decode balances: %w", err)
	}
	if len(ps) == 0 {
		return wstransport.Event{Kind: wstransport.KindUnknown}, nil
	}
	bal := models.AssetBalance{Asset: ps[0].Currency, Available: parseFloat(ps[0].Available)}
	return wstransport.Event{Kind: wstransport.KindBalanceUpdate, Balance: &bal}, nil
}

// decodeUserTrades handles futures.usertrades fills, one execution per
// element (mirrors decodeOrders' single-element convention).
func decodeUserTrades(raw []byte) (wstransport.Event, error) {
	var ps []userTradePayload
	if err := json.Unmarshal(raw, &ps); err != nil {
		return wstransport.Event{}, fmt.Errorf("gateio: decode user trades: %w", err)
	}
	if len(ps) == 0 {
		return wstransport.Event{Kind: wstransport.KindUnknown}, nil
	}
	p := ps[0]
	side := models.SideBuy
	if p.Size < 0 {
		side = models.SideSell
	}
	t := models.Trade{
		Symbol:   contractToSymbol(p.Contract),
		Side:     side,
		Price:    parseFloat(p.Price),
		Qty:      absFloat(p.Size),
		TSMillis: int64(p.CreateTime * 1000),
		OrderID:  p.OrderID,
		IsMaker:  p.Role == "maker",
	}
	return wstransport.Event{Kind: wstransport.KindExecutionReport, Execution: &t}, nil
}

func statusFromGate(status, finishAs string, size, left float64) models.OrderStatus {
	if status == "open" {
		switch {
		case left == 0:
			return models.OrderStatusFilled
		case absFloat(left) < absFloat(size):
			// Some contracts already traded, the rest still resting.
			return models.OrderStatusPartiallyFilled
		default:
			return models.OrderStatusNew
		}
	}
	switch finishAs {
	case "filled":
		return models.OrderStatusFilled
	case "cancelled":
		return models.OrderStatusCanceled
	case "liquidated", "ioc", "auto_deleveraged":
		return models.OrderStatusCanceled
	default:
		return models.OrderStatusUnknown
	}
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// contractToSymbol splits a Gate.io futures contract ("BTC_USDT") into
// a Symbol. Only USDT-quoted perpetuals are in scope for this module's
// venue pairing.
func contractToSymbol(contract string) models.Symbol {
	parts := strings.SplitN(contract, "_", 2)
	if len(parts) != 2 {
		return models.Symbol{Market: models.MarketFutures}
	}
	return models.Symbol{Base: parts[0], Quote: parts[1], Market: models.MarketFutures}
}

// WireSymbol renders a Symbol back into Gate.io's "BASE_QUOTE" contract
// name, e.g. {BTC,USDT} -> "BTC_USDT".
func WireSymbol(sym models.Symbol) string {
	return sym.Base + "_" + sym.Quote
}

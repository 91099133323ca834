package models

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Category identifies the Bybit market segment an order targets.
type Category string

const (
	CategoryLinear  Category = "linear"
	CategoryInverse Category = "inverse"
	CategorySpot    Category = "spot"
	CategoryOption  Category = "option"
)

// ParseCategory normalizes a category string from an inbound signal.
func ParseCategory(value string) (Category, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "linear":
		return CategoryLinear, nil
	case "inverse":
		return CategoryInverse, nil
	case "spot":
		return CategorySpot, nil
	case "option":
		return CategoryOption, nil
	}
	return "", fmt.Errorf("unsupported category %q", value)
}

// Side is the order direction in Bybit's casing.
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// ParseSide normalizes a side string from an inbound signal.
func ParseSide(value string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "buy", "long":
		return SideBuy, nil
	case "sell", "short":
		return SideSell, nil
	}
	return "", fmt.Errorf("unsupported side %q", value)
}

// OrderType is the execution type in Bybit's casing.
type OrderType string

const (
	OrderTypeMarket     OrderType = "Market"
	OrderTypeLimit      OrderType = "Limit"
	OrderTypeStopLimit  OrderType = "StopLimit"
	OrderTypeStopMarket OrderType = "StopMarket"
)

// ParseOrderType normalizes an order type string from an inbound signal.
func ParseOrderType(value string) (OrderType, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "market":
		return OrderTypeMarket, nil
	case "limit":
		return OrderTypeLimit, nil
	case "stoplimit", "stop_limit":
		return OrderTypeStopLimit, nil
	case "stopmarket", "stop_market":
		return OrderTypeStopMarket, nil
	}
	return "", fmt.Errorf("unsupported order type %q", value)
}

// RequiresPrice reports whether the order type must carry a limit price.
func (t OrderType) RequiresPrice() bool {
	return t == OrderTypeLimit || t == OrderTypeStopLimit
}

// TimeInForceGTC is the only time-in-force the relay submits.
const TimeInForceGTC = "GTC"

// OrderIntent is the validated, normalized trade instruction produced by the
// webhook ingress and consumed once by the submission client. Optional fields
// are nil when the inbound signal did not supply them and are never forwarded
// as explicit nulls.
type OrderIntent struct {
	Category     Category
	Symbol       string
	Side         Side
	OrderType    OrderType
	Qty          decimal.Decimal
	Price        *decimal.Decimal
	TimeInForce  string
	StopLoss     *decimal.Decimal
	TakeProfit   *decimal.Decimal
	TrailingStop *decimal.Decimal
}

// NewOrderIntent builds an intent and enforces its invariants: symbol present
// and upper-cased, quantity strictly positive, price present exactly when the
// order type requires one. A price supplied with a market order is dropped.
func NewOrderIntent(category Category, symbol string, side Side, orderType OrderType, qty decimal.Decimal, price *decimal.Decimal) (*OrderIntent, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("symbol must not be empty")
	}
	if !qty.IsPositive() {
		return nil, fmt.Errorf("quantity must be positive, got %s", qty)
	}
	if orderType.RequiresPrice() {
		if price == nil {
			return nil, fmt.Errorf("%s order requires a price", orderType)
		}
		if !price.IsPositive() {
			return nil, fmt.Errorf("price must be positive, got %s", price)
		}
	} else {
		price = nil
	}

	return &OrderIntent{
		Category:    category,
		Symbol:      symbol,
		Side:        side,
		OrderType:   orderType,
		Qty:         qty,
		Price:       price,
		TimeInForce: TimeInForceGTC,
	}, nil
}

// Params returns the intent reshaped to Bybit's request key convention.
// Absent optional fields are omitted from the map entirely.
func (o *OrderIntent) Params() map[string]string {
	params := map[string]string{
		"category":    string(o.Category),
		"symbol":      o.Symbol,
		"side":        string(o.Side),
		"orderType":   string(o.OrderType),
		"qty":         o.Qty.String(),
		"timeInForce": o.TimeInForce,
	}
	if o.Price != nil {
		params["price"] = o.Price.String()
	}
	if o.StopLoss != nil {
		params["stopLoss"] = o.StopLoss.String()
	}
	if o.TakeProfit != nil {
		params["takeProfit"] = o.TakeProfit.String()
	}
	if o.TrailingStop != nil {
		params["trailingStop"] = o.TrailingStop.String()
	}
	return params
}

package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType is the broker order type.
type OrderType string

const (
	OrderMarket OrderType = "MARKET"
	OrderLimit  OrderType = "LIMIT"
	OrderSL     OrderType = "SL"
	OrderSLM    OrderType = "SLM"
)

// ProductType is the broker product.
type ProductType string

const (
	ProductIntraday ProductType = "INTRADAY"
	ProductDelivery ProductType = "DELIVERY"
)

// Validity is the order validity.
type Validity string

const (
	ValidityDay Validity = "DAY"
	ValidityIOC Validity = "IOC"
)

// OrderStatus is the broker-reported order state.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderOpen      OrderStatus = "OPEN"
	OrderComplete  OrderStatus = "COMPLETE"
	OrderRejected  OrderStatus = "REJECTED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// Filled reports whether the order was fully executed.
func (s OrderStatus) Filled() bool {
	return s == OrderComplete
}

// Failed reports whether the broker refused or dropped the order.
func (s OrderStatus) Failed() bool {
	return s == OrderRejected || s == OrderCancelled
}

// OrderRequest is a broker order placement.
// ClientOrderID correlates retries so a repeated placement is not doubled.
type OrderRequest struct {
	ClientOrderID string           `json:"clientOrderId"`
	Symbol        string           `json:"symbol"`
	Quantity      int64            `json:"quantity"`
	Price         decimal.Decimal  `json:"price"` // zero for market orders
	OrderType     OrderType        `json:"orderType"`
	Side          Side             `json:"side"`
	ProductType   ProductType      `json:"productType"`
	Validity      Validity         `json:"validity"`
	StopLoss      *decimal.Decimal `json:"stopLoss,omitempty"`
	Target        *decimal.Decimal `json:"target,omitempty"`
}

// OrderResponse is the broker acknowledgement of a placement.
type OrderResponse struct {
	OrderID   string          `json:"orderId"`
	Status    OrderStatus     `json:"status"`
	Message   string          `json:"message"`
	FillPrice decimal.Decimal `json:"fillPrice"`
}

// Quote is a market-data snapshot for one symbol.
type Quote struct {
	Symbol        string          `json:"symbol"`
	LastPrice     decimal.Decimal `json:"lastPrice"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"changePercent"`
	Volume        int64           `json:"volume"`
	Timestamp     time.Time       `json:"timestamp"`
}

// BrokerPosition is a position as the broker reports it.
type BrokerPosition struct {
	Symbol      string          `json:"symbol"`
	Quantity    int64           `json:"quantity"`
	AvgPrice    decimal.Decimal `json:"avgPrice"`
	LastPrice   decimal.Decimal `json:"lastPrice"`
	ProductType ProductType     `json:"productType"`
}

// BrokerCredentials identify one broker account.
type BrokerCredentials struct {
	ClientCode  string
	APIKey      string
	AccessToken string
	Password    string
	TOTPSecret  string
}

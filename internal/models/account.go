package models

import "math"

// PositionSide is the direction of an open position.
type PositionSide string

const (
	SideLong  PositionSide = "long"
	SideShort PositionSide = "short"
)

// Opposite returns the other position direction.
func (s PositionSide) Opposite() PositionSide {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// OrderSide is the direction of an order or fill.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// Opposite returns the other order side.
func (s OrderSide) Opposite() OrderSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OpensSide is the position direction a fill on s would open.
func (s OrderSide) OpensSide() PositionSide {
	if s == SideBuy {
		return SideLong
	}
	return SideShort
}

// ClosingSide is the order side that reduces a position on s.
func (s PositionSide) ClosingSide() OrderSide {
	if s == SideLong {
		return SideSell
	}
	return SideBuy
}

type MarginMode string

const (
	MarginCross    MarginMode = "cross"
	MarginIsolated MarginMode = "isolated"
)

// Position is one open position on a venue.
type Position struct {
	Exchange         string       `json:"exchange"`
	Symbol           string       `json:"symbol"`
	Side             PositionSide `json:"side"`
	Size             float64      `json:"size"`
	EntryPrice       float64      `json:"entryPrice"`
	MarkPrice        float64      `json:"markPrice"`
	LiquidationPrice float64      `json:"liquidationPrice"`
	Leverage         float64      `json:"leverage"`
	MarginMode       MarginMode   `json:"marginMode"`
	Margin           float64      `json:"margin"`
	UnrealizedPnl    float64      `json:"unrealizedPnl"`
	Timestamp        int64        `json:"timestamp"`
}

// Key identifies the position slot: per side in hedge mode, per symbol otherwise.
func (p Position) Key(hedge bool) string {
	if hedge {
		return p.Exchange + "|" + p.Symbol + "|" + string(p.Side)
	}
	return p.Exchange + "|" + p.Symbol
}

// Closed reports whether the last reported size means the slot is flat.
func (p Position) Closed() bool {
	return p.Size == 0
}

type OrderStatus string

const (
	StatusOpen     OrderStatus = "open"
	StatusPartial  OrderStatus = "partial"
	StatusClosed   OrderStatus = "closed"
	StatusCanceled OrderStatus = "canceled"
)

// Terminal reports whether the order left the book.
func (s OrderStatus) Terminal() bool {
	return s == StatusClosed || s == StatusCanceled
}

type OrderCategory string

const (
	CategoryRegular OrderCategory = "regular"
	CategoryAlgo    OrderCategory = "algo"
	CategoryTPSL    OrderCategory = "tpsl"
)

// Suffixes for the synthetic ids of a combined take-profit/stop-loss order.
const (
	TakeProfitSuffix = "_tp"
	StopLossSuffix   = "_sl"
)

// Order is one working order on a venue.
type Order struct {
	Exchange     string        `json:"exchange"`
	Symbol       string        `json:"symbol"`
	ID           string        `json:"id"`
	ClientID     string        `json:"clientId,omitempty"`
	Side         OrderSide     `json:"side"`
	Type         string        `json:"type"`
	Size         float64       `json:"size"`
	Price        float64       `json:"price"`
	TriggerPrice float64       `json:"triggerPrice,omitempty"`
	Filled       float64       `json:"filled"`
	Status       OrderStatus   `json:"status"`
	Category     OrderCategory `json:"category"`
	ReduceOnly   bool          `json:"reduceOnly"`
	Timestamp    int64         `json:"timestamp"`
}

// Key identifies the order within the reconciler maps.
func (o Order) Key() string {
	return o.Exchange + "|" + o.ID
}

// Balance is the margin account summary of a venue.
type Balance struct {
	Exchange    string  `json:"exchange"`
	Currency    string  `json:"currency"`
	Total       float64 `json:"total"`
	Available   float64 `json:"available"`
	Used        float64 `json:"used"`
	LastUpdated int64   `json:"lastUpdated"`
}

// NewBalance derives Used as max(0, total-available).
func NewBalance(exchange, currency string, total, available float64, ts int64) Balance {
	return Balance{
		Exchange:    exchange,
		Currency:    currency,
		Total:       total,
		Available:   available,
		Used:        math.Max(0, total-available),
		LastUpdated: ts,
	}
}

// Fill is one execution reported by a venue.
type Fill struct {
	Exchange     string       `json:"exchange"`
	Symbol       string       `json:"symbol"`
	OrderID      string       `json:"orderId"`
	TradeID      string       `json:"tradeId"`
	Side         OrderSide    `json:"side"`
	PositionSide PositionSide `json:"positionSide,omitempty"`
	Direction    string       `json:"direction,omitempty"`
	Price        float64      `json:"price"`
	Size         float64      `json:"size"`
	RealizedPnl  float64      `json:"realizedPnl"`
	HasPnl       bool         `json:"-"`
	Fee          float64      `json:"fee"`
	Leverage     float64      `json:"leverage,omitempty"`
	Timestamp    int64        `json:"timestamp"`
}

// ClosedTrade is derived once from the fills that closed a position.
type ClosedTrade struct {
	Exchange    string       `json:"exchange"`
	Symbol      string       `json:"symbol"`
	OrderID     string       `json:"orderId,omitempty"`
	Side        PositionSide `json:"side"`
	Size        float64      `json:"size"`
	EntryPrice  float64      `json:"entryPrice"`
	ExitPrice   float64      `json:"exitPrice"`
	RealizedPnl float64      `json:"realizedPnl"`
	Leverage    float64      `json:"leverage"`
	ClosedAt    int64        `json:"closedAt"`
}

// Package model holds the canonical types shared by the execution core. Venue
// payloads are normalised into these types before any component sees them.
package model

import "strings"

// Side of an order or position.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Inverse returns the side that closes a position opened with s.
func (s Side) Inverse() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Sign is +1 for BUY and -1 for SELL.
func (s Side) Sign() int64 {
	if s == SideBuy {
		return 1
	}
	return -1
}

func ParseSide(v string) (Side, bool) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "BUY", "LONG", "BID":
		return SideBuy, true
	case "SELL", "SHORT", "ASK":
		return SideSell, true
	}
	return "", false
}

type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

type TimeInForce string

const (
	TIFGoodTillCancel    TimeInForce = "GTC"
	TIFImmediateOrCancel TimeInForce = "IOC"
	TIFPostOnly          TimeInForce = "POST_ONLY"
)

// OrderStatus is the canonical order lifecycle state.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusUnknown         OrderStatus = "UNKNOWN"
)

func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusExpired, OrderStatusRejected:
		return true
	}
	return false
}

// IsAmbiguous reports whether a terminal report can hide a fill: cancelled,
// expired or unknown orders must be checked against positions.
func (s OrderStatus) IsAmbiguous() bool {
	switch s {
	case OrderStatusCancelled, OrderStatusExpired, OrderStatusUnknown:
		return true
	}
	return false
}

// Regime is the volatility regime reported by the volatility port.
type Regime string

const (
	RegimeLow     Regime = "LOW"
	RegimeNormal  Regime = "NORMAL"
	RegimeHigh    Regime = "HIGH"
	RegimeHardCap Regime = "HARD_CAP"
)

// LegRole distinguishes the maker-first leg from the hedge leg.
type LegRole string

const (
	RoleMaker LegRole = "MAKER"
	RoleHedge LegRole = "HEDGE"
)

// PriceSource tags where a price sample came from.
type PriceSource string

const (
	SourceStreamed PriceSource = "STREAMED"
	SourcePolled   PriceSource = "POLLED"
)

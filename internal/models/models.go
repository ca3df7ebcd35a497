// Package models defines the core domain entities: quotes, bars, candidates,
// fill events, and the items of a daily trade batch.
package models

import (
	"errors"
	"time"
)

// Side is the direction of a candidate or submitted trade.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Direction of an order-flow signal.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// ImbalanceDominant is the sentinel imbalance value reported when the ask side
// is empty: the bid dominates totally and the true ratio is unbounded.
const ImbalanceDominant = 999.0

// QuoteSnapshot is the best bid/ask with sizes at one instant.
// It is transient: fetched, evaluated, and discarded each cycle.
type QuoteSnapshot struct {
	Bid     float64
	Ask     float64
	BidSize uint64
	AskSize uint64
}

// Spread returns ask minus bid.
func (q QuoteSnapshot) Spread() float64 {
	return q.Ask - q.Bid
}

// Imbalance returns bid size over ask size, or ImbalanceDominant when the ask
// side is empty. Never divides by zero.
func (q QuoteSnapshot) Imbalance() float64 {
	if q.AskSize == 0 {
		return ImbalanceDominant
	}
	return float64(q.BidSize) / float64(q.AskSize)
}

// Bar is one OHLC aggregate for a symbol.
type Bar struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    uint64
}

// Candidate is a graded symbol produced by one evaluation cycle.
// Candidates are recomputed every cycle and never persisted.
type Candidate struct {
	Symbol         string
	Side           Side
	Score          float64
	ReferencePrice float64
	RSI            float64
	TrendPct       float64
	RSIBuffer      float64
}

// Validate checks candidate field constraints.
func (c *Candidate) Validate() error {
	if c.Symbol == "" {
		return errors.New("candidate symbol must not be empty")
	}
	if c.Side != SideLong && c.Side != SideShort {
		return errors.New("candidate side must be long or short")
	}
	if c.ReferencePrice <= 0 {
		return errors.New("candidate reference price must be positive")
	}
	if c.RSI < 0 || c.RSI > 100 {
		return errors.New("candidate rsi must be between 0 and 100")
	}
	return nil
}

// FillSide is the side of an executed order reported by the brokerage.
type FillSide string

const (
	FillBuy  FillSide = "buy"
	FillSell FillSide = "sell"
)

// StatusFilled is the only fill status the system acts on.
const StatusFilled = "filled"

// FillEvent is one order-update event from the brokerage stream.
type FillEvent struct {
	Symbol   string
	Side     FillSide
	Status   string
	AvgPrice float64
	Qty      float64
	At       time.Time
}

// Filled reports whether the event is a completed fill worth acting on.
func (f FillEvent) Filled() bool {
	return f.Status == StatusFilled && f.Qty > 0
}

// Validate checks fill event field constraints.
func (f *FillEvent) Validate() error {
	if f.Symbol == "" {
		return errors.New("fill symbol must not be empty")
	}
	if f.Side != FillBuy && f.Side != FillSell {
		return errors.New("fill side must be buy or sell")
	}
	if f.Qty < 0 {
		return errors.New("fill quantity must not be negative")
	}
	if f.AvgPrice < 0 {
		return errors.New("fill price must not be negative")
	}
	return nil
}

// Position is an open brokerage position.
type Position struct {
	Symbol        string
	Qty           float64
	AvgEntryPrice float64
}

// BatchItem is one entry of the daily trade batch.
type BatchItem struct {
	Symbol string
	Side   Side
}

// TradeRecord is one journaled row of a daily batch: a selected candidate and
// whether its submission went through.
type TradeRecord struct {
	Symbol    string
	Side      Side
	Score     float64
	RefPrice  float64
	Submitted bool
}

// BracketOrder describes a market-notional entry with attached exits.
// Exit prices are mirrored by side: long takes profit above and stops below,
// short the opposite.
type BracketOrder struct {
	Symbol     string
	Side       Side
	Notional   float64
	TakeProfit float64
	StopLoss   float64
}

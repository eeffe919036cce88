// Package strategy holds the position model and the per-coin evaluator
// that turns indicator snapshots into trade intents.
package strategy

import (
	"fmt"
	"math"

	"bithumb-trader/pkg/types"
)

// Profit target modes, frozen per position at entry.
const (
	TargetPercent = "percent_based"
	TargetBB      = "bb_based"
)

// Lot is one FIFO entry lot. Partial exits consume lots from the head;
// a partially consumed lot keeps only its remaining quantity.
type Lot struct {
	TS    int64   `json:"ts"` // entry time, epoch milliseconds
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
}

// Position is the full per-coin long position state. It is created by the
// executor on a successful first entry, mutated only by the executor, and
// destroyed when size reaches zero.
type Position struct {
	Coin            types.Coin `json:"-"` // map key in the store, set on load
	Size            float64    `json:"size"`
	AvgEntryPrice   float64    `json:"avg_entry_price"`
	EntryCount      int        `json:"entry_count"`
	EntryLots       []Lot      `json:"entry_lots"`
	HighestHigh     float64    `json:"highest_high_since_entry"`
	ChandelierStop  float64    `json:"chandelier_stop"`
	FirstTargetHit  bool       `json:"first_target_hit"`
	SecondTargetHit bool       `json:"second_target_hit"`
	PositionPct     float64    `json:"position_pct"`
	TargetMode      string     `json:"profit_target_mode"`
	TP1Pct          float64    `json:"tp1_pct"`
	TP2Pct          float64    `json:"tp2_pct"`
	ChandelierMult  float64    `json:"chandelier_mult"`
}

// NewPosition opens a position with its first lot. The chandelier stop
// seeds at entry − mult·ATR and only ever rises from there.
func NewPosition(coin types.Coin, tsMillis int64, price, qty float64, mode string, tp1Pct, tp2Pct, chandelierMult, atr float64) *Position {
	return &Position{
		Coin:           coin,
		Size:           qty,
		AvgEntryPrice:  price,
		EntryCount:     1,
		EntryLots:      []Lot{{TS: tsMillis, Price: price, Qty: qty}},
		HighestHigh:    price,
		ChandelierStop: price - chandelierMult*atr,
		PositionPct:    100,
		TargetMode:     mode,
		TP1Pct:         tp1Pct,
		TP2Pct:         tp2Pct,
		ChandelierMult: chandelierMult,
	}
}

// AddLot appends a pyramid lot and recomputes the weighted average entry.
// Pyramiding while TP1 was already hit re-arms the first target against
// the new average and restores the full position percentage.
func (p *Position) AddLot(tsMillis int64, price, qty float64) {
	p.AvgEntryPrice = (p.AvgEntryPrice*p.Size + price*qty) / (p.Size + qty)
	p.Size += qty
	p.EntryCount++
	p.EntryLots = append(p.EntryLots, Lot{TS: tsMillis, Price: price, Qty: qty})

	if p.FirstTargetHit {
		p.FirstTargetHit = false
	}
	p.PositionPct = 100
}

// UpdateTrail raises the chandelier stop from a new bar high. The stop is
// monotonic: a falling candidate never lowers it.
func (p *Position) UpdateTrail(barHigh, atrNow float64) {
	if barHigh > p.HighestHigh {
		p.HighestHigh = barHigh
	}
	candidate := p.HighestHigh - p.ChandelierMult*atrNow
	if candidate > p.ChandelierStop {
		p.ChandelierStop = candidate
	}
}

// RaiseStopTo lifts the stop to at least the given price (breakeven move
// after TP1). Never lowers it.
func (p *Position) RaiseStopTo(price float64) {
	if price > p.ChandelierStop {
		p.ChandelierStop = price
	}
}

// ConsumeFIFO sells qty against the entry lots from the head and returns
// the realized P&L: Σ matched·(sellPrice − lotPrice) − fee. Lots are
// reduced or removed; a partially consumed lot keeps its remainder.
func (p *Position) ConsumeFIFO(qty, sellPrice, fee float64) (realized float64, err error) {
	if qty <= 0 {
		return 0, fmt.Errorf("consume %v: quantity must be positive", qty)
	}
	if qty > p.Size+1e-9 {
		return 0, fmt.Errorf("consume %v: exceeds position size %v", qty, p.Size)
	}

	remaining := qty
	for remaining > 1e-12 && len(p.EntryLots) > 0 {
		lot := &p.EntryLots[0]
		matched := math.Min(lot.Qty, remaining)
		realized += matched * (sellPrice - lot.Price)
		lot.Qty -= matched
		remaining -= matched
		if lot.Qty <= 1e-12 {
			p.EntryLots = p.EntryLots[1:]
		}
	}

	p.Size -= qty
	if p.Size < 1e-9 {
		p.Size = 0
	}
	return realized - fee, nil
}

// TP1Price returns the first take-profit level. Percent targets are
// anchored to the weighted average entry; band targets track the current
// Bollinger mid.
func (p *Position) TP1Price(snap types.IndicatorSnapshot) float64 {
	if p.TargetMode == TargetBB {
		return snap.BBMid
	}
	return p.AvgEntryPrice * (1 + p.TP1Pct/100)
}

// TP2Price returns the second take-profit level (weighted-average anchor
// for percent mode, current Bollinger upper for band mode).
func (p *Position) TP2Price(snap types.IndicatorSnapshot) float64 {
	if p.TargetMode == TargetBB {
		return snap.BBUpper
	}
	return p.AvgEntryPrice * (1 + p.TP2Pct/100)
}

// Clone returns a deep copy for read-only snapshots.
func (p *Position) Clone() *Position {
	cp := *p
	cp.EntryLots = make([]Lot, len(p.EntryLots))
	copy(cp.EntryLots, p.EntryLots)
	return &cp
}

// LotQtySum is the quantity remaining across all lots; it must always
// equal Size.
func (p *Position) LotQtySum() float64 {
	var sum float64
	for _, lot := range p.EntryLots {
		sum += lot.Qty
	}
	return sum
}

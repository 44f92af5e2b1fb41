// Package allocator decides which stock records serve a demand. It is a pure
// function of its inputs: no storage, no clock, no errors. Unmet demand is
// reported as Shortfall.
package allocator

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultExpiryWindow: records expiring within this window of now are served first.
const DefaultExpiryWindow = 48 * time.Hour

// Candidate is one stock record as seen by the allocator.
type Candidate struct {
	StockRecordID  uint
	BatchID        uint
	SourceID       string
	Grade          string
	Quantity       decimal.Decimal // available, not on-hand
	EntryTimestamp time.Time
	ExpiryDate     *time.Time
	IsRepacked     bool
}

// Demand is a quantity to serve plus the filters of its owning line.
type Demand struct {
	Key             string
	Quantity        decimal.Decimal
	PriorityKey     int64
	Grade           string
	ExcludedSources []string
	Batches         []uint
}

type Line struct {
	StockRecordID uint
	BatchID       uint
	Quantity      decimal.Decimal
}

type Plan struct {
	Key       string
	Requested decimal.Decimal
	Allocated decimal.Decimal
	Shortfall decimal.Decimal
	Lines     []Line
}

// Fulfilled reports whether the plan covers the whole request.
func (p Plan) Fulfilled() bool {
	return !p.Shortfall.IsPositive()
}

type Policy struct {
	ExpiryWindow time.Duration
}

func DefaultPolicy() Policy {
	return Policy{ExpiryWindow: DefaultExpiryWindow}
}

// Allocate serves d from candidates with the default policy.
func Allocate(d Demand, candidates []Candidate, now time.Time) Plan {
	return DefaultPolicy().Plan(d, candidates, now)
}

// PlanAll serves demands from one shared pool with the default policy.
func PlanAll(demands []Demand, candidates []Candidate, now time.Time) []Plan {
	return DefaultPolicy().PlanAll(demands, candidates, now)
}

// Plan walks the ordered candidates greedily until d is covered or the
// pool is exhausted.
func (p Policy) Plan(d Demand, candidates []Candidate, now time.Time) Plan {
	pool := p.Order(candidates, now)
	return consume(d, pool)
}

// PlanAll serves demands in ascending PriorityKey order (Key breaks ties)
// from a single pool, so earlier demands are filled first. Plans are
// returned in the order they were served.
func (p Policy) PlanAll(demands []Demand, candidates []Candidate, now time.Time) []Plan {
	pool := p.Order(candidates, now)

	ordered := make([]Demand, len(demands))
	copy(ordered, demands)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].PriorityKey != ordered[j].PriorityKey {
			return ordered[i].PriorityKey < ordered[j].PriorityKey
		}
		return ordered[i].Key < ordered[j].Key
	})

	plans := make([]Plan, 0, len(ordered))
	for _, d := range ordered {
		plans = append(plans, consume(d, pool))
	}
	return plans
}

// Order returns a copy of candidates sorted by allocation priority with
// empty and expired records removed:
//  1. expiring within the window, soonest first
//  2. repacked batches
//  3. everything else, oldest entry first
func (p Policy) Order(candidates []Candidate, now time.Time) []Candidate {
	cutoff := now.Add(p.window())
	today := startOfDay(now)

	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if !c.Quantity.IsPositive() {
			continue
		}
		if c.ExpiryDate != nil && c.ExpiryDate.Before(today) {
			continue
		}
		out = append(out, c)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		ra, rb := p.rank(a, cutoff), p.rank(b, cutoff)
		if ra != rb {
			return ra < rb
		}
		if ra == rankExpiring && !a.ExpiryDate.Equal(*b.ExpiryDate) {
			return a.ExpiryDate.Before(*b.ExpiryDate)
		}
		if !a.EntryTimestamp.Equal(b.EntryTimestamp) {
			return a.EntryTimestamp.Before(b.EntryTimestamp)
		}
		return a.StockRecordID < b.StockRecordID
	})
	return out
}

const (
	rankExpiring = iota
	rankRepacked
	rankFIFO
)

func (p Policy) rank(c Candidate, cutoff time.Time) int {
	switch {
	case c.ExpiryDate != nil && !c.ExpiryDate.After(cutoff):
		return rankExpiring
	case c.IsRepacked:
		return rankRepacked
	default:
		return rankFIFO
	}
}

func (p Policy) window() time.Duration {
	if p.ExpiryWindow <= 0 {
		return DefaultExpiryWindow
	}
	return p.ExpiryWindow
}

// consume takes from pool in order and decrements it in place.
func consume(d Demand, pool []Candidate) Plan {
	plan := Plan{
		Key:       d.Key,
		Requested: d.Quantity,
		Allocated: decimal.Zero,
		Shortfall: decimal.Zero,
	}
	remaining := d.Quantity
	if !remaining.IsPositive() {
		return plan
	}

	excluded := make(map[string]struct{}, len(d.ExcludedSources))
	for _, s := range d.ExcludedSources {
		excluded[s] = struct{}{}
	}
	var allowed map[uint]struct{}
	if len(d.Batches) > 0 {
		allowed = make(map[uint]struct{}, len(d.Batches))
		for _, b := range d.Batches {
			allowed[b] = struct{}{}
		}
	}

	for i := range pool {
		if !remaining.IsPositive() {
			break
		}
		c := &pool[i]
		if !c.Quantity.IsPositive() {
			continue
		}
		if d.Grade != "" && c.Grade != d.Grade {
			continue
		}
		if _, skip := excluded[c.SourceID]; skip && c.SourceID != "" {
			continue
		}
		if allowed != nil {
			if _, ok := allowed[c.BatchID]; !ok {
				continue
			}
		}

		take := decimal.Min(c.Quantity, remaining)
		plan.Lines = append(plan.Lines, Line{
			StockRecordID: c.StockRecordID,
			BatchID:       c.BatchID,
			Quantity:      take,
		})
		plan.Allocated = plan.Allocated.Add(take)
		remaining = remaining.Sub(take)
		c.Quantity = c.Quantity.Sub(take)
	}

	if remaining.IsPositive() {
		plan.Shortfall = remaining
	}
	return plan
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

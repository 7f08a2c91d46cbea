package library

import "fmt"

// LateFee is daysOverdue times the daily rate for the book type. Fees are only
// computed once, when the copy comes back, and are stored unrounded.
func (p Policy) LateFee(kind BookKind, daysOverdue int) float64 {
	if daysOverdue <= 0 {
		return 0
	}
	return float64(daysOverdue) * p.LateFeeRates[kind]
}

// DamageFee is the charge for a copy that left in from and came back in to.
func (p Policy) DamageFee(from, to Condition) float64 {
	if to <= from {
		return 0
	}
	return p.DamageFees[from][to]
}

// ReplacementCost prices a new copy of b at its current condition. Types without an
// entry for that condition fall back to the GOOD price.
func (p Policy) ReplacementCost(b *Book) float64 {
	costs := p.ReplacementCosts[b.Kind]
	cost, ok := costs[b.Condition]
	if !ok {
		cost = costs[ConditionGood]
	}
	if b.Rare != nil {
		cost += b.Rare.EstimatedValue
	}
	return cost
}

// FormatFee rounds to cents for display.
func FormatFee(fee float64) string {
	return fmt.Sprintf("%.2f", fee)
}

package pricing

import (
	"time"

	"github.com/shopspring/decimal"
)

// Step records one modifier applied to a running total.
type Step struct {
	Step    int             `json:"step"`
	RuleKey string          `json:"rule_key"`
	Value   decimal.Decimal `json:"value"`
}

var hundred = decimal.NewFromInt(100)

// Round rounds half away from zero at the rule set precision. All priced
// amounts are non-negative in practice, where this equals half-up.
func (rs *RuleSet) Round(v decimal.Decimal) decimal.Decimal {
	return v.Round(rs.Precision)
}

// Calculate returns rate(code) x qty rounded to the configured precision.
func (rs *RuleSet) Calculate(code string, qty decimal.Decimal) (decimal.Decimal, error) {
	rate, ok := rs.Rate(code)
	if !ok {
		return decimal.Zero, &UnknownRateError{Code: code}
	}
	if qty.IsNegative() {
		return decimal.Zero, ErrInvalidQuantity
	}
	return rs.Round(rate.Mul(qty)), nil
}

// ApplyModifiers runs every applicable modifier in order. Each delta is
// computed from the running total, not from base, so order matters.
func (rs *RuleSet) ApplyModifiers(base decimal.Decimal, at time.Time) (decimal.Decimal, []Step) {
	running := base
	steps := []Step{}
	for _, m := range rs.OrderedModifiers() {
		if !m.AppliesAt(at) {
			continue
		}
		delta := rs.Round(running.Mul(m.Percent).Div(hundred))
		running = running.Add(delta)
		steps = append(steps, Step{Step: len(steps) + 1, RuleKey: m.Name, Value: delta})
	}
	return running, steps
}

// Price is Calculate followed by ApplyModifiers.
func (rs *RuleSet) Price(code string, qty decimal.Decimal, at time.Time) (base, total decimal.Decimal, steps []Step, err error) {
	base, err = rs.Calculate(code, qty)
	if err != nil {
		return decimal.Zero, decimal.Zero, nil, err
	}
	total, steps = rs.ApplyModifiers(base, at)
	return base, total, steps, nil
}

// AppliesAt reports whether the modifier fires for a timestamp.
func (m Modifier) AppliesAt(at time.Time) bool {
	switch m.Applies {
	case AppliesAlways:
		return true
	case AppliesWeekend:
		wd := at.Weekday()
		return wd == time.Saturday || wd == time.Sunday
	case AppliesWeekday:
		wd := at.Weekday()
		return wd != time.Saturday && wd != time.Sunday
	case AppliesNight:
		h := at.Hour()
		if m.FromHour <= m.ToHour {
			return h >= m.FromHour && h < m.ToHour
		}
		return h >= m.FromHour || h < m.ToHour
	}
	return false
}

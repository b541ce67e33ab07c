/*
calculator.go - Per-worker amount computation

PURPOSE:
  Converts one worker's eligible entries into gross, signed adjustment
  total, and net amounts, plus the per-entry line amounts the orchestrator
  persists as RemittanceLines.

AMOUNT RULES:
  gross       = sum of (hours x rate), EACH TERM rounded to the minor unit
                before summing
  adjustments = sum of +amount (additions) and -amount (deductions)
  net         = gross + adjustments

  Net may be negative - workers can owe. The engine never clamps; the
  downstream payout policy decides whether to withhold.

NO ROUNDING DRIFT:
  Totals are computed AS the sum of already-rounded line amounts, never
  rounded independently, so the sum of persisted lines always equals the
  persisted net exactly.

SEE ALSO:
  - money: Rounding and validation rules
  - orchestrator.go: Persists the lines this produces
*/
package settlement

import (
	"fmt"

	"github.com/warp/settlement-engine/money"
)

// =============================================================================
// CALCULATION RESULT
// =============================================================================

// Line is one entry's signed contribution.
type Line struct {
	Entry  Entry
	Amount money.Money
}

// Calculation is one worker's computed payout.
//
// INVARIANT: Net = Gross + Adjustments = sum of Lines[i].Amount, exactly.
type Calculation struct {
	Gross       money.Money
	Adjustments money.Money
	Net         money.Money
	Lines       []Line
}

// IsZero reports a worker with nothing to pay and nothing recorded:
// both gross and net are zero. (Net alone being zero - an adjustment
// exactly cancelling work - is NOT zero here; that remittance is still
// materialized for audit.)
func (c Calculation) IsZero() bool {
	return c.Gross.IsZero() && c.Net.IsZero()
}

// =============================================================================
// CALCULATE
// =============================================================================

// Calculate computes one worker's amounts from eligible entries, in the
// order given. Negative hours, rates, or adjustment magnitudes are
// rejected with money.ErrInvalidAmount.
func Calculate(entries []Entry) (Calculation, error) {
	calc := Calculation{
		Gross:       money.Zero(),
		Adjustments: money.Zero(),
		Net:         money.Zero(),
		Lines:       make([]Line, 0, len(entries)),
	}

	for _, e := range entries {
		var amount money.Money
		if e.IsSegment() {
			seg := e.Segment
			lineAmount, err := money.SegmentAmount(seg.HoursWorked, seg.HourlyRate)
			if err != nil {
				return Calculation{}, fmt.Errorf("segment %s: %w", seg.ID, err)
			}
			amount = lineAmount
			calc.Gross = calc.Gross.Add(lineAmount)
		} else {
			adj := e.Adjustment
			if adj.Amount.IsNegative() {
				return Calculation{}, fmt.Errorf("adjustment %s: magnitude %s: %w",
					adj.ID, adj.Amount, money.ErrInvalidAmount)
			}
			amount = adj.Signed()
			calc.Adjustments = calc.Adjustments.Add(amount)
		}
		calc.Net = calc.Net.Add(amount)
		calc.Lines = append(calc.Lines, Line{Entry: e, Amount: amount})
	}

	return calc, nil
}

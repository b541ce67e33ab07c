package settlement_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/money"
	"github.com/warp/settlement-engine/settlement"
)

// =============================================================================
// CALCULATION TESTS
// =============================================================================

func TestCalculate_SegmentsAndDeduction(t *testing.T) {
	// GIVEN: Two segments (8h x $25 = 200, 10h x $23 = 230) and a $50 deduction
	// WHEN: Calculating the worker's remittance
	// THEN: Gross 430.00, adjustments -50.00, net 380.00, exactly 3 lines

	entries := []settlement.Entry{
		settlement.SegmentEntry(segment("seg-1", "wl-1", "w-1", "8", "25.00", "2025-03-03")),
		settlement.SegmentEntry(segment("seg-2", "wl-1", "w-1", "10", "23.00", "2025-03-04")),
		settlement.AdjustmentEntry(adjustment("adj-1", "wl-1", "w-1", settlement.AdjustmentDeduction, "50.00", "2025-03-05")),
	}

	calc, err := settlement.Calculate(entries)
	require.NoError(t, err)

	assert.Equal(t, "430.00", calc.Gross.String())
	assert.Equal(t, "-50.00", calc.Adjustments.String())
	assert.Equal(t, "380.00", calc.Net.String())
	require.Len(t, calc.Lines, 3)
	assert.Equal(t, "200.00", calc.Lines[0].Amount.String())
	assert.Equal(t, "230.00", calc.Lines[1].Amount.String())
	assert.Equal(t, "-50.00", calc.Lines[2].Amount.String())
}

func TestCalculate_PerLineRounding(t *testing.T) {
	// GIVEN: Two segments whose raw products carry sub-cent precision
	//   7.33h x $45.67 = 334.7611  -> 334.76
	//   1.01h x $33.335 = 33.66835 -> 33.67
	// WHEN: Calculating
	// THEN: Each line rounds half-up before summing; the net is the sum of
	//       the ROUNDED lines, not a rounding of the raw sum

	entries := []settlement.Entry{
		settlement.SegmentEntry(segment("seg-1", "wl-1", "w-1", "7.33", "45.67", "2025-03-03")),
		settlement.SegmentEntry(segment("seg-2", "wl-1", "w-1", "1.01", "33.335", "2025-03-04")),
	}

	calc, err := settlement.Calculate(entries)
	require.NoError(t, err)

	require.Len(t, calc.Lines, 2)
	assert.Equal(t, "334.76", calc.Lines[0].Amount.String())
	assert.Equal(t, "33.67", calc.Lines[1].Amount.String())
	assert.Equal(t, "368.43", calc.Gross.String())
	assert.Equal(t, "368.43", calc.Net.String())
}

func TestCalculate_NegativeNet(t *testing.T) {
	// GIVEN: $100 of work and a $150 deduction (overpayment recovery)
	// WHEN: Calculating
	// THEN: Net is -50.00; nothing clamps it to zero

	entries := []settlement.Entry{
		settlement.SegmentEntry(segment("seg-1", "wl-1", "w-1", "4", "25.00", "2025-03-03")),
		settlement.AdjustmentEntry(adjustment("adj-1", "wl-1", "w-1", settlement.AdjustmentDeduction, "150.00", "2025-03-05")),
	}

	calc, err := settlement.Calculate(entries)
	require.NoError(t, err)

	assert.Equal(t, "100.00", calc.Gross.String())
	assert.Equal(t, "-50.00", calc.Net.String())
	assert.True(t, calc.Net.IsNegative())
	assert.False(t, calc.IsZero())
}

func TestCalculate_AdditionAndDeduction(t *testing.T) {
	// GIVEN: A bonus addition and a deduction alongside work
	// WHEN: Calculating
	// THEN: Adjustments total is signed, net reflects both

	entries := []settlement.Entry{
		settlement.SegmentEntry(segment("seg-1", "wl-1", "w-1", "10", "20.00", "2025-03-03")),
		settlement.AdjustmentEntry(adjustment("adj-1", "wl-1", "w-1", settlement.AdjustmentAddition, "75.50", "2025-03-04")),
		settlement.AdjustmentEntry(adjustment("adj-2", "wl-1", "w-1", settlement.AdjustmentDeduction, "25.50", "2025-03-05")),
	}

	calc, err := settlement.Calculate(entries)
	require.NoError(t, err)

	assert.Equal(t, "200.00", calc.Gross.String())
	assert.Equal(t, "50.00", calc.Adjustments.String())
	assert.Equal(t, "250.00", calc.Net.String())
}

func TestCalculate_ZeroGrossZeroNet(t *testing.T) {
	// GIVEN: No entries at all
	// WHEN: Calculating
	// THEN: The calculation is zero and produces no lines

	calc, err := settlement.Calculate(nil)
	require.NoError(t, err)
	assert.True(t, calc.IsZero())
	assert.Empty(t, calc.Lines)
}

func TestCalculate_NetZeroNonzeroGross_NotZero(t *testing.T) {
	// GIVEN: Work exactly cancelled by a deduction
	// WHEN: Calculating
	// THEN: IsZero is false (gross is nonzero) - the remittance still
	//       gets persisted for audit

	entries := []settlement.Entry{
		settlement.SegmentEntry(segment("seg-1", "wl-1", "w-1", "4", "25.00", "2025-03-03")),
		settlement.AdjustmentEntry(adjustment("adj-1", "wl-1", "w-1", settlement.AdjustmentDeduction, "100.00", "2025-03-05")),
	}

	calc, err := settlement.Calculate(entries)
	require.NoError(t, err)
	assert.True(t, calc.Net.IsZero())
	assert.False(t, calc.IsZero())
}

func TestCalculate_NegativeInputsRejected(t *testing.T) {
	// GIVEN: A segment with negative hours
	// WHEN: Calculating
	// THEN: ErrInvalidAmount, no partial result

	bad := segment("seg-1", "wl-1", "w-1", "8", "25.00", "2025-03-03")
	bad.HoursWorked = decimal.RequireFromString("-8")

	_, err := settlement.Calculate([]settlement.Entry{settlement.SegmentEntry(bad)})
	require.ErrorIs(t, err, money.ErrInvalidAmount)
}

func TestCalculate_NegativeAdjustmentMagnitudeRejected(t *testing.T) {
	// GIVEN: An adjustment whose magnitude is negative (sign belongs to
	//        the type, never the amount)
	// WHEN: Calculating
	// THEN: ErrInvalidAmount

	bad := adjustment("adj-1", "wl-1", "w-1", settlement.AdjustmentDeduction, "50.00", "2025-03-05")
	bad.Amount = money.MustParse("50.00").Neg()

	_, err := settlement.Calculate([]settlement.Entry{settlement.AdjustmentEntry(bad)})
	require.ErrorIs(t, err, money.ErrInvalidAmount)
}

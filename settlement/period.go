package settlement

// =============================================================================
// PERIOD - The time boundary a settlement run covers
// =============================================================================

// Period bounds a settlement run. Both ends are inclusive: a segment dated
// exactly Start or exactly End is in the period; one day outside either
// boundary is not.
//
// The period bounds SEGMENTS only. Adjustments are period-agnostic and a
// run also reconciles entries stranded in failed remittances from any
// earlier period.
type Period struct {
	Start Date
	End   Date
}

// NewPeriod builds a validated period.
func NewPeriod(start, end Date) (Period, error) {
	p := Period{Start: start, End: end}
	if err := p.Validate(); err != nil {
		return Period{}, err
	}
	return p, nil
}

// Validate rejects inverted periods. Callers must validate before any
// state mutation.
func (p Period) Validate() error {
	if p.Start.IsZero() || p.End.IsZero() {
		return ErrInvalidPeriod
	}
	if p.Start.After(p.End) {
		return ErrInvalidPeriod
	}
	return nil
}

// Contains reports whether the day is within [Start, End].
func (p Period) Contains(d Date) bool {
	return d.AfterOrEqual(p.Start) && d.BeforeOrEqual(p.End)
}

// String returns "[2025-01-01, 2025-01-31]".
func (p Period) String() string {
	return "[" + p.Start.String() + ", " + p.End.String() + "]"
}

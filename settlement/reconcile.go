/*
reconcile.go - Reconciliation policy for remittance outcomes

PURPOSE:
  Classifies a remittance's fate and decides entry re-eligibility. This is
  the single place the "no double payment" rule lives; both store
  implementations express their stranded-entry queries in terms of these
  predicates.

THE CANONICAL RULE:
  An entry is eligible iff NO remittance containing it has status PAID or
  PENDING.

  - PAID:      permanently settled, never re-offered
  - PENDING:   in flight, left alone until the rail resolves it
  - FAILED:    re-offered in the next run, regardless of original period
  - CANCELLED: reconciles exactly like FAILED

  An adjustment stranded in a FAILED remittance therefore re-offers once
  per eligible run, and is never double-counted while a still-PENDING
  remittance from another run holds it.

HISTORY PRESERVATION:
  Entries keep their remittance_id as an audit pointer after a failure.
  "Last remittance status != PAID/PENDING" is the re-eligibility test;
  settlement_state never reverts.

SEE ALSO:
  - eligibility.go: Merges reconciled entries into a run's candidate set
  - store.go: FindStranded* query contracts
*/
package settlement

// =============================================================================
// STATUS CLASSIFICATION
// =============================================================================

// Blocks reports whether a remittance in this status keeps its entries
// settled: PAID settles them forever, PENDING holds them until resolved.
func (s RemittanceStatus) Blocks() bool {
	return s == RemittancePaid || s == RemittancePending
}

// Reeligible reports whether entries tied to a remittance in this status
// must be offered again in a later run.
func (s RemittanceStatus) Reeligible() bool {
	return s == RemittanceFailed || s == RemittanceCancelled
}

// Terminal reports whether the external rail can still move this status.
// Only PENDING remittances accept a verdict.
func (s RemittanceStatus) Terminal() bool {
	return s != RemittancePending
}

// =============================================================================
// ENTRY-LEVEL PREDICATE
// =============================================================================

// EntryEligible applies the canonical rule to an entry's full remittance
// status history: eligible iff no remittance containing it blocks.
// An entry with no history at all (never remitted) is eligible.
func EntryEligible(history []RemittanceStatus) bool {
	for _, s := range history {
		if s.Blocks() {
			return false
		}
	}
	return true
}

// EntryStranded reports whether an entry already attached to remittances
// must be re-offered: at least one prior attempt, none of which blocks.
func EntryStranded(history []RemittanceStatus) bool {
	return len(history) > 0 && EntryEligible(history)
}

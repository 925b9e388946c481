package domain

// Operation names the step of a run a failure was raised from.
type Operation string

const (
	OpInitRun          Operation = "initialize_run"
	OpCalculateCharges Operation = "calculate_charges"
	OpPersistInvoice   Operation = "persist_invoice"
	OpLoadOverdue      Operation = "load_overdue_invoices"
	OpApplyLateFee     Operation = "apply_late_fee"
	OpRecalcUserHold   Operation = "recalc_user_hold"
	OpWrapUp           Operation = "wrap_up"
)

func (o Operation) String() string { return string(o) }

package alumni

// UpdateStatus is the lifecycle state of one optimistic update record.
type UpdateStatus string

const (
	// UpdatePending means the speculative state is published and the remote call is in flight.
	UpdatePending UpdateStatus = "pending"
	// UpdateConfirmed means the authoritative response was merged into the base.
	UpdateConfirmed UpdateStatus = "confirmed"
	// UpdateRejected means the remote call failed and the base was republished.
	UpdateRejected UpdateStatus = "rejected"
)

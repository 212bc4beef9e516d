package contracts

import "time"

// Audit actions.
const (
	ActionAuthenticate = "authenticate"
	ActionAuthorize    = "authorize"
	ActionValidate     = "request.validate"
	ActionRoute        = "route"
	ActionTransition   = "execution.transition"
	ActionRefresh      = "credential.refresh"
	ActionRegister     = "identity.register"
)

// Audit outcomes.
const (
	OutcomeAllowed  = "allowed"
	OutcomeRejected = "rejected"
	OutcomeRecorded = "recorded"
)

// AuditEntry is an append-only record of a decision or an execution outcome.
// Sequence, PreviousHash and EntryHash are assigned by the audit log on append.
type AuditEntry struct {
	EntryID      string            `json:"entry_id"`
	Sequence     uint64            `json:"sequence"`
	ActorID      string            `json:"actor_id"`
	Action       string            `json:"action"`
	Ref          string            `json:"ref"`
	Outcome      string            `json:"outcome"`
	Reason       string            `json:"reason,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
	PreviousHash string            `json:"previous_hash"`
	EntryHash    string            `json:"entry_hash"`
}

package signin

import "time"

// State is a workflow stage.
type State string

const (
	StateInit          State = "init"
	StateNavigated     State = "navigated"
	StateBulkAttempted State = "bulk_attempted"
	StateBulkComplete  State = "bulk_complete"
	StateIterative     State = "iterative_sign_in"
	StateDone          State = "done"
	StateAborted       State = "aborted"
)

// BoardOutcome is the result of visiting one board.
type BoardOutcome struct {
	Board         string `json:"board"`
	Succeeded     bool   `json:"succeeded"`
	AlreadySigned bool   `json:"already_signed,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// BulkOutcome is the result of the one-key sign-in attempt. Unsigned is
// the number of boards left unsigned, or -1 when unknown.
type BulkOutcome struct {
	Success  bool   `json:"success"`
	Unsigned int    `json:"unsigned"`
	Message  string `json:"message"`
	Err      string `json:"err,omitempty"`
}

// Result summarises one workflow run.
type Result struct {
	RunID         string         `json:"run_id"`
	AccountID     string         `json:"account_id,omitempty"`
	State         State          `json:"state"`
	Success       bool           `json:"success"`
	Message       string         `json:"message"`
	ErrorCode     string         `json:"error_code,omitempty"`
	Bulk          *BulkOutcome   `json:"bulk,omitempty"`
	Succeeded     int            `json:"succeeded"`
	Attempted     int            `json:"attempted"`
	AlreadySigned int            `json:"already_signed"`
	StopReason    string         `json:"stop_reason,omitempty"`
	Outcomes      []BoardOutcome `json:"outcomes"`
	SnapshotID    string         `json:"snapshot_id,omitempty"`
	StartedAt     time.Time      `json:"started_at"`
	DurationMS    int64          `json:"duration_ms"`
}

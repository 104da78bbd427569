package model

import "time"

// Decision is the review outcome recorded on a progress update.
type Decision string

const (
	DecisionPending  Decision = "PENDING"
	DecisionApproved Decision = "APPROVED"
	DecisionRejected Decision = "REJECTED"
)

// ProgressUpdate is one immutable entry in the append-only progress ledger.
// It is created by an agency, decided exactly once by a state reviewer, and
// never deleted.
type ProgressUpdate struct {
	ID                 string
	ProjectID          string
	MilestoneID        string // empty when the update is project-wide
	SubmittingAgencyID string
	PreviousPercent    int // snapshot of project progress at submission time
	RequestedPercent   int
	Remarks            string
	FundRequested      int64 // 0 when no release is requested
	FundJustification  string
	SubmittedAt        time.Time
	Decision           Decision
	DecidedBy          string
	DecidedAt          *time.Time
	DecisionRemarks    string
}

// Decided reports whether the update has left the PENDING state.
func (u *ProgressUpdate) Decided() bool {
	return u.Decision != DecisionPending
}

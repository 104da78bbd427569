package mq

import "time"

// Routing keys for workflow events published on the events exchange.
const (
	RoutingProgressSubmitted = "progress.submitted"
	RoutingProgressDecided   = "progress.decided"
	RoutingFundsShortfall    = "funds.shortfall"
	RoutingProjectDelayed    = "project.delayed"
)

// ProgressSubmittedPayload is emitted when an agency's progress update is
// accepted into the ledger as PENDING.
type ProgressSubmittedPayload struct {
	UpdateID         string    `json:"update_id"`
	ProjectID        string    `json:"project_id"`
	MilestoneID      string    `json:"milestone_id,omitempty"`
	AgencyID         string    `json:"agency_id"`
	StateID          string    `json:"state_id"`
	RequestedPercent int       `json:"requested_percent"`
	FundRequested    int64     `json:"fund_requested,omitempty"`
	SubmittedAt      time.Time `json:"submitted_at"`
}

// ProgressDecidedPayload is emitted when a state reviewer decides a pending
// update.
type ProgressDecidedPayload struct {
	UpdateID        string    `json:"update_id"`
	ProjectID       string    `json:"project_id"`
	StateID         string    `json:"state_id"`
	Decision        string    `json:"decision"`
	DecidedBy       string    `json:"decided_by"`
	DecidedAt       time.Time `json:"decided_at"`
	ProgressPercent int       `json:"progress_percent"`
	ProjectStatus   string    `json:"project_status"`
	FundReleased    int64     `json:"fund_released,omitempty"`
	DecisionRemarks string    `json:"decision_remarks,omitempty"`
}

// FundsShortfallPayload is the informational signal recorded when an approved
// fund request could only be partially released against the remaining
// allocation. Partial release is a legitimate outcome, not an error.
type FundsShortfallPayload struct {
	UpdateID      string    `json:"update_id"`
	ProjectID     string    `json:"project_id"`
	StateID       string    `json:"state_id"`
	FundRequested int64     `json:"fund_requested"`
	FundReleased  int64     `json:"fund_released"`
	Shortfall     int64     `json:"shortfall"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// ProjectDelayedPayload is emitted when the delay scanner marks a project
// DELAYED.
type ProjectDelayedPayload struct {
	ProjectID   string    `json:"project_id"`
	StateID     string    `json:"state_id"`
	AgencyID    string    `json:"agency_id"`
	MilestoneID string    `json:"milestone_id,omitempty"`
	AsOf        time.Time `json:"as_of"`
}

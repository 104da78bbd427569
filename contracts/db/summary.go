package db

import "time"

// StateSummary is the rollup for one state, as served to state and national
// dashboards.
type StateSummary struct {
	StateID         string         `json:"state_id"`
	TotalProjects   int            `json:"total_projects"`
	ByStatus        map[string]int `json:"by_status"`
	TotalBudget     int64          `json:"total_budget"`
	TotalAllocated  int64          `json:"total_allocated"`
	TotalReleased   int64          `json:"total_released"`
	TotalSpent      int64          `json:"total_spent"`
	CompletionRate  float64        `json:"completion_rate"`
	UtilizationRate float64        `json:"utilization_rate"`
	ComputedAt      time.Time      `json:"computed_at"`
}

// NationalSummary aggregates all states plus the escalation list for the
// central dashboard.
type NationalSummary struct {
	States      []StateSummary `json:"states"`
	Totals      StateSummary   `json:"totals"`
	Escalations []Escalation   `json:"escalations"`
	ComputedAt  time.Time      `json:"computed_at"`
}

// Escalation flags a project needing central attention: delayed, or
// requesting funds beyond the configured threshold of its remaining
// allocation.
type Escalation struct {
	ProjectID     string `json:"project_id"`
	ProjectName   string `json:"project_name"`
	StateID       string `json:"state_id"`
	AgencyID      string `json:"agency_id"`
	Reason        string `json:"reason"` // "delayed" or "fund_request_exceeds_threshold"
	Status        string `json:"status"`
	FundRequested int64  `json:"fund_requested,omitempty"`
	Remaining     int64  `json:"remaining_allocation,omitempty"`
}

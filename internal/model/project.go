package model

import "time"

// ProjectStatus is a project lifecycle status.
type ProjectStatus string

const (
	StatusNotStarted ProjectStatus = "NOT_STARTED"
	StatusInProgress ProjectStatus = "IN_PROGRESS"
	StatusCompleted  ProjectStatus = "COMPLETED"
	StatusDelayed    ProjectStatus = "DELAYED"
	StatusSuspended  ProjectStatus = "SUSPENDED"
	StatusCancelled  ProjectStatus = "CANCELLED"
)

// Updatable reports whether a project in this status accepts new progress
// submissions. COMPLETED, SUSPENDED and CANCELLED are closed to updates.
func (s ProjectStatus) Updatable() bool {
	switch s {
	case StatusNotStarted, StatusInProgress, StatusDelayed:
		return true
	}
	return false
}

// Terminal reports whether the status permits no further transitions.
func (s ProjectStatus) Terminal() bool {
	return s == StatusSuspended || s == StatusCancelled
}

// Project is a government-funded project owned by a state authority and
// implemented on the ground by an agency. All monetary amounts are in rupees.
type Project struct {
	ID                  string
	Name                string
	Description         string
	StateID             string
	AgencyID            string
	BlockTaluk          string
	Status              ProjectStatus
	ProgressPercent     int
	TotalBudget         int64
	CentreShare         int64
	StateShare          int64
	TotalAllocated      int64
	TotalReleased       int64
	TotalSpent          int64
	TargetBeneficiaries int
	ActualBeneficiaries int
	StartDate           time.Time
	EndDate             time.Time
	DurationMonths      int
	Milestones          []Milestone
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// RemainingAllocation is the headroom left for fund releases.
func (p *Project) RemainingAllocation() int64 {
	return p.TotalAllocated - p.TotalReleased
}

// MilestoneStatus is a milestone lifecycle status.
type MilestoneStatus string

const (
	MilestoneNotStarted MilestoneStatus = "NOT_STARTED"
	MilestoneInProgress MilestoneStatus = "IN_PROGRESS"
	MilestoneCompleted  MilestoneStatus = "COMPLETED"
)

// Milestone belongs to exactly one project, ordered by Number.
type Milestone struct {
	ID               string
	ProjectID        string
	Number           int
	Name             string
	Status           MilestoneStatus
	TargetDate       time.Time
	CompletionDate   *time.Time
	BudgetAllocation int64
}

// ActiveMilestone returns the first milestone that is not yet completed, or
// nil when every milestone is done (or none exist). Milestones are kept
// sorted by Number.
func (p *Project) ActiveMilestone() *Milestone {
	for i := range p.Milestones {
		if p.Milestones[i].Status != MilestoneCompleted {
			return &p.Milestones[i]
		}
	}
	return nil
}

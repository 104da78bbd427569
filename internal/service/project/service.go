// Package project handles project creation and scoped reads. Projects are
// created by their owning state authority and assigned to an implementing
// agency; derived fields (budget split, duration) are computed here at
// submission time rather than trusted from the caller.
package project

import (
	"context"
	"time"

	"go.uber.org/zap"

	"pragati/internal/model"
	"pragati/internal/repository"
	"pragati/pkg/errs"
	"pragati/pkg/logger"
	"pragati/pkg/scope"
)

// Store is the persistence the project service needs.
type Store interface {
	InsertProject(ctx context.Context, p *model.Project) error
	GetProject(ctx context.Context, id string) (*model.Project, error)
	ListProjectsByState(ctx context.Context, stateID string) ([]model.Project, error)
	ListProjectsByAgency(ctx context.Context, agencyID string) ([]model.Project, error)
}

type Service struct {
	store Store
	log   *zap.Logger
	now   func() time.Time
}

type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store Store, log *zap.Logger, opts ...Option) *Service {
	s := &Service{store: store, log: log, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MilestoneInput describes one milestone at project creation.
type MilestoneInput struct {
	Name             string
	TargetDate       time.Time
	BudgetAllocation int64
}

// CreateInput describes a new project. CentreShare and StateShare may both be
// zero, in which case the standard 60/40 split is derived from the total.
// TotalAllocated defaults to the total budget when zero.
type CreateInput struct {
	Name                string
	Description         string
	BlockTaluk          string
	AgencyID            string
	TotalBudget         int64
	CentreShare         int64
	StateShare          int64
	TotalAllocated      int64
	StartDate           time.Time
	EndDate             time.Time
	TargetBeneficiaries int
	Milestones          []MilestoneInput
}

// Create validates the input, derives the computed fields and stores the
// project in NOT_STARTED state under the caller's state authority.
func (s *Service) Create(ctx context.Context, caller scope.Scope, in CreateInput) (*model.Project, error) {
	if caller.Role != scope.RoleState || caller.StateID == "" {
		return nil, errs.Unauthorized("only a state authority can create projects")
	}
	if in.Name == "" {
		return nil, errs.Validation("project name is required")
	}
	if in.AgencyID == "" {
		return nil, errs.Validation("implementing agency is required")
	}
	if in.TotalBudget <= 0 {
		return nil, errs.Validation("total budget must be positive, got %d", in.TotalBudget)
	}

	centre, state := in.CentreShare, in.StateShare
	if centre == 0 && state == 0 {
		centre, state = model.SplitBudget(in.TotalBudget)
	}
	if err := model.ValidateBudgetShares(in.TotalBudget, centre, state); err != nil {
		return nil, err
	}

	allocated := in.TotalAllocated
	if allocated == 0 {
		allocated = in.TotalBudget
	}
	if allocated < 0 || allocated > in.TotalBudget {
		return nil, errs.Validation("allocated amount %d must be within [0, total budget %d]", allocated, in.TotalBudget)
	}

	if in.StartDate.IsZero() || in.EndDate.IsZero() || !in.EndDate.After(in.StartDate) {
		return nil, errs.Validation("project requires a start date before its end date")
	}

	now := s.now().UTC()
	projectID := repository.NewID()
	milestones := make([]model.Milestone, 0, len(in.Milestones))
	for i, m := range in.Milestones {
		if m.Name == "" {
			return nil, errs.Validation("milestone %d is missing a name", i+1)
		}
		milestones = append(milestones, model.Milestone{
			ID:               repository.NewID(),
			ProjectID:        projectID,
			Number:           i + 1,
			Name:             m.Name,
			Status:           model.MilestoneNotStarted,
			TargetDate:       m.TargetDate,
			BudgetAllocation: m.BudgetAllocation,
		})
	}
	if err := model.ValidateMilestoneAllocations(in.TotalBudget, milestones); err != nil {
		return nil, err
	}

	p := &model.Project{
		ID:                  projectID,
		Name:                in.Name,
		Description:         in.Description,
		StateID:             caller.StateID,
		AgencyID:            in.AgencyID,
		BlockTaluk:          in.BlockTaluk,
		Status:              model.StatusNotStarted,
		ProgressPercent:     0,
		TotalBudget:         in.TotalBudget,
		CentreShare:         centre,
		StateShare:          state,
		TotalAllocated:      allocated,
		TargetBeneficiaries: in.TargetBeneficiaries,
		StartDate:           in.StartDate,
		EndDate:             in.EndDate,
		DurationMonths:      model.DurationMonths(in.StartDate, in.EndDate),
		Milestones:          milestones,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	if err := s.store.InsertProject(ctx, p); err != nil {
		return nil, err
	}

	logger.WithTrace(ctx, s.log).Info("project created",
		zap.String("project_id", p.ID),
		zap.String("state_id", p.StateID),
		zap.String("agency_id", p.AgencyID),
		zap.Int64("total_budget", p.TotalBudget),
	)
	return p, nil
}

// Get returns a project when the caller's scope covers it.
func (s *Service) Get(ctx context.Context, caller scope.Scope, id string) (*model.Project, error) {
	p, err := s.store.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if !covers(caller, p) {
		return nil, errs.Unauthorized("scope does not cover project %s", id)
	}
	return p, nil
}

// ListByState returns a state's projects for its reviewers or central
// oversight.
func (s *Service) ListByState(ctx context.Context, caller scope.Scope, stateID string) ([]model.Project, error) {
	if !caller.National() && !caller.CanReviewState(stateID) {
		return nil, errs.Unauthorized("scope does not cover state %s", stateID)
	}
	return s.store.ListProjectsByState(ctx, stateID)
}

// ListByAgency returns the projects assigned to an implementing agency.
func (s *Service) ListByAgency(ctx context.Context, caller scope.Scope, agencyID string) ([]model.Project, error) {
	if !caller.National() && !caller.CanSubmitFor(agencyID) {
		return nil, errs.Unauthorized("scope does not cover agency %s", agencyID)
	}
	return s.store.ListProjectsByAgency(ctx, agencyID)
}

func covers(caller scope.Scope, p *model.Project) bool {
	return caller.National() || caller.CanReviewState(p.StateID) || caller.CanSubmitFor(p.AgencyID)
}

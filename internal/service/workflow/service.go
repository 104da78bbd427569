// Package workflow implements the progress and approval engine: agencies
// submit progress updates, state reviewers decide them, and approved outcomes
// are applied to the owning project inside a per-project critical section.
package workflow

import (
	"context"
	"time"

	"go.uber.org/zap"

	mqcontracts "pragati/contracts/mq"
	"pragati/internal/model"
	"pragati/internal/repository"
	"pragati/pkg/errs"
	"pragati/pkg/logger"
	"pragati/pkg/metrics"
	"pragati/pkg/scope"
)

// Storage is the transactional persistence the engine runs on.
type Storage interface {
	GetProject(ctx context.Context, id string) (*model.Project, error)
	GetUpdate(ctx context.Context, id string) (*model.ProgressUpdate, error)
	// UpdateProject runs fn inside the project's exclusive critical section
	// and commits all recorded mutations and events atomically.
	UpdateProject(ctx context.Context, projectID string, fn repository.TxFunc) error
	ListDelayCandidates(ctx context.Context, asOf time.Time) ([]string, error)
}

// CacheInvalidator drops cached rollups for a state after a mutation.
type CacheInvalidator interface {
	InvalidateState(ctx context.Context, stateID string)
}

type Service struct {
	storage    Storage
	cache      CacheInvalidator
	log        *zap.Logger
	now        func() time.Time
	delayGrace time.Duration
}

type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithCacheInvalidator wires rollup cache invalidation into decisions.
func WithCacheInvalidator(c CacheInvalidator) Option {
	return func(s *Service) { s.cache = c }
}

// WithDelayGrace sets how long after the last approved update a project is
// shielded from being marked delayed.
func WithDelayGrace(d time.Duration) Option {
	return func(s *Service) { s.delayGrace = d }
}

func NewService(storage Storage, log *zap.Logger, opts ...Option) *Service {
	s := &Service{
		storage:    storage,
		log:        log,
		now:        time.Now,
		delayGrace: 30 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SubmitInput carries one agency progress submission.
type SubmitInput struct {
	ProjectID         string
	MilestoneID       string
	RequestedPercent  int
	Remarks           string
	FundRequested     int64
	FundJustification string
}

// SubmitProgressUpdate appends a PENDING update to the project's ledger.
// At most one PENDING update may exist per project; a second submission while
// one is outstanding fails with Conflict rather than being duplicated.
func (s *Service) SubmitProgressUpdate(ctx context.Context, caller scope.Scope, in SubmitInput) (string, error) {
	if err := model.ValidatePercent(in.RequestedPercent); err != nil {
		return "", err
	}
	if in.FundRequested < 0 {
		return "", errs.Validation("fund requested must be non-negative, got %d", in.FundRequested)
	}

	var updateID string
	err := s.storage.UpdateProject(ctx, in.ProjectID, func(tx *repository.ProjectTx) error {
		p := tx.Project
		if !caller.CanSubmitFor(p.AgencyID) {
			return errs.Unauthorized("agency scope does not cover project %s", p.ID)
		}
		if !p.Status.Updatable() {
			return errs.InvalidState("project %s is %s and accepts no progress updates", p.ID, p.Status)
		}
		if in.RequestedPercent < p.ProgressPercent {
			return errs.Validation("requested percent %d is below current progress %d", in.RequestedPercent, p.ProgressPercent)
		}
		if in.MilestoneID != "" && findMilestone(p, in.MilestoneID) == nil {
			return errs.NotFound("milestone %s not found on project %s", in.MilestoneID, p.ID)
		}
		if tx.Pending != nil {
			return errs.Conflict("project %s already has pending update %s", p.ID, tx.Pending.ID)
		}

		u := &model.ProgressUpdate{
			ID:                 repository.NewID(),
			ProjectID:          p.ID,
			MilestoneID:        in.MilestoneID,
			SubmittingAgencyID: caller.AgencyID,
			PreviousPercent:    p.ProgressPercent,
			RequestedPercent:   in.RequestedPercent,
			Remarks:            in.Remarks,
			FundRequested:      in.FundRequested,
			FundJustification:  in.FundJustification,
			SubmittedAt:        s.now().UTC(),
			Decision:           model.DecisionPending,
		}
		tx.InsertUpdate(u)
		updateID = u.ID

		return tx.Emit(mqcontracts.RoutingProgressSubmitted, mqcontracts.ProgressSubmittedPayload{
			UpdateID:         u.ID,
			ProjectID:        p.ID,
			MilestoneID:      u.MilestoneID,
			AgencyID:         u.SubmittingAgencyID,
			StateID:          p.StateID,
			RequestedPercent: u.RequestedPercent,
			FundRequested:    u.FundRequested,
			SubmittedAt:      u.SubmittedAt,
		})
	})
	if err != nil {
		metrics.IncrementSubmission(errs.KindOf(err).String())
		return "", err
	}

	metrics.IncrementSubmission("accepted")
	logger.WithTrace(ctx, s.log).Info("progress update submitted",
		zap.String("project_id", in.ProjectID),
		zap.String("update_id", updateID),
		zap.Int("requested_percent", in.RequestedPercent),
	)
	return updateID, nil
}

// Decide applies a state reviewer's decision to a pending update exactly
// once. On approval the project's progress, status and released funds change
// in the same atomic unit; on rejection only the update's decision fields do.
func (s *Service) Decide(ctx context.Context, caller scope.Scope, updateID string, decision model.Decision, remarks string) error {
	if decision != model.DecisionApproved && decision != model.DecisionRejected {
		return errs.Validation("decision must be APPROVED or REJECTED, got %q", decision)
	}

	u, err := s.storage.GetUpdate(ctx, updateID)
	if err != nil {
		return err
	}

	start := s.now()
	var stateID string
	err = s.storage.UpdateProject(ctx, u.ProjectID, func(tx *repository.ProjectTx) error {
		p := tx.Project
		stateID = p.StateID
		if !caller.CanReviewState(p.StateID) {
			return errs.Unauthorized("reviewer scope does not cover state %s", p.StateID)
		}
		// Re-check under the lock: the pre-read above is unguarded.
		if tx.Pending == nil || tx.Pending.ID != updateID {
			return errs.AlreadyDecided("update %s has already been decided", updateID)
		}

		target := tx.Pending
		decidedAt := s.now().UTC()
		target.Decision = decision
		target.DecidedBy = caller.ActorID
		target.DecidedAt = &decidedAt
		target.DecisionRemarks = remarks
		tx.MarkDecided(target)

		var released int64
		if decision == model.DecisionApproved {
			released = s.applyApproval(tx, target, decidedAt)
		}

		if err := tx.Emit(mqcontracts.RoutingProgressDecided, mqcontracts.ProgressDecidedPayload{
			UpdateID:        target.ID,
			ProjectID:       p.ID,
			StateID:         p.StateID,
			Decision:        string(decision),
			DecidedBy:       caller.ActorID,
			DecidedAt:       decidedAt,
			ProgressPercent: p.ProgressPercent,
			ProjectStatus:   string(p.Status),
			FundReleased:    released,
			DecisionRemarks: remarks,
		}); err != nil {
			return err
		}

		if shortfall := target.FundRequested - released; decision == model.DecisionApproved && target.FundRequested > 0 && shortfall > 0 {
			return tx.Emit(mqcontracts.RoutingFundsShortfall, mqcontracts.FundsShortfallPayload{
				UpdateID:      target.ID,
				ProjectID:     p.ID,
				StateID:       p.StateID,
				FundRequested: target.FundRequested,
				FundReleased:  released,
				Shortfall:     shortfall,
				OccurredAt:    decidedAt,
			})
		}
		return nil
	})
	if err != nil {
		metrics.IncrementDecision(string(decision), errs.KindOf(err).String())
		return err
	}

	metrics.IncrementDecision(string(decision), "applied")
	metrics.ObserveDecisionLatency(s.now().Sub(start))
	if s.cache != nil {
		s.cache.InvalidateState(ctx, stateID)
	}
	logger.WithTrace(ctx, s.log).Info("progress update decided",
		zap.String("update_id", updateID),
		zap.String("decision", string(decision)),
		zap.String("decided_by", caller.ActorID),
	)
	return nil
}

// applyApproval mutates the locked project per the approved update and
// returns the fund amount actually released (clamped to the remaining
// allocation; the shortfall, if any, is signalled separately).
func (s *Service) applyApproval(tx *repository.ProjectTx, u *model.ProgressUpdate, decidedAt time.Time) int64 {
	p := tx.Project
	p.ProgressPercent = u.RequestedPercent

	switch {
	case p.ProgressPercent == 100:
		p.Status = model.StatusCompleted
	case p.Status == model.StatusNotStarted, p.Status == model.StatusDelayed:
		p.Status = model.StatusInProgress
	}

	if m := findMilestone(p, u.MilestoneID); m != nil {
		if u.RequestedPercent == 100 {
			m.Status = model.MilestoneCompleted
			m.CompletionDate = &decidedAt
		} else if m.Status == model.MilestoneNotStarted {
			m.Status = model.MilestoneInProgress
		}
	}

	var released int64
	if u.FundRequested > 0 {
		released = u.FundRequested
		if remaining := p.RemainingAllocation(); released > remaining {
			released = remaining
		}
		p.TotalReleased += released
	}

	p.UpdatedAt = decidedAt
	tx.MarkProjectDirty()
	return released
}

// MarkDelayed flags a project DELAYED when its active milestone's target date
// has passed with no recently approved update. The transition is idempotent
// and a no-op for projects in any other lifecycle state.
func (s *Service) MarkDelayed(ctx context.Context, projectID string, asOf time.Time) error {
	var marked bool
	var stateID string
	err := s.storage.UpdateProject(ctx, projectID, func(tx *repository.ProjectTx) error {
		p := tx.Project
		stateID = p.StateID
		if p.Status != model.StatusInProgress {
			return nil
		}
		m := p.ActiveMilestone()
		if m == nil || !m.TargetDate.Before(asOf) {
			return nil
		}
		if tx.LastApprovedAt != nil && asOf.Sub(*tx.LastApprovedAt) < s.delayGrace {
			return nil
		}

		p.Status = model.StatusDelayed
		p.UpdatedAt = asOf.UTC()
		tx.MarkProjectDirty()
		marked = true

		return tx.Emit(mqcontracts.RoutingProjectDelayed, mqcontracts.ProjectDelayedPayload{
			ProjectID:   p.ID,
			StateID:     p.StateID,
			AgencyID:    p.AgencyID,
			MilestoneID: m.ID,
			AsOf:        asOf.UTC(),
		})
	})
	if err != nil {
		return err
	}
	if marked {
		metrics.IncrementDelayMarked()
		if s.cache != nil {
			s.cache.InvalidateState(ctx, stateID)
		}
		logger.WithTrace(ctx, s.log).Info("project marked delayed",
			zap.String("project_id", projectID),
		)
	}
	return nil
}

// ScanDelayed sweeps all due projects through MarkDelayed. Intended to run on
// a schedule from the worker process.
func (s *Service) ScanDelayed(ctx context.Context, asOf time.Time) error {
	ids, err := s.storage.ListDelayCandidates(ctx, asOf)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.MarkDelayed(ctx, id, asOf); err != nil {
			logger.WithTrace(ctx, s.log).Warn("delay scan skipped project",
				zap.String("project_id", id),
				zap.Error(err),
			)
		}
	}
	return nil
}

func findMilestone(p *model.Project, id string) *model.Milestone {
	if id == "" {
		return nil
	}
	for i := range p.Milestones {
		if p.Milestones[i].ID == id {
			return &p.Milestones[i]
		}
	}
	return nil
}

// Package rollup computes state and national dashboard aggregates. Summaries
// are a pure function of a point-in-time storage snapshot; the optional redis
// cache only memoizes results and is invalidated whenever a decision touches
// the state, so it can serve stale data for at most the configured TTL.
package rollup

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"pragati/contracts/db"
	"pragati/internal/model"
	"pragati/internal/repository"
	"pragati/pkg/metrics"
)

// Source provides consistent snapshots to aggregate over.
type Source interface {
	SnapshotState(ctx context.Context, stateID string) (*repository.StateSnapshot, error)
	SnapshotAll(ctx context.Context) ([]*repository.StateSnapshot, error)
}

// Cache memoizes computed state summaries. Implementations must treat every
// failure as a miss; the aggregator always falls back to recomputing.
type Cache interface {
	GetStateSummary(ctx context.Context, stateID string) (*db.StateSummary, bool)
	SetStateSummary(ctx context.Context, summary *db.StateSummary)
	InvalidateState(ctx context.Context, stateID string)
}

type Service struct {
	source Source
	cache  Cache
	log    *zap.Logger
	now    func() time.Time

	// escalationThreshold is the fund-request-to-remaining-allocation ratio
	// above which a project is escalated.
	escalationThreshold float64
	maxEscalations      int
}

type Option func(*Service)

// WithCache enables summary memoization.
func WithCache(c Cache) Option {
	return func(s *Service) { s.cache = c }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithEscalationThreshold sets the fund-request ratio that triggers an
// escalation.
func WithEscalationThreshold(ratio float64) Option {
	return func(s *Service) { s.escalationThreshold = ratio }
}

// WithMaxEscalations caps the national escalation list.
func WithMaxEscalations(n int) Option {
	return func(s *Service) { s.maxEscalations = n }
}

func NewService(source Source, log *zap.Logger, opts ...Option) *Service {
	s := &Service{
		source:              source,
		log:                 log,
		now:                 time.Now,
		escalationThreshold: 0.5,
		maxEscalations:      20,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ComputeStateSummary returns the rollup for one state.
func (s *Service) ComputeStateSummary(ctx context.Context, stateID string) (*db.StateSummary, error) {
	if s.cache != nil {
		if cached, ok := s.cache.GetStateSummary(ctx, stateID); ok {
			return cached, nil
		}
	}

	start := s.now()
	snap, err := s.source.SnapshotState(ctx, stateID)
	if err != nil {
		return nil, err
	}
	summary := buildStateSummary(snap, s.now().UTC())
	metrics.ObserveRollupDuration("state", s.now().Sub(start))

	if s.cache != nil {
		s.cache.SetStateSummary(ctx, summary)
	}
	return summary, nil
}

// ComputeNationalSummary aggregates every state from a single snapshot pass
// plus the escalation list for central oversight. The cache is bypassed so
// all per-state figures derive from the same point in time.
func (s *Service) ComputeNationalSummary(ctx context.Context) (*db.NationalSummary, error) {
	start := s.now()
	snaps, err := s.source.SnapshotAll(ctx)
	if err != nil {
		return nil, err
	}

	computedAt := s.now().UTC()
	national := &db.NationalSummary{
		Totals: db.StateSummary{
			StateID:    "national",
			ByStatus:   make(map[string]int),
			ComputedAt: computedAt,
		},
		ComputedAt: computedAt,
	}

	var escalations []db.Escalation
	for _, snap := range snaps {
		summary := buildStateSummary(snap, computedAt)
		national.States = append(national.States, *summary)
		accumulate(&national.Totals, summary)
		escalations = append(escalations, s.escalationsFor(snap)...)
	}
	finishRates(&national.Totals)

	sortEscalations(escalations)
	if len(escalations) > s.maxEscalations {
		escalations = escalations[:s.maxEscalations]
	}
	national.Escalations = escalations

	metrics.ObserveRollupDuration("national", s.now().Sub(start))
	return national, nil
}

// InvalidateState drops the cached summary for a state. Satisfies the
// workflow engine's CacheInvalidator.
func (s *Service) InvalidateState(ctx context.Context, stateID string) {
	if s.cache != nil {
		s.cache.InvalidateState(ctx, stateID)
	}
}

func buildStateSummary(snap *repository.StateSnapshot, computedAt time.Time) *db.StateSummary {
	summary := &db.StateSummary{
		StateID:    snap.StateID,
		ByStatus:   make(map[string]int),
		ComputedAt: computedAt,
	}
	for i := range snap.Projects {
		p := &snap.Projects[i]
		summary.TotalProjects++
		summary.ByStatus[string(p.Status)]++
		summary.TotalBudget += p.TotalBudget
		summary.TotalAllocated += p.TotalAllocated
		summary.TotalReleased += p.TotalReleased
		summary.TotalSpent += p.TotalSpent
	}
	finishRates(summary)
	return summary
}

// finishRates fills the derived ratios, guarding the empty cases so an empty
// state yields zero rates rather than a division error.
func finishRates(s *db.StateSummary) {
	if s.TotalProjects > 0 {
		s.CompletionRate = float64(s.ByStatus[string(model.StatusCompleted)]) / float64(s.TotalProjects)
	}
	if s.TotalAllocated > 0 {
		s.UtilizationRate = float64(s.TotalSpent) / float64(s.TotalAllocated)
	}
}

func accumulate(total *db.StateSummary, s *db.StateSummary) {
	total.TotalProjects += s.TotalProjects
	for status, n := range s.ByStatus {
		total.ByStatus[status] += n
	}
	total.TotalBudget += s.TotalBudget
	total.TotalAllocated += s.TotalAllocated
	total.TotalReleased += s.TotalReleased
	total.TotalSpent += s.TotalSpent
}

func (s *Service) escalationsFor(snap *repository.StateSnapshot) []db.Escalation {
	var out []db.Escalation
	for i := range snap.Projects {
		p := &snap.Projects[i]
		if p.Status == model.StatusDelayed {
			out = append(out, db.Escalation{
				ProjectID:   p.ID,
				ProjectName: p.Name,
				StateID:     p.StateID,
				AgencyID:    p.AgencyID,
				Reason:      "delayed",
				Status:      string(p.Status),
			})
			continue
		}
		requested, ok := snap.LatestFundRequest[p.ID]
		if !ok || requested <= 0 {
			continue
		}
		remaining := p.RemainingAllocation()
		if float64(requested) > s.escalationThreshold*float64(remaining) {
			out = append(out, db.Escalation{
				ProjectID:     p.ID,
				ProjectName:   p.Name,
				StateID:       p.StateID,
				AgencyID:      p.AgencyID,
				Reason:        "fund_request_exceeds_threshold",
				Status:        string(p.Status),
				FundRequested: requested,
				Remaining:     remaining,
			})
		}
	}
	return out
}

// sortEscalations puts delayed projects first, then larger fund requests.
func sortEscalations(es []db.Escalation) {
	sort.SliceStable(es, func(i, j int) bool {
		if (es[i].Reason == "delayed") != (es[j].Reason == "delayed") {
			return es[i].Reason == "delayed"
		}
		if es[i].FundRequested != es[j].FundRequested {
			return es[i].FundRequested > es[j].FundRequested
		}
		return es[i].ProjectID < es[j].ProjectID
	})
}

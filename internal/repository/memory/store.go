// Package memory is an in-process implementation of the engine's storage
// contracts. It backs the test suites and local runs; the postgres package is
// the production implementation. Per-project critical sections are real
// mutexes here, so the concurrency properties tested against this store hold
// for the same reasons they hold under row locks.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"pragati/internal/model"
	"pragati/internal/repository"
	"pragati/pkg/errs"
)

type Store struct {
	mu       sync.RWMutex
	projects map[string]*model.Project
	updates  map[string]*model.ProgressUpdate
	// byProject keeps ledger entry IDs in submission order per project.
	byProject map[string][]string
	locks     map[string]*sync.Mutex
	events    []repository.Event
}

func NewStore() *Store {
	return &Store{
		projects:  make(map[string]*model.Project),
		updates:   make(map[string]*model.ProgressUpdate),
		byProject: make(map[string][]string),
		locks:     make(map[string]*sync.Mutex),
	}
}

// InsertProject stores a new project.
func (s *Store) InsertProject(ctx context.Context, p *model.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[p.ID]; ok {
		return errs.Conflict("project %s already exists", p.ID)
	}
	s.projects[p.ID] = cloneProject(p)
	return nil
}

// GetProject returns a copy of the project.
func (s *Store) GetProject(ctx context.Context, id string) (*model.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, errs.NotFound("project %s not found", id)
	}
	return cloneProject(p), nil
}

// ListProjectsByState returns copies of all projects in a state, ordered by
// creation time.
func (s *Store) ListProjectsByState(ctx context.Context, stateID string) ([]model.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Project
	for _, p := range s.projects {
		if p.StateID == stateID {
			out = append(out, *cloneProject(p))
		}
	}
	sortProjects(out)
	return out, nil
}

// ListProjectsByAgency returns copies of all projects assigned to an agency.
func (s *Store) ListProjectsByAgency(ctx context.Context, agencyID string) ([]model.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Project
	for _, p := range s.projects {
		if p.AgencyID == agencyID {
			out = append(out, *cloneProject(p))
		}
	}
	sortProjects(out)
	return out, nil
}

// GetUpdate returns a copy of a ledger entry.
func (s *Store) GetUpdate(ctx context.Context, id string) (*model.ProgressUpdate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.updates[id]
	if !ok {
		return nil, errs.NotFound("progress update %s not found", id)
	}
	return cloneUpdate(u), nil
}

// ListUpdates returns copies of a project's ledger entries in submission
// order.
func (s *Store) ListUpdates(ctx context.Context, projectID string) ([]model.ProgressUpdate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byProject[projectID]
	out := make([]model.ProgressUpdate, 0, len(ids))
	for _, id := range ids {
		out = append(out, *cloneUpdate(s.updates[id]))
	}
	return out, nil
}

// UpdateProject runs fn inside the project's exclusive critical section and
// commits recorded mutations atomically.
func (s *Store) UpdateProject(ctx context.Context, projectID string, fn repository.TxFunc) error {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	p, ok := s.projects[projectID]
	if !ok {
		s.mu.RUnlock()
		return errs.NotFound("project %s not found", projectID)
	}
	tx := &repository.ProjectTx{
		Project:        cloneProject(p),
		Pending:        s.pendingLocked(projectID),
		LastApprovedAt: s.lastApprovedLocked(projectID),
	}
	s.mu.RUnlock()

	if err := fn(tx); err != nil {
		return err
	}

	insert, decide, dirty, events := tx.Mutations()

	s.mu.Lock()
	defer s.mu.Unlock()
	if insert != nil {
		s.updates[insert.ID] = cloneUpdate(insert)
		s.byProject[projectID] = append(s.byProject[projectID], insert.ID)
	}
	if decide != nil {
		s.updates[decide.ID] = cloneUpdate(decide)
	}
	if dirty {
		s.projects[projectID] = cloneProject(tx.Project)
	}
	s.events = append(s.events, events...)
	return nil
}

// ListDelayCandidates returns IDs of in-progress projects whose active
// milestone target date has passed as of the given time.
func (s *Store) ListDelayCandidates(ctx context.Context, asOf time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, p := range s.projects {
		if p.Status != model.StatusInProgress {
			continue
		}
		if m := p.ActiveMilestone(); m != nil && m.TargetDate.Before(asOf) {
			out = append(out, p.ID)
		}
	}
	sort.Strings(out)
	return out, nil
}

// SnapshotState returns a consistent view of one state's projects.
func (s *Store) SnapshotState(ctx context.Context, stateID string) (*repository.StateSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(stateID), nil
}

// SnapshotAll returns consistent views of every state, taken under a single
// read lock so no project is observed mid-mutation.
func (s *Store) SnapshotAll(ctx context.Context) ([]*repository.StateSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	states := make(map[string]bool)
	for _, p := range s.projects {
		states[p.StateID] = true
	}
	ids := make([]string, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*repository.StateSnapshot, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.snapshotLocked(id))
	}
	return out, nil
}

// Events returns outbox entries recorded so far, in commit order.
func (s *Store) Events() []repository.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]repository.Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *Store) snapshotLocked(stateID string) *repository.StateSnapshot {
	snap := &repository.StateSnapshot{
		StateID:           stateID,
		LatestFundRequest: make(map[string]int64),
	}
	for _, p := range s.projects {
		if p.StateID != stateID {
			continue
		}
		snap.Projects = append(snap.Projects, *cloneProject(p))
		if amount, ok := s.latestFundRequestLocked(p.ID); ok {
			snap.LatestFundRequest[p.ID] = amount
		}
	}
	sortProjects(snap.Projects)
	return snap
}

// latestFundRequestLocked finds the fund_requested on the most recent
// PENDING or APPROVED update for a project.
func (s *Store) latestFundRequestLocked(projectID string) (int64, bool) {
	ids := s.byProject[projectID]
	for i := len(ids) - 1; i >= 0; i-- {
		u := s.updates[ids[i]]
		if u.Decision == model.DecisionRejected {
			continue
		}
		return u.FundRequested, true
	}
	return 0, false
}

func (s *Store) pendingLocked(projectID string) *model.ProgressUpdate {
	for _, id := range s.byProject[projectID] {
		if u := s.updates[id]; u.Decision == model.DecisionPending {
			return cloneUpdate(u)
		}
	}
	return nil
}

func (s *Store) lastApprovedLocked(projectID string) *time.Time {
	ids := s.byProject[projectID]
	for i := len(ids) - 1; i >= 0; i-- {
		u := s.updates[ids[i]]
		if u.Decision == model.DecisionApproved && u.DecidedAt != nil {
			t := *u.DecidedAt
			return &t
		}
	}
	return nil
}

func (s *Store) projectLock(projectID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[projectID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[projectID] = lock
	}
	return lock
}

func sortProjects(ps []model.Project) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].ID < ps[j].ID
		}
		return ps[i].CreatedAt.Before(ps[j].CreatedAt)
	})
}

func cloneProject(p *model.Project) *model.Project {
	c := *p
	c.Milestones = make([]model.Milestone, len(p.Milestones))
	copy(c.Milestones, p.Milestones)
	for i := range c.Milestones {
		if d := c.Milestones[i].CompletionDate; d != nil {
			t := *d
			c.Milestones[i].CompletionDate = &t
		}
	}
	return &c
}

func cloneUpdate(u *model.ProgressUpdate) *model.ProgressUpdate {
	c := *u
	if u.DecidedAt != nil {
		t := *u.DecidedAt
		c.DecidedAt = &t
	}
	return &c
}

// Package postgres is the production storage for the engine. Per-project
// critical sections are row locks (SELECT ... FOR UPDATE); the one-pending
// invariant is additionally backed by a partial unique index so a conflicting
// insert can never land even if a caller bypasses the service layer. Outbox
// events are inserted in the same transaction as the business mutation.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"pragati/internal/model"
	"pragati/internal/repository"
	"pragati/pkg/errs"
	"pragati/pkg/outbox"
)

const (
	maxTxAttempts  = 3
	retryBaseDelay = 50 * time.Millisecond
)

type Store struct {
	db     *pgxpool.Pool
	events *outbox.Repository
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db, events: outbox.NewRepository(db)}
}

const projectColumns = `
	id, name, description, state_id, agency_id, block_taluk, status,
	progress_percent, total_budget, centre_share, state_share,
	total_allocated, total_released, total_spent,
	target_beneficiaries, actual_beneficiaries,
	start_date, end_date, duration_months, created_at, updated_at`

// InsertProject stores a new project with its milestones.
func (s *Store) InsertProject(ctx context.Context, p *model.Project) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO projects (`+projectColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21)
	`,
		p.ID, p.Name, p.Description, p.StateID, p.AgencyID, p.BlockTaluk, p.Status,
		p.ProgressPercent, p.TotalBudget, p.CentreShare, p.StateShare,
		p.TotalAllocated, p.TotalReleased, p.TotalSpent,
		p.TargetBeneficiaries, p.ActualBeneficiaries,
		p.StartDate, p.EndDate, p.DurationMonths, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return classify(err)
	}

	for i := range p.Milestones {
		m := &p.Milestones[i]
		_, err = tx.Exec(ctx, `
			INSERT INTO milestones (id, project_id, number, name, status, target_date, completion_date, budget_allocation)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, m.ID, m.ProjectID, m.Number, m.Name, m.Status, m.TargetDate, m.CompletionDate, m.BudgetAllocation)
		if err != nil {
			return classify(err)
		}
	}

	return tx.Commit(ctx)
}

// GetProject returns a project with its milestones.
func (s *Store) GetProject(ctx context.Context, id string) (*model.Project, error) {
	p, err := s.scanProject(ctx, s.db, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	milestones, err := s.loadMilestones(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	p.Milestones = milestones
	return p, nil
}

// ListProjectsByState returns a state's projects in creation order.
func (s *Store) ListProjectsByState(ctx context.Context, stateID string) ([]model.Project, error) {
	return s.listProjects(ctx, s.db, `SELECT `+projectColumns+` FROM projects WHERE state_id = $1 ORDER BY created_at, id`, stateID)
}

// ListProjectsByAgency returns an agency's projects in creation order.
func (s *Store) ListProjectsByAgency(ctx context.Context, agencyID string) ([]model.Project, error) {
	return s.listProjects(ctx, s.db, `SELECT `+projectColumns+` FROM projects WHERE agency_id = $1 ORDER BY created_at, id`, agencyID)
}

// GetUpdate returns one ledger entry.
func (s *Store) GetUpdate(ctx context.Context, id string) (*model.ProgressUpdate, error) {
	return s.scanUpdate(ctx, s.db, `
		SELECT id, project_id, milestone_id, agency_id, previous_percent, requested_percent,
		       remarks, fund_requested, fund_justification, submitted_at,
		       decision, decided_by, decided_at, decision_remarks
		FROM progress_updates WHERE id = $1
	`, id)
}

// UpdateProject runs fn while holding the project's row lock and commits the
// recorded mutations and outbox events in one transaction. Transient storage
// failures (serialization, deadlock) are retried with backoff; business
// errors from fn are returned as-is.
func (s *Store) UpdateProject(ctx context.Context, projectID string, fn repository.TxFunc) error {
	var lastErr error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryBaseDelay << attempt):
			}
		}

		err := s.updateProjectOnce(ctx, projectID, fn)
		if err == nil || !errs.IsKind(err, errs.KindTransient) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func (s *Store) updateProjectOnce(ctx context.Context, projectID string, fn repository.TxFunc) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback(ctx)

	p, err := s.scanProject(ctx, tx, `SELECT `+projectColumns+` FROM projects WHERE id = $1 FOR UPDATE`, projectID)
	if err != nil {
		return err
	}
	milestones, err := s.loadMilestones(ctx, tx, projectID)
	if err != nil {
		return err
	}
	p.Milestones = milestones

	pending, err := s.pendingUpdate(ctx, tx, projectID)
	if err != nil {
		return err
	}
	lastApproved, err := s.lastApprovedAt(ctx, tx, projectID)
	if err != nil {
		return err
	}

	ptx := &repository.ProjectTx{
		Project:        p,
		Pending:        pending,
		LastApprovedAt: lastApproved,
	}
	if err := fn(ptx); err != nil {
		return err
	}

	insert, decide, projectDirty, events := ptx.Mutations()

	if insert != nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO progress_updates (id, project_id, milestone_id, agency_id,
			       previous_percent, requested_percent, remarks,
			       fund_requested, fund_justification, submitted_at, decision)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`,
			insert.ID, insert.ProjectID, nullable(insert.MilestoneID), insert.SubmittingAgencyID,
			insert.PreviousPercent, insert.RequestedPercent, insert.Remarks,
			insert.FundRequested, insert.FundJustification, insert.SubmittedAt, insert.Decision,
		)
		if err != nil {
			return classify(err)
		}
	}

	if decide != nil {
		tag, err := tx.Exec(ctx, `
			UPDATE progress_updates
			SET decision = $1, decided_by = $2, decided_at = $3, decision_remarks = $4
			WHERE id = $5 AND decision = 'PENDING'
		`, decide.Decision, decide.DecidedBy, decide.DecidedAt, decide.DecisionRemarks, decide.ID)
		if err != nil {
			return classify(err)
		}
		if tag.RowsAffected() == 0 {
			return errs.AlreadyDecided("update %s has already been decided", decide.ID)
		}
	}

	if projectDirty {
		_, err = tx.Exec(ctx, `
			UPDATE projects
			SET status = $1, progress_percent = $2, total_released = $3,
			    total_spent = $4, actual_beneficiaries = $5, updated_at = $6
			WHERE id = $7
		`, p.Status, p.ProgressPercent, p.TotalReleased, p.TotalSpent, p.ActualBeneficiaries, p.UpdatedAt, p.ID)
		if err != nil {
			return classify(err)
		}
		for i := range p.Milestones {
			m := &p.Milestones[i]
			_, err = tx.Exec(ctx, `
				UPDATE milestones SET status = $1, completion_date = $2 WHERE id = $3
			`, m.Status, m.CompletionDate, m.ID)
			if err != nil {
				return classify(err)
			}
		}
	}

	for _, e := range events {
		if err := outbox.InsertRawInTx(ctx, tx, s.events, "project", projectID, e.RoutingKey, e.Payload); err != nil {
			return classify(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return classify(err)
	}
	return nil
}

// ListDelayCandidates returns in-progress projects whose first unfinished
// milestone's target date has passed.
func (s *Store) ListDelayCandidates(ctx context.Context, asOf time.Time) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT p.id
		FROM projects p
		JOIN LATERAL (
			SELECT m.target_date
			FROM milestones m
			WHERE m.project_id = p.id AND m.status <> 'COMPLETED'
			ORDER BY m.number ASC
			LIMIT 1
		) active ON true
		WHERE p.status = 'IN_PROGRESS' AND active.target_date < $1
		ORDER BY p.id
	`, asOf)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify(err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SnapshotState returns a repeatable-read view of one state.
func (s *Store) SnapshotState(ctx context.Context, stateID string) (*repository.StateSnapshot, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, classify(err)
	}
	defer tx.Rollback(ctx)

	snap, err := s.snapshotStateTx(ctx, tx, stateID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, classify(err)
	}
	return snap, nil
}

// SnapshotAll returns every state's snapshot from a single repeatable-read
// transaction, so the national rollup sees one point in time.
func (s *Store) SnapshotAll(ctx context.Context) ([]*repository.StateSnapshot, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, classify(err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `SELECT DISTINCT state_id FROM projects ORDER BY state_id`)
	if err != nil {
		return nil, classify(err)
	}
	var stateIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, classify(err)
		}
		stateIDs = append(stateIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	snaps := make([]*repository.StateSnapshot, 0, len(stateIDs))
	for _, stateID := range stateIDs {
		snap, err := s.snapshotStateTx(ctx, tx, stateID)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classify(err)
	}
	return snaps, nil
}

func (s *Store) snapshotStateTx(ctx context.Context, tx pgx.Tx, stateID string) (*repository.StateSnapshot, error) {
	projects, err := s.listProjects(ctx, tx, `SELECT `+projectColumns+` FROM projects WHERE state_id = $1 ORDER BY created_at, id`, stateID)
	if err != nil {
		return nil, err
	}

	snap := &repository.StateSnapshot{
		StateID:           stateID,
		Projects:          projects,
		LatestFundRequest: make(map[string]int64),
	}

	// Latest non-rejected update per project carries the fund request the
	// escalation rule looks at.
	rows, err := tx.Query(ctx, `
		SELECT DISTINCT ON (u.project_id) u.project_id, u.fund_requested
		FROM progress_updates u
		JOIN projects p ON p.id = u.project_id
		WHERE p.state_id = $1 AND u.decision <> 'REJECTED'
		ORDER BY u.project_id, u.submitted_at DESC
	`, stateID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	for rows.Next() {
		var projectID string
		var requested int64
		if err := rows.Scan(&projectID, &requested); err != nil {
			return nil, classify(err)
		}
		snap.LatestFundRequest[projectID] = requested
	}
	return snap, rows.Err()
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) scanProject(ctx context.Context, q querier, sql string, args ...any) (*model.Project, error) {
	var p model.Project
	err := q.QueryRow(ctx, sql, args...).Scan(
		&p.ID, &p.Name, &p.Description, &p.StateID, &p.AgencyID, &p.BlockTaluk, &p.Status,
		&p.ProgressPercent, &p.TotalBudget, &p.CentreShare, &p.StateShare,
		&p.TotalAllocated, &p.TotalReleased, &p.TotalSpent,
		&p.TargetBeneficiaries, &p.ActualBeneficiaries,
		&p.StartDate, &p.EndDate, &p.DurationMonths, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.NotFound("project not found")
		}
		return nil, classify(err)
	}
	return &p, nil
}

func (s *Store) listProjects(ctx context.Context, q querier, sql string, args ...any) ([]model.Project, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var projects []model.Project
	var ids []string
	for rows.Next() {
		var p model.Project
		err := rows.Scan(
			&p.ID, &p.Name, &p.Description, &p.StateID, &p.AgencyID, &p.BlockTaluk, &p.Status,
			&p.ProgressPercent, &p.TotalBudget, &p.CentreShare, &p.StateShare,
			&p.TotalAllocated, &p.TotalReleased, &p.TotalSpent,
			&p.TargetBeneficiaries, &p.ActualBeneficiaries,
			&p.StartDate, &p.EndDate, &p.DurationMonths, &p.CreatedAt, &p.UpdatedAt,
		)
		if err != nil {
			return nil, classify(err)
		}
		projects = append(projects, p)
		ids = append(ids, p.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	if len(ids) > 0 {
		byProject, err := s.loadMilestonesBatch(ctx, q, ids)
		if err != nil {
			return nil, err
		}
		for i := range projects {
			projects[i].Milestones = byProject[projects[i].ID]
		}
	}
	return projects, nil
}

func (s *Store) loadMilestones(ctx context.Context, q querier, projectID string) ([]model.Milestone, error) {
	byProject, err := s.loadMilestonesBatch(ctx, q, []string{projectID})
	if err != nil {
		return nil, err
	}
	return byProject[projectID], nil
}

func (s *Store) loadMilestonesBatch(ctx context.Context, q querier, projectIDs []string) (map[string][]model.Milestone, error) {
	rows, err := q.Query(ctx, `
		SELECT id, project_id, number, name, status, target_date, completion_date, budget_allocation
		FROM milestones
		WHERE project_id = ANY($1)
		ORDER BY project_id, number
	`, projectIDs)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	out := make(map[string][]model.Milestone)
	for rows.Next() {
		var m model.Milestone
		err := rows.Scan(&m.ID, &m.ProjectID, &m.Number, &m.Name, &m.Status, &m.TargetDate, &m.CompletionDate, &m.BudgetAllocation)
		if err != nil {
			return nil, classify(err)
		}
		out[m.ProjectID] = append(out[m.ProjectID], m)
	}
	return out, rows.Err()
}

func (s *Store) pendingUpdate(ctx context.Context, tx pgx.Tx, projectID string) (*model.ProgressUpdate, error) {
	u, err := s.scanUpdate(ctx, tx, `
		SELECT id, project_id, milestone_id, agency_id, previous_percent, requested_percent,
		       remarks, fund_requested, fund_justification, submitted_at,
		       decision, decided_by, decided_at, decision_remarks
		FROM progress_updates
		WHERE project_id = $1 AND decision = 'PENDING'
	`, projectID)
	if err != nil {
		if errs.IsKind(err, errs.KindNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return u, nil
}

func (s *Store) lastApprovedAt(ctx context.Context, tx pgx.Tx, projectID string) (*time.Time, error) {
	var decidedAt *time.Time
	err := tx.QueryRow(ctx, `
		SELECT MAX(decided_at) FROM progress_updates
		WHERE project_id = $1 AND decision = 'APPROVED'
	`, projectID).Scan(&decidedAt)
	if err != nil {
		return nil, classify(err)
	}
	return decidedAt, nil
}

func (s *Store) scanUpdate(ctx context.Context, q querier, sql string, args ...any) (*model.ProgressUpdate, error) {
	var u model.ProgressUpdate
	var milestoneID *string
	err := q.QueryRow(ctx, sql, args...).Scan(
		&u.ID, &u.ProjectID, &milestoneID, &u.SubmittingAgencyID,
		&u.PreviousPercent, &u.RequestedPercent, &u.Remarks,
		&u.FundRequested, &u.FundJustification, &u.SubmittedAt,
		&u.Decision, &u.DecidedBy, &u.DecidedAt, &u.DecisionRemarks,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.NotFound("progress update not found")
		}
		return nil, classify(err)
	}
	if milestoneID != nil {
		u.MilestoneID = *milestoneID
	}
	return &u, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// classify maps storage errors onto the engine's taxonomy. Serialization
// failures and deadlocks are transient (retried by UpdateProject); unique
// violations surface as Conflict.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return errs.Transient("storage contention: %s", pgErr.Message)
		case "23505": // unique_violation
			return errs.Conflict("conflicting write: %s", pgErr.ConstraintName)
		}
	}
	return fmt.Errorf("storage: %w", err)
}

package workflow

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	mqcontracts "pragati/contracts/mq"
	"pragati/internal/model"
	"pragati/internal/repository"
	"pragati/internal/repository/memory"
	"pragati/pkg/errs"
	"pragati/pkg/scope"
)

var (
	agencyCaller = scope.Scope{ActorID: "agent-1", Role: scope.RoleAgency, AgencyID: "agency-1"}
	stateCaller  = scope.Scope{ActorID: "reviewer-1", Role: scope.RoleState, StateID: "MH"}

	testNow = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
)

func newTestService(store *memory.Store, opts ...Option) *Service {
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return NewService(store, zap.NewNop(), opts...)
}

// seedProject inserts an in-progress project with two milestones and
// 800000 of remaining allocation.
func seedProject(t *testing.T, store *memory.Store, mutate func(*model.Project)) *model.Project {
	t.Helper()
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := &model.Project{
		ID:              "proj-1",
		Name:            "Community Hall",
		StateID:         "MH",
		AgencyID:        "agency-1",
		Status:          model.StatusInProgress,
		ProgressPercent: 20,
		TotalBudget:     2_000_000,
		CentreShare:     1_200_000,
		StateShare:      800_000,
		TotalAllocated:  1_000_000,
		TotalReleased:   200_000,
		StartDate:       created,
		EndDate:         created.AddDate(1, 0, 0),
		DurationMonths:  12,
		Milestones: []model.Milestone{
			{ID: "ms-1", ProjectID: "proj-1", Number: 1, Name: "Foundation", Status: model.MilestoneInProgress, TargetDate: created.AddDate(0, 4, 0)},
			{ID: "ms-2", ProjectID: "proj-1", Number: 2, Name: "Structure", Status: model.MilestoneNotStarted, TargetDate: created.AddDate(0, 9, 0)},
		},
		CreatedAt: created,
		UpdatedAt: created,
	}
	if mutate != nil {
		mutate(p)
	}
	if err := store.InsertProject(context.Background(), p); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	return p
}

func eventsFor(t *testing.T, store *memory.Store, routingKey string) []repository.Event {
	t.Helper()
	var out []repository.Event
	for _, e := range store.Events() {
		if e.RoutingKey == routingKey {
			out = append(out, e)
		}
	}
	return out
}

func TestSubmitProgressUpdate(t *testing.T) {
	cases := []struct {
		name     string
		caller   scope.Scope
		mutate   func(*model.Project)
		input    SubmitInput
		wantKind errs.Kind
	}{
		{
			name:   "valid submission",
			caller: agencyCaller,
			input:  SubmitInput{ProjectID: "proj-1", RequestedPercent: 40, Remarks: "foundation done"},
		},
		{
			name:   "equal percent is allowed",
			caller: agencyCaller,
			input:  SubmitInput{ProjectID: "proj-1", RequestedPercent: 20},
		},
		{
			name:   "fund request with milestone",
			caller: agencyCaller,
			input: SubmitInput{
				ProjectID: "proj-1", MilestoneID: "ms-1", RequestedPercent: 40,
				FundRequested: 100_000, FundJustification: "material procurement",
			},
		},
		{
			name:     "percent above range",
			caller:   agencyCaller,
			input:    SubmitInput{ProjectID: "proj-1", RequestedPercent: 120},
			wantKind: errs.KindValidation,
		},
		{
			name:     "percent below current progress",
			caller:   agencyCaller,
			input:    SubmitInput{ProjectID: "proj-1", RequestedPercent: 10},
			wantKind: errs.KindValidation,
		},
		{
			name:     "negative fund request",
			caller:   agencyCaller,
			input:    SubmitInput{ProjectID: "proj-1", RequestedPercent: 40, FundRequested: -1},
			wantKind: errs.KindValidation,
		},
		{
			// Justification is optional even alongside a fund request.
			name:   "fund request without justification",
			caller: agencyCaller,
			input:  SubmitInput{ProjectID: "proj-1", RequestedPercent: 40, FundRequested: 200_000},
		},
		{
			name:     "other agency's project",
			caller:   scope.Scope{ActorID: "agent-2", Role: scope.RoleAgency, AgencyID: "agency-2"},
			input:    SubmitInput{ProjectID: "proj-1", RequestedPercent: 40},
			wantKind: errs.KindUnauthorized,
		},
		{
			name:     "state reviewer cannot submit",
			caller:   stateCaller,
			input:    SubmitInput{ProjectID: "proj-1", RequestedPercent: 40},
			wantKind: errs.KindUnauthorized,
		},
		{
			name:     "completed project accepts no updates",
			caller:   agencyCaller,
			mutate:   func(p *model.Project) { p.Status = model.StatusCompleted; p.ProgressPercent = 100 },
			input:    SubmitInput{ProjectID: "proj-1", RequestedPercent: 100},
			wantKind: errs.KindInvalidState,
		},
		{
			name:     "suspended project accepts no updates",
			caller:   agencyCaller,
			mutate:   func(p *model.Project) { p.Status = model.StatusSuspended },
			input:    SubmitInput{ProjectID: "proj-1", RequestedPercent: 40},
			wantKind: errs.KindInvalidState,
		},
		{
			name:     "unknown milestone",
			caller:   agencyCaller,
			input:    SubmitInput{ProjectID: "proj-1", MilestoneID: "ms-99", RequestedPercent: 40},
			wantKind: errs.KindNotFound,
		},
		{
			name:     "unknown project",
			caller:   agencyCaller,
			input:    SubmitInput{ProjectID: "proj-404", RequestedPercent: 40},
			wantKind: errs.KindNotFound,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := memory.NewStore()
			seedProject(t, store, tc.mutate)
			svc := newTestService(store)

			updateID, err := svc.SubmitProgressUpdate(context.Background(), tc.caller, tc.input)
			if tc.wantKind != errs.KindInternal {
				if err == nil {
					t.Fatalf("got nil error, want kind %v", tc.wantKind)
				}
				if got := errs.KindOf(err); got != tc.wantKind {
					t.Fatalf("got kind %v (%v), want %v", got, err, tc.wantKind)
				}
				if len(store.Events()) != 0 {
					t.Errorf("rejected submission emitted %d events", len(store.Events()))
				}
				return
			}

			if err != nil {
				t.Fatalf("SubmitProgressUpdate: %v", err)
			}
			u, err := store.GetUpdate(context.Background(), updateID)
			if err != nil {
				t.Fatalf("stored update missing: %v", err)
			}
			if u.Decision != model.DecisionPending {
				t.Errorf("decision = %s, want PENDING", u.Decision)
			}
			if u.PreviousPercent != 20 {
				t.Errorf("previous percent = %d, want 20", u.PreviousPercent)
			}
			if u.SubmittingAgencyID != tc.caller.AgencyID {
				t.Errorf("submitting agency = %s, want %s", u.SubmittingAgencyID, tc.caller.AgencyID)
			}

			events := eventsFor(t, store, mqcontracts.RoutingProgressSubmitted)
			if len(events) != 1 {
				t.Fatalf("got %d submitted events, want 1", len(events))
			}
			var payload mqcontracts.ProgressSubmittedPayload
			if err := json.Unmarshal(events[0].Payload, &payload); err != nil {
				t.Fatalf("unmarshal payload: %v", err)
			}
			if payload.UpdateID != updateID || payload.StateID != "MH" {
				t.Errorf("payload = %+v", payload)
			}
		})
	}
}

func TestSubmitRejectsSecondPending(t *testing.T) {
	store := memory.NewStore()
	seedProject(t, store, nil)
	svc := newTestService(store)
	ctx := context.Background()

	if _, err := svc.SubmitProgressUpdate(ctx, agencyCaller, SubmitInput{ProjectID: "proj-1", RequestedPercent: 40}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err := svc.SubmitProgressUpdate(ctx, agencyCaller, SubmitInput{ProjectID: "proj-1", RequestedPercent: 50})
	if !errs.IsKind(err, errs.KindConflict) {
		t.Fatalf("second submit = %v, want conflict", err)
	}

	updates, _ := store.ListUpdates(ctx, "proj-1")
	if len(updates) != 1 {
		t.Fatalf("ledger has %d entries, want 1", len(updates))
	}
}

func TestSubmitConcurrentSingleWinner(t *testing.T) {
	store := memory.NewStore()
	seedProject(t, store, nil)
	svc := newTestService(store)
	ctx := context.Background()

	const n = 16
	results := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.SubmitProgressUpdate(ctx, agencyCaller, SubmitInput{ProjectID: "proj-1", RequestedPercent: 40})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var accepted, conflicted int
	for err := range results {
		switch {
		case err == nil:
			accepted++
		case errs.IsKind(err, errs.KindConflict):
			conflicted++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if accepted != 1 || conflicted != n-1 {
		t.Fatalf("accepted=%d conflicted=%d, want 1 and %d", accepted, conflicted, n-1)
	}

	updates, _ := store.ListUpdates(ctx, "proj-1")
	if len(updates) != 1 {
		t.Fatalf("ledger has %d entries, want 1", len(updates))
	}
}

func TestDecideApprovalClampsFundRelease(t *testing.T) {
	store := memory.NewStore()
	seedProject(t, store, nil) // remaining allocation 800000
	svc := newTestService(store)
	ctx := context.Background()

	updateID, err := svc.SubmitProgressUpdate(ctx, agencyCaller, SubmitInput{
		ProjectID: "proj-1", MilestoneID: "ms-1", RequestedPercent: 60,
		FundRequested: 900_000, FundJustification: "next phase",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := svc.Decide(ctx, stateCaller, updateID, model.DecisionApproved, "ok"); err != nil {
		t.Fatalf("decide: %v", err)
	}

	p, _ := store.GetProject(ctx, "proj-1")
	if p.ProgressPercent != 60 {
		t.Errorf("progress = %d, want 60", p.ProgressPercent)
	}
	if p.TotalReleased != 1_000_000 {
		t.Errorf("released = %d, want 1000000 (clamped)", p.TotalReleased)
	}
	if p.TotalReleased > p.TotalAllocated {
		t.Errorf("released %d exceeds allocated %d", p.TotalReleased, p.TotalAllocated)
	}

	u, _ := store.GetUpdate(ctx, updateID)
	if u.Decision != model.DecisionApproved || u.DecidedBy != "reviewer-1" || u.DecidedAt == nil {
		t.Errorf("decided fields not applied: %+v", u)
	}

	decided := eventsFor(t, store, mqcontracts.RoutingProgressDecided)
	if len(decided) != 1 {
		t.Fatalf("got %d decided events, want 1", len(decided))
	}
	var dp mqcontracts.ProgressDecidedPayload
	if err := json.Unmarshal(decided[0].Payload, &dp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if dp.FundReleased != 800_000 {
		t.Errorf("event fund released = %d, want 800000", dp.FundReleased)
	}

	shortfalls := eventsFor(t, store, mqcontracts.RoutingFundsShortfall)
	if len(shortfalls) != 1 {
		t.Fatalf("got %d shortfall events, want 1", len(shortfalls))
	}
	var sp mqcontracts.FundsShortfallPayload
	if err := json.Unmarshal(shortfalls[0].Payload, &sp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if sp.FundRequested != 900_000 || sp.FundReleased != 800_000 || sp.Shortfall != 100_000 {
		t.Errorf("shortfall payload = %+v", sp)
	}
}

func TestDecideFullReleaseHasNoShortfall(t *testing.T) {
	store := memory.NewStore()
	seedProject(t, store, nil)
	svc := newTestService(store)
	ctx := context.Background()

	updateID, err := svc.SubmitProgressUpdate(ctx, agencyCaller, SubmitInput{
		ProjectID: "proj-1", RequestedPercent: 40,
		FundRequested: 300_000, FundJustification: "labour",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := svc.Decide(ctx, stateCaller, updateID, model.DecisionApproved, ""); err != nil {
		t.Fatalf("decide: %v", err)
	}

	p, _ := store.GetProject(ctx, "proj-1")
	if p.TotalReleased != 500_000 {
		t.Errorf("released = %d, want 500000", p.TotalReleased)
	}
	if got := len(eventsFor(t, store, mqcontracts.RoutingFundsShortfall)); got != 0 {
		t.Errorf("got %d shortfall events, want 0", got)
	}
}

func TestDecideRejectionLeavesProjectUntouched(t *testing.T) {
	store := memory.NewStore()
	before := seedProject(t, store, nil)
	svc := newTestService(store)
	ctx := context.Background()

	updateID, err := svc.SubmitProgressUpdate(ctx, agencyCaller, SubmitInput{
		ProjectID: "proj-1", RequestedPercent: 90,
		FundRequested: 500_000, FundJustification: "equipment",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := svc.Decide(ctx, stateCaller, updateID, model.DecisionRejected, "insufficient evidence"); err != nil {
		t.Fatalf("decide: %v", err)
	}

	p, _ := store.GetProject(ctx, "proj-1")
	if p.ProgressPercent != before.ProgressPercent {
		t.Errorf("progress changed on rejection: %d", p.ProgressPercent)
	}
	if p.TotalReleased != before.TotalReleased {
		t.Errorf("funds released on rejection: %d", p.TotalReleased)
	}
	if p.Status != before.Status {
		t.Errorf("status changed on rejection: %s", p.Status)
	}

	u, _ := store.GetUpdate(ctx, updateID)
	if u.Decision != model.DecisionRejected || u.DecisionRemarks != "insufficient evidence" {
		t.Errorf("rejection not recorded: %+v", u)
	}

	// A rejected update no longer blocks new submissions.
	if _, err := svc.SubmitProgressUpdate(ctx, agencyCaller, SubmitInput{ProjectID: "proj-1", RequestedPercent: 30}); err != nil {
		t.Fatalf("resubmit after rejection: %v", err)
	}
}

func TestDecideExactlyOnce(t *testing.T) {
	store := memory.NewStore()
	seedProject(t, store, nil)
	svc := newTestService(store)
	ctx := context.Background()

	updateID, err := svc.SubmitProgressUpdate(ctx, agencyCaller, SubmitInput{ProjectID: "proj-1", RequestedPercent: 40})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := svc.Decide(ctx, stateCaller, updateID, model.DecisionApproved, ""); err != nil {
		t.Fatalf("first decide: %v", err)
	}

	err = svc.Decide(ctx, stateCaller, updateID, model.DecisionRejected, "changed my mind")
	if !errs.IsKind(err, errs.KindAlreadyDecided) {
		t.Fatalf("second decide = %v, want already decided", err)
	}

	u, _ := store.GetUpdate(ctx, updateID)
	if u.Decision != model.DecisionApproved {
		t.Errorf("decision flipped to %s", u.Decision)
	}
}

func TestDecideConcurrentSingleWinner(t *testing.T) {
	store := memory.NewStore()
	seedProject(t, store, nil)
	svc := newTestService(store)
	ctx := context.Background()

	updateID, err := svc.SubmitProgressUpdate(ctx, agencyCaller, SubmitInput{ProjectID: "proj-1", RequestedPercent: 40})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	const n = 8
	results := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- svc.Decide(ctx, stateCaller, updateID, model.DecisionApproved, "")
		}()
	}
	wg.Wait()
	close(results)

	var applied, already int
	for err := range results {
		switch {
		case err == nil:
			applied++
		case errs.IsKind(err, errs.KindAlreadyDecided):
			already++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if applied != 1 || already != n-1 {
		t.Fatalf("applied=%d already=%d, want 1 and %d", applied, already, n-1)
	}

	// The approval must have been applied exactly once.
	p, _ := store.GetProject(ctx, "proj-1")
	if p.ProgressPercent != 40 {
		t.Errorf("progress = %d, want 40", p.ProgressPercent)
	}
	if got := len(eventsFor(t, store, mqcontracts.RoutingProgressDecided)); got != 1 {
		t.Errorf("got %d decided events, want 1", got)
	}
}

func TestDecideValidation(t *testing.T) {
	store := memory.NewStore()
	seedProject(t, store, nil)
	svc := newTestService(store)
	ctx := context.Background()

	updateID, err := svc.SubmitProgressUpdate(ctx, agencyCaller, SubmitInput{ProjectID: "proj-1", RequestedPercent: 40})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := svc.Decide(ctx, stateCaller, updateID, model.DecisionPending, ""); !errs.IsKind(err, errs.KindValidation) {
		t.Errorf("PENDING decision = %v, want validation", err)
	}
	if err := svc.Decide(ctx, stateCaller, "no-such-update", model.DecisionApproved, ""); !errs.IsKind(err, errs.KindNotFound) {
		t.Errorf("unknown update = %v, want not found", err)
	}

	otherState := scope.Scope{ActorID: "reviewer-2", Role: scope.RoleState, StateID: "KA"}
	if err := svc.Decide(ctx, otherState, updateID, model.DecisionApproved, ""); !errs.IsKind(err, errs.KindUnauthorized) {
		t.Errorf("cross-state decide = %v, want unauthorized", err)
	}
	if err := svc.Decide(ctx, agencyCaller, updateID, model.DecisionApproved, ""); !errs.IsKind(err, errs.KindUnauthorized) {
		t.Errorf("agency decide = %v, want unauthorized", err)
	}
}

func TestApprovalCompletesProjectAndMilestone(t *testing.T) {
	store := memory.NewStore()
	seedProject(t, store, func(p *model.Project) {
		p.ProgressPercent = 80
		p.Milestones[0].Status = model.MilestoneCompleted
	})
	svc := newTestService(store)
	ctx := context.Background()

	updateID, err := svc.SubmitProgressUpdate(ctx, agencyCaller, SubmitInput{
		ProjectID: "proj-1", MilestoneID: "ms-2", RequestedPercent: 100,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := svc.Decide(ctx, stateCaller, updateID, model.DecisionApproved, ""); err != nil {
		t.Fatalf("decide: %v", err)
	}

	p, _ := store.GetProject(ctx, "proj-1")
	if p.Status != model.StatusCompleted {
		t.Errorf("status = %s, want COMPLETED", p.Status)
	}
	var ms2 *model.Milestone
	for i := range p.Milestones {
		if p.Milestones[i].ID == "ms-2" {
			ms2 = &p.Milestones[i]
		}
	}
	if ms2 == nil || ms2.Status != model.MilestoneCompleted || ms2.CompletionDate == nil {
		t.Errorf("milestone not completed: %+v", ms2)
	}

	// Terminal state: further submissions are refused.
	_, err = svc.SubmitProgressUpdate(ctx, agencyCaller, SubmitInput{ProjectID: "proj-1", RequestedPercent: 100})
	if !errs.IsKind(err, errs.KindInvalidState) {
		t.Errorf("submit on completed = %v, want invalid state", err)
	}
}

func TestApprovalStartsNotStartedProject(t *testing.T) {
	store := memory.NewStore()
	seedProject(t, store, func(p *model.Project) {
		p.Status = model.StatusNotStarted
		p.ProgressPercent = 0
	})
	svc := newTestService(store)
	ctx := context.Background()

	updateID, err := svc.SubmitProgressUpdate(ctx, agencyCaller, SubmitInput{ProjectID: "proj-1", MilestoneID: "ms-1", RequestedPercent: 10})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := svc.Decide(ctx, stateCaller, updateID, model.DecisionApproved, ""); err != nil {
		t.Fatalf("decide: %v", err)
	}

	p, _ := store.GetProject(ctx, "proj-1")
	if p.Status != model.StatusInProgress {
		t.Errorf("status = %s, want IN_PROGRESS", p.Status)
	}
	if p.Milestones[0].Status != model.MilestoneInProgress {
		t.Errorf("milestone status = %s, want IN_PROGRESS", p.Milestones[0].Status)
	}
}

func TestMarkDelayed(t *testing.T) {
	ctx := context.Background()
	overdue := testNow.AddDate(0, -1, 0)

	t.Run("marks overdue project", func(t *testing.T) {
		store := memory.NewStore()
		seedProject(t, store, func(p *model.Project) {
			p.Milestones[0].TargetDate = overdue
		})
		svc := newTestService(store)

		if err := svc.MarkDelayed(ctx, "proj-1", testNow); err != nil {
			t.Fatalf("mark delayed: %v", err)
		}
		p, _ := store.GetProject(ctx, "proj-1")
		if p.Status != model.StatusDelayed {
			t.Fatalf("status = %s, want DELAYED", p.Status)
		}

		events := eventsFor(t, store, mqcontracts.RoutingProjectDelayed)
		if len(events) != 1 {
			t.Fatalf("got %d delayed events, want 1", len(events))
		}
		var payload mqcontracts.ProjectDelayedPayload
		if err := json.Unmarshal(events[0].Payload, &payload); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if payload.ProjectID != "proj-1" || payload.MilestoneID != "ms-1" {
			t.Errorf("payload = %+v", payload)
		}

		// Second pass is a no-op: already delayed.
		if err := svc.MarkDelayed(ctx, "proj-1", testNow); err != nil {
			t.Fatalf("second mark: %v", err)
		}
		if got := len(eventsFor(t, store, mqcontracts.RoutingProjectDelayed)); got != 1 {
			t.Errorf("got %d delayed events after repeat, want 1", got)
		}
	})

	t.Run("skips project with milestone still on schedule", func(t *testing.T) {
		store := memory.NewStore()
		seedProject(t, store, nil)
		svc := newTestService(store)

		if err := svc.MarkDelayed(ctx, "proj-1", testNow); err != nil {
			t.Fatalf("mark delayed: %v", err)
		}
		p, _ := store.GetProject(ctx, "proj-1")
		if p.Status != model.StatusInProgress {
			t.Errorf("status = %s, want IN_PROGRESS", p.Status)
		}
	})

	t.Run("recent approval shields the project", func(t *testing.T) {
		store := memory.NewStore()
		seedProject(t, store, func(p *model.Project) {
			p.Milestones[0].TargetDate = overdue
		})
		svc := newTestService(store, WithDelayGrace(30*24*time.Hour))

		// Record an approval a week before the scan.
		decidedAt := testNow.AddDate(0, 0, -7)
		err := store.UpdateProject(ctx, "proj-1", func(tx *repository.ProjectTx) error {
			tx.InsertUpdate(&model.ProgressUpdate{
				ID: "upd-approved", ProjectID: "proj-1", SubmittingAgencyID: "agency-1",
				RequestedPercent: 30, SubmittedAt: decidedAt,
				Decision: model.DecisionApproved, DecidedBy: "reviewer-1", DecidedAt: &decidedAt,
			})
			return nil
		})
		if err != nil {
			t.Fatalf("seed approval: %v", err)
		}

		if err := svc.MarkDelayed(ctx, "proj-1", testNow); err != nil {
			t.Fatalf("mark delayed: %v", err)
		}
		p, _ := store.GetProject(ctx, "proj-1")
		if p.Status != model.StatusInProgress {
			t.Errorf("status = %s, want IN_PROGRESS (within grace)", p.Status)
		}
	})

	t.Run("stale approval does not shield", func(t *testing.T) {
		store := memory.NewStore()
		seedProject(t, store, func(p *model.Project) {
			p.Milestones[0].TargetDate = overdue
		})
		svc := newTestService(store, WithDelayGrace(30*24*time.Hour))

		decidedAt := testNow.AddDate(0, -3, 0)
		err := store.UpdateProject(ctx, "proj-1", func(tx *repository.ProjectTx) error {
			tx.InsertUpdate(&model.ProgressUpdate{
				ID: "upd-old", ProjectID: "proj-1", SubmittingAgencyID: "agency-1",
				RequestedPercent: 30, SubmittedAt: decidedAt,
				Decision: model.DecisionApproved, DecidedBy: "reviewer-1", DecidedAt: &decidedAt,
			})
			return nil
		})
		if err != nil {
			t.Fatalf("seed approval: %v", err)
		}

		if err := svc.MarkDelayed(ctx, "proj-1", testNow); err != nil {
			t.Fatalf("mark delayed: %v", err)
		}
		p, _ := store.GetProject(ctx, "proj-1")
		if p.Status != model.StatusDelayed {
			t.Errorf("status = %s, want DELAYED", p.Status)
		}
	})
}

func TestScanDelayed(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	overdue := testNow.AddDate(0, -1, 0)

	seedProject(t, store, func(p *model.Project) {
		p.ID = "proj-due"
		p.Milestones[0].ID = "ms-due"
		p.Milestones[0].ProjectID = "proj-due"
		p.Milestones[1].ProjectID = "proj-due"
		p.Milestones[0].TargetDate = overdue
	})
	seedProject(t, store, func(p *model.Project) {
		p.ID = "proj-ok"
		p.Milestones[0].ID = "ms-ok"
		p.Milestones[0].ProjectID = "proj-ok"
		p.Milestones[1].ProjectID = "proj-ok"
	})

	svc := newTestService(store)
	if err := svc.ScanDelayed(ctx, testNow); err != nil {
		t.Fatalf("scan: %v", err)
	}

	due, _ := store.GetProject(ctx, "proj-due")
	if due.Status != model.StatusDelayed {
		t.Errorf("proj-due status = %s, want DELAYED", due.Status)
	}
	ok, _ := store.GetProject(ctx, "proj-ok")
	if ok.Status != model.StatusInProgress {
		t.Errorf("proj-ok status = %s, want IN_PROGRESS", ok.Status)
	}
}

// TestSubmissionLifecycle walks one project through two review rounds end to
// end: partial approval with a fund release, then a rejected overreach, then
// completion.
func TestSubmissionLifecycle(t *testing.T) {
	store := memory.NewStore()
	seedProject(t, store, func(p *model.Project) {
		p.Status = model.StatusNotStarted
		p.ProgressPercent = 0
		p.TotalReleased = 0
	})
	svc := newTestService(store)
	ctx := context.Background()

	// Round 1: 50% with a bare fund request fully covered by the allocation.
	u1, err := svc.SubmitProgressUpdate(ctx, agencyCaller, SubmitInput{
		ProjectID: "proj-1", MilestoneID: "ms-1", RequestedPercent: 50,
		FundRequested: 200_000,
	})
	if err != nil {
		t.Fatalf("submit u1: %v", err)
	}
	if err := svc.Decide(ctx, stateCaller, u1, model.DecisionApproved, "good progress"); err != nil {
		t.Fatalf("approve u1: %v", err)
	}

	p, _ := store.GetProject(ctx, "proj-1")
	if p.ProgressPercent != 50 || p.Status != model.StatusInProgress || p.TotalReleased != 200_000 {
		t.Fatalf("after round 1: percent=%d status=%s released=%d", p.ProgressPercent, p.Status, p.TotalReleased)
	}

	// Round 2: rejected claim leaves everything as round 1 left it.
	u2, err := svc.SubmitProgressUpdate(ctx, agencyCaller, SubmitInput{ProjectID: "proj-1", RequestedPercent: 95})
	if err != nil {
		t.Fatalf("submit u2: %v", err)
	}
	if err := svc.Decide(ctx, stateCaller, u2, model.DecisionRejected, "no site evidence"); err != nil {
		t.Fatalf("reject u2: %v", err)
	}
	p, _ = store.GetProject(ctx, "proj-1")
	if p.ProgressPercent != 50 {
		t.Fatalf("after rejection: percent=%d, want 50", p.ProgressPercent)
	}

	// Round 3: completion.
	u3, err := svc.SubmitProgressUpdate(ctx, agencyCaller, SubmitInput{ProjectID: "proj-1", RequestedPercent: 100})
	if err != nil {
		t.Fatalf("submit u3: %v", err)
	}
	if err := svc.Decide(ctx, stateCaller, u3, model.DecisionApproved, ""); err != nil {
		t.Fatalf("approve u3: %v", err)
	}
	p, _ = store.GetProject(ctx, "proj-1")
	if p.Status != model.StatusCompleted || p.ProgressPercent != 100 {
		t.Fatalf("after completion: status=%s percent=%d", p.Status, p.ProgressPercent)
	}

	// The ledger keeps all three entries in order.
	updates, _ := store.ListUpdates(ctx, "proj-1")
	if len(updates) != 3 {
		t.Fatalf("ledger has %d entries, want 3", len(updates))
	}
	wantDecisions := []model.Decision{model.DecisionApproved, model.DecisionRejected, model.DecisionApproved}
	for i, u := range updates {
		if u.Decision != wantDecisions[i] {
			t.Errorf("entry %d decision = %s, want %s", i, u.Decision, wantDecisions[i])
		}
	}
}

type recordingInvalidator struct {
	mu     sync.Mutex
	states []string
}

func (r *recordingInvalidator) InvalidateState(_ context.Context, stateID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, stateID)
}

func TestDecideInvalidatesRollupCache(t *testing.T) {
	store := memory.NewStore()
	seedProject(t, store, nil)
	inv := &recordingInvalidator{}
	svc := newTestService(store, WithCacheInvalidator(inv))
	ctx := context.Background()

	updateID, err := svc.SubmitProgressUpdate(ctx, agencyCaller, SubmitInput{ProjectID: "proj-1", RequestedPercent: 40})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := svc.Decide(ctx, stateCaller, updateID, model.DecisionApproved, ""); err != nil {
		t.Fatalf("decide: %v", err)
	}

	if len(inv.states) != 1 || inv.states[0] != "MH" {
		t.Fatalf("invalidated states = %v, want [MH]", inv.states)
	}
}

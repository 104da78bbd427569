package scope

// Role constants for the three organizational tiers.
const (
	RoleAgency  = "agency"
	RoleState   = "state"
	RoleCentral = "central"
)

// Scope is the resolved organizational reach of a pre-authenticated caller.
// Resolution from credentials to a Scope happens outside the engine; the
// engine only checks structurally whether a scope covers a project.
type Scope struct {
	ActorID  string
	Role     string
	StateID  string // set for state reviewers
	AgencyID string // set for implementing agencies
}

// CanSubmitFor reports whether this scope may submit progress updates on
// behalf of the given implementing agency.
func (s Scope) CanSubmitFor(agencyID string) bool {
	return s.Role == RoleAgency && s.AgencyID != "" && s.AgencyID == agencyID
}

// CanReviewState reports whether this scope may decide pending updates for
// projects in the given state.
func (s Scope) CanReviewState(stateID string) bool {
	return s.Role == RoleState && s.StateID != "" && s.StateID == stateID
}

// CanCreateIn reports whether this scope may create projects in the given
// state.
func (s Scope) CanCreateIn(stateID string) bool {
	return s.Role == RoleState && s.StateID != "" && s.StateID == stateID
}

// National reports whether the scope covers national-level aggregates.
func (s Scope) National() bool {
	return s.Role == RoleCentral
}

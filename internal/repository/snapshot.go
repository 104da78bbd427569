package repository

import "pragati/internal/model"

// StateSnapshot is a consistent point-in-time view of one state's projects,
// used by the rollup aggregator. LatestFundRequest maps project ID to the
// fund_requested amount on that project's most recent PENDING or APPROVED
// update (projects without one are absent).
type StateSnapshot struct {
	StateID           string
	Projects          []model.Project
	LatestFundRequest map[string]int64
}

// Package store persists density run results. Only attribute rows are
// stored; geometries never leave the process.
package store

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/density-cli/internal/model"
)

// ErrNotFound is returned when a run or level does not exist.
var ErrNotFound = eris.New("store: not found")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for density runs.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, spec model.RunSpec) (*model.Run, error)
	FinishRun(ctx context.Context, runID string, runErr error) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Level tables
	SaveLevel(ctx context.Context, runID string, table *model.Table) error
	GetLevel(ctx context.Context, runID string, level model.Level) (*model.Table, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

// finishState maps a run error to its final status and message.
func finishState(runErr error) (model.RunStatus, string) {
	if runErr != nil {
		return model.RunStatusFailed, runErr.Error()
	}
	return model.RunStatusComplete, ""
}

// sortSummaries orders summaries coarse to fine.
func sortSummaries(s []model.Summary) {
	rank := make(map[model.Level]int)
	for i, l := range model.Levels() {
		rank[l] = i
	}
	sort.SliceStable(s, func(i, j int) bool { return rank[s[i].Level] < rank[s[j].Level] })
}

func marshalRecord(r model.DivisionRecord) ([]byte, error) {
	b, err := json.Marshal(r)
	return b, eris.Wrapf(err, "store: marshal record %s", r.ID)
}

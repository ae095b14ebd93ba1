package model

import "time"

// RunStatus is the state of a stored density run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// RunSpec records the settings a run was computed with.
type RunSpec struct {
	Frame       string   `json:"frame" yaml:"frame"`
	ValueColumn string   `json:"value_column" yaml:"value_column"`
	Reducer     string   `json:"reducer" yaml:"reducer"`
	Overlap     string   `json:"overlap_policy" yaml:"overlap_policy"`
	Levels      []Level  `json:"levels" yaml:"levels"`
	Sources     []string `json:"sources" yaml:"sources"`
}

// Run is one stored execution of the pipeline.
type Run struct {
	ID        string    `json:"id"`
	Status    RunStatus `json:"status"`
	Spec      RunSpec   `json:"spec"`
	Summaries []Summary `json:"summaries,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

package models

import "time"

const (
	RunKindDownload = "download"
	RunKindBuild    = "build"

	RunSucceeded = "succeeded"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

// TimelapseRun is the persisted record of one download or build operation.
type TimelapseRun struct {
	RunID      string     `json:"run_id" db:"run_id"`
	Kind       string     `json:"kind" db:"kind"`
	Camera     string     `json:"camera" db:"camera"`
	Params     string     `json:"params" db:"params"`
	StartedAt  time.Time  `json:"started_at" db:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" db:"finished_at"`
	Outcome    string     `json:"outcome" db:"outcome"`
	Downloaded int        `json:"downloaded" db:"downloaded"`
	Skipped    int        `json:"skipped" db:"skipped"`
	OutputPath string     `json:"output_path,omitempty" db:"output_path"`
	Error      string     `json:"error,omitempty" db:"error"`
}

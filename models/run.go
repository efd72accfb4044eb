package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
)

// Outcome is what a dataset run ended up doing. Skipped-unchanged runs are
// stored with RunStatusSuccess.
type Outcome string

const (
	OutcomeUpdated          Outcome = "updated"
	OutcomeSkippedUnchanged Outcome = "skipped_unchanged"
	OutcomeFailed           Outcome = "failed"
)

// DatasetRun is one Run Ledger entry: one per dataset per sync invocation.
type DatasetRun struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	DatasetKey string     `json:"dataset_key" db:"dataset_key"`
	Status     RunStatus  `json:"status" db:"status"`
	StartedAt  time.Time  `json:"started_at" db:"started_at"`
	FinishedAt *time.Time `json:"finished_at" db:"finished_at"`
	Note       RunNote    `json:"note" db:"note"`
}

// RunNote is the structured blob stored with a run. Only the fingerprint
// fields are read back by the next cycle.
type RunNote struct {
	Fingerprint Fingerprint `json:"fingerprint"`
	ArchiveKey  string      `json:"archive_key,omitempty"`
	Outcome     Outcome     `json:"outcome,omitempty"`
	Reason      string      `json:"reason,omitempty"`
	Forced      bool        `json:"forced,omitempty"`
	Counters    RunCounters `json:"counters"`
	Error       string      `json:"error,omitempty"`
}

type RunCounters struct {
	Bytes             int64 `json:"bytes"`
	RowsRead          int   `json:"rows_read"`
	RowsInvalid       int   `json:"rows_invalid"`
	Scored            int   `json:"scored"`
	AboveThreshold    int   `json:"above_threshold"`
	Candidates        int   `json:"candidates"`
	Inserted          int   `json:"inserted"`
	Updated           int   `json:"updated"`
	SkippedPrecedence int   `json:"skipped_precedence"`
	Conflicts         int   `json:"conflicts"`
}

func (c *RunCounters) AddWrites(w WriteCounts) {
	c.Inserted += w.Inserted
	c.Updated += w.Updated
	c.SkippedPrecedence += w.SkippedPrecedence
	c.Conflicts += w.Conflicts
}

func (n RunNote) ToJSON() json.RawMessage {
	data, _ := json.Marshal(n)
	return data
}

func ParseRunNote(data []byte) (RunNote, error) {
	var n RunNote
	if len(data) == 0 {
		return n, nil
	}
	err := json.Unmarshal(data, &n)
	return n, err
}

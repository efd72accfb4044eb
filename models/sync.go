package models

import "encoding/json"

type SyncStatus string

const (
	SyncStatusSuccess       SyncStatus = "SUCCESS"
	SyncStatusSkippedLocked SyncStatus = "SKIPPED_LOCKED"
)

type SyncReason string

const (
	ReasonScheduled SyncReason = "scheduled"
	ReasonManual    SyncReason = "manual"
)

// DatasetState is the terminal state of one dataset within a cycle.
type DatasetState string

const (
	DatasetPending          DatasetState = "PENDING"
	DatasetRunning          DatasetState = "RUNNING"
	DatasetSuccess          DatasetState = "SUCCESS"
	DatasetSkippedUnchanged DatasetState = "SKIPPED_UNCHANGED"
	DatasetFailed           DatasetState = "FAILED"
)

type DatasetOutcome struct {
	DatasetKey string       `json:"dataset_key"`
	State      DatasetState `json:"state"`
	RunID      string       `json:"run_id,omitempty"`
	ArchiveKey string       `json:"archive_key,omitempty"`
	Counters   RunCounters  `json:"counters"`
	Error      string       `json:"error,omitempty"`
}

type RepairResult struct {
	Scanned   int `json:"scanned"`
	Corrected int `json:"corrected"`
	Merged    int `json:"merged"`
	Migrated  int `json:"migrated"`
	Skipped   int `json:"skipped"`
}

func (r *RepairResult) Add(o RepairResult) {
	r.Scanned += o.Scanned
	r.Corrected += o.Corrected
	r.Merged += o.Merged
	r.Migrated += o.Migrated
	r.Skipped += o.Skipped
}

// SyncResult is what the trigger interface returns for one SyncOnce call.
type SyncResult struct {
	Status            SyncStatus       `json:"status"`
	Reason            SyncReason       `json:"reason"`
	DatasetsProcessed int              `json:"datasets_processed"`
	DatasetsUpdated   int              `json:"datasets_updated"`
	DatasetsSkipped   int              `json:"datasets_skipped"`
	DatasetsFailed    int              `json:"datasets_failed"`
	Repair            *RepairResult    `json:"repair,omitempty"`
	Datasets          []DatasetOutcome `json:"datasets,omitempty"`
}

func (r SyncResult) ToJSON() json.RawMessage {
	data, _ := json.Marshal(r)
	return data
}

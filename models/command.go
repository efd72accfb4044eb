package models

import (
	"encoding/json"
	"time"
)

type CommandType string

const (
	CmdSyncNow CommandType = "sync_now"
)

// Command is an operator request queued in the local SQLite database and
// picked up by the scheduler.
type Command struct {
	ID          int64           `json:"id" db:"id"`
	Command     CommandType     `json:"command" db:"command"`
	Params      json.RawMessage `json:"params" db:"params"`
	Result      json.RawMessage `json:"result" db:"result"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at" db:"processed_at"`
}

// SyncParams is the optional payload of a sync_now command.
type SyncParams struct {
	Force bool `json:"force"`
}

func (c *Command) SyncParams() (SyncParams, error) {
	var p SyncParams
	if len(c.Params) == 0 || string(c.Params) == "null" {
		return p, nil
	}
	err := json.Unmarshal(c.Params, &p)
	return p, err
}

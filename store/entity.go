package store

import (
	"encoding/json"
)

// Class identifies a resource class tracked by the store. Each class maps to
// one backend listing endpoint and one family of push event kinds.
type Class string

const (
	ClassUpload   Class = "upload"
	ClassJob      Class = "job"
	ClassSchedule Class = "schedule"
	ClassMetric   Class = "metric"
	ClassLog      Class = "log"
)

// EntityKey is the stable identity of a tracked long-running unit:
// class + backend-assigned id.
type EntityKey struct {
	Class Class
	ID    string
}

func (k EntityKey) String() string {
	return string(k.Class) + ":" + k.ID
}

// Statuses with cross-class meaning. Class-specific statuses (e.g "encoding",
// "muxing") pass through untyped; only the terminal set matters to the merge.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusRemoved   = "removed"

	// StatusReported is the status carried by metric samples; metrics never
	// terminate.
	StatusReported = "reported"
)

// IsTerminal reports whether a status freezes the entity: no further update
// is accepted until a new run instance (higher run id) appears.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusRemoved:
		return true
	}
	return false
}

// TrackedEntity is the store's current record for one entity key. Revision is
// assigned by the store, never by the server, and strictly increases on every
// accepted update.
type TrackedEntity struct {
	Key        EntityKey
	Status     string
	Progress   int
	RunID      int64
	LastUpdate int64 // logical timestamp (ms), 0 = unknown
	Revision   uint64
	Removed    bool
	Payload    json.RawMessage

	// seq is the store-global accepted-update sequence, used by ChangesSince.
	seq uint64
}

package replication

import "time"

// Mode is the replication lifecycle state.
type Mode string

const (
	ModeStopped Mode = "stopped"
	ModeInitial Mode = "initial"
	ModeLive    Mode = "live"
)

// Health summarises whether replication is making progress.
type Health string

const (
	HealthOK           Health = "ok"
	HealthDegraded     Health = "degraded"
	HealthOffline      Health = "offline"
	HealthAuthRequired Health = "auth_required"
)

// CollectionStatus is the replication state of one collection.
type CollectionStatus struct {
	Cursor    int64     `json:"cursor"`
	Pending   int       `json:"pending"`
	LastPull  time.Time `json:"last_pull,omitempty"`
	LastPush  time.Time `json:"last_push,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Status is a point-in-time view of the engine.
type Status struct {
	Mode        Mode                        `json:"mode"`
	Health      Health                      `json:"health"`
	Failures    int                         `json:"consecutive_failures"`
	LastError   string                      `json:"last_error,omitempty"`
	Collections map[string]CollectionStatus `json:"collections"`
}

func (s Status) clone() Status {
	c := s
	c.Collections = make(map[string]CollectionStatus, len(s.Collections))
	for k, v := range s.Collections {
		c.Collections[k] = v
	}
	return c
}

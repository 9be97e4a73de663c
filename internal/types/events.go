package types

import "time"

// EventKind is the lifecycle moment a stage event marks.
type EventKind string

// Stage event kinds.
const (
	EventStart      EventKind = "START"
	EventSuccess    EventKind = "SUCCESS"
	EventFailure    EventKind = "FAILURE"
	EventIdempotent EventKind = "IDEMPOTENT"
)

// StageEvent is one observability record for a stage invocation. JobID
// doubles as the trace correlation id for the invocation.
type StageEvent struct {
	ReportID   string        `json:"report_id"`
	JobID      string        `json:"job_id"`
	Stage      Stage         `json:"stage"`
	Kind       EventKind     `json:"kind"`
	InputHash  string        `json:"input_hash,omitempty"`
	OutputHash string        `json:"output_hash,omitempty"`
	Duration   time.Duration `json:"duration_ms,omitempty"`
	Category   ErrorCategory `json:"error_category,omitempty"`
	Code       string        `json:"error_code,omitempty"`
	Message    string        `json:"error,omitempty"`
	At         time.Time     `json:"at"`
}

// CacheEventKind is the outcome of one cache access.
type CacheEventKind string

// Cache event kinds.
const (
	CacheHit   CacheEventKind = "hit"
	CacheMiss  CacheEventKind = "miss"
	CacheWrite CacheEventKind = "write"
	CacheStale CacheEventKind = "stale_served"
)

// CacheEvent is one observability record for a cache access.
type CacheEvent struct {
	Cache string         `json:"cache"`
	Key   string         `json:"key"`
	Kind  CacheEventKind `json:"kind"`
	At    time.Time      `json:"at"`
}

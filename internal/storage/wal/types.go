package wal

import "github.com/ChuLiYu/swarm-market/pkg/types"

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for WAL
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventEnqueue  EventType = "ENQUEUE"  // Task added to queue
	EventDispatch EventType = "DISPATCH" // Task handed to a worker
	EventAck      EventType = "ACK"      // Handler succeeded, task removed
	EventRetry    EventType = "RETRY"    // Handler failed, task rescheduled with backoff
	EventDead     EventType = "DEAD"     // Retry bound exceeded, task moved to dead letters
	EventRevive   EventType = "REVIVE"   // Operator re-drove a dead letter
)

// Event represents a WAL event record
//
// Task carries the full task state for ENQUEUE, RETRY and REVIVE so that a
// replay can rebuild the queue without any other source.
type Event struct {
	Seq       uint64               `json:"seq"`       // Event sequence number (monotonically increasing, survives Rotate)
	Type      EventType            `json:"type"`      // Event type
	TaskID    types.TaskID         `json:"task_id"`   // Task ID
	JobID     types.JobID          `json:"job_id"`    // Owning job
	Timestamp int64                `json:"timestamp"` // Unix millisecond timestamp
	Task      *types.ExecutionTask `json:"task,omitempty"`
	Reason    string               `json:"reason,omitempty"` // Failure reason for RETRY / DEAD
	Checksum  uint32               `json:"checksum"`         // CRC32 checksum
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to queue state
type EventHandler func(event Event) error

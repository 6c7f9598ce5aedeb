package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	StageID() string
}

// Topic constants
const (
	TopicStage = "stage"
	TopicBatch = "batch"
)

// Event type constants
const (
	EventTypeStageStarted   = "stage.started"
	EventTypeStageSkipped   = "stage.skipped"
	EventTypeStageCompleted = "stage.completed"
	EventTypeStageDegraded  = "stage.degraded"
	EventTypeStageAborted   = "stage.aborted"
	EventTypeBatchStarted   = "batch.started"
	EventTypeBatchFinished  = "batch.finished"
)

// StageStartedEvent is published when a stage begins execution.
type StageStartedEvent struct {
	ID        string
	Name      string
	ToRun     int
	AlreadyDone int
	Timestamp time.Time
}

func (e StageStartedEvent) EventType() string { return EventTypeStageStarted }
func (e StageStartedEvent) StageID() string   { return e.ID }

// StageSkippedEvent is published when a stage's expected outputs are already
// all on disk and no manifest is built.
type StageSkippedEvent struct {
	ID        string
	Completed int
	Timestamp time.Time
}

func (e StageSkippedEvent) EventType() string { return EventTypeStageSkipped }
func (e StageSkippedEvent) StageID() string   { return e.ID }

// StageCompletedEvent is published when every expected output is present
// after execution.
type StageCompletedEvent struct {
	ID        string
	Timestamp time.Time
}

func (e StageCompletedEvent) EventType() string { return EventTypeStageCompleted }
func (e StageCompletedEvent) StageID() string   { return e.ID }

// StageDegradedEvent is published when a partial stage was completed with
// placeholder artifacts that require manual review.
type StageDegradedEvent struct {
	ID           string
	Placeholders []string // subject keys whose artifacts are placeholders
	Timestamp    time.Time
}

func (e StageDegradedEvent) EventType() string { return EventTypeStageDegraded }
func (e StageDegradedEvent) StageID() string   { return e.ID }

// StageAbortedEvent is published when a stage's completion invariant cannot
// be met and the degrade policy is not active. Prior stage outputs are left
// intact for a future resumed run.
type StageAbortedEvent struct {
	ID        string
	Missing   int
	Timestamp time.Time
}

func (e StageAbortedEvent) EventType() string { return EventTypeStageAborted }
func (e StageAbortedEvent) StageID() string   { return e.ID }

// BatchStartedEvent is published when a batch is handed to a backend.
type BatchStartedEvent struct {
	Stage     string
	Backend   string
	Units     int
	Jobs      int
	Timestamp time.Time
}

func (e BatchStartedEvent) EventType() string { return EventTypeBatchStarted }
func (e BatchStartedEvent) StageID() string   { return e.Stage }

// BatchFinishedEvent is published when every unit of a batch has returned.
type BatchFinishedEvent struct {
	Stage     string
	Succeeded int
	Failed    int
	Timestamp time.Time
}

func (e BatchFinishedEvent) EventType() string { return EventTypeBatchFinished }
func (e BatchFinishedEvent) StageID() string   { return e.Stage }

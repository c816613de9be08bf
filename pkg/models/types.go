package models

import "time"

// Entity is one (name, description) pair to be turned into a dataset record.
// Entities are read-only input; the enumerator (entities.json) is the source
// of truth.
type Entity struct {
	Identity    string `json:"object"`
	Description string `json:"description"`
}

// OutcomeKind classifies the result of a single generation attempt.
type OutcomeKind string

const (
	OutcomePending            OutcomeKind = "pending"
	OutcomeGenerationFailed   OutcomeKind = "generation_failed"
	OutcomeExecutionFailed    OutcomeKind = "execution_failed"
	OutcomeValidationRejected OutcomeKind = "validation_rejected"
	OutcomeAccepted           OutcomeKind = "accepted"
)

// Outcome is the per-attempt result. Attempts are ephemeral: an Outcome lives
// only within one orchestrator invocation and is never persisted.
type Outcome struct {
	Kind       OutcomeKind
	Reason     string
	Confidence float64
}

// RecordStatus is the terminal state of an entity.
type RecordStatus string

const (
	StatusAccepted  RecordStatus = "accepted"
	StatusExhausted RecordStatus = "exhausted"
)

// Record is the persisted result for one entity, keyed by Identity.
// Image is present iff Status is accepted. Seq is the monotonic completion
// sequence assigned by the store at upsert time; the publisher exports
// records in Seq order (oldest completed first).
type Record struct {
	Identity    string       `json:"object"`
	Description string       `json:"description"`
	Code        string       `json:"code,omitempty"`
	Image       []byte       `json:"-"`
	Status      RecordStatus `json:"status"`
	LastReason  string       `json:"last_reason"`
	Confidence  float64      `json:"confidence"`
	Seq         int64        `json:"-"`
}

// Decision is the validator's verdict on a rendered image.
type Decision struct {
	Accepted   bool
	Reason     string
	Confidence float64
}

// ManifestRow is one line of a batch export's manifest.jsonl.
type ManifestRow struct {
	Object      string  `json:"object"`
	Description string  `json:"description"`
	CodeFile    string  `json:"code_file,omitempty"`
	ImageFile   string  `json:"image_file,omitempty"`
	Status      string  `json:"status"`
	LastReason  string  `json:"last_reason"`
	Confidence  float64 `json:"confidence"`
}

// PipelineStats tracks cumulative results for a pipeline run. It is threaded
// through the orchestration loop explicitly rather than held in globals.
type PipelineStats struct {
	StartTime time.Time
	EndTime   time.Time

	TotalEntities int
	Processed     int
	Skipped       int
	Accepted      int
	Exhausted     int

	// Attempt-level failure tallies, across all entities.
	GenerationFailures int
	ExecutionFailures  int

	// Validation rejection breakdown.
	RejectedQuality     int
	RejectedNoObject    int
	RejectedWrongObject int

	TotalDuration   time.Duration
	AverageDuration time.Duration
}

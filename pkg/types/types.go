package types

import (
	"time"
)

// StoreClass identifies which class of backing store a migration targets.
type StoreClass string

const (
	StoreClassDocument   StoreClass = "document"
	StoreClassRelational StoreClass = "relational"
)

// ShardID identifies one horizontally-partitioned instance of a store.
type ShardID string

// MigrationRequest is the caller-supplied unit of work. It is immutable
// once admitted; the planner derives everything else from it.
type MigrationRequest struct {
	ID             string             `json:"id" yaml:"id"`
	Name           string             `json:"name" yaml:"name"`
	StoreClass     StoreClass         `json:"store_class" yaml:"storeClass"`
	Steps          []RequestStep      `json:"steps" yaml:"steps"`
	DependsOn      []string           `json:"depends_on,omitempty" yaml:"dependsOn,omitempty"`
	Concurrency    int                `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	IdempotencyKey string             `json:"idempotency_key" yaml:"idempotencyKey"`
	Probes         []ConsistencyProbe `json:"probes,omitempty" yaml:"probes,omitempty"`
	StepTimeout    time.Duration      `json:"step_timeout,omitempty" yaml:"stepTimeout,omitempty"`
	Deadline       time.Duration      `json:"deadline,omitempty" yaml:"deadline,omitempty"`
	CreatedAt      time.Time          `json:"created_at" yaml:"-"`
}

// RequestStep names a single schema change or data transformation in a request.
type RequestStep struct {
	ID         string    `json:"id" yaml:"id"`
	Kind       StepKind  `json:"kind" yaml:"kind"`
	Scope      StepScope `json:"scope" yaml:"scope"`
	Collection string    `json:"collection" yaml:"collection"`

	// SchemaRef names the schema change to apply (kind=schema).
	SchemaRef string `json:"schema_ref,omitempty" yaml:"schemaRef,omitempty"`

	// Transformer names a registered transformation (kind=data).
	Transformer string `json:"transformer,omitempty" yaml:"transformer,omitempty"`

	// RoutingKey routes single-shard steps; ignored for all-shards scope.
	RoutingKey string   `json:"routing_key,omitempty" yaml:"routingKey,omitempty"`
	DependsOn  []string `json:"depends_on,omitempty" yaml:"dependsOn,omitempty"`

	// EstimatedItems biases scheduling toward the longest critical path.
	EstimatedItems int64 `json:"estimated_items,omitempty" yaml:"estimatedItems,omitempty"`

	// MaxCountDeviation bounds the post-check row/document count delta
	// as a fraction (0.01 = 1%). Zero means exact match required.
	MaxCountDeviation float64 `json:"max_count_deviation,omitempty" yaml:"maxCountDeviation,omitempty"`
}

// StepKind distinguishes schema changes from data transformations.
type StepKind string

const (
	StepKindSchema StepKind = "schema"
	StepKindData   StepKind = "data"
)

// StepScope defines the shard fan-out of a step.
type StepScope string

const (
	StepScopeAllShards   StepScope = "all-shards"
	StepScopeSingleShard StepScope = "single-shard"
)

// ConsistencyProbe declares a cross-shard check run by the validator.
type ConsistencyProbe struct {
	Kind       ProbeKind `json:"kind" yaml:"kind"`
	Collection string    `json:"collection" yaml:"collection"`
	Field      string    `json:"field,omitempty" yaml:"field,omitempty"`

	// Expected is the expected global count for ProbeGlobalCount; ignored otherwise.
	Expected int64 `json:"expected,omitempty" yaml:"expected,omitempty"`
}

// ProbeKind enumerates supported cross-shard consistency probes.
type ProbeKind string

const (
	ProbeGlobalCount ProbeKind = "global-count"
	ProbeUniqueness  ProbeKind = "uniqueness"
)

// Plan is a DAG of steps derived from a request and a topology snapshot.
// Plans are read-only after admission.
type Plan struct {
	MigrationID     string     `json:"migration_id"`
	RequestID       string     `json:"request_id"`
	StoreClass      StoreClass `json:"store_class"`
	TopologyVersion uint64     `json:"topology_version"`
	Digest          string     `json:"digest"`

	// Stages are topological levels; steps within a stage are independent
	// and may run in parallel subject to shard locks.
	Stages []Stage `json:"stages"`
}

// Stage is one topological level of a plan.
type Stage struct {
	Steps []*PlanStep `json:"steps"`
}

// PlanStep is a request step expanded onto a concrete shard.
type PlanStep struct {
	ID          string   `json:"id"` // "<step id>@<shard id>"
	StepID      string   `json:"step_id"`
	Kind        StepKind `json:"kind"`
	Shard       ShardID  `json:"shard"`
	Collection  string   `json:"collection"`
	SchemaRef   string   `json:"schema_ref,omitempty"`
	Transformer string   `json:"transformer,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`

	// Depth is the remaining critical-path depth below this step in the DAG.
	Depth             int     `json:"depth"`
	EstimatedItems    int64   `json:"estimated_items"`
	MaxCountDeviation float64 `json:"max_count_deviation,omitempty"`
}

// MigrationState is the orchestrator state machine position.
type MigrationState string

const (
	MigrationCreated     MigrationState = "created"
	MigrationPlanning    MigrationState = "planning"
	MigrationPending     MigrationState = "pending"
	MigrationRunning     MigrationState = "running"
	MigrationValidating  MigrationState = "validating"
	MigrationCompleted   MigrationState = "completed"
	MigrationFailing     MigrationState = "failing"
	MigrationRollingBack MigrationState = "rolling_back"
	MigrationRolledBack  MigrationState = "rolled_back"
	MigrationCancelling  MigrationState = "cancelling"
	MigrationCancelled   MigrationState = "cancelled"
	MigrationFailed      MigrationState = "failed"
)

// Terminal reports whether s is a terminal state.
func (s MigrationState) Terminal() bool {
	switch s {
	case MigrationCompleted, MigrationRolledBack, MigrationCancelled, MigrationFailed:
		return true
	}
	return false
}

// Migration is the live execution record for one admitted request.
type Migration struct {
	ID         string         `json:"id"`
	RequestID  string         `json:"request_id"`
	Name       string         `json:"name"`
	StoreClass StoreClass     `json:"store_class"`
	State      MigrationState `json:"state"`
	PlanDigest string         `json:"plan_digest"`

	// OwnerToken identifies the coordinator currently driving this
	// migration. A takeover CAS-swaps it.
	OwnerToken   string `json:"owner_token,omitempty"`
	CurrentStage int    `json:"current_stage"`
	ItemsTotal   int64  `json:"items_total"`
	ItemsDone    int64  `json:"items_done"`
	Error        string `json:"error,omitempty"`

	// Unrecoverable lists step ids whose compensation was unavailable
	// during rollback. Locks are held until an operator acknowledges.
	Unrecoverable []string  `json:"unrecoverable,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	StartedAt     time.Time `json:"started_at,omitempty"`
	EndedAt       time.Time `json:"ended_at,omitempty"`

	// Version is the optimistic-concurrency version for statestore CAS.
	Version uint64 `json:"version"`
}

// ProgressStatus is the per-shard step execution status.
type ProgressStatus string

const (
	ProgressPending   ProgressStatus = "pending"
	ProgressRunning   ProgressStatus = "running"
	ProgressCompleted ProgressStatus = "completed"
	ProgressFailed    ProgressStatus = "failed"
	ProgressSkipped   ProgressStatus = "skipped"
)

// ShardProgress tracks one (migration, step, shard) execution.
type ShardProgress struct {
	MigrationID    string         `json:"migration_id"`
	StepID         string         `json:"step_id"`
	Shard          ShardID        `json:"shard"`
	Status         ProgressStatus `json:"status"`
	ItemsProcessed int64          `json:"items_processed"`
	TotalItems     int64          `json:"total_items,omitempty"`

	// LastCheckpoint is an opaque shard-local cursor. It is only advanced
	// after the batch it describes is durably applied at the target.
	LastCheckpoint string    `json:"last_checkpoint,omitempty"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	EndedAt        time.Time `json:"ended_at,omitempty"`
	Error          string    `json:"error,omitempty"`
	Version        uint64    `json:"version"`
}

// ProgressKey identifies a ShardProgress record.
type ProgressKey struct {
	MigrationID string
	StepID      string
	Shard       ShardID
}

// Lock is an advisory lease over a resource.
type Lock struct {
	Resource     string    `json:"resource"` // "shard:<class>:<id>" or "collection:<name>"
	HolderID     string    `json:"holder_id"`
	AcquiredAt   time.Time `json:"acquired_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	FencingToken uint64    `json:"fencing_token"`
}

// EventKind enumerates migration lifecycle events.
type EventKind string

const (
	EventCreated          EventKind = "created"
	EventStarted          EventKind = "started"
	EventStepStarted      EventKind = "step_started"
	EventProgress         EventKind = "progress"
	EventStepCompleted    EventKind = "step_completed"
	EventStepFailed       EventKind = "step_failed"
	EventValidationFailed EventKind = "validation_failed"
	EventFailed           EventKind = "failed"
	EventRolledBack       EventKind = "rolled_back"
	EventCompleted        EventKind = "completed"
	EventCancelled        EventKind = "cancelled"
)

// Event is an append-only audit record. Consumers dedupe by ID.
type Event struct {
	ID          string            `json:"id"`
	MigrationID string            `json:"migration_id"`
	Kind        EventKind         `json:"kind"`
	Timestamp   time.Time         `json:"timestamp"`
	Payload     map[string]string `json:"payload,omitempty"`
}

// CommandKind enumerates the operator commands carried inbound over the
// event bus.
type CommandKind string

const (
	CommandRequest CommandKind = "migration.request"
	CommandCancel  CommandKind = "migration.cancel"
)

// Command is an inbound bus message. Delivery is at-least-once; the
// consumer dedupes by ID.
type Command struct {
	ID   string      `json:"id"`
	Kind CommandKind `json:"kind"`

	// Request carries the migration to admit (kind=migration.request).
	Request *MigrationRequest `json:"request,omitempty"`

	// MigrationID names the migration to cancel (kind=migration.cancel).
	MigrationID string `json:"migration_id,omitempty"`
}

// Record is one unit of data streamed from a source shard. Records carry
// a stable ID so duplicate application on replay is an upsert no-op.
type Record struct {
	ID     string                 `json:"id"`
	Fields map[string]interface{} `json:"fields"`
}

// Health reports back-end availability, driving batch pump backoff.
type Health string

const (
	HealthOK       Health = "ok"
	HealthDegraded Health = "degraded"
	HealthDown     Health = "down"
)

// Package models defines the core data structures used across Nocturne.
//
// Nocturne is the scheduled hibernation engine for Open Cloud Ops. It
// suspends and restores namespace workloads outside business hours,
// bounded by tenant quotas and guarded by rollback state captured before
// every mutating operation. These models represent resource snapshots,
// rollback records, scheduled tasks, tenant permissions, and the audit
// trail that flows through the system.
package models

import "time"

// OperationKind identifies what a scheduled task does when it fires.
type OperationKind string

const (
	OperationActivate   OperationKind = "activate"
	OperationDeactivate OperationKind = "deactivate"
	OperationRawCommand OperationKind = "raw_command"
)

// TaskStatus represents the lifecycle state of a scheduled task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// ScaleStatus records the outcome of a single resource scale attempt.
type ScaleStatus string

const (
	ScaleStatusScaled  ScaleStatus = "scaled"
	ScaleStatusSkipped ScaleStatus = "skipped"
	ScaleStatusFailed  ScaleStatus = "failed"
)

// RollbackTrigger identifies why an automatic rollback fired.
type RollbackTrigger string

const (
	TriggerManual          RollbackTrigger = "manual"
	TriggerRepeatedFailure RollbackTrigger = "repeated_failure"
	TriggerHealthCheck     RollbackTrigger = "health_check"
)

// ResourceSnapshot captures a resource's replica count before a mutating
// operation. Snapshots are immutable once created.
type ResourceSnapshot struct {
	ResourceType   string `json:"resource_type"`
	Name           string `json:"name"`
	ReplicasBefore int32  `json:"replicas_before"`
}

// RollbackRecord is the pre-change state saved for a namespace. At most one
// live record exists per namespace; a new save supersedes the prior one.
// Records are read-only after creation.
type RollbackRecord struct {
	Namespace   string             `json:"namespace"`
	OperationID string             `json:"operation_id"`
	Snapshots   []ResourceSnapshot `json:"snapshots"`
	CreatedAt   time.Time          `json:"created_at"`
}

// ScaledResource records what happened to one resource during a scaling
// operation.
type ScaledResource struct {
	ResourceType string      `json:"resource_type"`
	Name         string      `json:"name"`
	FromReplicas int32       `json:"from_replicas"`
	ToReplicas   int32       `json:"to_replicas"`
	Status       ScaleStatus `json:"status"`
	Error        string      `json:"error,omitempty"`
}

// ScaleResult is the outcome of scaling a namespace's resources.
// Success is false if any resource failed, regardless of rollback outcome.
type ScaleResult struct {
	Namespace         string           `json:"namespace"`
	OperationID       string           `json:"operation_id"`
	Success           bool             `json:"success"`
	TotalScaled       int              `json:"total_scaled"`
	TotalFailed       int              `json:"total_failed"`
	ScaledResources   []ScaledResource `json:"scaled_resources"`
	FailedResources   []ScaledResource `json:"failed_resources"`
	RollbackPerformed bool             `json:"rollback_performed"`
	RollbackResults   []ScaledResource `json:"rollback_results,omitempty"`
}

// Task is a cron-scheduled or one-shot namespace lifecycle operation.
// Owned by the task scheduler; mutated only under the task's own lock.
type Task struct {
	ID              string        `json:"id"`
	Title           string        `json:"title"`
	NamespaceTarget string        `json:"namespace_target"`
	TenantID        string        `json:"tenant_id"`
	Operation       OperationKind `json:"operation"`
	Command         string        `json:"command,omitempty"` // raw_command payload
	CronExpression  string        `json:"cron_expression,omitempty"`
	Status          TaskStatus    `json:"status"`
	LastRun         *time.Time    `json:"last_run,omitempty"`
	NextRun         *time.Time    `json:"next_run,omitempty"`
	RunCount        int           `json:"run_count"`
	SuccessCount    int           `json:"success_count"`
	ErrorCount      int           `json:"error_count"`
	CreatedAt       time.Time     `json:"created_at"`
}

// TenantPermission authorizes a tenant to operate on namespaces.
// Persisted externally; read through a TTL cache with explicit
// invalidation on write.
type TenantPermission struct {
	TenantID                    string   `json:"tenant_id" db:"tenant_id"`
	IsAuthorized                bool     `json:"is_authorized" db:"is_authorized"`
	MaxConcurrentNamespaces     int      `json:"max_concurrent_namespaces" db:"max_concurrent_namespaces"`
	AuthorizedNamespacePatterns []string `json:"authorized_namespace_patterns" db:"authorized_namespace_patterns"`
}

// ActivityRecord is an append-only audit entry, one per lifecycle operation
// or validation decision. Never mutated after completion except to append
// an end timestamp and duration.
type ActivityRecord struct {
	Namespace       string    `json:"namespace" db:"namespace"`
	StartTimestamp  time.Time `json:"start_timestamp" db:"start_timestamp"`
	OperationType   string    `json:"operation_type" db:"operation_type"`
	TenantID        string    `json:"tenant_id" db:"tenant_id"`
	RequestingUser  string    `json:"requesting_user" db:"requesting_user"`
	ClusterID       string    `json:"cluster_id" db:"cluster_id"`
	Status          string    `json:"status" db:"status"`
	Reason          string    `json:"reason,omitempty" db:"reason"`
	DurationMinutes *float64  `json:"duration_minutes,omitempty" db:"duration_minutes"`
}

// RollbackEvent is the structured payload delivered to notification
// channels before and after a rollback.
type RollbackEvent struct {
	Namespace string            `json:"namespace"`
	EventType string            `json:"event_type"` // "rollback_started", "rollback_completed", "rollback_failed"
	Trigger   RollbackTrigger   `json:"trigger"`
	Timestamp time.Time         `json:"timestamp"`
	Details   map[string]string `json:"details,omitempty"`
}

// ValidationDecision is the result of an admission check. Err carries the
// underlying infrastructure cause of a fail-closed denial so callers can
// inspect it with errors.Is; it is never serialized.
type ValidationDecision struct {
	Allowed bool              `json:"allowed"`
	Reason  string            `json:"reason,omitempty"`
	Kind    ErrorKind         `json:"error_kind,omitempty"`
	Details map[string]string `json:"details,omitempty"`
	Err     error             `json:"-"`
}

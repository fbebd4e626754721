// Package rollback implements pre-change state capture and restoration for
// namespace scaling operations.
//
// Before a scale-down, the manager snapshots every workload's replica count
// into a rollback record (one live record per namespace; a new save
// supersedes the prior one). A rollback replays those counts through the
// resource state reader. Automatic triggers fire on repeated scale-down
// failures and on failed post-scale-up health checks, and a successful
// automatic rollback places the namespace under a temporary operation block
// so the failing operation is not immediately retried against it.
package rollback

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bigdegenenergy/open-cloud-ops/nocturne/internal/cluster"
	"github.com/bigdegenenergy/open-cloud-ops/nocturne/internal/notify"
	"github.com/bigdegenenergy/open-cloud-ops/nocturne/pkg/models"
)

// Config controls automatic trigger thresholds and timing.
type Config struct {
	// BlockDuration is how long a namespace rejects new scaling requests
	// after a successful automatic rollback.
	BlockDuration time.Duration

	// FailureThreshold is the number of consecutive scale-down failures
	// for a namespace that fires the repeated-failure trigger.
	FailureThreshold int

	// HealthCheckSettle is the delay before the first readiness poll
	// after a scale-up.
	HealthCheckSettle time.Duration

	// HealthCheckInterval is the delay between readiness polls.
	HealthCheckInterval time.Duration

	// HealthCheckMaxFails is the number of consecutive readiness
	// mismatches that fires the health-check trigger.
	HealthCheckMaxFails int
}

// DefaultConfig returns the production trigger policy.
func DefaultConfig() Config {
	return Config{
		BlockDuration:       10 * time.Minute,
		FailureThreshold:    2,
		HealthCheckSettle:   30 * time.Second,
		HealthCheckInterval: 15 * time.Second,
		HealthCheckMaxFails: 3,
	}
}

// Manager owns rollback records, failure counters, in-progress tracking,
// and temporary operation blocks. All shared state lives behind the
// manager's lock; there are no package-level registries.
type Manager struct {
	reader   *cluster.Reader
	notifier *notify.Notifier
	cfg      Config

	// now is stubbed in tests.
	now func() time.Time

	mu           sync.Mutex
	records      map[string]*models.RollbackRecord // namespace -> live record
	inProgress   map[string]bool                   // namespaces with a rollback underway
	failCounts   map[string]int                    // consecutive scale-down failures
	blockedUntil map[string]time.Time              // temporary operation blocks
}

// NewManager creates a Manager. Zero config values fall back to defaults.
func NewManager(reader *cluster.Reader, notifier *notify.Notifier, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = def.BlockDuration
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.HealthCheckSettle <= 0 {
		cfg.HealthCheckSettle = def.HealthCheckSettle
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = def.HealthCheckInterval
	}
	if cfg.HealthCheckMaxFails <= 0 {
		cfg.HealthCheckMaxFails = def.HealthCheckMaxFails
	}
	return &Manager{
		reader:       reader,
		notifier:     notifier,
		cfg:          cfg,
		now:          time.Now,
		records:      make(map[string]*models.RollbackRecord),
		inProgress:   make(map[string]bool),
		failCounts:   make(map[string]int),
		blockedUntil: make(map[string]time.Time),
	}
}

// SaveState captures the pre-change replica counts of the given workloads
// into a new rollback record for the namespace, superseding any prior
// record. It returns the new operation id.
func (m *Manager) SaveState(namespace string, workloads []cluster.Workload) (string, error) {
	if namespace == "" {
		return "", fmt.Errorf("rollback: namespace is required")
	}

	snapshots := make([]models.ResourceSnapshot, 0, len(workloads))
	for _, w := range workloads {
		snapshots = append(snapshots, models.ResourceSnapshot{
			ResourceType:   w.Kind,
			Name:           w.Name,
			ReplicasBefore: w.Replicas,
		})
	}

	record := &models.RollbackRecord{
		Namespace:   namespace,
		OperationID: uuid.NewString(),
		Snapshots:   snapshots,
		CreatedAt:   m.now().UTC(),
	}

	m.mu.Lock()
	m.records[namespace] = record
	m.mu.Unlock()

	log.Printf("rollback: saved state for %s (operation %s, %d snapshots)",
		namespace, record.OperationID, len(snapshots))
	return record.OperationID, nil
}

// GetRecord returns the live rollback record for the namespace, if any.
func (m *Manager) GetRecord(namespace string) (*models.RollbackRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[namespace]
	return r, ok
}

// ClearState discards the live rollback record for the namespace.
func (m *Manager) ClearState(namespace string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, namespace)
}

// Rollback restores every snapshot in the namespace's live record. A
// snapshot whose resource is already at its recorded count issues no
// command. A per-resource restore failure is logged and does not abort
// the remaining restores; the returned error is non-nil unless every
// restore succeeded.
func (m *Manager) Rollback(ctx context.Context, namespace string) error {
	m.mu.Lock()
	record, ok := m.records[namespace]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("rollback: no saved state for namespace %s", namespace)
	}

	log.Printf("rollback: restoring %d resources in %s (operation %s)",
		len(record.Snapshots), namespace, record.OperationID)

	current := make(map[string]int32)
	if workloads, err := m.reader.ListNamespaceWorkloads(ctx, namespace); err == nil {
		for _, w := range workloads {
			current[w.Kind+"/"+w.Name] = w.Replicas
		}
	} else {
		// Inventory failed: restore unconditionally.
		log.Printf("rollback: warning: could not inventory %s before restore: %v", namespace, err)
		current = nil
	}

	failed := 0
	for _, snap := range record.Snapshots {
		if current != nil {
			if have, ok := current[snap.ResourceType+"/"+snap.Name]; ok && have == snap.ReplicasBefore {
				continue
			}
		}
		if err := m.reader.Scale(ctx, snap.ResourceType, snap.Name, namespace, snap.ReplicasBefore); err != nil {
			failed++
			log.Printf("rollback: restore of %s/%s in %s to %d failed: %v",
				snap.ResourceType, snap.Name, namespace, snap.ReplicasBefore, err)
		}
	}

	if failed > 0 {
		return fmt.Errorf("rollback: %d/%d restores failed in %s", failed, len(record.Snapshots), namespace)
	}
	return nil
}

// TriggerAutomaticRollback performs a guarded rollback for the namespace:
// a per-namespace in-progress guard prevents concurrent duplicates, a
// pre-rollback and post-rollback event fan out to all notification
// channels, and on success the namespace is placed under a temporary
// operation block. Returns true if the rollback ran and succeeded.
func (m *Manager) TriggerAutomaticRollback(ctx context.Context, namespace string, trigger models.RollbackTrigger, details map[string]string) (bool, error) {
	m.mu.Lock()
	if m.inProgress[namespace] {
		m.mu.Unlock()
		log.Printf("rollback: %s already in progress for trigger %s, skipping", namespace, trigger)
		return false, nil
	}
	m.inProgress[namespace] = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.inProgress, namespace)
		m.mu.Unlock()
	}()

	m.notifier.Broadcast(ctx, models.RollbackEvent{
		Namespace: namespace,
		EventType: "rollback_started",
		Trigger:   trigger,
		Timestamp: m.now().UTC(),
		Details:   details,
	})

	err := m.Rollback(ctx, namespace)

	eventType := "rollback_completed"
	if err != nil {
		eventType = "rollback_failed"
	}
	m.notifier.Broadcast(ctx, models.RollbackEvent{
		Namespace: namespace,
		EventType: eventType,
		Trigger:   trigger,
		Timestamp: m.now().UTC(),
		Details:   details,
	})

	if err != nil {
		log.Printf("rollback: automatic rollback of %s failed: %v", namespace, err)
		return false, err
	}

	until := m.now().Add(m.cfg.BlockDuration)
	m.mu.Lock()
	m.blockedUntil[namespace] = until
	m.failCounts[namespace] = 0
	m.mu.Unlock()

	log.Printf("rollback: automatic rollback of %s succeeded (trigger=%s), blocked until %s",
		namespace, trigger, until.UTC().Format(time.RFC3339))
	return true, nil
}

// IsBlocked reports whether the namespace is under a temporary operation
// block, and when the block expires. Expired blocks are pruned.
func (m *Manager) IsBlocked(namespace string) (bool, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	until, ok := m.blockedUntil[namespace]
	if !ok {
		return false, time.Time{}
	}
	if m.now().After(until) {
		delete(m.blockedUntil, namespace)
		return false, time.Time{}
	}
	return true, until
}

// RecordScaleDownFailure increments the namespace's consecutive failure
// count and fires the repeated-failure trigger once the threshold is
// reached. Returns true if a rollback was triggered.
func (m *Manager) RecordScaleDownFailure(ctx context.Context, namespace string) bool {
	m.mu.Lock()
	m.failCounts[namespace]++
	count := m.failCounts[namespace]
	threshold := m.cfg.FailureThreshold
	m.mu.Unlock()

	log.Printf("rollback: scale-down failure %d/%d for %s", count, threshold, namespace)

	if count < threshold {
		return false
	}

	triggered, err := m.TriggerAutomaticRollback(ctx, namespace, models.TriggerRepeatedFailure, map[string]string{
		"consecutive_failures": strconv.Itoa(count),
	})
	if err != nil {
		log.Printf("rollback: repeated-failure trigger for %s did not complete: %v", namespace, err)
	}
	return triggered
}

// ResetFailures clears the consecutive failure count after a successful
// scale-down.
func (m *Manager) ResetFailures(namespace string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failCounts, namespace)
}

// WatchScaleUpHealth runs the deferred post-scale-up readiness check. It
// waits the settle period, then polls workload readiness; after
// HealthCheckMaxFails consecutive mismatches it fires the health-check
// trigger. Intended to run as a detached goroutine; it exits when the
// namespace becomes ready, the trigger fires, or ctx is cancelled.
func (m *Manager) WatchScaleUpHealth(ctx context.Context, namespace string) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(m.cfg.HealthCheckSettle):
	}

	consecutive := 0
	for {
		ready, err := m.reader.WorkloadsReady(ctx, namespace)
		if err != nil {
			// Infrastructure failure while polling: count it like a
			// mismatch so a dead API server still bounds the watch.
			log.Printf("rollback: health check for %s errored: %v", namespace, err)
			consecutive++
		} else if ready {
			log.Printf("rollback: health check for %s passed, workloads ready", namespace)
			return
		} else {
			consecutive++
			log.Printf("rollback: health check for %s: ready count below desired (%d/%d consecutive)",
				namespace, consecutive, m.cfg.HealthCheckMaxFails)
		}

		if consecutive >= m.cfg.HealthCheckMaxFails {
			if _, err := m.TriggerAutomaticRollback(ctx, namespace, models.TriggerHealthCheck, map[string]string{
				"consecutive_check_failures": strconv.Itoa(consecutive),
			}); err != nil {
				log.Printf("rollback: health-check trigger for %s did not complete: %v", namespace, err)
			}
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.cfg.HealthCheckInterval):
		}
	}
}

// Package store implements persistence for Nocturne: the append-only
// activity (audit) log and the tenant permission table on PostgreSQL, plus
// a Redis read-through cache for permission lookups.
//
// In-memory implementations back development mode and tests; the Postgres
// implementations follow the same upsert/scan conventions as the rest of
// the Open Cloud Ops suite.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigdegenenergy/open-cloud-ops/nocturne/pkg/models"
)

// ActivityStore is the append-only audit log, keyed by
// (namespace, start_timestamp) with secondary indexes for audit queries.
// Implementations must be safe for concurrent use.
type ActivityStore interface {
	// Append writes one activity record.
	Append(ctx context.Context, record models.ActivityRecord) error

	// Complete appends the end timestamp and duration to an existing
	// record, identified by its (namespace, start_timestamp) key.
	Complete(ctx context.Context, namespace string, start time.Time, status string, durationMinutes float64) error

	// ListByNamespace returns records for one namespace, newest first.
	ListByNamespace(ctx context.Context, namespace string, limit int) ([]models.ActivityRecord, error)

	// ListByTenant returns records for one tenant, newest first.
	ListByTenant(ctx context.Context, tenantID string, limit int) ([]models.ActivityRecord, error)

	// ListByRequester returns records for one requesting user, newest first.
	ListByRequester(ctx context.Context, user string, limit int) ([]models.ActivityRecord, error)
}

// scannable is satisfied by both pgx.Row and pgx.Rows.
type scannable interface {
	Scan(dest ...any) error
}

const activityCols = `namespace, start_timestamp, operation_type, tenant_id,
	requesting_user, cluster_id, status, reason, duration_minutes`

// PgActivityStore implements ActivityStore on PostgreSQL via pgxpool.
type PgActivityStore struct {
	pool *pgxpool.Pool
}

// NewPgActivityStore creates a PostgreSQL-backed activity store.
func NewPgActivityStore(pool *pgxpool.Pool) *PgActivityStore {
	return &PgActivityStore{pool: pool}
}

// Append writes one activity record.
func (s *PgActivityStore) Append(ctx context.Context, r models.ActivityRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO activity_log (`+activityCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		r.Namespace, r.StartTimestamp, r.OperationType, r.TenantID,
		r.RequestingUser, r.ClusterID, r.Status, r.Reason, r.DurationMinutes)
	if err != nil {
		return fmt.Errorf("store: append activity: %w", err)
	}
	return nil
}

// Complete sets the terminal status and duration on an existing record.
func (s *PgActivityStore) Complete(ctx context.Context, namespace string, start time.Time, status string, durationMinutes float64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE activity_log SET status = $3, duration_minutes = $4
		WHERE namespace = $1 AND start_timestamp = $2`,
		namespace, start, status, durationMinutes)
	if err != nil {
		return fmt.Errorf("store: complete activity: %w", err)
	}
	return nil
}

// ListByNamespace returns records for one namespace, newest first.
func (s *PgActivityStore) ListByNamespace(ctx context.Context, namespace string, limit int) ([]models.ActivityRecord, error) {
	return s.list(ctx, `SELECT `+activityCols+` FROM activity_log
		WHERE namespace = $1 ORDER BY start_timestamp DESC LIMIT $2`, namespace, limit)
}

// ListByTenant returns records for one tenant, newest first. Served by the
// tenant_id secondary index.
func (s *PgActivityStore) ListByTenant(ctx context.Context, tenantID string, limit int) ([]models.ActivityRecord, error) {
	return s.list(ctx, `SELECT `+activityCols+` FROM activity_log
		WHERE tenant_id = $1 ORDER BY start_timestamp DESC LIMIT $2`, tenantID, limit)
}

// ListByRequester returns records for one requesting user, newest first.
func (s *PgActivityStore) ListByRequester(ctx context.Context, user string, limit int) ([]models.ActivityRecord, error) {
	return s.list(ctx, `SELECT `+activityCols+` FROM activity_log
		WHERE requesting_user = $1 ORDER BY start_timestamp DESC LIMIT $2`, user, limit)
}

func (s *PgActivityStore) list(ctx context.Context, query string, key any, limit int) ([]models.ActivityRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, query, key, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list activity: %w", err)
	}
	defer rows.Close()

	var records []models.ActivityRecord
	for rows.Next() {
		r, scanErr := scanActivity(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func scanActivity(s scannable) (models.ActivityRecord, error) {
	var r models.ActivityRecord
	err := s.Scan(
		&r.Namespace, &r.StartTimestamp, &r.OperationType, &r.TenantID,
		&r.RequestingUser, &r.ClusterID, &r.Status, &r.Reason, &r.DurationMinutes)
	if err != nil {
		return r, fmt.Errorf("store: scan activity: %w", err)
	}
	return r, nil
}

// MemoryActivityStore is an in-memory ActivityStore for development mode
// and tests.
type MemoryActivityStore struct {
	mu      sync.RWMutex
	records []models.ActivityRecord
}

// NewMemoryActivityStore creates an empty in-memory activity store.
func NewMemoryActivityStore() *MemoryActivityStore {
	return &MemoryActivityStore{}
}

func (s *MemoryActivityStore) Append(ctx context.Context, r models.ActivityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

func (s *MemoryActivityStore) Complete(ctx context.Context, namespace string, start time.Time, status string, durationMinutes float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.records {
		if s.records[i].Namespace == namespace && s.records[i].StartTimestamp.Equal(start) {
			s.records[i].Status = status
			d := durationMinutes
			s.records[i].DurationMinutes = &d
			return nil
		}
	}
	return fmt.Errorf("store: activity record %s@%s not found", namespace, start.Format(time.RFC3339))
}

func (s *MemoryActivityStore) ListByNamespace(ctx context.Context, namespace string, limit int) ([]models.ActivityRecord, error) {
	return s.filter(func(r models.ActivityRecord) bool { return r.Namespace == namespace }, limit), nil
}

func (s *MemoryActivityStore) ListByTenant(ctx context.Context, tenantID string, limit int) ([]models.ActivityRecord, error) {
	return s.filter(func(r models.ActivityRecord) bool { return r.TenantID == tenantID }, limit), nil
}

func (s *MemoryActivityStore) ListByRequester(ctx context.Context, user string, limit int) ([]models.ActivityRecord, error) {
	return s.filter(func(r models.ActivityRecord) bool { return r.RequestingUser == user }, limit), nil
}

// All returns a copy of every record, oldest first.
func (s *MemoryActivityStore) All() []models.ActivityRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ActivityRecord, len(s.records))
	copy(out, s.records)
	return out
}

func (s *MemoryActivityStore) filter(match func(models.ActivityRecord) bool, limit int) []models.ActivityRecord {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.ActivityRecord
	for _, r := range s.records {
		if match(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTimestamp.After(out[j].StartTimestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

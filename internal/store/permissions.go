package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigdegenenergy/open-cloud-ops/nocturne/pkg/models"
)

// ErrPermissionNotFound is returned when no permission record exists for a
// tenant. The admission controller treats a missing record as unauthorized.
var ErrPermissionNotFound = fmt.Errorf("store: tenant permission not found")

// PermissionStore persists tenant permission records.
// Implementations must be safe for concurrent use.
type PermissionStore interface {
	// Get retrieves the permission record for a tenant. Returns
	// ErrPermissionNotFound when the tenant has no record.
	Get(ctx context.Context, tenantID string) (*models.TenantPermission, error)

	// Put inserts or replaces a tenant's permission record.
	Put(ctx context.Context, perm models.TenantPermission) error

	// Delete removes a tenant's permission record.
	Delete(ctx context.Context, tenantID string) error
}

const permissionCols = `tenant_id, is_authorized, max_concurrent_namespaces,
	authorized_namespace_patterns`

// PgPermissionStore implements PermissionStore on PostgreSQL via pgxpool.
type PgPermissionStore struct {
	pool *pgxpool.Pool
}

// NewPgPermissionStore creates a PostgreSQL-backed permission store.
func NewPgPermissionStore(pool *pgxpool.Pool) *PgPermissionStore {
	return &PgPermissionStore{pool: pool}
}

// Get retrieves the permission record for a tenant.
func (s *PgPermissionStore) Get(ctx context.Context, tenantID string) (*models.TenantPermission, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+permissionCols+` FROM tenant_permissions WHERE tenant_id = $1`, tenantID)

	var p models.TenantPermission
	err := row.Scan(&p.TenantID, &p.IsAuthorized, &p.MaxConcurrentNamespaces, &p.AuthorizedNamespacePatterns)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPermissionNotFound
		}
		return nil, fmt.Errorf("store: get permission %q: %w", tenantID, err)
	}
	return &p, nil
}

// Put inserts or replaces a tenant's permission record.
func (s *PgPermissionStore) Put(ctx context.Context, p models.TenantPermission) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenant_permissions (`+permissionCols+`)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (tenant_id) DO UPDATE SET
			is_authorized=$2, max_concurrent_namespaces=$3,
			authorized_namespace_patterns=$4`,
		p.TenantID, p.IsAuthorized, p.MaxConcurrentNamespaces, p.AuthorizedNamespacePatterns)
	if err != nil {
		return fmt.Errorf("store: put permission %q: %w", p.TenantID, err)
	}
	return nil
}

// Delete removes a tenant's permission record.
func (s *PgPermissionStore) Delete(ctx context.Context, tenantID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM tenant_permissions WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return fmt.Errorf("store: delete permission %q: %w", tenantID, err)
	}
	return nil
}

// MemoryPermissionStore is an in-memory PermissionStore for development
// mode and tests.
type MemoryPermissionStore struct {
	mu    sync.RWMutex
	perms map[string]models.TenantPermission
	// getErr, when set, is returned by every Get; tests use it to
	// exercise fail-closed admission behavior.
	getErr error
}

// NewMemoryPermissionStore creates an empty in-memory permission store.
func NewMemoryPermissionStore() *MemoryPermissionStore {
	return &MemoryPermissionStore{perms: make(map[string]models.TenantPermission)}
}

// FailGets makes every Get return the given error.
func (s *MemoryPermissionStore) FailGets(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getErr = err
}

func (s *MemoryPermissionStore) Get(ctx context.Context, tenantID string) (*models.TenantPermission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	p, ok := s.perms[tenantID]
	if !ok {
		return nil, ErrPermissionNotFound
	}
	return &p, nil
}

func (s *MemoryPermissionStore) Put(ctx context.Context, p models.TenantPermission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.perms[p.TenantID] = p
	return nil
}

func (s *MemoryPermissionStore) Delete(ctx context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.perms, tenantID)
	return nil
}

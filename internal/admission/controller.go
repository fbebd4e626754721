package admission

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"regexp"
	"strconv"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/nocturne/internal/breaker"
	"github.com/bigdegenenergy/open-cloud-ops/nocturne/internal/cluster"
	"github.com/bigdegenenergy/open-cloud-ops/nocturne/internal/store"
	"github.com/bigdegenenergy/open-cloud-ops/nocturne/pkg/models"
)

// namespacePattern is the DNS-1123 label shape a namespace name must have.
var namespacePattern = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

// defaultSystemNamespaces are infrastructure namespaces never counted
// toward the activity quota and never valid activation targets.
var defaultSystemNamespaces = []string{
	"kube-system", "kube-public", "kube-node-lease", "monitoring", "ingress-nginx",
}

// Config controls admission policy.
type Config struct {
	// MaxActiveNamespaces is the global ceiling on active non-system
	// namespaces outside business hours.
	MaxActiveNamespaces int

	// SystemNamespaces overrides the excluded infrastructure namespaces.
	SystemNamespaces []string

	// ClusterID is stamped on audit records.
	ClusterID string
}

// Controller validates namespace activations. It holds no persistent state
// beyond the permission cache; active-namespace counts are always
// re-derived from the live cluster so a crashed operation cannot leave the
// quota drifted.
type Controller struct {
	perms    store.PermissionStore
	activity store.ActivityStore
	reader   *cluster.Reader
	calendar *Calendar

	maxActive int
	systemNS  map[string]bool
	clusterID string

	// now is stubbed in tests.
	now func() time.Time
}

// NewController creates a Controller. A zero MaxActiveNamespaces defaults
// to 5; nil SystemNamespaces uses the built-in set.
func NewController(perms store.PermissionStore, activity store.ActivityStore, reader *cluster.Reader, calendar *Calendar, cfg Config) *Controller {
	if cfg.MaxActiveNamespaces <= 0 {
		cfg.MaxActiveNamespaces = 5
	}
	names := cfg.SystemNamespaces
	if names == nil {
		names = defaultSystemNamespaces
	}
	systemNS := make(map[string]bool, len(names))
	for _, ns := range names {
		systemNS[ns] = true
	}
	return &Controller{
		perms:     perms,
		activity:  activity,
		reader:    reader,
		calendar:  calendar,
		maxActive: cfg.MaxActiveNamespaces,
		systemNS:  systemNS,
		clusterID: cfg.ClusterID,
		now:       time.Now,
	}
}

// ValidateActivation decides whether tenantID may activate namespace.
// Every outcome, allowed or not, is written to the audit log with the
// requesting identity; audit failures are logged and never fail the
// decision. Infrastructure failures while evaluating fail closed.
func (c *Controller) ValidateActivation(ctx context.Context, tenantID, namespace, requestingUser string) *models.ValidationDecision {
	decision := c.evaluate(ctx, tenantID, namespace)
	c.audit(ctx, tenantID, namespace, requestingUser, "validate_activation", decision)
	return decision
}

// ValidateDeactivation decides whether tenantID may suspend namespace.
// Suspension frees capacity, so only the structural and authorization
// checks apply; the active-namespace ceiling does not. The decision is
// audited the same way activations are.
func (c *Controller) ValidateDeactivation(ctx context.Context, tenantID, namespace, requestingUser string) *models.ValidationDecision {
	_, decision := c.authorize(ctx, tenantID, namespace)
	if decision == nil {
		decision = allow(nil)
	}
	c.audit(ctx, tenantID, namespace, requestingUser, "validate_deactivation", decision)
	return decision
}

func (c *Controller) evaluate(ctx context.Context, tenantID, namespace string) *models.ValidationDecision {
	perm, denied := c.authorize(ctx, tenantID, namespace)
	if denied != nil {
		return denied
	}

	// Step 4: inside business hours no concurrency limit applies.
	if c.calendar.IsBusinessTime(c.now()) {
		return allow(map[string]string{"window": "business_hours"})
	}

	// Step 5: outside business hours, enforce the active-namespace
	// ceiling against the live cluster. A tenant quota below the global
	// ceiling tightens it further.
	ceiling := c.maxActive
	if perm.MaxConcurrentNamespaces > 0 && perm.MaxConcurrentNamespaces < ceiling {
		ceiling = perm.MaxConcurrentNamespaces
	}

	active, err := c.reader.ActiveNamespaces(ctx, c.systemNS)
	if err != nil {
		return infraDeny(models.KindCount, "failed to count active namespaces", err)
	}

	for _, ns := range active {
		if ns == namespace {
			// Re-activating an already-active namespace is idempotent.
			return allow(map[string]string{
				"window":       "off_hours",
				"active_count": strconv.Itoa(len(active)),
				"idempotent":   "true",
			})
		}
	}

	if len(active) >= ceiling {
		return deny(models.KindQuotaExceeded,
			fmt.Sprintf("active namespace ceiling reached (%d/%d)", len(active), ceiling),
			map[string]string{"active_count": strconv.Itoa(len(active)), "ceiling": strconv.Itoa(ceiling)})
	}

	return allow(map[string]string{
		"window":       "off_hours",
		"active_count": strconv.Itoa(len(active)),
		"ceiling":      strconv.Itoa(ceiling),
	})
}

// authorize runs the structural, existence, and tenant-authorization steps
// shared by activation and deactivation. On success it returns the
// tenant's permission record and a nil decision.
func (c *Controller) authorize(ctx context.Context, tenantID, namespace string) (*models.TenantPermission, *models.ValidationDecision) {
	// Step 1: structural validation.
	if tenantID == "" {
		return nil, deny(models.KindValidation, "tenant id is required", nil)
	}
	if namespace == "" {
		return nil, deny(models.KindValidation, "namespace is required", nil)
	}
	if len(namespace) > 63 || !namespacePattern.MatchString(namespace) {
		return nil, deny(models.KindValidation,
			fmt.Sprintf("namespace %q is not a valid name", namespace), nil)
	}
	if c.systemNS[namespace] {
		return nil, deny(models.KindValidation,
			fmt.Sprintf("namespace %q is a system namespace", namespace), nil)
	}

	// Step 2: the namespace must exist in the cluster.
	exists, err := c.reader.NamespaceExists(ctx, namespace)
	if err != nil {
		return nil, infraDeny(models.KindCount, "failed to check namespace existence", err)
	}
	if !exists {
		return nil, deny(models.KindNotFound,
			fmt.Sprintf("namespace %q does not exist in the cluster", namespace), nil)
	}

	// Step 3: tenant authorization, read through the permission cache.
	perm, err := c.perms.Get(ctx, tenantID)
	if err != nil {
		if errors.Is(err, store.ErrPermissionNotFound) {
			return nil, deny(models.KindAuthorization,
				fmt.Sprintf("tenant %q has no permission record", tenantID), nil)
		}
		// Infrastructure failure: fail closed.
		return nil, infraDeny(models.KindPermissionCheck, "permission lookup failed", err)
	}
	if !perm.IsAuthorized {
		return nil, deny(models.KindAuthorization,
			fmt.Sprintf("tenant %q is not authorized", tenantID), nil)
	}
	if !namespaceAllowed(perm.AuthorizedNamespacePatterns, namespace) {
		return nil, deny(models.KindAuthorization,
			fmt.Sprintf("tenant %q is not authorized for namespace %q", tenantID, namespace), nil)
	}

	return perm, nil
}

// audit writes the validation outcome to the activity log. A failed audit
// write is a non-critical side effect: logged, never failing the decision.
func (c *Controller) audit(ctx context.Context, tenantID, namespace, requestingUser, operation string, d *models.ValidationDecision) {
	status := "allowed"
	if !d.Allowed {
		status = "denied"
	}
	record := models.ActivityRecord{
		Namespace:      namespace,
		StartTimestamp: c.now().UTC(),
		OperationType:  operation,
		TenantID:       tenantID,
		RequestingUser: requestingUser,
		ClusterID:      c.clusterID,
		Status:         status,
		Reason:         d.Reason,
	}
	if err := c.activity.Append(ctx, record); err != nil {
		log.Printf("admission: warning: audit write for %s/%s failed: %v", tenantID, namespace, err)
	}
}

// namespaceAllowed matches the namespace against the tenant's authorized
// patterns (shell-style globs). An empty pattern list allows every
// namespace the other checks accept.
func namespaceAllowed(patterns []string, namespace string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if ok, err := path.Match(p, namespace); err == nil && ok {
			return true
		}
	}
	return false
}

func allow(details map[string]string) *models.ValidationDecision {
	return &models.ValidationDecision{Allowed: true, Details: details}
}

func deny(kind models.ErrorKind, reason string, details map[string]string) *models.ValidationDecision {
	return &models.ValidationDecision{Allowed: false, Kind: kind, Reason: reason, Details: details}
}

// infraDeny fails closed on an infrastructure error during evaluation. An
// open circuit breaker is surfaced as breaker_open so callers see a
// transient condition rather than a terminal one; the cause stays on the
// decision for errors.Is inspection.
func infraDeny(kind models.ErrorKind, reason string, err error) *models.ValidationDecision {
	if errors.Is(err, breaker.ErrOpen) {
		kind = models.KindBreakerOpen
	}
	d := deny(kind, reason, map[string]string{"error": err.Error()})
	d.Err = err
	return d
}

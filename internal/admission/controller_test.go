package admission

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/nocturne/internal/breaker"
	"github.com/bigdegenenergy/open-cloud-ops/nocturne/internal/cluster"
	"github.com/bigdegenenergy/open-cloud-ops/nocturne/internal/store"
	"github.com/bigdegenenergy/open-cloud-ops/nocturne/pkg/models"
)

// offHours is a Saturday evening; businessMorning a Tuesday mid-morning.
var (
	offHours        = time.Date(2025, 6, 7, 22, 0, 0, 0, time.UTC)
	businessMorning = time.Date(2025, 6, 3, 10, 0, 0, 0, time.UTC)
)

type fixture struct {
	controller *Controller
	client     *cluster.SimulatedClient
	breaker    *breaker.Breaker
	perms      *store.MemoryPermissionStore
	activity   *store.MemoryActivityStore
}

// setupController builds a controller over a simulated cluster with the
// given number of active non-system namespaces (named app-1..app-N) plus
// an inactive namespace "app-idle".
func setupController(t *testing.T, activeCount int, cfg Config) *fixture {
	t.Helper()

	client := cluster.NewSimulatedClient()
	for i := 1; i <= activeCount; i++ {
		ns := fmt.Sprintf("app-%d", i)
		client.AddWorkload(cluster.Workload{Kind: cluster.KindDeployment, Name: "web", Namespace: ns, Replicas: 2, ReadyReplicas: 2})
	}
	client.AddNamespace("app-idle")
	client.AddWorkload(cluster.Workload{Kind: cluster.KindDeployment, Name: "web", Namespace: "app-idle", Replicas: 0})
	// System namespaces stay active but never count.
	client.AddWorkload(cluster.Workload{Kind: cluster.KindDeployment, Name: "agent", Namespace: "kube-system", Replicas: 1, ReadyReplicas: 1})

	br := breaker.New("cluster", breaker.Config{FailureThreshold: 100})
	reader := cluster.NewReader(client, br, 0)

	perms := store.NewMemoryPermissionStore()
	perms.Put(context.Background(), models.TenantPermission{TenantID: "tenant-a", IsAuthorized: true})

	activity := store.NewMemoryActivityStore()
	controller := NewController(perms, activity, reader, DefaultCalendar(), cfg)
	controller.now = func() time.Time { return offHours }

	return &fixture{controller: controller, client: client, breaker: br, perms: perms, activity: activity}
}

func TestQuotaRejectsSixthNamespaceOffHours(t *testing.T) {
	f := setupController(t, 5, Config{MaxActiveNamespaces: 5})
	f.client.AddNamespace("app-6")
	f.client.AddWorkload(cluster.Workload{Kind: cluster.KindDeployment, Name: "web", Namespace: "app-6", Replicas: 0})

	d := f.controller.ValidateActivation(context.Background(), "tenant-a", "app-6", "alice")
	if d.Allowed {
		t.Fatalf("expected rejection, got %+v", d)
	}
	if d.Kind != models.KindQuotaExceeded {
		t.Errorf("expected quota_exceeded, got %s", d.Kind)
	}
}

func TestQuotaAllowsReactivatingActiveNamespace(t *testing.T) {
	f := setupController(t, 5, Config{MaxActiveNamespaces: 5})

	// app-3 is already active: re-activation is idempotent.
	d := f.controller.ValidateActivation(context.Background(), "tenant-a", "app-3", "alice")
	if !d.Allowed {
		t.Fatalf("expected idempotent re-activation to be allowed, got %+v", d)
	}
}

func TestQuotaAllowsBelowCeiling(t *testing.T) {
	f := setupController(t, 4, Config{MaxActiveNamespaces: 5})

	d := f.controller.ValidateActivation(context.Background(), "tenant-a", "app-idle", "alice")
	if !d.Allowed {
		t.Fatalf("expected activation below ceiling to be allowed, got %+v", d)
	}
}

func TestDeactivationIgnoresQuotaButChecksAuthorization(t *testing.T) {
	f := setupController(t, 5, Config{MaxActiveNamespaces: 5})

	// Suspension frees capacity: allowed at the ceiling, off hours.
	d := f.controller.ValidateDeactivation(context.Background(), "tenant-a", "app-3", "alice")
	if !d.Allowed {
		t.Fatalf("expected deactivation to ignore the ceiling, got %+v", d)
	}

	// Authorization still applies.
	d = f.controller.ValidateDeactivation(context.Background(), "tenant-unknown", "app-3", "alice")
	if d.Allowed || d.Kind != models.KindAuthorization {
		t.Fatalf("expected authorization denial, got %+v", d)
	}
}

func TestBusinessHoursBypassQuota(t *testing.T) {
	f := setupController(t, 5, Config{MaxActiveNamespaces: 5})
	f.controller.now = func() time.Time { return businessMorning }

	d := f.controller.ValidateActivation(context.Background(), "tenant-a", "app-idle", "alice")
	if !d.Allowed {
		t.Fatalf("expected no quota inside business hours, got %+v", d)
	}
}

func TestHolidayIsNonBusinessRegardlessOfHour(t *testing.T) {
	cal, err := NewCalendar("UTC", 8, 18,
		[]time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		[]string{"2025-06-03"})
	if err != nil {
		t.Fatalf("calendar: %v", err)
	}
	f := setupController(t, 5, Config{MaxActiveNamespaces: 5})
	f.controller.calendar = cal
	f.controller.now = func() time.Time { return businessMorning } // Tuesday 10:00, but a holiday

	d := f.controller.ValidateActivation(context.Background(), "tenant-a", "app-idle", "alice")
	if d.Allowed {
		t.Fatalf("expected holiday to enforce off-hours quota, got %+v", d)
	}
	if d.Kind != models.KindQuotaExceeded {
		t.Errorf("expected quota_exceeded, got %s", d.Kind)
	}
}

func TestTenantQuotaTightensGlobalCeiling(t *testing.T) {
	f := setupController(t, 3, Config{MaxActiveNamespaces: 5})
	f.perms.Put(context.Background(), models.TenantPermission{
		TenantID: "tenant-a", IsAuthorized: true, MaxConcurrentNamespaces: 3,
	})

	d := f.controller.ValidateActivation(context.Background(), "tenant-a", "app-idle", "alice")
	if d.Allowed {
		t.Fatalf("expected tenant cap of 3 to reject with 3 active, got %+v", d)
	}
	if d.Kind != models.KindQuotaExceeded {
		t.Errorf("expected quota_exceeded, got %s", d.Kind)
	}
}

func TestValidationErrors(t *testing.T) {
	f := setupController(t, 0, Config{})

	cases := []struct {
		name      string
		tenantID  string
		namespace string
	}{
		{"empty tenant", "", "app-idle"},
		{"empty namespace", "tenant-a", ""},
		{"invalid name", "tenant-a", "Not_A_Namespace!"},
		{"system namespace", "tenant-a", "kube-system"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := f.controller.ValidateActivation(context.Background(), tc.tenantID, tc.namespace, "alice")
			if d.Allowed {
				t.Fatalf("expected rejection, got %+v", d)
			}
			if d.Kind != models.KindValidation {
				t.Errorf("expected validation_error, got %s", d.Kind)
			}
		})
	}
}

func TestUnknownNamespaceRejected(t *testing.T) {
	f := setupController(t, 0, Config{})

	d := f.controller.ValidateActivation(context.Background(), "tenant-a", "no-such-ns", "alice")
	if d.Allowed || d.Kind != models.KindNotFound {
		t.Fatalf("expected namespace_not_found, got %+v", d)
	}
}

func TestMissingAndUnauthorizedPermissions(t *testing.T) {
	f := setupController(t, 0, Config{})

	d := f.controller.ValidateActivation(context.Background(), "tenant-unknown", "app-idle", "alice")
	if d.Allowed || d.Kind != models.KindAuthorization {
		t.Fatalf("expected authorization_error for missing record, got %+v", d)
	}

	f.perms.Put(context.Background(), models.TenantPermission{TenantID: "tenant-b", IsAuthorized: false})
	d = f.controller.ValidateActivation(context.Background(), "tenant-b", "app-idle", "alice")
	if d.Allowed || d.Kind != models.KindAuthorization {
		t.Fatalf("expected authorization_error for unauthorized tenant, got %+v", d)
	}
}

func TestNamespacePatternAuthorization(t *testing.T) {
	f := setupController(t, 0, Config{})
	f.perms.Put(context.Background(), models.TenantPermission{
		TenantID: "tenant-a", IsAuthorized: true,
		AuthorizedNamespacePatterns: []string{"team-a-*"},
	})
	f.client.AddNamespace("team-a-web")
	f.client.AddNamespace("team-b-web")

	d := f.controller.ValidateActivation(context.Background(), "tenant-a", "team-a-web", "alice")
	if !d.Allowed {
		t.Fatalf("expected pattern match to allow, got %+v", d)
	}
	d = f.controller.ValidateActivation(context.Background(), "tenant-a", "team-b-web", "alice")
	if d.Allowed || d.Kind != models.KindAuthorization {
		t.Fatalf("expected pattern mismatch to reject, got %+v", d)
	}
}

func TestPermissionLookupFailureFailsClosed(t *testing.T) {
	f := setupController(t, 0, Config{})
	f.perms.FailGets(errors.New("store unavailable"))

	d := f.controller.ValidateActivation(context.Background(), "tenant-a", "app-idle", "alice")
	if d.Allowed {
		t.Fatal("infrastructure failure must fail closed")
	}
	if d.Kind != models.KindPermissionCheck {
		t.Errorf("expected permission_check_error, got %s", d.Kind)
	}
}

func TestEveryDecisionIsAudited(t *testing.T) {
	f := setupController(t, 5, Config{MaxActiveNamespaces: 5})
	f.client.AddNamespace("app-6")
	f.client.AddWorkload(cluster.Workload{Kind: cluster.KindDeployment, Name: "web", Namespace: "app-6", Replicas: 0})

	f.controller.ValidateActivation(context.Background(), "tenant-a", "app-3", "alice") // allowed
	f.controller.ValidateActivation(context.Background(), "tenant-a", "app-6", "bob")   // denied

	records := f.activity.All()
	if len(records) != 2 {
		t.Fatalf("expected 2 audit records, got %d", len(records))
	}
	if records[0].Status != "allowed" || records[0].RequestingUser != "alice" {
		t.Errorf("unexpected first record: %+v", records[0])
	}
	if records[1].Status != "denied" || records[1].Reason == "" {
		t.Errorf("denied record must carry a reason: %+v", records[1])
	}
}

func TestOpenBreakerDeniesWithTransientKind(t *testing.T) {
	f := setupController(t, 1, Config{MaxActiveNamespaces: 5})

	fail := func(context.Context) error { return errors.New("api server unreachable") }
	for f.breaker.State() != breaker.StateOpen {
		_ = f.breaker.Execute(context.Background(), fail)
	}

	d := f.controller.ValidateActivation(context.Background(), "tenant-a", "app-idle", "alice")
	if d.Allowed {
		t.Fatalf("expected fail-closed denial, got %+v", d)
	}
	if d.Kind != models.KindBreakerOpen {
		t.Fatalf("decision kind = %s, want %s", d.Kind, models.KindBreakerOpen)
	}
	if !errors.Is(d.Err, breaker.ErrOpen) {
		t.Fatalf("decision cause does not unwrap to breaker.ErrOpen: %v", d.Err)
	}
}

package rollback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/nocturne/internal/breaker"
	"github.com/bigdegenenergy/open-cloud-ops/nocturne/internal/cluster"
	"github.com/bigdegenenergy/open-cloud-ops/nocturne/internal/notify"
	"github.com/bigdegenenergy/open-cloud-ops/nocturne/pkg/models"
)

// recordingChannel captures broadcast events for assertions.
type recordingChannel struct {
	mu     sync.Mutex
	events []models.RollbackEvent
	err    error
}

func (r *recordingChannel) Name() string { return "recording" }

func (r *recordingChannel) Send(ctx context.Context, event models.RollbackEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func (r *recordingChannel) eventTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, len(r.events))
	for i, e := range r.events {
		types[i] = e.EventType
	}
	return types
}

func setupManager(t *testing.T, cfg Config) (*Manager, *cluster.SimulatedClient, *recordingChannel) {
	t.Helper()

	client := cluster.NewSimulatedClient()
	br := breaker.New("cluster", breaker.Config{FailureThreshold: 100})
	reader := cluster.NewReader(client, br, 0)
	ch := &recordingChannel{}
	mgr := NewManager(reader, notify.NewNotifier(ch), cfg)
	return mgr, client, ch
}

func TestSaveStateSupersedesPriorRecord(t *testing.T) {
	mgr, _, _ := setupManager(t, Config{})

	first, err := mgr.SaveState("ns1", []cluster.Workload{
		{Kind: cluster.KindDeployment, Name: "web", Replicas: 3},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := mgr.SaveState("ns1", []cluster.Workload{
		{Kind: cluster.KindDeployment, Name: "web", Replicas: 5},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first == second {
		t.Fatal("expected distinct operation ids")
	}

	record, ok := mgr.GetRecord("ns1")
	if !ok {
		t.Fatal("expected live record")
	}
	if record.OperationID != second {
		t.Errorf("expected record %s to supersede %s, got %s", second, first, record.OperationID)
	}
	if record.Snapshots[0].ReplicasBefore != 5 {
		t.Errorf("expected superseding snapshot count 5, got %d", record.Snapshots[0].ReplicasBefore)
	}
}

func TestRollbackRestoresSnapshotsAndIsolatesFailures(t *testing.T) {
	mgr, client, _ := setupManager(t, Config{})
	client.AddWorkload(cluster.Workload{Kind: cluster.KindDeployment, Name: "web", Namespace: "ns1", Replicas: 3})
	client.AddWorkload(cluster.Workload{Kind: cluster.KindDeployment, Name: "api", Namespace: "ns1", Replicas: 2})

	workloads, _ := client.ListWorkloads(context.Background(), cluster.KindDeployment, "ns1")
	if _, err := mgr.SaveState("ns1", workloads); err != nil {
		t.Fatalf("save state: %v", err)
	}

	// Scale both to zero, then break one restore path.
	client.ScaleWorkload(context.Background(), cluster.KindDeployment, "web", "ns1", 0)
	client.ScaleWorkload(context.Background(), cluster.KindDeployment, "api", "ns1", 0)
	client.FailScale("ns1", cluster.KindDeployment, "api", errors.New("api timeout"))

	err := mgr.Rollback(context.Background(), "ns1")
	if err == nil {
		t.Fatal("expected error when one restore fails")
	}

	// The other restore still ran.
	web, _ := client.GetWorkload("ns1", cluster.KindDeployment, "web")
	if web.Replicas != 3 {
		t.Errorf("web: expected restored count 3, got %d", web.Replicas)
	}
}

func TestRollbackSkipsResourcesAlreadyAtSnapshotCount(t *testing.T) {
	mgr, client, _ := setupManager(t, Config{})
	client.AddWorkload(cluster.Workload{Kind: cluster.KindDeployment, Name: "web", Namespace: "ns1", Replicas: 3})
	client.AddWorkload(cluster.Workload{Kind: cluster.KindDeployment, Name: "api", Namespace: "ns1", Replicas: 2})

	workloads, _ := client.ListWorkloads(context.Background(), cluster.KindDeployment, "ns1")
	if _, err := mgr.SaveState("ns1", workloads); err != nil {
		t.Fatalf("save state: %v", err)
	}

	// Only web moved; api is untouched and must issue no command, so the
	// injected failure on it never fires.
	client.ScaleWorkload(context.Background(), cluster.KindDeployment, "web", "ns1", 0)
	client.FailScale("ns1", cluster.KindDeployment, "api", errors.New("api timeout"))

	if err := mgr.Rollback(context.Background(), "ns1"); err != nil {
		t.Fatalf("rollback should skip the at-count resource: %v", err)
	}
	web, _ := client.GetWorkload("ns1", cluster.KindDeployment, "web")
	if web.Replicas != 3 {
		t.Errorf("web: expected restored count 3, got %d", web.Replicas)
	}
}

func TestRollbackWithoutSavedStateFails(t *testing.T) {
	mgr, _, _ := setupManager(t, Config{})
	if err := mgr.Rollback(context.Background(), "unknown"); err == nil {
		t.Fatal("expected error for namespace without saved state")
	}
}

func TestAutomaticRollbackNotifiesAndBlocks(t *testing.T) {
	mgr, client, ch := setupManager(t, Config{BlockDuration: 10 * time.Minute})
	client.AddWorkload(cluster.Workload{Kind: cluster.KindDeployment, Name: "web", Namespace: "ns1", Replicas: 3})

	workloads, _ := client.ListWorkloads(context.Background(), cluster.KindDeployment, "ns1")
	mgr.SaveState("ns1", workloads)
	client.ScaleWorkload(context.Background(), cluster.KindDeployment, "web", "ns1", 0)

	ok, err := mgr.TriggerAutomaticRollback(context.Background(), "ns1", models.TriggerManual, nil)
	if err != nil || !ok {
		t.Fatalf("expected successful rollback, got ok=%v err=%v", ok, err)
	}

	types := ch.eventTypes()
	if len(types) != 2 || types[0] != "rollback_started" || types[1] != "rollback_completed" {
		t.Fatalf("expected started+completed events, got %v", types)
	}

	blocked, until := mgr.IsBlocked("ns1")
	if !blocked {
		t.Fatal("expected namespace blocked after successful automatic rollback")
	}
	if until.IsZero() {
		t.Fatal("expected a block expiry time")
	}
}

func TestBlockExpires(t *testing.T) {
	mgr, client, _ := setupManager(t, Config{BlockDuration: 10 * time.Minute})
	client.AddWorkload(cluster.Workload{Kind: cluster.KindDeployment, Name: "web", Namespace: "ns1", Replicas: 2})

	now := time.Date(2025, 6, 2, 22, 0, 0, 0, time.UTC)
	mgr.now = func() time.Time { return now }

	workloads, _ := client.ListWorkloads(context.Background(), cluster.KindDeployment, "ns1")
	mgr.SaveState("ns1", workloads)
	if _, err := mgr.TriggerAutomaticRollback(context.Background(), "ns1", models.TriggerManual, nil); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	if blocked, _ := mgr.IsBlocked("ns1"); !blocked {
		t.Fatal("expected block immediately after rollback")
	}

	now = now.Add(11 * time.Minute)
	if blocked, _ := mgr.IsBlocked("ns1"); blocked {
		t.Fatal("expected block to expire after the block duration")
	}
}

func TestFailedRollbackDoesNotBlock(t *testing.T) {
	mgr, client, ch := setupManager(t, Config{})
	client.AddWorkload(cluster.Workload{Kind: cluster.KindDeployment, Name: "web", Namespace: "ns1", Replicas: 3})

	workloads, _ := client.ListWorkloads(context.Background(), cluster.KindDeployment, "ns1")
	mgr.SaveState("ns1", workloads)
	client.ScaleWorkload(context.Background(), cluster.KindDeployment, "web", "ns1", 0)
	client.FailScale("ns1", cluster.KindDeployment, "web", errors.New("api timeout"))

	ok, err := mgr.TriggerAutomaticRollback(context.Background(), "ns1", models.TriggerManual, nil)
	if ok || err == nil {
		t.Fatalf("expected failed rollback, got ok=%v err=%v", ok, err)
	}

	types := ch.eventTypes()
	if len(types) != 2 || types[1] != "rollback_failed" {
		t.Fatalf("expected rollback_failed event, got %v", types)
	}
	if blocked, _ := mgr.IsBlocked("ns1"); blocked {
		t.Fatal("failed rollback must not block the namespace")
	}
}

func TestNotificationFailureDoesNotAbortRollback(t *testing.T) {
	client := cluster.NewSimulatedClient()
	client.AddWorkload(cluster.Workload{Kind: cluster.KindDeployment, Name: "web", Namespace: "ns1", Replicas: 3})
	br := breaker.New("cluster", breaker.Config{FailureThreshold: 100})
	reader := cluster.NewReader(client, br, 0)

	failing := &recordingChannel{err: errors.New("webhook down")}
	healthy := &recordingChannel{}
	mgr := NewManager(reader, notify.NewNotifier(failing, healthy), Config{})

	workloads, _ := client.ListWorkloads(context.Background(), cluster.KindDeployment, "ns1")
	mgr.SaveState("ns1", workloads)

	ok, err := mgr.TriggerAutomaticRollback(context.Background(), "ns1", models.TriggerManual, nil)
	if !ok || err != nil {
		t.Fatalf("expected rollback to succeed despite channel failure, got ok=%v err=%v", ok, err)
	}
	if len(healthy.eventTypes()) != 2 {
		t.Fatalf("expected healthy channel to receive both events, got %v", healthy.eventTypes())
	}
}

func TestRepeatedFailureTriggerFiresAtThreshold(t *testing.T) {
	mgr, client, _ := setupManager(t, Config{FailureThreshold: 2})
	client.AddWorkload(cluster.Workload{Kind: cluster.KindDeployment, Name: "web", Namespace: "ns1", Replicas: 3})

	workloads, _ := client.ListWorkloads(context.Background(), cluster.KindDeployment, "ns1")
	mgr.SaveState("ns1", workloads)

	if triggered := mgr.RecordScaleDownFailure(context.Background(), "ns1"); triggered {
		t.Fatal("first failure must not trigger rollback")
	}
	if triggered := mgr.RecordScaleDownFailure(context.Background(), "ns1"); !triggered {
		t.Fatal("second consecutive failure must trigger rollback")
	}
	if blocked, _ := mgr.IsBlocked("ns1"); !blocked {
		t.Fatal("expected block after triggered rollback")
	}
}

func TestResetFailuresClearsCount(t *testing.T) {
	mgr, client, _ := setupManager(t, Config{FailureThreshold: 2})
	client.AddWorkload(cluster.Workload{Kind: cluster.KindDeployment, Name: "web", Namespace: "ns1", Replicas: 3})

	workloads, _ := client.ListWorkloads(context.Background(), cluster.KindDeployment, "ns1")
	mgr.SaveState("ns1", workloads)

	mgr.RecordScaleDownFailure(context.Background(), "ns1")
	mgr.ResetFailures("ns1")
	if triggered := mgr.RecordScaleDownFailure(context.Background(), "ns1"); triggered {
		t.Fatal("count must restart after a successful scale-down")
	}
}

func TestHealthCheckTriggerRollsBackUnreadyNamespace(t *testing.T) {
	mgr, client, ch := setupManager(t, Config{
		HealthCheckSettle:   10 * time.Millisecond,
		HealthCheckInterval: 10 * time.Millisecond,
		HealthCheckMaxFails: 3,
	})
	client.AddWorkload(cluster.Workload{Kind: cluster.KindDeployment, Name: "web", Namespace: "ns1", Replicas: 0, OriginalReplicas: 3})

	workloads, _ := client.ListWorkloads(context.Background(), cluster.KindDeployment, "ns1")
	mgr.SaveState("ns1", workloads)

	// Simulate a scale-up whose pods never become ready.
	client.SetNotReady("ns1", cluster.KindDeployment, "web", true)
	client.ScaleWorkload(context.Background(), cluster.KindDeployment, "web", "ns1", 3)

	done := make(chan struct{})
	go func() {
		mgr.WatchScaleUpHealth(context.Background(), "ns1")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("health check watch did not finish")
	}

	types := ch.eventTypes()
	if len(types) != 2 || types[1] != "rollback_completed" {
		t.Fatalf("expected health-check rollback events, got %v", types)
	}
	// Restored to the pre-scale-up snapshot (0 replicas).
	web, _ := client.GetWorkload("ns1", cluster.KindDeployment, "web")
	if web.Replicas != 0 {
		t.Errorf("expected rollback to snapshot count 0, got %d", web.Replicas)
	}
}

func TestHealthCheckWatchExitsWhenReady(t *testing.T) {
	mgr, client, ch := setupManager(t, Config{
		HealthCheckSettle:   5 * time.Millisecond,
		HealthCheckInterval: 5 * time.Millisecond,
		HealthCheckMaxFails: 3,
	})
	client.AddWorkload(cluster.Workload{Kind: cluster.KindDeployment, Name: "web", Namespace: "ns1", Replicas: 3, ReadyReplicas: 3})

	done := make(chan struct{})
	go func() {
		mgr.WatchScaleUpHealth(context.Background(), "ns1")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ready namespace watch did not exit")
	}
	if len(ch.eventTypes()) != 0 {
		t.Fatalf("expected no rollback events for a healthy namespace, got %v", ch.eventTypes())
	}
}

// Package lifecycle coordinates full namespace suspend and resume
// operations: admission, pre-change state capture, scaling, failure
// accounting, and post-scale-up health watching. The HTTP layer and the
// task scheduler both drive these flows; neither contains any ordering
// logic of its own.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/nocturne/internal/admission"
	"github.com/bigdegenenergy/open-cloud-ops/nocturne/internal/breaker"
	"github.com/bigdegenenergy/open-cloud-ops/nocturne/internal/cluster"
	"github.com/bigdegenenergy/open-cloud-ops/nocturne/internal/rollback"
	"github.com/bigdegenenergy/open-cloud-ops/nocturne/internal/scaling"
	"github.com/bigdegenenergy/open-cloud-ops/nocturne/internal/store"
	"github.com/bigdegenenergy/open-cloud-ops/nocturne/pkg/models"
)

// Service runs suspend and resume flows in a fixed order: rollback block
// check, admission, state snapshot, scale, then failure accounting. Every
// operation is written to the activity log regardless of outcome.
type Service struct {
	admission *admission.Controller
	reader    *cluster.Reader
	engine    *scaling.Engine
	rollbacks *rollback.Manager
	activity  store.ActivityStore
	clusterID string

	// now is stubbed in tests.
	now func() time.Time
}

// NewService wires the lifecycle flows over the given components.
func NewService(ctrl *admission.Controller, reader *cluster.Reader, engine *scaling.Engine, rollbacks *rollback.Manager, activity store.ActivityStore, clusterID string) *Service {
	return &Service{
		admission: ctrl,
		reader:    reader,
		engine:    engine,
		rollbacks: rollbacks,
		activity:  activity,
		clusterID: clusterID,
		now:       time.Now,
	}
}

// Suspend scales every workload in the namespace to zero. The pre-change
// replica counts are captured first so the operation can be rolled back;
// a failed scale-down counts toward the namespace's repeated-failure
// rollback trigger, a successful one resets it.
func (s *Service) Suspend(ctx context.Context, tenantID, namespace, requestingUser string) (*models.ScaleResult, error) {
	if err := s.gate(ctx, namespace); err != nil {
		return nil, err
	}
	if d := s.admission.ValidateDeactivation(ctx, tenantID, namespace, requestingUser); !d.Allowed {
		return nil, models.NewOpError(d.Kind, d.Reason, d.Err)
	}

	start := s.now().UTC()
	result, err := s.scaleWithSnapshot(ctx, namespace, func() (*models.ScaleResult, error) {
		return s.engine.Shutdown(ctx, namespace, true)
	})
	if err != nil {
		s.record(ctx, "deactivate", tenantID, namespace, requestingUser, start, "failed", err.Error())
		s.rollbacks.RecordScaleDownFailure(ctx, namespace)
		return nil, err
	}

	if result.Success {
		s.rollbacks.ResetFailures(namespace)
		s.record(ctx, "deactivate", tenantID, namespace, requestingUser, start, "succeeded", "")
	} else {
		s.rollbacks.RecordScaleDownFailure(ctx, namespace)
		s.record(ctx, "deactivate", tenantID, namespace, requestingUser, start, "failed",
			fmt.Sprintf("%d of %d workloads failed", result.TotalFailed, result.TotalFailed+result.TotalScaled))
	}
	return result, nil
}

// Resume restores every workload in the namespace to its recorded
// original count. After a successful scale-up a health watcher runs in
// the background; if the workloads never settle it triggers an automatic
// rollback to the snapshot taken here.
func (s *Service) Resume(ctx context.Context, tenantID, namespace, requestingUser string) (*models.ScaleResult, error) {
	if err := s.gate(ctx, namespace); err != nil {
		return nil, err
	}
	if d := s.admission.ValidateActivation(ctx, tenantID, namespace, requestingUser); !d.Allowed {
		return nil, models.NewOpError(d.Kind, d.Reason, d.Err)
	}

	start := s.now().UTC()
	result, err := s.scaleWithSnapshot(ctx, namespace, func() (*models.ScaleResult, error) {
		return s.engine.Restore(ctx, namespace, true)
	})
	if err != nil {
		s.record(ctx, "activate", tenantID, namespace, requestingUser, start, "failed", err.Error())
		return nil, err
	}

	status := "succeeded"
	reason := ""
	if !result.Success {
		status = "failed"
		reason = fmt.Sprintf("%d of %d workloads failed", result.TotalFailed, result.TotalFailed+result.TotalScaled)
	}
	s.record(ctx, "activate", tenantID, namespace, requestingUser, start, status, reason)

	if result.Success && result.TotalScaled > 0 {
		// The watcher outlives the request: detach it from the
		// caller's deadline but keep its values.
		go s.rollbacks.WatchScaleUpHealth(context.WithoutCancel(ctx), namespace)
	}
	return result, nil
}

// RunCommand executes a restricted ad-hoc directive against the
// namespace. The only supported form is "scale <kind>/<name> <replicas>",
// gated by the same authorization and rollback block as a suspension.
func (s *Service) RunCommand(ctx context.Context, tenantID, namespace, requestingUser, command string) error {
	if err := s.gate(ctx, namespace); err != nil {
		return err
	}
	if d := s.admission.ValidateDeactivation(ctx, tenantID, namespace, requestingUser); !d.Allowed {
		return models.NewOpError(d.Kind, d.Reason, d.Err)
	}

	kind, name, replicas, err := parseScaleCommand(command)
	if err != nil {
		return models.NewOpError(models.KindValidation, err.Error(), nil)
	}

	start := s.now().UTC()
	if err := s.reader.Scale(ctx, kind, name, namespace, replicas); err != nil {
		s.record(ctx, "raw_command", tenantID, namespace, requestingUser, start, "failed", err.Error())
		return models.NewOpError(classifyClusterErr(err),
			fmt.Sprintf("scale %s/%s to %d", kind, name, replicas), err)
	}
	s.record(ctx, "raw_command", tenantID, namespace, requestingUser, start, "succeeded", command)
	return nil
}

// gate rejects operations on a namespace still inside its post-rollback
// block window.
func (s *Service) gate(ctx context.Context, namespace string) error {
	if blocked, until := s.rollbacks.IsBlocked(namespace); blocked {
		return models.NewOpError(models.KindValidation,
			fmt.Sprintf("namespace %q is blocked after a rollback until %s",
				namespace, until.UTC().Format(time.RFC3339)), nil)
	}
	return nil
}

// scaleWithSnapshot captures the namespace's current replica counts, then
// runs the scale operation. The snapshot must land before any mutation so
// a mid-operation crash still leaves a restorable record.
func (s *Service) scaleWithSnapshot(ctx context.Context, namespace string, scale func() (*models.ScaleResult, error)) (*models.ScaleResult, error) {
	workloads, err := s.reader.ListNamespaceWorkloads(ctx, namespace)
	if err != nil {
		return nil, models.NewOpError(classifyClusterErr(err),
			fmt.Sprintf("failed to inventory %s before scaling", namespace), err)
	}
	if _, err := s.rollbacks.SaveState(namespace, workloads); err != nil {
		return nil, fmt.Errorf("lifecycle: save pre-change state for %s: %w", namespace, err)
	}
	return scale()
}

// record appends a completed audit entry for the operation. Audit
// failures are logged, never failing the operation itself.
func (s *Service) record(ctx context.Context, operation, tenantID, namespace, requestingUser string, start time.Time, status, reason string) {
	duration := s.now().UTC().Sub(start).Minutes()
	entry := models.ActivityRecord{
		Namespace:       namespace,
		StartTimestamp:  start,
		OperationType:   operation,
		TenantID:        tenantID,
		RequestingUser:  requestingUser,
		ClusterID:       s.clusterID,
		Status:          status,
		Reason:          reason,
		DurationMinutes: &duration,
	}
	if err := s.activity.Append(ctx, entry); err != nil {
		log.Printf("lifecycle: warning: audit write for %s %s failed: %v", operation, namespace, err)
	}
}

// classifyClusterErr maps a control-plane failure to its error kind: an
// open circuit breaker is transient (breaker_open), anything else is a
// scaling failure.
func classifyClusterErr(err error) models.ErrorKind {
	if errors.Is(err, breaker.ErrOpen) {
		return models.KindBreakerOpen
	}
	return models.KindScaling
}

// parseScaleCommand parses "scale <kind>/<name> <replicas>".
func parseScaleCommand(command string) (kind, name string, replicas int32, err error) {
	fields := strings.Fields(command)
	if len(fields) != 3 || fields[0] != "scale" {
		return "", "", 0, fmt.Errorf("unsupported command %q, want \"scale <kind>/<name> <replicas>\"", command)
	}
	kind, name, ok := strings.Cut(fields[1], "/")
	if !ok || kind == "" || name == "" {
		return "", "", 0, fmt.Errorf("invalid scale target %q", fields[1])
	}
	scalable := false
	for _, k := range cluster.ScalableKinds {
		if k == kind {
			scalable = true
			break
		}
	}
	if !scalable {
		return "", "", 0, fmt.Errorf("kind %q is not scalable", kind)
	}
	n, convErr := strconv.ParseInt(fields[2], 10, 32)
	if convErr != nil || n < 0 {
		return "", "", 0, fmt.Errorf("invalid replica count %q", fields[2])
	}
	return kind, name, int32(n), nil
}

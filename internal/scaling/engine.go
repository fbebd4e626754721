// Package scaling implements the multi-resource scaling engine.
//
// The engine scales every scalable workload in a namespace to a target
// state. A nil target means "restore": each workload returns to its own
// recorded original count (falling back to 1 when unknown); a zero target
// is a shutdown. When a scale command fails partway through an operation
// with rollback enabled, every workload already changed in that operation
// is returned to its previous count in reverse order of success, so a
// partial failure never leaves the namespace half-suspended.
package scaling

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/bigdegenenergy/open-cloud-ops/nocturne/internal/cluster"
	"github.com/bigdegenenergy/open-cloud-ops/nocturne/pkg/models"
)

// Engine scales namespace workloads through the resource state reader.
type Engine struct {
	reader *cluster.Reader
}

// NewEngine creates an Engine over the given reader.
func NewEngine(reader *cluster.Reader) *Engine {
	return &Engine{reader: reader}
}

// desiredReplicas resolves the target count for one workload. A nil target
// restores the workload's own original count, defaulting to 1 when the
// original was never recorded.
func desiredReplicas(w cluster.Workload, target *int32) int32 {
	if target != nil {
		return *target
	}
	if w.OriginalReplicas > 0 {
		return w.OriginalReplicas
	}
	return 1
}

// ScaleNamespace scales every workload in the namespace whose current
// replica count differs from the target. Workloads already at the target
// are marked skipped and excluded from rollback accounting.
//
// On the first failed scale with enableRollback set and at least one prior
// success in this operation, every successfully scaled workload is rolled
// back to its previous count in reverse order and the operation stops.
// With rollback disabled, per-resource failures are isolated and the
// remaining workloads are still processed.
//
// Success on the result is false if any workload failed, regardless of
// the rollback outcome.
func (e *Engine) ScaleNamespace(ctx context.Context, namespace string, target *int32, enableRollback bool) (*models.ScaleResult, error) {
	if namespace == "" {
		return nil, models.NewOpError(models.KindValidation, "namespace is required", nil)
	}

	result := &models.ScaleResult{
		Namespace:   namespace,
		OperationID: uuid.NewString(),
	}

	workloads, err := e.reader.ListNamespaceWorkloads(ctx, namespace)
	if err != nil {
		return nil, models.NewOpError(models.KindScaling,
			fmt.Sprintf("failed to enumerate workloads in %s", namespace), err)
	}

	log.Printf("scaling: operation %s: scaling %d workloads in %s (rollback=%v)",
		result.OperationID, len(workloads), namespace, enableRollback)

	var succeeded []models.ScaledResource

	for _, w := range workloads {
		want := desiredReplicas(w, target)

		if w.Replicas == want {
			result.ScaledResources = append(result.ScaledResources, models.ScaledResource{
				ResourceType: w.Kind,
				Name:         w.Name,
				FromReplicas: w.Replicas,
				ToReplicas:   want,
				Status:       models.ScaleStatusSkipped,
			})
			continue
		}

		entry := models.ScaledResource{
			ResourceType: w.Kind,
			Name:         w.Name,
			FromReplicas: w.Replicas,
			ToReplicas:   want,
		}

		if err := e.reader.Scale(ctx, w.Kind, w.Name, namespace, want); err != nil {
			entry.Status = models.ScaleStatusFailed
			entry.Error = err.Error()
			result.FailedResources = append(result.FailedResources, entry)
			result.TotalFailed++
			log.Printf("scaling: operation %s: %s/%s failed: %v",
				result.OperationID, w.Kind, w.Name, err)

			if enableRollback && len(succeeded) > 0 {
				result.RollbackPerformed = true
				result.RollbackResults = e.rollbackSucceeded(ctx, namespace, succeeded, result.OperationID)
				break
			}
			continue
		}

		entry.Status = models.ScaleStatusScaled
		succeeded = append(succeeded, entry)
		result.ScaledResources = append(result.ScaledResources, entry)
		result.TotalScaled++
	}

	result.Success = result.TotalFailed == 0

	log.Printf("scaling: operation %s complete: scaled=%d failed=%d rollback=%v",
		result.OperationID, result.TotalScaled, result.TotalFailed, result.RollbackPerformed)

	return result, nil
}

// rollbackSucceeded restores every successfully scaled workload to its
// pre-operation count, newest change first. A rollback failure is recorded
// and logged, not retried; the remaining restores still run.
func (e *Engine) rollbackSucceeded(ctx context.Context, namespace string, succeeded []models.ScaledResource, operationID string) []models.ScaledResource {
	results := make([]models.ScaledResource, 0, len(succeeded))

	for i := len(succeeded) - 1; i >= 0; i-- {
		s := succeeded[i]
		entry := models.ScaledResource{
			ResourceType: s.ResourceType,
			Name:         s.Name,
			FromReplicas: s.ToReplicas,
			ToReplicas:   s.FromReplicas,
		}
		if err := e.reader.Scale(ctx, s.ResourceType, s.Name, namespace, s.FromReplicas); err != nil {
			entry.Status = models.ScaleStatusFailed
			entry.Error = err.Error()
			log.Printf("scaling: operation %s: rollback of %s/%s to %d failed: %v",
				operationID, s.ResourceType, s.Name, s.FromReplicas, err)
		} else {
			entry.Status = models.ScaleStatusScaled
			log.Printf("scaling: operation %s: rolled back %s/%s to %d",
				operationID, s.ResourceType, s.Name, s.FromReplicas)
		}
		results = append(results, entry)
	}

	return results
}

// Shutdown scales every workload in the namespace to zero.
func (e *Engine) Shutdown(ctx context.Context, namespace string, enableRollback bool) (*models.ScaleResult, error) {
	zero := int32(0)
	return e.ScaleNamespace(ctx, namespace, &zero, enableRollback)
}

// Restore scales every workload in the namespace back to its recorded
// original count.
func (e *Engine) Restore(ctx context.Context, namespace string, enableRollback bool) (*models.ScaleResult, error) {
	return e.ScaleNamespace(ctx, namespace, nil, enableRollback)
}

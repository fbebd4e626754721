package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/nocturne/internal/breaker"
)

// defaultCallTimeout bounds every individual control-plane call so a
// degraded API server cannot pin a worker indefinitely.
const defaultCallTimeout = 20 * time.Second

// Reader queries the current replica state of a namespace. Every call goes
// through the circuit breaker with an explicit per-call timeout.
type Reader struct {
	client      Client
	breaker     *breaker.Breaker
	callTimeout time.Duration
}

// NewReader creates a Reader over the given client and breaker.
// A zero callTimeout uses the default.
func NewReader(client Client, br *breaker.Breaker, callTimeout time.Duration) *Reader {
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	return &Reader{client: client, breaker: br, callTimeout: callTimeout}
}

// ListNamespaceWorkloads enumerates every scalable workload in the
// namespace across all supported kinds.
func (r *Reader) ListNamespaceWorkloads(ctx context.Context, namespace string) ([]Workload, error) {
	var all []Workload
	for _, kind := range ScalableKinds {
		var listed []Workload
		err := r.breaker.Execute(ctx, func(ctx context.Context) error {
			callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
			defer cancel()
			var listErr error
			listed, listErr = r.client.ListWorkloads(callCtx, kind, namespace)
			return listErr
		})
		if err != nil {
			return nil, fmt.Errorf("cluster: list %s in %s: %w", kind, namespace, err)
		}
		all = append(all, listed...)
	}
	return all, nil
}

// Scale sets the replica count of one workload through the breaker.
func (r *Reader) Scale(ctx context.Context, kind, name, namespace string, replicas int32) error {
	err := r.breaker.Execute(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
		defer cancel()
		return r.client.ScaleWorkload(callCtx, kind, name, namespace, replicas)
	})
	if err != nil {
		return fmt.Errorf("cluster: scale %s/%s in %s to %d: %w", kind, name, namespace, replicas, err)
	}
	return nil
}

// NamespaceExists reports whether the namespace exists.
func (r *Reader) NamespaceExists(ctx context.Context, namespace string) (bool, error) {
	var exists bool
	err := r.breaker.Execute(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
		defer cancel()
		var checkErr error
		exists, checkErr = r.client.NamespaceExists(callCtx, namespace)
		return checkErr
	})
	if err != nil {
		return false, fmt.Errorf("cluster: namespace exists %s: %w", namespace, err)
	}
	return exists, nil
}

// ActiveNamespaces returns the names of namespaces that have at least one
// workload with a running instance, excluding any namespace in the skip set.
func (r *Reader) ActiveNamespaces(ctx context.Context, skip map[string]bool) ([]string, error) {
	var names []string
	err := r.breaker.Execute(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
		defer cancel()
		var listErr error
		names, listErr = r.client.ListNamespaces(callCtx)
		return listErr
	})
	if err != nil {
		return nil, fmt.Errorf("cluster: list namespaces: %w", err)
	}

	var active []string
	for _, ns := range names {
		if skip[ns] {
			continue
		}
		workloads, err := r.ListNamespaceWorkloads(ctx, ns)
		if err != nil {
			return nil, err
		}
		for _, w := range workloads {
			if w.Replicas > 0 {
				active = append(active, ns)
				break
			}
		}
	}
	return active, nil
}

// WorkloadsReady reports whether every workload in the namespace has a
// ready count matching its desired count.
func (r *Reader) WorkloadsReady(ctx context.Context, namespace string) (bool, error) {
	workloads, err := r.ListNamespaceWorkloads(ctx, namespace)
	if err != nil {
		return false, err
	}
	for _, w := range workloads {
		if w.ReadyReplicas != w.Replicas {
			return false, nil
		}
	}
	return true, nil
}

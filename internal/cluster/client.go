// Package cluster defines the narrow interface Nocturne uses to talk to the
// Kubernetes control plane, plus a simulated client for development mode.
//
// In production this wraps client-go; in tests and dev mode a simulated
// client stands in. Nothing outside this package touches the cluster API
// directly.
package cluster

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Scalable workload kinds enumerated by the state reader. DaemonSets carry
// no replica count; they are suspended and resumed via a node selector patch
// that the client expresses as scale-to-0 / scale-to-1.
const (
	KindDeployment  = "Deployment"
	KindStatefulSet = "StatefulSet"
	KindDaemonSet   = "DaemonSet"
)

// ScalableKinds lists the workload kinds the scaling engine operates on,
// in enumeration order.
var ScalableKinds = []string{KindDeployment, KindStatefulSet, KindDaemonSet}

// Workload is the replica-level view of a scalable resource.
type Workload struct {
	Kind          string
	Name          string
	Namespace     string
	Replicas      int32
	ReadyReplicas int32

	// OriginalReplicas is the replica count recorded on the resource
	// before it was last scaled to zero (persisted as an annotation by
	// the control plane client). Zero means unknown.
	OriginalReplicas int32
}

// Client is the control-plane interface. All methods honor ctx deadlines;
// implementations must be safe for concurrent use.
type Client interface {
	// ListWorkloads lists workloads of the given kind in the namespace.
	ListWorkloads(ctx context.Context, kind, namespace string) ([]Workload, error)

	// ScaleWorkload sets the replica count of a single workload. The
	// previous count is preserved in the original-replicas annotation
	// when scaling to zero.
	ScaleWorkload(ctx context.Context, kind, name, namespace string, replicas int32) error

	// NamespaceExists reports whether the namespace exists in the cluster.
	NamespaceExists(ctx context.Context, namespace string) (bool, error)

	// ListNamespaces returns all namespace names in the cluster.
	ListNamespaces(ctx context.Context) ([]string, error)
}

// SimulatedClient is an in-memory Client used in development mode and tests.
// It models a small cluster whose workloads can be scaled, marked ready or
// not ready, and made to fail on demand.
type SimulatedClient struct {
	mu         sync.RWMutex
	workloads  map[string]*Workload // key: namespace/kind/name
	namespaces map[string]bool
	scaleErrs  map[string]error // namespace/kind/name -> injected error
	notReady   map[string]bool  // workloads whose ready count lags desired
}

// NewSimulatedClient creates a SimulatedClient with no resources.
func NewSimulatedClient() *SimulatedClient {
	return &SimulatedClient{
		workloads:  make(map[string]*Workload),
		namespaces: make(map[string]bool),
		scaleErrs:  make(map[string]error),
		notReady:   make(map[string]bool),
	}
}

// NewSimulatedClusterWithSamples creates a SimulatedClient populated with
// sample namespaces for dev mode.
func NewSimulatedClusterWithSamples() *SimulatedClient {
	c := NewSimulatedClient()
	for _, ns := range []string{"team-a-app", "team-b-app", "staging"} {
		c.AddNamespace(ns)
		c.AddWorkload(Workload{Kind: KindDeployment, Name: "web", Namespace: ns, Replicas: 3, ReadyReplicas: 3})
		c.AddWorkload(Workload{Kind: KindDeployment, Name: "api", Namespace: ns, Replicas: 2, ReadyReplicas: 2})
		c.AddWorkload(Workload{Kind: KindStatefulSet, Name: "db", Namespace: ns, Replicas: 1, ReadyReplicas: 1})
	}
	for _, ns := range []string{"kube-system", "monitoring"} {
		c.AddNamespace(ns)
		c.AddWorkload(Workload{Kind: KindDeployment, Name: "agent", Namespace: ns, Replicas: 1, ReadyReplicas: 1})
	}
	return c
}

func workloadKey(namespace, kind, name string) string {
	return namespace + "/" + kind + "/" + name
}

// AddNamespace registers a namespace.
func (c *SimulatedClient) AddNamespace(namespace string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.namespaces[namespace] = true
}

// AddWorkload registers or replaces a workload.
func (c *SimulatedClient) AddWorkload(w Workload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.namespaces[w.Namespace] = true
	stored := w
	c.workloads[workloadKey(w.Namespace, w.Kind, w.Name)] = &stored
}

// FailScale injects an error returned by ScaleWorkload for one workload.
func (c *SimulatedClient) FailScale(namespace, kind, name string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scaleErrs[workloadKey(namespace, kind, name)] = err
}

// SetNotReady marks a workload as lagging: its ready count stays below the
// desired count after scaling.
func (c *SimulatedClient) SetNotReady(namespace, kind, name string, notReady bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notReady[workloadKey(namespace, kind, name)] = notReady
}

// GetWorkload returns a copy of the workload, if present.
func (c *SimulatedClient) GetWorkload(namespace, kind, name string) (Workload, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	w, ok := c.workloads[workloadKey(namespace, kind, name)]
	if !ok {
		return Workload{}, false
	}
	return *w, true
}

// ListWorkloads returns workloads of the given kind in the namespace,
// sorted by name for deterministic enumeration.
func (c *SimulatedClient) ListWorkloads(ctx context.Context, kind, namespace string) ([]Workload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Workload
	prefix := namespace + "/" + kind + "/"
	for key, w := range c.workloads {
		if strings.HasPrefix(key, prefix) {
			out = append(out, *w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ScaleWorkload updates the replica count, recording the original count
// when scaling to zero and restoring readiness unless the workload is
// marked not-ready.
func (c *SimulatedClient) ScaleWorkload(ctx context.Context, kind, name, namespace string, replicas int32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	key := workloadKey(namespace, kind, name)
	if err, ok := c.scaleErrs[key]; ok && err != nil {
		return err
	}
	w, ok := c.workloads[key]
	if !ok {
		return fmt.Errorf("cluster: workload %s not found", key)
	}

	if replicas == 0 && w.Replicas > 0 {
		w.OriginalReplicas = w.Replicas
	}
	w.Replicas = replicas
	if c.notReady[key] {
		w.ReadyReplicas = 0
	} else {
		w.ReadyReplicas = replicas
	}
	return nil
}

// NamespaceExists reports whether the namespace is registered.
func (c *SimulatedClient) NamespaceExists(ctx context.Context, namespace string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.namespaces[namespace], nil
}

// ListNamespaces returns all registered namespace names, sorted.
func (c *SimulatedClient) ListNamespaces(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.namespaces))
	for ns := range c.namespaces {
		names = append(names, ns)
	}
	sort.Strings(names)
	return names, nil
}

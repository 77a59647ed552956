// Package clusterfacts is the read-only adapter over the Kubernetes API. It
// reports node inventory for the simulated GPU pool, per-node partition
// counts and pod-to-partition bindings. The core never mutates the cluster.
package clusterfacts

import (
	"context"
	"fmt"
	"strconv"
	"time"

	v1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/walkai-org/walkai-api/internal/constants"
	"github.com/walkai-org/walkai-api/internal/errs"
)

// NodeFact describes one pool node and its simulated partition capacity.
type NodeFact struct {
	Name       string
	Labels     map[string]string
	Partitions int
}

// Binding is a pod-to-partition binding observed in the cluster, recognized
// by the partition annotation the job layer stamps on worker pods.
type Binding struct {
	Partition string // "node/index"
	PodName   string
	Namespace string
	Owner     string
	LeaseID   string
}

// Facts is one consistent read of the cluster, the raw input to the capacity
// merge. Facts are never persisted; each reconcile pass re-fetches.
type Facts struct {
	Nodes      []NodeFact
	Bindings   []Binding
	ObservedAt time.Time
}

type Source interface {
	Fetch(ctx context.Context) (*Facts, error)
	Healthy(ctx context.Context) error
}

// KubeSource reads facts through a controller-runtime client.
type KubeSource struct {
	client            client.Client
	namespace         string
	timeout           time.Duration
	defaultPartitions int
}

func NewKubeSource(c client.Client, namespace string, timeout time.Duration, defaultPartitions int) *KubeSource {
	return &KubeSource{
		client:            c,
		namespace:         namespace,
		timeout:           timeout,
		defaultPartitions: defaultPartitions,
	}
}

func (s *KubeSource) Fetch(ctx context.Context) (*Facts, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	nodeList := &v1.NodeList{}
	if err := s.client.List(ctx, nodeList, client.HasLabels{constants.GPUPoolLabel}); err != nil {
		return nil, errs.Timeout("list pool nodes: %v", err)
	}

	facts := &Facts{ObservedAt: time.Now().UTC()}
	for i := range nodeList.Items {
		node := &nodeList.Items[i]
		facts.Nodes = append(facts.Nodes, NodeFact{
			Name:       node.Name,
			Labels:     node.Labels,
			Partitions: s.partitionCount(node),
		})
	}

	podList := &v1.PodList{}
	if err := s.client.List(ctx, podList, client.InNamespace(s.namespace)); err != nil {
		return nil, errs.Timeout("list workload pods: %v", err)
	}
	for i := range podList.Items {
		pod := &podList.Items[i]
		if pod.Status.Phase == v1.PodSucceeded || pod.Status.Phase == v1.PodFailed {
			continue
		}
		partition, ok := pod.Annotations[constants.PartitionAnnotation]
		if !ok || partition == "" {
			continue
		}
		facts.Bindings = append(facts.Bindings, Binding{
			Partition: partition,
			PodName:   pod.Name,
			Namespace: pod.Namespace,
			Owner:     pod.Annotations[constants.OwnerAnnotation],
			LeaseID:   pod.Annotations[constants.LeaseAnnotation],
		})
	}
	return facts, nil
}

// partitionCount reads the per-node slice count label. Granularity is purely
// deployment configuration, fake-MIG nodes are labeled by the provisioning
// runbook.
func (s *KubeSource) partitionCount(node *v1.Node) int {
	raw, ok := node.Labels[constants.GPUPartitionsLabel]
	if !ok {
		return s.defaultPartitions
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return s.defaultPartitions
	}
	return n
}

func (s *KubeSource) Healthy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	nodeList := &v1.NodeList{}
	if err := s.client.List(ctx, nodeList, client.HasLabels{constants.GPUPoolLabel}, client.Limit(1)); err != nil {
		return errs.Timeout("cluster fact source unreachable: %v", err)
	}
	return nil
}

// PartitionKeyFor builds the canonical "node/index" partition key.
func PartitionKeyFor(node string, index int) string {
	return fmt.Sprintf("%s/%d", node, index)
}

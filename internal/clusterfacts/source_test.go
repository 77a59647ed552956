package clusterfacts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/walkai-org/walkai-api/internal/constants"
)

func poolNode(name string, partitions string) *v1.Node {
	labels := map[string]string{constants.GPUPoolLabel: "true"}
	if partitions != "" {
		labels[constants.GPUPartitionsLabel] = partitions
	}
	return &v1.Node{ObjectMeta: metav1.ObjectMeta{Name: name, Labels: labels}}
}

func boundPod(name, namespace, partition, owner, leaseID string, phase v1.PodPhase) *v1.Pod {
	annotations := map[string]string{}
	if partition != "" {
		annotations[constants.PartitionAnnotation] = partition
	}
	if owner != "" {
		annotations[constants.OwnerAnnotation] = owner
	}
	if leaseID != "" {
		annotations[constants.LeaseAnnotation] = leaseID
	}
	return &v1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace, Annotations: annotations},
		Status:     v1.PodStatus{Phase: phase},
	}
}

func newFakeSource(t *testing.T, objs ...client.Object) *KubeSource {
	t.Helper()
	c := fake.NewClientBuilder().WithScheme(scheme.Scheme).WithObjects(objs...).Build()
	return NewKubeSource(c, "walkai", time.Second, 7)
}

func TestFetchNodes(t *testing.T) {
	s := newFakeSource(t,
		poolNode("node-a", "2"),
		poolNode("node-b", ""),
		&v1.Node{ObjectMeta: metav1.ObjectMeta{Name: "node-cpu"}},
	)

	facts, err := s.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, facts.Nodes, 2, "only labeled pool nodes count")

	byName := map[string]NodeFact{}
	for _, n := range facts.Nodes {
		byName[n.Name] = n
	}
	assert.Equal(t, 2, byName["node-a"].Partitions)
	assert.Equal(t, 7, byName["node-b"].Partitions, "unlabeled count falls back to the default")
}

func TestFetchPartitionCountGarbageFallsBack(t *testing.T) {
	tests := []struct {
		name  string
		label string
	}{
		{"non numeric", "seven"},
		{"zero", "0"},
		{"negative", "-3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newFakeSource(t, poolNode("node-a", tt.label))
			facts, err := s.Fetch(context.Background())
			require.NoError(t, err)
			require.Len(t, facts.Nodes, 1)
			assert.Equal(t, 7, facts.Nodes[0].Partitions)
		})
	}
}

func TestFetchBindings(t *testing.T) {
	s := newFakeSource(t,
		poolNode("node-a", "2"),
		boundPod("pod-1", "walkai", "node-a/0", "job-1", "L-1", v1.PodRunning),
		boundPod("pod-2", "walkai", "node-a/1", "job-2", "", v1.PodPending),
		boundPod("pod-plain", "walkai", "", "", "", v1.PodRunning),
		boundPod("pod-done", "walkai", "node-a/1", "job-3", "L-3", v1.PodSucceeded),
		boundPod("pod-dead", "walkai", "node-a/1", "job-4", "L-4", v1.PodFailed),
		boundPod("pod-elsewhere", "other-ns", "node-a/0", "job-5", "L-5", v1.PodRunning),
	)

	facts, err := s.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, facts.Bindings, 2, "finished pods, unannotated pods and foreign namespaces are ignored")

	byPod := map[string]Binding{}
	for _, b := range facts.Bindings {
		byPod[b.PodName] = b
	}
	assert.Equal(t, Binding{
		Partition: "node-a/0",
		PodName:   "pod-1",
		Namespace: "walkai",
		Owner:     "job-1",
		LeaseID:   "L-1",
	}, byPod["pod-1"])
	assert.Equal(t, "node-a/1", byPod["pod-2"].Partition)
	assert.Empty(t, byPod["pod-2"].LeaseID)
}

func TestHealthy(t *testing.T) {
	s := newFakeSource(t, poolNode("node-a", "2"))
	assert.NoError(t, s.Healthy(context.Background()))
}

func TestPartitionKeyFor(t *testing.T) {
	assert.Equal(t, "node-a/3", PartitionKeyFor("node-a", 3))
}

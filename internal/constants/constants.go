package constants

import "time"

// Domain is the label/annotation namespace for the walkai control plane.
const Domain = "walkai.io"

// Node labels set by the simulation provisioning runbook (fake-MIG device
// plugin nodes are labeled before the service starts).
const (
	// GPUPoolLabel marks nodes that carry simulated GPU partitions.
	GPUPoolLabel = Domain + "/gpu-pool"

	// GPUPartitionsLabel holds the per-node partition count, e.g. "7" for a
	// MIG-style 7-slice split. Granularity is deployment configuration, the
	// core never assumes a fixed geometry.
	GPUPartitionsLabel = Domain + "/gpu-partitions"
)

// Pod annotations used to recognize partition bindings in the cluster.
const (
	// PartitionAnnotation carries the bound partition key, "node/index".
	PartitionAnnotation = Domain + "/partition"

	// OwnerAnnotation carries the requester key that asked for the partition.
	OwnerAnnotation = Domain + "/owner"

	// LeaseAnnotation carries the lease ID the binding belongs to.
	LeaseAnnotation = Domain + "/lease-id"
)

// State store key prefixes. One record per lease plus one claim marker per
// reserved partition; the claim marker is what conditional creates race on.
const (
	LeaseKeyPrefix     = "lease:"
	ClaimKeyPrefix     = "claim:"
	CapacityCacheKey   = "cluster:capacity"
	AuthorizationHeader = "Authorization"
)

// Default timing knobs, overridable through config.
const (
	DefaultReconcileInterval  = 15 * time.Second
	DefaultConfirmationWindow = 30 * time.Second
	DefaultLeaseTTL           = 10 * time.Minute
	DefaultRetentionWindow    = 5 * time.Minute
	DefaultExternalTimeout    = 5 * time.Second
	DefaultAllocateRetries    = 3
	DefaultPartitionsPerNode  = 7
)

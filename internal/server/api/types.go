// Package api defines the request/response shapes of the service-facing
// HTTP surface.
package api

import (
	"time"

	"github.com/walkai-org/walkai-api/internal/lease"
)

type AllocateRequest struct {
	// Owner is the request/session key that will own the granted leases.
	Owner string `json:"owner" binding:"required"`

	// Count is the number of partitions required, defaults to 1.
	Count int `json:"count,omitempty"`

	// Node pins the allocation to a specific node.
	Node string `json:"node,omitempty"`

	// NodeLabels constrain allocation to nodes carrying these labels.
	NodeLabels map[string]string `json:"nodeLabels,omitempty"`

	// TTLSeconds overrides the default lease TTL.
	TTLSeconds int `json:"ttlSeconds,omitempty"`
}

type LeaseView struct {
	ID        string    `json:"leaseId"`
	Owner     string    `json:"owner"`
	Partition string    `json:"partition"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Version   int64     `json:"version"`
	Adopted   bool      `json:"adopted,omitempty"`
}

func NewLeaseView(l *lease.Lease) LeaseView {
	return LeaseView{
		ID:        l.ID,
		Owner:     l.Owner,
		Partition: l.Partition,
		State:     string(l.State),
		CreatedAt: l.CreatedAt,
		ExpiresAt: l.ExpiresAt,
		Version:   l.Version,
		Adopted:   l.Adopted,
	}
}

type AllocateResponse struct {
	Leases []LeaseView `json:"leases"`
}

type RenewRequest struct {
	TTLSeconds int `json:"ttlSeconds,omitempty"`
}

type StatusResponse struct {
	Status string `json:"status"`
}

type ErrorResponse struct {
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

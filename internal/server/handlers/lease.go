/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"github.com/walkai-org/walkai-api/internal/allocator"
	"github.com/walkai-org/walkai-api/internal/errs"
	"github.com/walkai-org/walkai-api/internal/lease"
	"github.com/walkai-org/walkai-api/internal/lifecycle"
	"github.com/walkai-org/walkai-api/internal/server/api"
)

// LeaseHandler serves the allocate/release/renew/status operations.
type LeaseHandler struct {
	scheduler *allocator.Scheduler
	lifecycle *lifecycle.Manager
}

func NewLeaseHandler(scheduler *allocator.Scheduler, lc *lifecycle.Manager) *LeaseHandler {
	return &LeaseHandler{scheduler: scheduler, lifecycle: lc}
}

// HandleAllocate handles POST /api/v1/leases
func (h *LeaseHandler) HandleAllocate(c *gin.Context) {
	var req api.AllocateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Kind: "BadRequest", Error: err.Error()})
		return
	}

	grant, err := h.scheduler.Allocate(c.Request.Context(), allocator.Request{
		Owner:      req.Owner,
		Count:      req.Count,
		Node:       req.Node,
		NodeLabels: req.NodeLabels,
		TTL:        time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, api.AllocateResponse{
		Leases: lo.Map(grant.Leases, func(l *lease.Lease, _ int) api.LeaseView {
			return api.NewLeaseView(l)
		}),
	})
}

// HandleRelease handles POST /api/v1/leases/:id/release
func (h *LeaseHandler) HandleRelease(c *gin.Context) {
	if err := h.scheduler.Release(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, api.StatusResponse{Status: "released"})
}

// HandleRenew handles POST /api/v1/leases/:id/renew
func (h *LeaseHandler) HandleRenew(c *gin.Context) {
	var req api.RenewRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Kind: "BadRequest", Error: err.Error()})
		return
	}
	l, err := h.lifecycle.Renew(c.Request.Context(), c.Param("id"),
		time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, api.NewLeaseView(l))
}

// HandleStatus handles GET /api/v1/leases/:id
func (h *LeaseHandler) HandleStatus(c *gin.Context) {
	l, err := h.scheduler.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, api.NewLeaseView(l))
}

// writeError maps the core taxonomy onto HTTP status codes. Drift never
// reaches here; it is operator-only by design of the reconciler.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errs.IsNoCapacity(err), errs.IsContention(err):
		status = http.StatusConflict
	case errs.IsTimeout(err):
		status = http.StatusGatewayTimeout
	case errs.IsNotFound(err):
		status = http.StatusNotFound
	case errs.IsExpired(err):
		status = http.StatusGone
	}
	c.JSON(status, api.ErrorResponse{Kind: errs.Kind(err), Error: err.Error()})
}

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

	"github.com/walkai-org/walkai-api/internal/clusterfacts"
	"github.com/walkai-org/walkai-api/internal/server/api"
	"github.com/walkai-org/walkai-api/internal/statestore"
)

// Laggard reports whether the reconcile loop has fallen behind its
// schedule. Implemented by the reconciler.
type Laggard interface {
	BehindSchedule(now time.Time) bool
}

// HealthHandler serves liveness and readiness.
type HealthHandler struct {
	store      statestore.Store
	source     clusterfacts.Source
	reconciler Laggard
}

func NewHealthHandler(store statestore.Store, source clusterfacts.Source, reconciler Laggard) *HealthHandler {
	return &HealthHandler{store: store, source: source, reconciler: reconciler}
}

// HandleHealthz handles GET /healthz. Liveness only says the process can
// serve requests, it makes no external calls.
func (h *HealthHandler) HandleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, api.StatusResponse{Status: "ok"})
}

// HandleReadyz handles GET /readyz. The replica is not ready when a hard
// dependency is unreachable, and degraded (but still ready) when the
// reconcile loop has fallen behind schedule.
func (h *HealthHandler) HandleReadyz(c *gin.Context) {
	ctx := c.Request.Context()
	if err := h.store.Healthy(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, api.StatusResponse{Status: "down"})
		return
	}
	if err := h.source.Healthy(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, api.StatusResponse{Status: "down"})
		return
	}
	if h.reconciler.BehindSchedule(time.Now()) {
		c.JSON(http.StatusOK, api.StatusResponse{Status: "degraded"})
		return
	}
	c.JSON(http.StatusOK, api.StatusResponse{Status: "ok"})
}

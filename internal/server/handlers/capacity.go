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

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	"github.com/walkai-org/walkai-api/internal/capacity"
	"github.com/walkai-org/walkai-api/internal/constants"
	"github.com/walkai-org/walkai-api/internal/server/api"
	"github.com/walkai-org/walkai-api/internal/statestore"
)

// CapacityHandler serves the read-only capacity view. It answers from the
// in-process snapshot when one has been published, and falls back to the
// cached copy in the state store so a freshly restarted replica can answer
// before its first reconcile pass completes.
type CapacityHandler struct {
	holder *capacity.Holder
	store  statestore.Store
}

func NewCapacityHandler(holder *capacity.Holder, store statestore.Store) *CapacityHandler {
	return &CapacityHandler{holder: holder, store: store}
}

// HandleCapacity handles GET /api/v1/capacity
func (h *CapacityHandler) HandleCapacity(c *gin.Context) {
	if snap := h.holder.Load(); snap != nil {
		c.JSON(http.StatusOK, snap.Summary())
		return
	}

	cached, err := h.store.GetCache(c.Request.Context(), constants.CapacityCacheKey)
	if err == nil && len(cached) > 0 {
		c.Data(http.StatusOK, "application/json", cached)
		return
	}
	if err != nil {
		klog.ErrorS(err, "failed to read cached capacity snapshot")
	}
	c.JSON(http.StatusServiceUnavailable, api.ErrorResponse{
		Kind:  "Timeout",
		Error: "capacity snapshot not built yet",
	})
}

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

package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/walkai-org/walkai-api/internal/allocator"
	"github.com/walkai-org/walkai-api/internal/capacity"
	"github.com/walkai-org/walkai-api/internal/clusterfacts"
	"github.com/walkai-org/walkai-api/internal/lifecycle"
	"github.com/walkai-org/walkai-api/internal/server/api"
	"github.com/walkai-org/walkai-api/internal/server/handlers"
	"github.com/walkai-org/walkai-api/internal/statestore"
	"github.com/walkai-org/walkai-api/internal/utils"
)

// Server is the HTTP front of the reconciliation core.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	authToken  string

	leaseHandler    *handlers.LeaseHandler
	capacityHandler *handlers.CapacityHandler
	healthHandler   *handlers.HealthHandler
}

// NewServer wires the handlers onto a gin engine. authToken empty disables
// request authentication, which is only acceptable in local development.
func NewServer(
	scheduler *allocator.Scheduler,
	lc *lifecycle.Manager,
	holder *capacity.Holder,
	store statestore.Store,
	source clusterfacts.Source,
	reconciler handlers.Laggard,
	authToken string,
	port int,
) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), gzip.Gzip(gzip.DefaultCompression))

	s := &Server{
		router:    router,
		authToken: authToken,
		httpServer: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: router,
		},
		leaseHandler:    handlers.NewLeaseHandler(scheduler, lc),
		capacityHandler: handlers.NewCapacityHandler(holder, store),
		healthHandler:   handlers.NewHealthHandler(store, source, reconciler),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.healthHandler.HandleHealthz)
	s.router.GET("/readyz", s.healthHandler.HandleReadyz)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	apiV1 := s.router.Group("/api/v1")
	apiV1.Use(s.authGuard())
	{
		apiV1.POST("/leases", s.leaseHandler.HandleAllocate)
		apiV1.GET("/leases/:id", s.leaseHandler.HandleStatus)
		apiV1.POST("/leases/:id/release", s.leaseHandler.HandleRelease)
		apiV1.POST("/leases/:id/renew", s.leaseHandler.HandleRenew)

		apiV1.GET("/capacity", s.capacityHandler.HandleCapacity)
	}
}

func (s *Server) authGuard() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.authToken == "" {
			c.Next()
			return
		}
		token, ok := utils.ExtractBearerToken(c)
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, api.ErrorResponse{
				Kind:  "Unauthorized",
				Error: "missing or invalid bearer token",
			})
			return
		}
		c.Next()
	}
}

// Start blocks serving requests until the listener fails or Stop is called.
func (s *Server) Start() error {
	klog.Infof("Starting capacity HTTP server on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

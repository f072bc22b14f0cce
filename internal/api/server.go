// Package api exposes the operational HTTP surface: health, scheduler
// status, manual run trigger and the per-listing audit trail.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"cararth/ingest-service/internal/scheduler"
	"cararth/ingest-service/internal/store"
)

const version = "1.0.0"

// Server holds the handlers' dependencies.
type Server struct {
	Scheduler *scheduler.Scheduler
	Store     *store.ListingStore
	Log       *zap.Logger
}

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.health)
	r.GET("/status", s.status)
	r.POST("/runs", s.triggerRun)
	r.GET("/listings/:id/audit", s.listingAudit)
	return r
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "ingest-service",
		"version": version,
	})
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.Scheduler.Snapshot())
}

// triggerRun starts a manual batch. 409 when a run is already executing.
func (s *Server) triggerRun(c *gin.Context) {
	if err := s.Scheduler.RunNow(context.WithoutCancel(c.Request.Context())); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "started"})
}

func (s *Server) listingAudit(c *gin.Context) {
	id := c.Param("id")
	records, err := s.Store.AuditTrail(c.Request.Context(), id)
	if err != nil {
		s.Log.Error("audit trail query failed", zap.String("listing", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "audit lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"listingId": id, "records": records})
}

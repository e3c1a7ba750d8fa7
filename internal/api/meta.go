package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"tabula/internal/descriptor"
)

// submitRequest is the descriptor submission payload from the UI/forms layer.
type submitRequest struct {
	Name             string                       `json:"name"`
	TenantScope      string                       `json:"tenantScope"`
	Label            string                       `json:"label"`
	Fields           []descriptor.FieldDescriptor `json:"fields"`
	AllowDestructive bool                         `json:"allowDestructive"`
}

// POST /api/meta/entities
func (s *Server) submitEntity(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON"})
		return
	}
	candidate := &descriptor.EntityDescriptor{
		Name:        req.Name,
		TenantScope: strings.TrimSpace(req.TenantScope),
		Label:       req.Label,
		Fields:      req.Fields,
	}
	saved, err := s.engine.SubmitDescriptor(c.Request.Context(), candidate, req.AllowDestructive)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

// GET /api/meta/entities
func (s *Server) listEntities(c *gin.Context) {
	all, err := s.engine.List(c.Request.Context())
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, all)
}

// GET /api/meta/entities/:name
func (s *Server) getEntity(c *gin.Context) {
	d, err := s.engine.Descriptor(c.Request.Context(), c.Param("name"), tenant(c))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// DELETE /api/meta/entities/:name?drop=true
// The drop flag is required: losing a table full of data must be asked for.
func (s *Server) dropEntity(c *gin.Context) {
	if c.Query("drop") != "true" {
		c.JSON(http.StatusConflict, gin.H{
			"error": "dropping an entity removes its table and data; pass drop=true to confirm",
		})
		return
	}
	if err := s.engine.DropEntity(c.Request.Context(), c.Param("name"), tenant(c)); err != nil {
		renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GET /api/admin/migrations
func (s *Server) migrationStatus(c *gin.Context) {
	statuses, err := s.engine.Status(c.Request.Context())
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, statuses)
}

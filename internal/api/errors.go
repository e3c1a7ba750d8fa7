package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"tabula/internal/descriptor"
	"tabula/internal/engine"
	"tabula/internal/repo"
	"tabula/internal/runtime"
	"tabula/internal/schema"
)

// renderError maps the engine's error taxonomy onto HTTP. Field errors are
// always returned under "errors" so form layers can attach them per field.
func renderError(c *gin.Context, err error) {
	var vErr *engine.ValidationError
	if errors.As(err, &vErr) {
		status := http.StatusBadRequest
		if vErr.Destructive {
			// needs explicit confirmation via allowDestructive=true
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"errors": vErr.Errors})
		return
	}

	var wErr *repo.ValidationError
	if errors.As(err, &wErr) {
		c.JSON(http.StatusBadRequest, gin.H{"errors": wErr.Errors})
		return
	}

	var mErr *schema.MigrationError
	if errors.As(err, &mErr) {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":     "migration failed",
			"entity":    mErr.Entity,
			"version":   mErr.Version,
			"operation": string(mErr.Op.Kind),
			"column":    mErr.Op.Column,
			"details":   mErr.Err.Error(),
		})
		return
	}

	switch {
	case errors.Is(err, descriptor.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "entity not found"})
	case errors.Is(err, repo.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
	case errors.Is(err, repo.ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "version conflict"})
	case errors.Is(err, descriptor.ErrConcurrentModification):
		c.JSON(http.StatusConflict, gin.H{"error": "concurrent modification, re-read and retry"})
	case errors.Is(err, runtime.ErrSchemaNotReady):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "schema not ready, retry"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

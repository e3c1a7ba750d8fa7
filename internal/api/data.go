package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"tabula/internal/repo"
)

// POST /api/data/:entity
func (s *Server) createRecord(c *gin.Context) {
	var values map[string]any
	if err := c.ShouldBindJSON(&values); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON"})
		return
	}
	id, err := s.repo.Save(c.Request.Context(), c.Param("entity"), tenant(c), values)
	if err != nil {
		renderError(c, err)
		return
	}
	rec, err := s.repo.Get(c.Request.Context(), c.Param("entity"), tenant(c), id)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// GET /api/data/:entity
func (s *Server) listRecords(c *gin.Context) {
	params := repo.ParseListParams(c.Request.URL.Query())
	records, total, err := s.repo.Find(c.Request.Context(), c.Param("entity"), tenant(c), params)
	if err != nil {
		renderError(c, err)
		return
	}
	c.Header("X-Total-Count", strconv.FormatInt(total, 10))
	c.JSON(http.StatusOK, records)
}

// GET /api/data/:entity/_count
func (s *Server) countRecords(c *gin.Context) {
	params := repo.ParseListParams(c.Request.URL.Query())
	total, err := s.repo.Count(c.Request.Context(), c.Param("entity"), tenant(c), params)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": total})
}

// GET /api/data/:entity/:id
func (s *Server) getRecord(c *gin.Context) {
	rec, err := s.repo.Get(c.Request.Context(), c.Param("entity"), tenant(c), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	if v, ok := rec["version"].(int64); ok {
		c.Header("ETag", fmt.Sprintf(`"%d"`, v))
	}
	c.JSON(http.StatusOK, rec)
}

// PUT /api/data/:entity/:id
// Optimistic concurrency: the expected version comes from If-Match or a
// "version" member of the body; the body copy never reaches storage.
func (s *Server) updateRecord(c *gin.Context) {
	var values map[string]any
	if err := c.ShouldBindJSON(&values); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON"})
		return
	}
	expected, ok := expectedVersion(c, values)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expected version required (If-Match header or body version)"})
		return
	}
	err := s.repo.Update(c.Request.Context(), c.Param("entity"), tenant(c), c.Param("id"), values, expected)
	if err != nil {
		renderError(c, err)
		return
	}
	rec, err := s.repo.Get(c.Request.Context(), c.Param("entity"), tenant(c), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// DELETE /api/data/:entity/:id
func (s *Server) deleteRecord(c *gin.Context) {
	if err := s.repo.Delete(c.Request.Context(), c.Param("entity"), tenant(c), c.Param("id")); err != nil {
		renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// expectedVersion reads the optimistic-lock hint and strips it from the
// payload so it is never written as a field.
func expectedVersion(c *gin.Context, values map[string]any) (int64, bool) {
	if etag := strings.Trim(c.GetHeader("If-Match"), `"`); etag != "" {
		if v, err := strconv.ParseInt(etag, 10, 64); err == nil {
			delete(values, "version")
			return v, true
		}
	}
	if raw, ok := values["version"]; ok {
		delete(values, "version")
		switch t := raw.(type) {
		case float64:
			return int64(t), true
		case string:
			if v, err := strconv.ParseInt(t, 10, 64); err == nil {
				return v, true
			}
		}
	}
	return 0, false
}

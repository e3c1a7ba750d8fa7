package api

import (
	"github.com/gin-gonic/gin"

	"tabula/internal/engine"
	"tabula/internal/repo"
)

// Server binds the HTTP surface to the engine and the dynamic repository.
type Server struct {
	engine *engine.Engine
	repo   *repo.Repository
}

func NewServer(eng *engine.Engine, rep *repo.Repository) *Server {
	return &Server{engine: eng, repo: rep}
}

// Router wires all routes. Static service routes come before the generic
// data routes so names like "_count" never shadow record ids.
func (s *Server) Router() *gin.Engine {
	r := gin.Default()

	apiGroup := r.Group("/api")
	{
		meta := apiGroup.Group("/meta")
		{
			meta.POST("/entities", s.submitEntity)
			meta.GET("/entities", s.listEntities)
			meta.GET("/entities/:name", s.getEntity)
			meta.DELETE("/entities/:name", s.dropEntity)
		}

		apiGroup.GET("/admin/migrations", s.migrationStatus)

		data := apiGroup.Group("/data")
		{
			data.GET("/:entity/_count", s.countRecords)
			data.POST("/:entity", s.createRecord)
			data.GET("/:entity", s.listRecords)
			data.GET("/:entity/:id", s.getRecord)
			data.PUT("/:entity/:id", s.updateRecord)
			data.DELETE("/:entity/:id", s.deleteRecord)
		}
	}

	return r
}

// Run starts the server on addr.
func (s *Server) Run(addr string) error {
	return s.Router().Run(addr)
}

// tenant reads the tenant scope for the request; empty means global.
func tenant(c *gin.Context) string {
	return c.GetHeader("X-Tenant")
}

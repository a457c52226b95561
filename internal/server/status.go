package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Status reports queue depth and the cached statistics. Statistics reads go
// through the cache and recompute on a miss, so the first call after a cold
// start may be slow.
func (s *Server) Status(c *gin.Context) {
	ctx := c.Request.Context()

	pending, err := s.bundleRepo.CountPending(ctx, s.db)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	errored, err := s.bundleRepo.CountErrored(ctx, s.db)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	points, err := s.stats.TotalPointCount(ctx)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	sources, err := s.stats.SourceList(ctx)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	generators, err := s.stats.GeneratorList(ctx)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"bundles": gin.H{
			"pending": pending,
			"errored": errored,
		},
		"points": gin.H{
			"total":      points,
			"sources":    sources,
			"generators": generators,
		},
	})
}

// LatestPoint returns the newest stored point for one source and generator
// identifier pair.
func (s *Server) LatestPoint(c *gin.Context) {
	source := strings.TrimSpace(c.Query("source"))
	generator := strings.TrimSpace(c.Query("generator"))
	if source == "" || generator == "" {
		AbortWithError(c, fmt.Errorf("%w: source and generator are required", ErrInvalidRequest))
		return
	}

	latest, err := s.stats.LatestPoint(c.Request.Context(), source, generator)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if latest == nil {
		c.JSON(http.StatusOK, gin.H{"latest": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"latest": latest})
}

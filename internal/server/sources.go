package server

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type setUploadURLRequest struct {
	UploadURL *string `json:"upload_url"`
}

// SetSourceUploadURL configures or clears a source's federation target. A
// source with an upload URL forwards its points instead of storing them.
func (s *Server) SetSourceUploadURL(c *gin.Context) {
	identifier := strings.TrimSpace(c.Param("identifier"))
	if identifier == "" {
		AbortWithError(c, fmt.Errorf("%w: missing source identifier", ErrInvalidRequest))
		return
	}

	var req setUploadURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
		return
	}
	if req.UploadURL != nil {
		target := strings.TrimSpace(*req.UploadURL)
		if target == "" {
			req.UploadURL = nil
		} else {
			parsed, err := url.Parse(target)
			if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
				AbortWithError(c, fmt.Errorf("%w: upload_url must be an http(s) url", ErrInvalidRequest))
				return
			}
			req.UploadURL = &target
		}
	}

	if err := s.resolver.SetUploadURL(c.Request.Context(), identifier, req.UploadURL); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"identifier": identifier,
		"upload_url": req.UploadURL,
	})
}

type mergeSourcesRequest struct {
	From string `json:"from" binding:"required"`
	Into string `json:"into" binding:"required"`
}

// MergeSources folds one source identifier into another, moving its points
// and removing the stale reference.
func (s *Server) MergeSources(c *gin.Context) {
	var req mergeSourcesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
		return
	}
	from := strings.TrimSpace(req.From)
	into := strings.TrimSpace(req.Into)
	if from == "" || into == "" || from == into {
		AbortWithError(c, fmt.Errorf("%w: from and into must be distinct identifiers", ErrInvalidRequest))
		return
	}

	if err := s.resolver.MergeSources(c.Request.Context(), from, into); err != nil {
		AbortWithError(c, err)
		return
	}
	s.evictSourceStats(c.Request.Context(), from, into)
	c.JSON(http.StatusOK, gin.H{
		"from": from,
		"into": into,
	})
}

// RemoveSource deletes a source and all of its points.
func (s *Server) RemoveSource(c *gin.Context) {
	identifier := strings.TrimSpace(c.Param("identifier"))
	if identifier == "" {
		AbortWithError(c, fmt.Errorf("%w: missing source identifier", ErrInvalidRequest))
		return
	}

	if err := s.resolver.RemoveSource(c.Request.Context(), identifier); err != nil {
		AbortWithError(c, err)
		return
	}
	s.evictSourceStats(c.Request.Context(), identifier)
	c.Status(http.StatusNoContent)
}

// evictSourceStats drops the aggregate caches derived from the given sources
// after an admin action deletes or moves their points. Best effort; readers
// recompute on the next miss.
func (s *Server) evictSourceStats(ctx context.Context, sources ...string) {
	for _, source := range sources {
		if err := s.stats.EvictSource(ctx, source); err != nil {
			s.log.Warn("failed to evict source stats caches",
				zap.String("source", source),
				zap.Error(err),
			)
		}
	}
}

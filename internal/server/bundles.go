package server

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	bundledomain "github.com/quietlab/harvest/internal/bundle/domain"
	"go.uber.org/zap"
)

// Uploads above this size are rejected before buffering.
const maxUploadBytes = 64 << 20

// ReceiveBundle accepts a bundle upload and records its payload bytes
// verbatim for a later sweep. Clients post either a payload form field or a
// raw JSON body; encrypted and compression travel as sibling form fields or
// query parameters.
func (s *Server) ReceiveBundle(c *gin.Context) {
	var (
		payload     []byte
		encrypted   bool
		compression string
	)

	contentType := c.ContentType()
	if contentType == "application/x-www-form-urlencoded" || contentType == "multipart/form-data" {
		raw := c.PostForm("payload")
		if raw == "" {
			AbortWithError(c, fmt.Errorf("%w: missing payload field", ErrInvalidRequest))
			return
		}
		payload = []byte(raw)
		encrypted = parseBool(c.PostForm("encrypted"))
		compression = c.PostForm("compression")
	} else {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxUploadBytes+1))
		if err != nil {
			AbortWithError(c, fmt.Errorf("%w: read body: %v", ErrInvalidRequest, err))
			return
		}
		if len(body) == 0 {
			AbortWithError(c, fmt.Errorf("%w: empty body", ErrInvalidRequest))
			return
		}
		if len(body) > maxUploadBytes {
			AbortWithError(c, fmt.Errorf("%w: payload too large", ErrInvalidRequest))
			return
		}
		payload = body
		encrypted = parseBool(c.Query("encrypted"))
		compression = c.Query("compression")
	}

	bundle, err := s.newBundle(payload, encrypted, compression)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if err := s.bundleRepo.Insert(c.Request.Context(), s.db, bundle); err != nil {
		AbortWithError(c, err)
		return
	}

	s.log.Info("received bundle",
		zap.String("bundle_id", bundle.ID.String()),
		zap.Int("bytes", len(payload)),
	)
	c.JSON(http.StatusCreated, gin.H{
		"id":     bundle.ID.String(),
		"status": "pending",
	})
}

// GetBundle returns bundle processing state without the payload bytes.
func (s *Server) GetBundle(c *gin.Context) {
	id, err := parseBundleID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	bundle, err := s.bundleRepo.FindByID(c.Request.Context(), s.db, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, bundle)
}

// RequeueBundle clears an errored bundle's failure state so the next sweep
// retries it.
func (s *Server) RequeueBundle(c *gin.Context) {
	id, err := parseBundleID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.bundleRepo.ClearError(c.Request.Context(), s.db, id, s.clock.Now()); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":     id.String(),
		"status": "pending",
	})
}

func (s *Server) newBundle(payload []byte, encrypted bool, compression string) (*bundledomain.Bundle, error) {
	compression = strings.ToLower(strings.TrimSpace(compression))
	switch compression {
	case "":
		compression = bundledomain.CompressionNone
	case bundledomain.CompressionNone, bundledomain.CompressionGzip:
	default:
		return nil, fmt.Errorf("%w: unsupported compression %q", ErrInvalidRequest, compression)
	}

	return &bundledomain.Bundle{
		ID:          s.genID.Generate(),
		Recorded:    s.clock.Now(),
		Payload:     payload,
		Encrypted:   encrypted,
		Compression: compression,
	}, nil
}

func parseBundleID(raw string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: bad bundle id", ErrInvalidRequest)
	}
	return id, nil
}

func parseBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

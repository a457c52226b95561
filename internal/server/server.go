// Package server exposes the HTTP surface: bundle upload, operator status,
// and source administration. Ingestion itself happens out of band in the
// sweep; upload only records payload bytes verbatim.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	bundledomain "github.com/quietlab/harvest/internal/bundle/domain"
	"github.com/quietlab/harvest/internal/clock"
	"github.com/quietlab/harvest/internal/config"
	"github.com/quietlab/harvest/internal/identity"
	"github.com/quietlab/harvest/internal/stats"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(log))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(log *zap.Logger) *gin.Engine {
	return NewEngine(log)
}

type Server struct {
	engine     *gin.Engine
	cfg        config.Config
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	bundleRepo bundledomain.Repository
	resolver   *identity.Resolver
	stats      *stats.Updater
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	BundleRepo bundledomain.Repository
	Resolver   *identity.Resolver
	Stats      *stats.Updater
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		db:         p.DB,
		log:        p.Log.Named("server"),
		genID:      p.GenID,
		clock:      p.Clock,
		bundleRepo: p.BundleRepo,
		resolver:   p.Resolver,
		stats:      p.Stats,
	}

	s.registerAPIRoutes()
	return s
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	api.POST("/bundles", s.ReceiveBundle)
	api.GET("/bundles/:id", s.GetBundle)
	api.POST("/bundles/:id/requeue", s.RequeueBundle)

	api.GET("/status", s.Status)
	api.GET("/status/latest", s.LatestPoint)

	api.PUT("/sources/:identifier/upload-url", s.SetSourceUploadURL)
	api.POST("/sources/merge", s.MergeSources)
	api.DELETE("/sources/:identifier", s.RemoveSource)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

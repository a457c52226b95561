// Package identity resolves source and generator identifier strings to
// stable reference rows, with a process-local read-through cache in front of
// the persistent tables.
package identity

import (
	"context"
	"time"

	"github.com/quietlab/harvest/internal/cache"
	identitydomain "github.com/quietlab/harvest/internal/identity/domain"
	pointdomain "github.com/quietlab/harvest/internal/point/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Cache entries live until explicitly evicted by an administrative action;
// the TTLs here are only a safety net against a forgotten eviction path.
const (
	sourceTTL    = time.Hour
	generatorTTL = time.Hour
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Repo      identitydomain.Repository
	PointRepo pointdomain.Repository
}

// Resolver is safe for concurrent use; races on first resolution of an
// identifier collapse onto the single row behind the unique constraint.
type Resolver struct {
	db         *gorm.DB
	log        *zap.Logger
	repo       identitydomain.Repository
	pointRepo  pointdomain.Repository
	sources    cache.Cache[string, *identitydomain.SourceReference]
	generators cache.Cache[string, *identitydomain.GeneratorDefinition]
}

func NewResolver(p Params) *Resolver {
	return &Resolver{
		db:         p.DB,
		log:        p.Log.Named("identity.resolver"),
		repo:       p.Repo,
		pointRepo:  p.PointRepo,
		sources:    cache.NewTTLCache[string, *identitydomain.SourceReference](),
		generators: cache.NewTTLCache[string, *identitydomain.GeneratorDefinition](),
	}
}

// ReferenceForSource returns the reference row for a source identifier,
// creating it on first sight.
func (r *Resolver) ReferenceForSource(ctx context.Context, identifier string) (*identitydomain.SourceReference, error) {
	if ref, ok := r.sources.Get(identifier); ok {
		return ref, nil
	}

	ref, err := r.repo.GetOrCreateSource(ctx, r.db, identifier, "")
	if err != nil {
		return nil, err
	}
	r.sources.Set(identifier, ref, sourceTTL)
	return ref, nil
}

// DefinitionForIdentifier returns the definition row for a generator
// identifier, creating it on first sight.
func (r *Resolver) DefinitionForIdentifier(ctx context.Context, identifier, name string) (*identitydomain.GeneratorDefinition, error) {
	if def, ok := r.generators.Get(identifier); ok {
		return def, nil
	}

	def, err := r.repo.GetOrCreateGenerator(ctx, r.db, identifier, name)
	if err != nil {
		return nil, err
	}
	r.generators.Set(identifier, def, generatorTTL)
	return def, nil
}

// SetUploadURL changes a source's federation target and evicts the cached
// reference so routing decisions pick it up immediately.
func (r *Resolver) SetUploadURL(ctx context.Context, identifier string, uploadURL *string) error {
	if err := r.repo.SetSourceUploadURL(ctx, r.db, identifier, uploadURL, time.Now().UTC()); err != nil {
		return err
	}
	r.sources.Delete(identifier)
	return nil
}

// MergeSources moves all points from one source identifier onto another and
// removes the stale reference. Both cache entries are evicted.
func (r *Resolver) MergeSources(ctx context.Context, from, into string) error {
	target, err := r.repo.GetOrCreateSource(ctx, r.db, into, "")
	if err != nil {
		return err
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		moved, err := r.pointRepo.ReassignSource(ctx, tx, from, into, target.ID)
		if err != nil {
			return err
		}
		r.log.Info("merged sources",
			zap.String("from", from),
			zap.String("into", into),
			zap.Int64("points_moved", moved),
		)
		return r.repo.DeleteSource(ctx, tx, from)
	})
	if err != nil {
		return err
	}

	r.sources.Delete(from)
	r.sources.Delete(into)
	return nil
}

// RemoveSource deletes a source's points and reference row, then evicts it.
func (r *Resolver) RemoveSource(ctx context.Context, identifier string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		removed, err := r.pointRepo.DeleteBySource(ctx, tx, identifier)
		if err != nil {
			return err
		}
		r.log.Info("removed source",
			zap.String("identifier", identifier),
			zap.Int64("points_removed", removed),
		)
		return r.repo.DeleteSource(ctx, tx, identifier)
	})
	if err != nil {
		return err
	}

	r.sources.Delete(identifier)
	return nil
}

// Reset drops all cached entries. The cache is a read-through projection and
// is always safe to rebuild.
func (r *Resolver) Reset() {
	r.sources.Clear()
	r.generators.Clear()
}

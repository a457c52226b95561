// Package stats incrementally maintains the aggregate metadata caches from
// each ingestion run's newly stored points. Updates are best-effort derived
// state: a failure here never affects bundle state or stored points.
package stats

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/quietlab/harvest/internal/clock"
	pointdomain "github.com/quietlab/harvest/internal/point/domain"
	statsdomain "github.com/quietlab/harvest/internal/stats/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Clock     clock.Clock
	Repo      statsdomain.Repository
	PointRepo pointdomain.Repository
}

type Updater struct {
	db        *gorm.DB
	log       *zap.Logger
	clock     clock.Clock
	repo      statsdomain.Repository
	pointRepo pointdomain.Repository
}

func NewUpdater(p Params) *Updater {
	return &Updater{
		db:        p.DB,
		log:       p.Log.Named("stats.updater"),
		clock:     p.Clock,
		repo:      p.Repo,
		pointRepo: p.PointRepo,
	}
}

// Apply folds one run's newly stored points into the aggregate caches. The
// whole update runs in a transaction so concurrent read-modify-write cycles
// cannot drop entries.
func (u *Updater) Apply(ctx context.Context, stored []pointdomain.DataPoint) error {
	if len(stored) == 0 {
		return nil
	}
	now := u.clock.Now()

	return u.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := u.applyCount(ctx, tx, len(stored), now); err != nil {
			return err
		}

		sources := make(map[string][]string)
		generators := make([]string, 0, 4)
		generatorSeen := make(map[string]bool)
		latest := make(map[string]pointdomain.LatestPoint)

		for _, p := range stored {
			if !generatorSeen[p.GeneratorIdentifier] {
				generatorSeen[p.GeneratorIdentifier] = true
				generators = append(generators, p.GeneratorIdentifier)
			}
			sources[p.Source] = append(sources[p.Source], p.GeneratorIdentifier)

			pairKey := statsdomain.KeyLatestPoint(p.Source, p.GeneratorIdentifier)
			if current, ok := latest[pairKey]; !ok || p.Created.After(current.Created) {
				latest[pairKey] = pointdomain.LatestPoint{
					Source:              p.Source,
					GeneratorIdentifier: p.GeneratorIdentifier,
					PointID:             p.ID,
					Created:             p.Created,
				}
			}
		}

		sourceNames := make([]string, 0, len(sources))
		for source := range sources {
			sourceNames = append(sourceNames, source)
		}
		if err := u.applyUnion(ctx, tx, statsdomain.KeySources, sourceNames, now); err != nil {
			return err
		}
		if err := u.applyUnion(ctx, tx, statsdomain.KeyGenerators, generators, now); err != nil {
			return err
		}
		for source, seen := range sources {
			if err := u.applyUnion(ctx, tx, statsdomain.KeySourceGenerators(source), seen, now); err != nil {
				return err
			}
		}

		for key, candidate := range latest {
			if err := u.applyLatest(ctx, tx, key, candidate, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// TotalPointCount returns the cached total, recomputing and re-caching it
// when the cache entry is absent.
func (u *Updater) TotalPointCount(ctx context.Context) (int64, error) {
	value, ok, err := u.repo.Get(ctx, u.db, statsdomain.KeyPointCount)
	if err != nil {
		return 0, err
	}
	if ok {
		var count int64
		if err := json.Unmarshal(value, &count); err == nil {
			return count, nil
		}
	}

	count, err := u.pointRepo.Count(ctx, u.db)
	if err != nil {
		return 0, err
	}
	encoded, _ := json.Marshal(count)
	if err := u.repo.Upsert(ctx, u.db, statsdomain.KeyPointCount, encoded, u.clock.Now()); err != nil {
		u.log.Warn("failed to backfill point count cache", zap.Error(err))
	}
	return count, nil
}

// SourceList returns the cached source list, recomputing when absent.
func (u *Updater) SourceList(ctx context.Context) ([]string, error) {
	value, ok, err := u.repo.Get(ctx, u.db, statsdomain.KeySources)
	if err != nil {
		return nil, err
	}
	if ok {
		var sources []string
		if err := json.Unmarshal(value, &sources); err == nil {
			return sources, nil
		}
	}

	sources, err := u.pointRepo.DistinctSources(ctx, u.db)
	if err != nil {
		return nil, err
	}
	encoded, _ := json.Marshal(sources)
	if err := u.repo.Upsert(ctx, u.db, statsdomain.KeySources, encoded, u.clock.Now()); err != nil {
		u.log.Warn("failed to backfill source list cache", zap.Error(err))
	}
	return sources, nil
}

// GeneratorList returns the cached generator list, recomputing when absent.
func (u *Updater) GeneratorList(ctx context.Context) ([]string, error) {
	value, ok, err := u.repo.Get(ctx, u.db, statsdomain.KeyGenerators)
	if err != nil {
		return nil, err
	}
	if ok {
		var generators []string
		if err := json.Unmarshal(value, &generators); err == nil {
			return generators, nil
		}
	}

	generators, err := u.pointRepo.DistinctGenerators(ctx, u.db)
	if err != nil {
		return nil, err
	}
	encoded, _ := json.Marshal(generators)
	if err := u.repo.Upsert(ctx, u.db, statsdomain.KeyGenerators, encoded, u.clock.Now()); err != nil {
		u.log.Warn("failed to backfill generator list cache", zap.Error(err))
	}
	return generators, nil
}

// LatestPoint returns the cached newest point for a (source, generator) pair.
func (u *Updater) LatestPoint(ctx context.Context, source, generatorIdentifier string) (*pointdomain.LatestPoint, error) {
	value, ok, err := u.repo.Get(ctx, u.db, statsdomain.KeyLatestPoint(source, generatorIdentifier))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var latest pointdomain.LatestPoint
	if err := json.Unmarshal(value, &latest); err != nil {
		return nil, err
	}
	return &latest, nil
}

// InvalidateCount drops the cached total so the next reader recounts from the
// point table. Called after housekeeping deletes points behind the cache's
// back; the incremental counter has no subtraction path.
func (u *Updater) InvalidateCount(ctx context.Context) error {
	return u.repo.Delete(ctx, u.db, statsdomain.KeyPointCount)
}

// EvictSource drops every cache entry derived from one source's points. Used
// by the merge and remove admin paths; readers rebuild on the next miss.
func (u *Updater) EvictSource(ctx context.Context, source string) error {
	return errors.Join(
		u.repo.Delete(ctx, u.db, statsdomain.KeyPointCount),
		u.repo.Delete(ctx, u.db, statsdomain.KeySources),
		u.repo.Delete(ctx, u.db, statsdomain.KeyGenerators),
		u.repo.Delete(ctx, u.db, statsdomain.KeySourceGenerators(source)),
		u.repo.DeleteByPrefix(ctx, u.db, statsdomain.KeyLatestPointPrefix(source)),
	)
}

func (u *Updater) applyCount(ctx context.Context, tx *gorm.DB, added int, now time.Time) error {
	value, ok, err := u.repo.Get(ctx, tx, statsdomain.KeyPointCount)
	if err != nil {
		return err
	}

	var count int64
	if ok {
		if err := json.Unmarshal(value, &count); err != nil {
			ok = false
		}
	}
	if !ok {
		// Cache absent: the stored points are already persisted, so a full
		// recount includes this run's additions.
		count, err = u.pointRepo.Count(ctx, tx)
		if err != nil {
			return err
		}
	} else {
		count += int64(added)
	}

	encoded, _ := json.Marshal(count)
	return u.repo.Upsert(ctx, tx, statsdomain.KeyPointCount, encoded, now)
}

// applyUnion merges additions into the cached string set at key, writing back
// only when the set actually grew.
func (u *Updater) applyUnion(ctx context.Context, tx *gorm.DB, key string, additions []string, now time.Time) error {
	value, ok, err := u.repo.Get(ctx, tx, key)
	if err != nil {
		return err
	}

	existing := make([]string, 0, len(additions))
	if ok {
		if err := json.Unmarshal(value, &existing); err != nil {
			existing = nil
		}
	}

	seen := make(map[string]bool, len(existing))
	for _, v := range existing {
		seen[v] = true
	}

	changed := false
	merged := existing
	for _, v := range additions {
		if !seen[v] {
			seen[v] = true
			merged = append(merged, v)
			changed = true
		}
	}
	if !changed {
		return nil
	}

	sort.Strings(merged)
	encoded, _ := json.Marshal(merged)
	return u.repo.Upsert(ctx, tx, key, encoded, now)
}

func (u *Updater) applyLatest(ctx context.Context, tx *gorm.DB, key string, candidate pointdomain.LatestPoint, now time.Time) error {
	value, ok, err := u.repo.Get(ctx, tx, key)
	if err != nil {
		return err
	}
	if ok {
		var current pointdomain.LatestPoint
		if err := json.Unmarshal(value, &current); err == nil && !candidate.Created.After(current.Created) {
			return nil
		}
	}

	encoded, _ := json.Marshal(candidate)
	return u.repo.Upsert(ctx, tx, key, encoded, now)
}

// Package ingest orchestrates the bundle sweep: claim pending bundles,
// decode them, normalize and resolve their records, route each point to
// local storage or a federated destination, and keep the statistics caches
// current. One sweep runs system-wide at a time behind an advisory lock.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/quietlab/harvest/internal/bundle/codec"
	bundledomain "github.com/quietlab/harvest/internal/bundle/domain"
	"github.com/quietlab/harvest/internal/clock"
	"github.com/quietlab/harvest/internal/identity"
	"github.com/quietlab/harvest/internal/lock"
	obsmetrics "github.com/quietlab/harvest/internal/observability/metrics"
	pointdomain "github.com/quietlab/harvest/internal/point/domain"
	"github.com/quietlab/harvest/internal/point/normalizer"
	"github.com/quietlab/harvest/internal/routing"
	"github.com/quietlab/harvest/internal/stats"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrInvalidConfig reports a Service constructed without a required
// dependency.
var ErrInvalidConfig = errors.New("invalid_ingest_config")

const (
	lockKey = "harvest:ingest:run"

	// Bundle-fatal stage recorded when local persistence fails.
	stagePersist = "persist"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	Codec      *codec.Codec
	Normalizer *normalizer.Normalizer
	Resolver   *identity.Resolver
	Stats      *stats.Updater
	BundleRepo bundledomain.Repository
	PointRepo  pointdomain.Repository

	Locker *lock.Locker `optional:"true"`
	Config Config       `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        Config
	clock      clock.Clock
	codec      *codec.Codec
	normalizer *normalizer.Normalizer
	resolver   *identity.Resolver
	stats      *stats.Updater
	bundleRepo bundledomain.Repository
	pointRepo  pointdomain.Repository
	locker     *lock.Locker
	httpClient *http.Client
}

func New(p Params) (*Service, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.Codec == nil || p.Normalizer == nil ||
		p.Resolver == nil || p.Stats == nil || p.BundleRepo == nil || p.PointRepo == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.withDefaults()
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ingest"),
		cfg:        cfg,
		clock:      p.Clock,
		codec:      p.Codec,
		normalizer: p.Normalizer,
		resolver:   p.Resolver,
		stats:      p.Stats,
		bundleRepo: p.BundleRepo,
		pointRepo:  p.PointRepo,
		locker:     p.Locker,
		httpClient: &http.Client{Timeout: cfg.ForwardTimeout},
	}, nil
}

// RunOnce performs a single exclusive sweep. A sweep already running
// elsewhere is not an error; the tick is simply skipped.
func (s *Service) RunOnce(ctx context.Context) error {
	err := s.locker.RunExclusive(ctx, lockKey, s.cfg.LockTTL, s.sweep)
	if errors.Is(err, lock.ErrNotHeld) {
		obsmetrics.Ingest().IncLockContention()
		s.log.Debug("sweep already running elsewhere, skipping tick")
		return nil
	}
	return err
}

// RunForever sweeps on a fixed interval until ctx is canceled.
func (s *Service) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("ingest run failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// forwardItem is one raw record bound for a federated destination.
type forwardItem struct {
	destination string
	record      pointdomain.RawPointRecord
}

// bundleOutcome is the prepared, not-yet-committed result of decoding one
// bundle. Preparation runs concurrently; committing outcomes is sequential.
type bundleOutcome struct {
	bundle     *bundledomain.Bundle
	points     []pointdomain.DataPoint
	forwards   []forwardItem
	skipped    int
	decodeErr  *codec.DecodeError
	resolveErr error
}

func (s *Service) sweep(ctx context.Context) error {
	start := s.clock.Now()
	metrics := obsmetrics.Ingest()
	metrics.IncRun()
	defer func() {
		metrics.ObserveRunDuration(time.Since(start).Seconds())
	}()

	forwarder := routing.NewForwarder(s.httpClient, s.cfg.FlushThreshold, s.log, metrics)

	var (
		runErr      error
		storedTotal int
		readyNow    []snowflake.ID
		awaitFlush  = make(map[snowflake.ID]struct{})
		seen        = make(map[snowflake.ID]struct{})
	)

	for storedTotal < s.cfg.PointCeiling {
		fetched, err := s.bundleRepo.FetchPending(ctx, s.db, s.cfg.BatchSize)
		if err != nil {
			runErr = errors.Join(runErr, fmt.Errorf("fetch pending: %w", err))
			break
		}

		// Bundles deferred earlier in this sweep are still pending in the
		// database; touch each bundle at most once per sweep.
		bundles := fetched[:0]
		for _, b := range fetched {
			if _, dup := seen[b.ID]; dup {
				continue
			}
			seen[b.ID] = struct{}{}
			bundles = append(bundles, b)
		}
		if len(bundles) == 0 {
			break
		}

		for _, out := range s.prepareAll(ctx, bundles) {
			stored, err := s.commit(ctx, metrics, forwarder, out)
			if err != nil {
				runErr = errors.Join(runErr, err)
				continue
			}
			storedTotal += stored
			if len(out.forwards) > 0 {
				awaitFlush[out.bundle.ID] = struct{}{}
			} else if out.decodeErr == nil && out.resolveErr == nil {
				readyNow = append(readyNow, out.bundle.ID)
			}
		}

		if len(fetched) < s.cfg.BatchSize {
			break
		}
	}

	// Bundles whose points all stayed local are done as soon as persistence
	// committed. Bundles that forwarded anything are only done once every
	// batch containing their records was delivered; failed ones stay pending
	// and the next sweep re-sends, so destinations see at-least-once.
	forwarder.FlushAll(ctx)
	failed := forwarder.FailedBundles()
	for id := range awaitFlush {
		if _, bad := failed[id]; !bad {
			readyNow = append(readyNow, id)
		}
	}
	if len(failed) > 0 {
		s.log.Warn("leaving bundles pending after forward failures",
			zap.Int("bundles", len(failed)),
		)
	}

	if len(readyNow) > 0 {
		if err := s.bundleRepo.MarkProcessed(ctx, s.db, readyNow, s.clock.Now()); err != nil {
			runErr = errors.Join(runErr, fmt.Errorf("mark processed: %w", err))
		} else {
			for range readyNow {
				metrics.IncBundleProcessed()
			}
		}
	}

	runErr = errors.Join(runErr, s.DedupJob(ctx))
	runErr = errors.Join(runErr, s.RetentionJob(ctx))

	if pending, err := s.bundleRepo.CountPending(ctx, s.db); err == nil {
		metrics.SetBundlesPending(pending)
	}

	s.log.Info("sweep finished",
		zap.Int("bundles_processed", len(readyNow)),
		zap.Int("points_stored", storedTotal),
		zap.Duration("elapsed", time.Since(start)),
	)
	return runErr
}

// prepareAll decodes a batch, fanning bundles across cfg.Workers goroutines.
// Order is preserved so commits happen oldest first.
func (s *Service) prepareAll(ctx context.Context, bundles []bundledomain.Bundle) []*bundleOutcome {
	outcomes := make([]*bundleOutcome, len(bundles))
	if s.cfg.Workers <= 1 || len(bundles) == 1 {
		for i := range bundles {
			outcomes[i] = s.prepare(ctx, &bundles[i])
		}
		return outcomes
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, s.cfg.Workers)
	for i := range bundles {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			outcomes[i] = s.prepare(ctx, &bundles[i])
		}(i)
	}
	wg.Wait()
	return outcomes
}

// prepare decodes one bundle and normalizes, resolves and routes its
// records. It never writes; failures are carried in the outcome.
func (s *Service) prepare(ctx context.Context, b *bundledomain.Bundle) *bundleOutcome {
	out := &bundleOutcome{bundle: b}

	records, err := s.codec.Decode(b)
	if err != nil {
		var decodeErr *codec.DecodeError
		if !errors.As(err, &decodeErr) {
			decodeErr = &codec.DecodeError{Stage: codec.StageParse, Err: err}
		}
		out.decodeErr = decodeErr
		return out
	}

	for _, record := range records {
		point, err := s.normalizer.Normalize(record)
		if err != nil {
			// Record-level faults never fail the bundle.
			out.skipped++
			s.log.Debug("skipped record",
				zap.String("bundle_id", b.ID.String()),
				zap.Error(err),
			)
			continue
		}

		ref, err := s.resolver.ReferenceForSource(ctx, point.Source)
		if err != nil {
			out.resolveErr = fmt.Errorf("resolve source %q: %w", point.Source, err)
			return out
		}
		def, err := s.resolver.DefinitionForIdentifier(ctx, point.GeneratorIdentifier, point.Generator)
		if err != nil {
			out.resolveErr = fmt.Errorf("resolve generator %q: %w", point.GeneratorIdentifier, err)
			return out
		}
		point.SourceReferenceID = ref.ID
		point.GeneratorDefinitionID = def.ID

		if decision := routing.Decide(ref); decision.Forward {
			out.forwards = append(out.forwards, forwardItem{
				destination: decision.Destination,
				record:      record,
			})
			continue
		}
		out.points = append(out.points, *point)
	}
	return out
}

// commit applies one prepared outcome: error-state transitions, local
// persistence, statistics, and handing forward items to the forwarder.
// Returns how many points were stored locally.
func (s *Service) commit(
	ctx context.Context,
	metrics *obsmetrics.IngestMetrics,
	forwarder *routing.Forwarder,
	out *bundleOutcome,
) (int, error) {
	b := out.bundle

	if out.decodeErr != nil {
		metrics.IncBundleErrored(out.decodeErr.Stage)
		s.log.Warn("bundle failed to decode",
			zap.String("bundle_id", b.ID.String()),
			zap.String("stage", out.decodeErr.Stage),
			zap.Error(out.decodeErr.Err),
		)
		if err := s.bundleRepo.MarkErrored(ctx, s.db, b.ID, out.decodeErr.Stage, out.decodeErr.Err.Error(), s.clock.Now()); err != nil {
			return 0, fmt.Errorf("mark errored: %w", err)
		}
		return 0, nil
	}

	if out.resolveErr != nil {
		// Identity resolution faults are transient; the bundle stays pending
		// and the next sweep retries it.
		s.log.Warn("bundle deferred on resolution failure",
			zap.String("bundle_id", b.ID.String()),
			zap.Error(out.resolveErr),
		)
		return 0, out.resolveErr
	}

	if out.skipped > 0 {
		metrics.AddRecordsSkipped(out.skipped)
	}

	if len(out.points) > 0 {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return s.pointRepo.BulkInsert(ctx, tx, out.points)
		})
		if err != nil {
			metrics.IncBundleErrored(stagePersist)
			if markErr := s.bundleRepo.MarkErrored(ctx, s.db, b.ID, stagePersist, err.Error(), s.clock.Now()); markErr != nil {
				err = errors.Join(err, markErr)
			}
			return 0, fmt.Errorf("persist bundle %s: %w", b.ID, err)
		}
		metrics.AddPointsStored(len(out.points))

		// Statistics are a cache; a failed update is recomputed on demand.
		if err := s.stats.Apply(ctx, out.points); err != nil {
			metrics.IncStatsFailure()
			s.log.Warn("statistics update failed",
				zap.String("bundle_id", b.ID.String()),
				zap.Error(err),
			)
		}
	}

	for _, item := range out.forwards {
		forwarder.Add(ctx, item.destination, b.ID, item.record)
	}
	return len(out.points), nil
}

// DedupJob removes points sharing identity and byte-identical properties
// with an earlier point, keeping the lowest id of each group. Duplicates are
// expected: at-least-once forwarding retries re-persist local points.
func (s *Service) DedupJob(ctx context.Context) error {
	var removed int64
	for {
		ids, err := s.pointRepo.FindDuplicateIDs(ctx, s.db, s.cfg.DedupBatchSize)
		if err != nil {
			return fmt.Errorf("dedup scan: %w", err)
		}
		if len(ids) == 0 {
			break
		}
		n, err := s.pointRepo.DeleteByIDs(ctx, s.db, ids)
		if err != nil {
			return fmt.Errorf("dedup delete: %w", err)
		}
		removed += n
		if len(ids) < s.cfg.DedupBatchSize {
			break
		}
	}
	if removed > 0 {
		s.log.Info("removed duplicate points", zap.Int64("points", removed))
		// The incremental counter only adds; drop it so the next reader
		// recounts without the deleted rows.
		if err := s.stats.InvalidateCount(ctx); err != nil {
			obsmetrics.Ingest().IncStatsFailure()
			s.log.Warn("failed to invalidate point count cache", zap.Error(err))
		}
	}
	return nil
}

// RetentionJob prunes processed bundles past the retention window. Disabled
// unless a max age is configured; pending and errored bundles are kept.
func (s *Service) RetentionJob(ctx context.Context) error {
	if s.cfg.RetentionMaxAge <= 0 {
		return nil
	}
	cutoff := s.clock.Now().Add(-s.cfg.RetentionMaxAge)
	removed, err := s.bundleRepo.DeleteProcessedBefore(ctx, s.db, cutoff)
	if err != nil {
		return fmt.Errorf("retention: %w", err)
	}
	if removed > 0 {
		s.log.Info("pruned processed bundles",
			zap.Int64("bundles", removed),
			zap.Time("cutoff", cutoff),
		)
	}
	return nil
}

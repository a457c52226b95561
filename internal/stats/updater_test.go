package stats

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/quietlab/harvest/internal/clock"
	pointdomain "github.com/quietlab/harvest/internal/point/domain"
	pointrepo "github.com/quietlab/harvest/internal/point/repository"
	statsdomain "github.com/quietlab/harvest/internal/stats/domain"
	statsrepo "github.com/quietlab/harvest/internal/stats/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var statsNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestUpdater(t *testing.T) (*Updater, *gorm.DB, *snowflake.Node) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&pointdomain.DataPoint{},
		&statsdomain.AggregateMetadatum{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	u := NewUpdater(Params{
		DB:        db,
		Log:       zap.NewNop(),
		Clock:     clock.NewFakeClock(statsNow),
		Repo:      statsrepo.Provide(),
		PointRepo: pointrepo.Provide(),
	})
	return u, db, node
}

func storePoints(t *testing.T, db *gorm.DB, node *snowflake.Node, source, generator string, created time.Time, n int) []pointdomain.DataPoint {
	t.Helper()
	points := make([]pointdomain.DataPoint, 0, n)
	for i := 0; i < n; i++ {
		p := pointdomain.DataPoint{
			ID:                  node.Generate(),
			Source:              source,
			Generator:           generator + " (Test)",
			GeneratorIdentifier: generator,
			Created:             created.Add(time.Duration(i) * time.Second),
			Recorded:            statsNow,
			Properties:          []byte(`{}`),
		}
		require.NoError(t, db.Create(&p).Error)
		points = append(points, p)
	}
	return points
}

func TestApplyMaintainsCountAndSets(t *testing.T) {
	u, db, node := newTestUpdater(t)
	ctx := context.Background()

	first := storePoints(t, db, node, "device-1", "gen-a", statsNow, 3)
	require.NoError(t, u.Apply(ctx, first))

	count, err := u.TotalPointCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, count)

	second := storePoints(t, db, node, "device-2", "gen-b", statsNow, 2)
	require.NoError(t, u.Apply(ctx, second))

	count, err = u.TotalPointCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 5, count)

	sources, err := u.SourceList(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"device-1", "device-2"}, sources)

	generators, err := u.GeneratorList(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"gen-a", "gen-b"}, generators)
}

func TestCountCacheRoundTripsBareScalar(t *testing.T) {
	u, db, node := newTestUpdater(t)
	ctx := context.Background()

	stored := storePoints(t, db, node, "device-1", "gen-a", statsNow, 3)
	require.NoError(t, u.Apply(ctx, stored))

	// The count entry is a bare JSON scalar. It must come back as JSON text
	// rather than pick up numeric column affinity and scan as an integer.
	value, ok, err := statsrepo.Provide().Get(ctx, db, statsdomain.KeyPointCount)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, "3", string(value))

	count, err := u.TotalPointCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, count)
}

func TestApplyIsMonotonic(t *testing.T) {
	u, db, node := newTestUpdater(t)
	ctx := context.Background()

	points := storePoints(t, db, node, "device-1", "gen-a", statsNow, 2)
	require.NoError(t, u.Apply(ctx, points))

	// Re-applying the same batch must never shrink the sets.
	require.NoError(t, u.Apply(ctx, points))

	sources, err := u.SourceList(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"device-1"}, sources)
}

func TestReadersRecomputeOnMissingCache(t *testing.T) {
	u, db, node := newTestUpdater(t)
	ctx := context.Background()

	// Points exist but no cache entries were ever written.
	storePoints(t, db, node, "device-1", "gen-a", statsNow, 4)

	count, err := u.TotalPointCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 4, count)

	sources, err := u.SourceList(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"device-1"}, sources)
}

func TestLatestPointTracksNewest(t *testing.T) {
	u, db, node := newTestUpdater(t)
	ctx := context.Background()

	older := storePoints(t, db, node, "device-1", "gen-a", statsNow.Add(-time.Hour), 1)
	newer := storePoints(t, db, node, "device-1", "gen-a", statsNow, 1)

	require.NoError(t, u.Apply(ctx, newer))
	require.NoError(t, u.Apply(ctx, older))

	latest, err := u.LatestPoint(ctx, "device-1", "gen-a")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, newer[0].ID, latest.PointID, "an older point must not replace the cached latest")
}

func TestLatestPointUnknownPair(t *testing.T) {
	u, _, _ := newTestUpdater(t)

	latest, err := u.LatestPoint(context.Background(), "nobody", "nothing")
	require.NoError(t, err)
	assert.Nil(t, latest)
}

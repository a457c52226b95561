package identity

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	identitydomain "github.com/quietlab/harvest/internal/identity/domain"
	identityrepo "github.com/quietlab/harvest/internal/identity/repository"
	pointdomain "github.com/quietlab/harvest/internal/point/domain"
	pointrepo "github.com/quietlab/harvest/internal/point/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestResolver(t *testing.T) (*Resolver, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&identitydomain.SourceReference{},
		&identitydomain.GeneratorDefinition{},
		&pointdomain.DataPoint{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return NewResolver(Params{
		DB:        db,
		Log:       zap.NewNop(),
		Repo:      identityrepo.Provide(node),
		PointRepo: pointrepo.Provide(),
	}), db
}

func TestReferenceForSourceCreatesOnce(t *testing.T) {
	r, db := newTestResolver(t)
	ctx := context.Background()

	first, err := r.ReferenceForSource(ctx, "device-1")
	require.NoError(t, err)
	second, err := r.ReferenceForSource(ctx, "device-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	var count int64
	require.NoError(t, db.Model(&identitydomain.SourceReference{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestReferenceForSourceConcurrent(t *testing.T) {
	r, db := newTestResolver(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 16)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.ReferenceForSource(ctx, "device-racy")
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	var count int64
	require.NoError(t, db.Model(&identitydomain.SourceReference{}).Count(&count).Error)
	assert.EqualValues(t, 1, count, "concurrent first resolution must collapse to one row")
}

func TestDefinitionForIdentifierStoresName(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()

	def, err := r.DefinitionForIdentifier(ctx, "pdk-device-battery", "pdk-device-battery (Passive Data Kit)")
	require.NoError(t, err)
	assert.Equal(t, "pdk-device-battery", def.Identifier)
	assert.Equal(t, "pdk-device-battery (Passive Data Kit)", def.Name)
}

func TestSetUploadURLEvictsCache(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()

	ref, err := r.ReferenceForSource(ctx, "device-fed")
	require.NoError(t, err)
	assert.False(t, ref.Federated())

	target := "https://upstream.example/api/bundles"
	require.NoError(t, r.SetUploadURL(ctx, "device-fed", &target))

	ref, err = r.ReferenceForSource(ctx, "device-fed")
	require.NoError(t, err)
	require.True(t, ref.Federated())
	assert.Equal(t, target, *ref.UploadURL)

	require.NoError(t, r.SetUploadURL(ctx, "device-fed", nil))
	ref, err = r.ReferenceForSource(ctx, "device-fed")
	require.NoError(t, err)
	assert.False(t, ref.Federated())
}

func TestSetUploadURLCreatesUnseenSource(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()

	// An operator can point a source at a federation target before the
	// source has uploaded anything.
	target := "https://upstream.example/api/bundles"
	require.NoError(t, r.SetUploadURL(ctx, "device-new", &target))

	ref, err := r.ReferenceForSource(ctx, "device-new")
	require.NoError(t, err)
	require.True(t, ref.Federated())
	assert.Equal(t, target, *ref.UploadURL)
}

func TestMergeSources(t *testing.T) {
	r, db := newTestResolver(t)
	ctx := context.Background()

	old, err := r.ReferenceForSource(ctx, "old-name")
	require.NoError(t, err)
	kept, err := r.ReferenceForSource(ctx, "new-name")
	require.NoError(t, err)

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, db.Create(&pointdomain.DataPoint{
			ID:                  node.Generate(),
			Source:              "old-name",
			SourceReferenceID:   old.ID,
			Generator:           "g",
			GeneratorIdentifier: "g-id",
			Properties:          []byte(`{}`),
		}).Error)
	}

	require.NoError(t, r.MergeSources(ctx, "old-name", "new-name"))

	var moved int64
	require.NoError(t, db.Model(&pointdomain.DataPoint{}).
		Where("source = ? AND source_reference_id = ?", "new-name", kept.ID).
		Count(&moved).Error)
	assert.EqualValues(t, 3, moved)

	var stale int64
	require.NoError(t, db.Model(&identitydomain.SourceReference{}).
		Where("identifier = ?", "old-name").
		Count(&stale).Error)
	assert.EqualValues(t, 0, stale)
}

func TestRemoveSource(t *testing.T) {
	r, db := newTestResolver(t)
	ctx := context.Background()

	ref, err := r.ReferenceForSource(ctx, "doomed")
	require.NoError(t, err)

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	require.NoError(t, db.Create(&pointdomain.DataPoint{
		ID:                  node.Generate(),
		Source:              "doomed",
		SourceReferenceID:   ref.ID,
		Generator:           "g",
		GeneratorIdentifier: "g-id",
		Properties:          []byte(`{}`),
	}).Error)

	require.NoError(t, r.RemoveSource(ctx, "doomed"))

	var points int64
	require.NoError(t, db.Model(&pointdomain.DataPoint{}).Where("source = ?", "doomed").Count(&points).Error)
	assert.EqualValues(t, 0, points)

	var refs int64
	require.NoError(t, db.Model(&identitydomain.SourceReference{}).Where("identifier = ?", "doomed").Count(&refs).Error)
	assert.EqualValues(t, 0, refs)
}

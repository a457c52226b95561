package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	bundledomain "github.com/quietlab/harvest/internal/bundle/domain"
	bundlerepo "github.com/quietlab/harvest/internal/bundle/repository"
	"github.com/quietlab/harvest/internal/clock"
	"github.com/quietlab/harvest/internal/config"
	"github.com/quietlab/harvest/internal/identity"
	identitydomain "github.com/quietlab/harvest/internal/identity/domain"
	identityrepo "github.com/quietlab/harvest/internal/identity/repository"
	pointdomain "github.com/quietlab/harvest/internal/point/domain"
	pointrepo "github.com/quietlab/harvest/internal/point/repository"
	"github.com/quietlab/harvest/internal/stats"
	statsdomain "github.com/quietlab/harvest/internal/stats/domain"
	statsrepo "github.com/quietlab/harvest/internal/stats/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var serverNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) (*Server, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&bundledomain.Bundle{},
		&identitydomain.SourceReference{},
		&identitydomain.GeneratorDefinition{},
		&pointdomain.DataPoint{},
		&statsdomain.AggregateMetadatum{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	log := zap.NewNop()
	points := pointrepo.Provide()

	resolver := identity.NewResolver(identity.Params{
		DB:        db,
		Log:       log,
		Repo:      identityrepo.Provide(node),
		PointRepo: points,
	})
	updater := stats.NewUpdater(stats.Params{
		DB:        db,
		Log:       log,
		Clock:     clock.NewFakeClock(serverNow),
		Repo:      statsrepo.Provide(),
		PointRepo: points,
	})

	s := NewServer(ServerParams{
		Gin:        NewEngine(log),
		Cfg:        config.Config{},
		DB:         db,
		Log:        log,
		GenID:      node,
		Clock:      clock.NewFakeClock(serverNow),
		BundleRepo: bundlerepo.Provide(),
		Resolver:   resolver,
		Stats:      updater,
	})
	return s, db
}

func doRequest(s *Server, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, req)
	return w
}

func TestReceiveBundleForm(t *testing.T) {
	s, db := newTestServer(t)

	form := url.Values{}
	form.Set("payload", `[{"passive-data-metadata":{"source":"s","generator":"g"}}]`)
	form.Set("compression", "none")
	req := httptest.NewRequest(http.MethodPost, "/api/bundles", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	w := doRequest(s, req)
	require.Equal(t, http.StatusCreated, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "pending", resp["status"])

	var count int64
	require.NoError(t, db.Model(&bundledomain.Bundle{}).Where("processed = ?", false).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestReceiveBundleRawBody(t *testing.T) {
	s, db := newTestServer(t)

	body := `[{"passive-data-metadata":{"source":"s","generator":"g"}}]`
	req := httptest.NewRequest(http.MethodPost, "/api/bundles?compression=gzip&encrypted=true", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	w := doRequest(s, req)
	require.Equal(t, http.StatusCreated, w.Code)

	var stored bundledomain.Bundle
	require.NoError(t, db.First(&stored).Error)
	assert.True(t, stored.Encrypted)
	assert.Equal(t, bundledomain.CompressionGzip, stored.Compression)
	assert.Equal(t, []byte(body), stored.Payload, "payload bytes stored verbatim")
}

func TestReceiveBundleRejectsBadInput(t *testing.T) {
	s, _ := newTestServer(t)

	tests := []struct {
		name string
		req  func() *http.Request
	}{
		{"empty form", func() *http.Request {
			req := httptest.NewRequest(http.MethodPost, "/api/bundles", strings.NewReader(""))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			return req
		}},
		{"empty body", func() *http.Request {
			return httptest.NewRequest(http.MethodPost, "/api/bundles", strings.NewReader(""))
		}},
		{"unknown compression", func() *http.Request {
			req := httptest.NewRequest(http.MethodPost, "/api/bundles?compression=zstd", strings.NewReader("[]"))
			req.Header.Set("Content-Type", "application/json")
			return req
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(s, tt.req())
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestGetBundle(t *testing.T) {
	s, _ := newTestServer(t)

	form := url.Values{}
	form.Set("payload", "[]")
	req := httptest.NewRequest(http.MethodPost, "/api/bundles", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := doRequest(s, req)
	require.Equal(t, http.StatusCreated, w.Code)

	var created map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = doRequest(s, httptest.NewRequest(http.MethodGet, "/api/bundles/"+created["id"], nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(s, httptest.NewRequest(http.MethodGet, "/api/bundles/999999999", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRequeueBundle(t *testing.T) {
	s, db := newTestServer(t)

	repo := bundlerepo.Provide()
	b := &bundledomain.Bundle{
		ID:       1234567890,
		Recorded: serverNow,
		Payload:  []byte("broken"),
	}
	require.NoError(t, repo.Insert(context.Background(), db, b))
	require.NoError(t, repo.MarkErrored(context.Background(), db, b.ID, "parse", "bad json", serverNow))

	w := doRequest(s, httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/bundles/%d/requeue", b.ID), nil))
	require.Equal(t, http.StatusOK, w.Code)

	requeued, err := repo.FindByID(context.Background(), db, b.ID)
	require.NoError(t, err)
	assert.Nil(t, requeued.ErroredAt)
	assert.True(t, requeued.Pending())
}

func TestStatusEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := doRequest(s, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Bundles struct {
			Pending int64 `json:"pending"`
			Errored int64 `json:"errored"`
		} `json:"bundles"`
		Points struct {
			Total int64 `json:"total"`
		} `json:"points"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.EqualValues(t, 0, resp.Bundles.Pending)
	assert.EqualValues(t, 0, resp.Points.Total)
}

func TestSourceAdminEndpoints(t *testing.T) {
	s, db := newTestServer(t)
	ctx := context.Background()

	_, err := s.resolver.ReferenceForSource(ctx, "device-1")
	require.NoError(t, err)

	body := `{"upload_url":"https://upstream.example/api/bundles"}`
	req := httptest.NewRequest(http.MethodPut, "/api/sources/device-1/upload-url", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := doRequest(s, req)
	require.Equal(t, http.StatusOK, w.Code)

	ref, err := s.resolver.ReferenceForSource(ctx, "device-1")
	require.NoError(t, err)
	assert.True(t, ref.Federated())

	// Reject non-http schemes.
	req = httptest.NewRequest(http.MethodPut, "/api/sources/device-1/upload-url", strings.NewReader(`{"upload_url":"ftp://nope"}`))
	req.Header.Set("Content-Type", "application/json")
	assert.Equal(t, http.StatusBadRequest, doRequest(s, req).Code)

	// Merge requires distinct identifiers.
	req = httptest.NewRequest(http.MethodPost, "/api/sources/merge", strings.NewReader(`{"from":"a","into":"a"}`))
	req.Header.Set("Content-Type", "application/json")
	assert.Equal(t, http.StatusBadRequest, doRequest(s, req).Code)

	w = doRequest(s, httptest.NewRequest(http.MethodDelete, "/api/sources/device-1", nil))
	require.Equal(t, http.StatusNoContent, w.Code)

	var refs int64
	require.NoError(t, db.Model(&identitydomain.SourceReference{}).Count(&refs).Error)
	assert.EqualValues(t, 0, refs)
}

func TestRemoveSourceEvictsStatsCaches(t *testing.T) {
	s, db := newTestServer(t)
	ctx := context.Background()

	stored := make([]pointdomain.DataPoint, 0, 3)
	for i, source := range []string{"device-gone", "device-gone", "device-stays"} {
		p := pointdomain.DataPoint{
			ID:                  s.genID.Generate(),
			Source:              source,
			Generator:           "gen-a (Test)",
			GeneratorIdentifier: "gen-a",
			Created:             serverNow.Add(time.Duration(i) * time.Second),
			Recorded:            serverNow,
			Properties:          []byte(`{}`),
		}
		require.NoError(t, db.Create(&p).Error)
		stored = append(stored, p)
	}
	require.NoError(t, s.stats.Apply(ctx, stored))
	_, err := s.resolver.ReferenceForSource(ctx, "device-gone")
	require.NoError(t, err)

	w := doRequest(s, httptest.NewRequest(http.MethodDelete, "/api/sources/device-gone", nil))
	require.Equal(t, http.StatusNoContent, w.Code)

	// Readers rebuild the evicted caches from the surviving points.
	count, err := s.stats.TotalPointCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	sources, err := s.stats.SourceList(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"device-stays"}, sources)

	latest, err := s.stats.LatestPoint(ctx, "device-gone", "gen-a")
	require.NoError(t, err)
	assert.Nil(t, latest)
}

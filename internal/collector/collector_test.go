package collector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/openclaw/vcevidence/internal/apierr"
	"github.com/openclaw/vcevidence/internal/cryptostore"
	"github.com/openclaw/vcevidence/internal/ratelimit"
	"github.com/openclaw/vcevidence/internal/storage"
	"github.com/openclaw/vcevidence/internal/tenant"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// fakeGateway is an in-memory gatewayAPI stand-in so collector tests never
// touch the network.
type fakeGateway struct {
	artifacts []gatewayManifestArtifact
	content   map[string][]byte
}

func (f *fakeGateway) Health(ctx context.Context) error { return nil }

func (f *fakeGateway) Manifest(ctx context.Context, req ManifestRequest) ([]gatewayManifestArtifact, error) {
	return f.artifacts, nil
}

func (f *fakeGateway) ArtifactContent(ctx context.Context, startupID, relPath string) ([]byte, string, error) {
	content, ok := f.content[relPath]
	if !ok {
		return nil, "", fmt.Errorf("fakeGateway: no such artifact %q", relPath)
	}
	return content, sha256Hex(content), nil
}

type manifestItem struct {
	relPath    string
	content    []byte
	docType    string
	corruptSHA bool
}

func newFakeGatewayWithManifest(items []manifestItem) *fakeGateway {
	gw := &fakeGateway{content: map[string][]byte{}}
	for _, item := range items {
		sha := sha256Hex(item.content)
		if item.corruptSHA {
			sha = "0000000000000000000000000000000000000000000000000000000000000000"[:64]
		}
		gw.artifacts = append(gw.artifacts, gatewayManifestArtifact{
			ArtifactID: "sha256:" + sha,
			RelPath:    item.relPath,
			SizeBytes:  int64(len(item.content)),
			MTime:      time.Now().UTC().Format(time.RFC3339),
			SHA256:     sha,
			DocType:    item.docType,
			Confidence: 0.9,
		})
		gw.content[item.relPath] = item.content
	}
	return gw
}

func newStubClientFactory(gw *fakeGateway) func(string, string) gatewayAPI {
	return func(string, string) gatewayAPI { return gw }
}

func sha256Of(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func newTestCollector(t *testing.T, gw *fakeGateway) (*Collector, sqlmock.Sqlmock) {
	t.Helper()

	tenantPath := filepath.Join(t.TempDir(), "tenants.json")
	registry, err := tenant.Open(tenantPath)
	require.NoError(t, err)
	require.NoError(t, registry.Register(tenant.Tenant{
		StartupID:       "acme",
		GatewayURL:      "http://unused.invalid",
		GatewaySecret:   "s3cret",
		Active:          true,
		EmailRecipients: []string{"ops@acme.example"},
	}))

	keyPath := filepath.Join(t.TempDir(), "keys.json")
	cs, err := cryptostore.Open(keyPath)
	require.NoError(t, err)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := storage.New(db)

	vaultDir := t.TempDir()

	c := New(registry, store, cs, vaultDir, newStubClientFactory(gw))
	return c, mock
}

func TestRun_HappyPathCreatesAwaitingApproval(t *testing.T) {
	content := []byte("acme business registration 123-45-67890")
	gw := newFakeGatewayWithManifest([]manifestItem{
		{relPath: "desktop_common/biz_reg.txt", content: content, docType: "business_registration"},
	})

	c, mock := newTestCollector(t, gw)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO collections")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO artifacts")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO scope_audits")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO normalized_records")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT artifact_id, collection_id, rel_path, sha256, size_bytes, doc_type, confidence, mtime")).
		WillReturnRows(sqlmock.NewRows([]string{"artifact_id", "collection_id", "rel_path", "sha256", "size_bytes", "doc_type", "confidence", "mtime"}).
			AddRow("sha256:"+sha256Of(content), "placeholder", "desktop_common/biz_reg.txt", sha256Of(content), int64(len(content)), "business_registration", 0.9, time.Now()))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO approvals")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE collections SET status")).WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := c.Run(context.Background(), Request{StartupID: "acme"})
	require.NoError(t, err)
	require.Equal(t, storage.CollectionStatusAwaitingApproval, result.Status)
	require.NotEmpty(t, result.ApprovalID)
	require.Equal(t, 1, result.Summary.ArtifactCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_ShaMismatchAbortsWithoutPersisting(t *testing.T) {
	content := []byte("tampered content")
	gw := newFakeGatewayWithManifest([]manifestItem{
		{relPath: "desktop_common/biz_reg.txt", content: content, docType: "business_registration", corruptSHA: true},
	})

	c, mock := newTestCollector(t, gw)

	_, err := c.Run(context.Background(), Request{StartupID: "acme"})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_RateLimitedFailsWithoutTouchingGateway(t *testing.T) {
	gw := newFakeGatewayWithManifest(nil)
	c, _ := newTestCollector(t, gw)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	limiter := ratelimit.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	c.WithRateLimit(limiter, ratelimit.Policy{RPM: 0, Burst: 0})

	_, err = c.Run(context.Background(), Request{StartupID: "acme"})
	require.Error(t, err)
	apiErr, ok := apierr.AsAPIError(err)
	require.True(t, ok)
	require.Equal(t, 429, apiErr.Status())
}

func TestResolveWindow_ShorthandDefaultsToSevenDays(t *testing.T) {
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	from, to, err := ResolveWindow("", "", "", now)
	require.NoError(t, err)
	require.Equal(t, now, to)
	require.Equal(t, now.Add(-7*24*time.Hour), from)
}

func TestResolveWindow_TodayShorthandIsOneDay(t *testing.T) {
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	from, _, err := ResolveWindow("", "", "today", now)
	require.NoError(t, err)
	require.Equal(t, now.Add(-24*time.Hour), from)
}

func TestResolveWindow_ArbitraryDayShorthandClampedTo365(t *testing.T) {
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	from, _, err := ResolveWindow("", "", "9000d", now)
	require.NoError(t, err)
	require.Equal(t, now.Add(-365*24*time.Hour), from)
}

func TestResolveWindow_ExplicitWindowWins(t *testing.T) {
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	from, to, err := ResolveWindow("2026-01-01T00:00:00Z", "2026-01-02T00:00:00Z", "30d", now)
	require.NoError(t, err)
	require.Equal(t, "2026-01-01", from.Format("2006-01-02"))
	require.Equal(t, "2026-01-02", to.Format("2006-01-02"))
}

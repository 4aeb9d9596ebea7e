package app_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/citation-crawler/internal/app"
	"github.com/JakeFAU/citation-crawler/internal/config"
	"github.com/JakeFAU/citation-crawler/internal/crawler"
)

const catalogTSV = "publication_title\tprint_identifier\tonline_identifier\tdate_last_issue_online\ttitle_url\n" +
	"Academy of Management Learning & Education\t1537-260X\t1944-9585\t2016-12-01\thttps://www.jstor.org/journal/amleducation\n" +
	"Administrative Science Quarterly\t0001-8392\t1930-3815\t1957-06-01\thttps://www.jstor.org/journal/admisciequar\n"

func testConfig(t *testing.T, catalogURL string) config.Config {
	t.Helper()
	return config.Config{
		Server:   config.ServerConfig{Port: 8080},
		Crawler:  config.CrawlerConfig{MaxRecoveries: 1, DefaultBudget: 2},
		Catalog:  config.CatalogConfig{URL: catalogURL, UserAgent: "citation-crawler-test"},
		Headless: config.HeadlessConfig{Enabled: false},
		DB:       config.DBConfig{Backend: config.BackendMemory},
		Archive:  config.ArchiveConfig{Backend: config.BackendLocal, BaseDir: t.TempDir(), Prefix: "exports"},
	}
}

func catalogServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/tab-separated-values")
		_, _ = w.Write([]byte(catalogTSV))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewWiresMemoryBackends(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := catalogServer(t)
	a, err := app.New(ctx, testConfig(t, srv.URL), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	require.NoError(t, a.Store().Ping(ctx))
	require.NoError(t, a.Migrate(ctx), "memory store has nothing to migrate")

	sum, err := a.Worker().RunCycle(ctx, 2)
	require.NoError(t, err)
	require.True(t, sum.NoWork)

	res, err := a.Catalog().Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.Inserted)

	st, err := a.Progress().State(ctx)
	require.NoError(t, err)
	require.Equal(t, crawler.CatalogState{Journals: 2, Unscraped: 2}, st)
}

func TestRunCycleWithoutBrowserIsExhausted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := catalogServer(t)
	a, err := app.New(ctx, testConfig(t, srv.URL), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	_, err = a.Catalog().Sync(ctx)
	require.NoError(t, err)

	sum, err := a.Worker().RunCycle(ctx, 1)
	require.ErrorIs(t, err, crawler.ErrRecoveryExhausted)
	require.ErrorIs(t, err, crawler.ErrSessionUnavailable)
	require.Equal(t, 1, sum.Recoveries)
}

func TestServerRoutes(t *testing.T) {
	t.Parallel()

	srv := catalogServer(t)
	a, err := app.New(context.Background(), testConfig(t, srv.URL), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	rec := httptest.NewRecorder()
	a.Server().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	a.Server().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/catalog/sync", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestNewRejectsBadArchive(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "http://127.0.0.1:1/catalog.tsv")
	cfg.Archive.BaseDir = "/proc/citation-crawler-archive"
	_, err := app.New(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, "init archive")
}

func TestNewRejectsUnreachablePostgres(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "http://127.0.0.1:1/catalog.tsv")
	cfg.DB = config.DBConfig{Backend: config.BackendPostgres, DSN: "postgres://%zz"}
	_, err := app.New(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, "init store")
}

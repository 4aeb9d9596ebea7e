package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/citation-crawler/internal/auth"
	"github.com/JakeFAU/citation-crawler/internal/catalog"
	"github.com/JakeFAU/citation-crawler/internal/crawler"
	"github.com/JakeFAU/citation-crawler/internal/worker"
)

type fakeRunner struct {
	budgets []int
	sum     worker.Summary
	err     error
}

func (f *fakeRunner) RunCycle(_ context.Context, budget int) (worker.Summary, error) {
	f.budgets = append(f.budgets, budget)
	return f.sum, f.err
}

type fakeSyncer struct {
	res catalog.SyncResult
	err error
}

func (f fakeSyncer) Sync(context.Context) (catalog.SyncResult, error) { return f.res, f.err }

type fakeState struct {
	st  crawler.CatalogState
	err error
}

func (f fakeState) State(context.Context) (crawler.CatalogState, error) { return f.st, f.err }

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

type fakeVerifier struct{}

func (fakeVerifier) Verify(_ context.Context, token string) (*auth.Claims, error) {
	if token != "valid" {
		return nil, auth.ErrUnauthorized
	}
	return &auth.Claims{Email: "scheduler@example.org"}, nil
}

func newTestServer(runner *fakeRunner, deps Deps) *Server {
	deps.Runner = runner
	if deps.Catalog == nil {
		deps.Catalog = fakeSyncer{}
	}
	if deps.State == nil {
		deps.State = fakeState{}
	}
	return NewServer(deps, Config{DefaultBudget: 5}, zap.NewNop())
}

func do(t *testing.T, s *Server, method, target, token string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	body := map[string]any{}
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestRunScrapeRequiresToken(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	s := newTestServer(runner, Deps{Verifier: fakeVerifier{}})

	rec, body := do(t, s, http.MethodPost, "/v1/scrape/run", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "Not Authorized", body["message"])

	rec, body = do(t, s, http.MethodPost, "/v1/scrape/run", "z7ku30VAX6Y6rajq2VMC4dHhG7HlBnb0zFd9A")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "Authorization Failed", body["message"])

	require.Empty(t, runner.budgets, "no crawl work before authorization")
}

func TestRunScrapeBudget(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{sum: worker.Summary{RunID: "run-1", IssuesIngested: 2}}
	s := newTestServer(runner, Deps{Verifier: fakeVerifier{}})

	rec, body := do(t, s, http.MethodPost, "/v1/scrape/run?budget=3", "valid")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "scrape complete", body["message"])
	summary := body["summary"].(map[string]any)
	require.Equal(t, "run-1", summary["run_id"])
	require.InDelta(t, 2, summary["issues_ingested"], 0)

	rec, _ = do(t, s, http.MethodPost, "/v1/scrape/run", "valid")
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, s, http.MethodPost, "/v1/scrape/run?budget=lots", "valid")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	require.Equal(t, []int{3, 5}, runner.budgets)
}

func TestRunScrapeNoWork(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeRunner{sum: worker.Summary{NoWork: true}}, Deps{})
	rec, body := do(t, s, http.MethodPost, "/v1/scrape/run", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "no journal needs scraping", body["message"])
}

func TestRunScrapeErrors(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		err  error
		code int
	}{
		"exhausted": {fmt.Errorf("%w: %w", crawler.ErrRecoveryExhausted, crawler.ErrNavigation), http.StatusServiceUnavailable},
		"deadline":  {context.DeadlineExceeded, http.StatusGatewayTimeout},
		"store":     {errors.New("connection reset"), http.StatusInternalServerError},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			s := newTestServer(&fakeRunner{err: tc.err}, Deps{})
			rec, body := do(t, s, http.MethodPost, "/v1/scrape/run", "")
			require.Equal(t, tc.code, rec.Code)
			require.NotEmpty(t, body["error"])
		})
	}
}

func TestCatalogRoutes(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeRunner{}, Deps{
		Verifier: fakeVerifier{},
		Catalog:  fakeSyncer{res: catalog.SyncResult{CatalogResult: crawler.CatalogResult{Rows: 3, Updated: 1, Inserted: 2}}},
		State:    fakeState{st: crawler.CatalogState{Journals: 3, Unscraped: 2, InProgress: 1}},
	})

	rec, body := do(t, s, http.MethodPost, "/v1/catalog/sync", "valid")
	require.Equal(t, http.StatusOK, rec.Code)
	require.InDelta(t, 2, body["inserted"], 0)

	rec, _ = do(t, s, http.MethodPost, "/v1/catalog/sync", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, body = do(t, s, http.MethodGet, "/v1/catalog/state", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.InDelta(t, 3, body["journals"], 0)
	require.InDelta(t, 1, body["in_progress"], 0)
}

func TestCatalogSyncFailure(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeRunner{}, Deps{Catalog: fakeSyncer{err: errors.New("status 503")}})
	rec, _ := do(t, s, http.MethodPost, "/v1/catalog/sync", "")
	require.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestProbes(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeRunner{}, Deps{Store: fakePinger{}})
	rec, body := do(t, s, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", body["status"])
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec, _ = do(t, s, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	down := newTestServer(&fakeRunner{}, Deps{Store: fakePinger{err: errors.New("refused")}})
	rec, _ = do(t, down, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeRunner{}, Deps{})
	_, _ = do(t, s, http.MethodGet, "/healthz", "")
	rec, _ := do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

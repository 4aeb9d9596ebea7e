package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const catalogTSV = "publication_title\tprint_identifier\tonline_identifier\tdate_last_issue_online\ttitle_url\n" +
	"Academy of Management Learning & Education\t1537-260X\t1944-9585\t2016-12-01\thttps://www.jstor.org/journal/amleducation\n"

func writeConfig(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(catalogTSV))
	}))
	t.Cleanup(srv.Close)

	path := filepath.Join(t.TempDir(), "config.yaml")
	body := fmt.Sprintf(`
catalog:
  url: %s
headless:
  enabled: false
logging:
  development: false
`, srv.URL)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSyncCommand(t *testing.T) {
	t.Parallel()

	out, err := execute(t, "sync", "--config", writeConfig(t))
	require.NoError(t, err)

	var res map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.InDelta(t, 1, res["inserted"], 0)
}

func TestScrapeCommandNoWork(t *testing.T) {
	t.Parallel()

	out, err := execute(t, "scrape", "--budget", "3", "--config", writeConfig(t))
	require.NoError(t, err)

	var sum map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &sum))
	require.Equal(t, true, sum["no_work"])
	require.NotEmpty(t, sum["run_id"])
}

func TestScrapeCommandUnknownJournal(t *testing.T) {
	t.Parallel()

	_, err := execute(t, "scrape", "--journal", "42", "--config", writeConfig(t))
	require.ErrorContains(t, err, "load journal")
}

func TestStatusCommand(t *testing.T) {
	t.Parallel()

	out, err := execute(t, "status", "--config", writeConfig(t))
	require.NoError(t, err)

	var report statusReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Zero(t, report.Catalog.Journals)
	require.Empty(t, report.Accounts)
}

func TestMigrateCommandMemoryStore(t *testing.T) {
	t.Parallel()

	_, err := execute(t, "migrate", "--config", writeConfig(t))
	require.NoError(t, err)
}

func TestBadConfigFails(t *testing.T) {
	t.Parallel()

	_, err := execute(t, "status", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "load config")
}

func TestResolveAppWithoutApp(t *testing.T) {
	t.Parallel()

	_, err := resolveApp(context.Background())
	require.Error(t, err)
}

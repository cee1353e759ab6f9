package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/10printhello/trim-telemetry/pkg/config"
	"github.com/10printhello/trim-telemetry/pkg/record"
	"github.com/10printhello/trim-telemetry/pkg/store"
)

func setupServer(t *testing.T, cfg *config.APIConfig) (*httptest.Server, store.Store) {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := store.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, st.Start(context.Background()))
	t.Cleanup(func() { _ = st.Stop() })

	srv := NewServer(log, cfg, st).(*server)
	t.Cleanup(func() { _ = srv.Stop() })

	ts := httptest.NewServer(srv.buildRouter())
	t.Cleanup(ts.Close)

	return ts, st
}

func seed(t *testing.T, st store.Store) {
	t.Helper()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := st.IndexRun(context.Background(), &record.RunSummary{
		SchemaVersion: record.SchemaVersion,
		RunID:         "run_1",
		StartTime:     start,
		EndTime:       start.Add(time.Minute),
		TotalTests:    2,
		PassedTests:   1,
		FailedTests:   1,
		ExitCode:      1,
		Environment:   map[string]string{"goos": "linux"},
	}, []*record.TestRecord{
		{ID: "pkg.TestA", Name: "TestA", Status: record.StatusPassed, DurationMS: 50, StartTime: start},
		{
			ID:          "pkg.TestB/sub",
			Name:        "sub",
			Status:      record.StatusFailed,
			DurationMS:  2000,
			StartTime:   start.Add(time.Second),
			Performance: record.Performance{IsSlow: true, Flags: []string{"slow", "test_failed"}},
		},
	})
	require.NoError(t, err)
}

func getJSON(t *testing.T, rawURL string, out any) int {
	t.Helper()

	resp, err := http.Get(rawURL) //nolint:noctx // test helper
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}

	return resp.StatusCode
}

func TestAPI_Health(t *testing.T) {
	ts, _ := setupServer(t, &config.APIConfig{})

	var body map[string]string

	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/health", &body))
	assert.Equal(t, "ok", body["status"])
}

func TestAPI_Runs(t *testing.T) {
	ts, st := setupServer(t, &config.APIConfig{})
	seed(t, st)

	var list struct {
		Runs []struct {
			RunID       string            `json:"run_id"`
			TotalTests  int               `json:"total_tests"`
			Environment map[string]string `json:"environment"`
		} `json:"runs"`
	}

	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/runs", &list))
	require.Len(t, list.Runs, 1)
	assert.Equal(t, "run_1", list.Runs[0].RunID)
	assert.Equal(t, 2, list.Runs[0].TotalTests)
	assert.Equal(t, "linux", list.Runs[0].Environment["goos"])

	var run map[string]any

	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/runs/run_1", &run))
	assert.Equal(t, float64(1), run["exit_code"])
	assert.NotContains(t, run, "EnvironmentJSON")

	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/api/v1/runs/missing", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/api/v1/runs?limit=zero", nil))
}

func TestAPI_RunTests(t *testing.T) {
	ts, st := setupServer(t, &config.APIConfig{})
	seed(t, st)

	type testsBody struct {
		RunID string `json:"run_id"`
		Tests []struct {
			ID    string   `json:"id"`
			Flags []string `json:"flags"`
		} `json:"tests"`
	}

	tests := []struct {
		name   string
		query  string
		status int
		want   []string
	}{
		{name: "all", query: "", status: http.StatusOK, want: []string{"pkg.TestA", "pkg.TestB/sub"}},
		{name: "by status", query: "?status=failed", status: http.StatusOK, want: []string{"pkg.TestB/sub"}},
		{name: "by flag", query: "?flag=slow", status: http.StatusOK, want: []string{"pkg.TestB/sub"}},
		{name: "limit", query: "?limit=1", status: http.StatusOK, want: []string{"pkg.TestA"}},
		{name: "bad status", query: "?status=exploded", status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body testsBody

			code := getJSON(t, ts.URL+"/api/v1/runs/run_1/tests"+tt.query, &body)
			require.Equal(t, tt.status, code)

			if tt.status != http.StatusOK {
				return
			}

			ids := make([]string, 0, len(body.Tests))
			for _, tr := range body.Tests {
				ids = append(ids, tr.ID)
			}

			assert.Equal(t, tt.want, ids)
			assert.Equal(t, "run_1", body.RunID)
		})
	}

	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/api/v1/runs/missing/tests", nil))
}

func TestAPI_SlowestAndHistory(t *testing.T) {
	ts, st := setupServer(t, &config.APIConfig{})
	seed(t, st)

	var slow struct {
		Tests []struct {
			ID         string   `json:"id"`
			DurationMS int64    `json:"duration_ms"`
			Flags      []string `json:"flags"`
		} `json:"tests"`
	}

	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/tests/slowest?limit=1", &slow))
	require.Len(t, slow.Tests, 1)
	assert.Equal(t, "pkg.TestB/sub", slow.Tests[0].ID)
	assert.Equal(t, []string{"slow", "test_failed"}, slow.Tests[0].Flags)

	var hist struct {
		ID    string `json:"id"`
		Tests []struct {
			RunID string `json:"run_id"`
		} `json:"tests"`
	}

	q := url.Values{"id": {"pkg.TestB/sub"}}
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/tests/history?"+q.Encode(), &hist))
	assert.Equal(t, "pkg.TestB/sub", hist.ID)
	require.Len(t, hist.Tests, 1)
	assert.Equal(t, "run_1", hist.Tests[0].RunID)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/api/v1/tests/history", nil))
}

func TestAPI_RateLimit(t *testing.T) {
	ts, _ := setupServer(t, &config.APIConfig{
		RateLimit: config.RateLimitConfig{Enabled: true, RequestsPerMinute: 2},
	})

	codes := make([]int, 0, 3)
	for range 3 {
		codes = append(codes, getJSON(t, ts.URL+"/api/v1/runs", nil))
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// Health is not rate limited.
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/health", nil))
}

func TestAPI_CORS(t *testing.T) {
	ts, _ := setupServer(t, &config.APIConfig{CORSOrigins: []string{"https://ci.example.com"}})

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://ci.example.com")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	assert.Equal(t, "https://ci.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestServer_StartStop(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := store.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, st.Start(context.Background()))
	t.Cleanup(func() { _ = st.Stop() })

	srv := NewServer(log, &config.APIConfig{Listen: "127.0.0.1:0"}, st)
	require.NoError(t, srv.Start(context.Background()))

	assert.Equal(t, http.StatusOK, getJSON(t, "http://"+srv.Addr()+"/api/v1/health", nil))
	require.NoError(t, srv.Stop())
	require.NoError(t, srv.Stop())
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		name   string
		xff    string
		remote string
		want   string
	}{
		{name: "remote addr", remote: "10.0.0.1:1234", want: "10.0.0.1"},
		{name: "forwarded chain", xff: "1.2.3.4, 10.0.0.1", remote: "10.0.0.2:1", want: "1.2.3.4"},
		{name: "bare remote", remote: "weird", want: "weird"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote

			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}

			assert.Equal(t, tt.want, extractIP(r))
		})
	}
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/elonfeng/ringrank/internal/store"
	"github.com/elonfeng/ringrank/pkg/batch"
	"github.com/elonfeng/ringrank/pkg/metrics"
)

type fakeRunner struct {
	sum   *batch.Summary
	err   error
	calls int
}

func (f *fakeRunner) Run(context.Context) (*batch.Summary, error) {
	f.calls++
	return f.sum, f.err
}

func (f *fakeRunner) LastSummary() *batch.Summary { return f.sum }

func newTestServer(t *testing.T, runner *fakeRunner, opts ...Option) (*httptest.Server, *store.SQLStore) {
	t.Helper()
	st, err := store.Open(store.DriverSQLite, filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ts := httptest.NewServer(New(st, runner, opts...).Handler())
	t.Cleanup(ts.Close)
	return ts, st
}

type envelope struct {
	Success bool            `json:"success"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Count   int             `json:"count"`
	Updated int             `json:"updated"`
	Failed  int             `json:"failed"`
	Errors  []string        `json:"errors"`
}

func do(t *testing.T, method, url, body string, header map[string]string) (int, envelope) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	// Mux-generated errors (405) are plain text; leave env zero for those.
	var env envelope
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			t.Fatalf("decode %s %s: %v", method, url, err)
		}
	}
	return resp.StatusCode, env
}

func TestUpdateMetrics_Auth(t *testing.T) {
	runner := &fakeRunner{sum: &batch.Summary{Success: true, Message: "Metrics updated successfully", Updated: 2, Errors: []string{}}}
	ts, _ := newTestServer(t, runner, WithCronSecret("s3cret"))
	url := ts.URL + "/api/v1/update-metrics"

	code, env := do(t, http.MethodPost, url, "", nil)
	if code != http.StatusUnauthorized || env.Error != "Unauthorized" || env.Success {
		t.Errorf("missing credential: got %d %+v", code, env)
	}

	code, _ = do(t, http.MethodPost, url, "", map[string]string{"Authorization": "Bearer wrong"})
	if code != http.StatusUnauthorized {
		t.Errorf("wrong credential: got %d", code)
	}
	if runner.calls != 0 {
		t.Fatalf("runner must not be invoked without authorization, got %d calls", runner.calls)
	}

	code, env = do(t, http.MethodPost, url, "", map[string]string{"Authorization": "Bearer s3cret"})
	if code != http.StatusOK || !env.Success || env.Updated != 2 || env.Message != "Metrics updated successfully" {
		t.Errorf("authorized: got %d %+v", code, env)
	}
}

func TestUpdateMetrics_NoSecretConfigured(t *testing.T) {
	runner := &fakeRunner{sum: &batch.Summary{Success: true, Message: "No entities to update", Errors: []string{}}}
	ts, _ := newTestServer(t, runner)

	code, env := do(t, http.MethodPost, ts.URL+"/api/v1/update-metrics", "", nil)
	if code != http.StatusOK || env.Message != "No entities to update" || env.Updated != 0 {
		t.Errorf("got %d %+v", code, env)
	}
}

func TestUpdateMetrics_Failures(t *testing.T) {
	runner := &fakeRunner{err: errors.New("fetch roster: db down")}
	ts, _ := newTestServer(t, runner)

	code, env := do(t, http.MethodPost, ts.URL+"/api/v1/update-metrics", "", nil)
	if code != http.StatusInternalServerError || env.Error != "Failed to update metrics" {
		t.Errorf("roster failure: got %d %+v", code, env)
	}

	runner.err = batch.ErrRunInProgress
	code, _ = do(t, http.MethodPost, ts.URL+"/api/v1/update-metrics", "", nil)
	if code != http.StatusConflict {
		t.Errorf("overlap: got %d", code)
	}

	code, _ = do(t, http.MethodGet, ts.URL+"/api/v1/update-metrics", "", nil)
	if code != http.StatusMethodNotAllowed {
		t.Errorf("GET trigger: got %d", code)
	}
}

func TestEntitiesCRUD(t *testing.T) {
	ts, _ := newTestServer(t, &fakeRunner{})
	base := ts.URL + "/api/v1/entities"

	code, env := do(t, http.MethodPost, base, `{"name":"Kenny Omega"}`, nil)
	if code != http.StatusBadRequest || env.Error != "Name and bio are required" {
		t.Fatalf("missing bio: got %d %+v", code, env)
	}
	code, _ = do(t, http.MethodPost, base, `{not json`, nil)
	if code != http.StatusBadRequest {
		t.Fatalf("bad body: got %d", code)
	}

	code, env = do(t, http.MethodPost, base,
		`{"name":"Kenny Omega","bio":"The Cleaner","social":{"twitter":"@KennyOmegamanX"}}`, nil)
	if code != http.StatusCreated || !env.Success {
		t.Fatalf("create: got %d %+v", code, env)
	}
	var created store.Entity
	if err := json.Unmarshal(env.Data, &created); err != nil {
		t.Fatalf("decode created: %v", err)
	}
	if created.ID == "" || created.Social.Twitter != "KennyOmegamanX" || created.Score != 0 || created.Rank != 0 {
		t.Errorf("unexpected created entity %+v", created)
	}

	code, env = do(t, http.MethodGet, base+"/"+created.ID, "", nil)
	if code != http.StatusOK || !env.Success {
		t.Fatalf("get: got %d %+v", code, env)
	}

	code, env = do(t, http.MethodPut, base+"/"+created.ID, `{"bio":"Best Bout Machine"}`, nil)
	if code != http.StatusOK {
		t.Fatalf("update: got %d %+v", code, env)
	}
	var updated store.Entity
	_ = json.Unmarshal(env.Data, &updated)
	if updated.Bio != "Best Bout Machine" || updated.Name != "Kenny Omega" {
		t.Errorf("unexpected updated entity %+v", updated)
	}

	code, env = do(t, http.MethodGet, base+"?sort=name&q=ken", "", nil)
	if code != http.StatusOK || env.Count != 1 {
		t.Errorf("list: got %d %+v", code, env)
	}
	code, _ = do(t, http.MethodGet, base+"?sort=popularity", "", nil)
	if code != http.StatusBadRequest {
		t.Errorf("bad sort: got %d", code)
	}

	code, env = do(t, http.MethodDelete, base+"/"+created.ID, "", nil)
	if code != http.StatusOK || env.Message != "Entity deleted successfully" {
		t.Errorf("delete: got %d %+v", code, env)
	}

	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		code, env = do(t, method, base+"/"+created.ID, "", nil)
		if code != http.StatusNotFound || env.Error != "Entity not found" {
			t.Errorf("%s after delete: got %d %+v", method, code, env)
		}
	}
	code, _ = do(t, http.MethodPut, base+"/missing", `{"bio":"x"}`, nil)
	if code != http.StatusNotFound {
		t.Errorf("update missing: got %d", code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	m := metrics.NewManager(metrics.WithNamespace("ringrank_test"))
	runner := &fakeRunner{sum: &batch.Summary{RunID: "r1", Success: true, State: batch.StateDone}}
	ts, _ := newTestServer(t, runner, WithMetrics(m))

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"run_id":"r1"`) {
		t.Errorf("health: got %d %s", resp.StatusCode, body)
	}

	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `ringrank_test_http_requests_total{code="200",route="GET /health"} 1`) {
		t.Errorf("expected the health request to be counted, got:\n%s", body)
	}
}

package ohttp_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	ocean "github.com/erhathaway/ocean-clog"
	"github.com/erhathaway/ocean-clog/internal/ohttp"
)

func newTestOcean(t *testing.T) *ocean.Ocean {
	t.Helper()
	o, err := ocean.Open(ocean.Options{DBPath: filepath.Join(t.TempDir(), "ocean.db")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = o.Close() })
	if err := o.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	o.RegisterClog(&ocean.Clog{
		ID: "c1",
		OnAdvance: func(ctx context.Context, input json.RawMessage, hc ocean.HandlerContext) (ocean.Outcome, error) {
			return ocean.Outcome{Status: ocean.OutcomeOK}, nil
		},
	})
	return o
}

func TestHealthz_ReturnsHealthy(t *testing.T) {
	o := newTestOcean(t)
	srv := httptest.NewServer(ohttp.New(ohttp.Config{Ocean: o}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["healthy"] != true {
		t.Fatalf("expected healthy=true, got %+v", body)
	}
}

func TestCreateRunSignalAdvanceGetRun_RoundTrip(t *testing.T) {
	o := newTestOcean(t)
	srv := httptest.NewServer(ohttp.New(ohttp.Config{Ocean: o}).Handler())
	defer srv.Close()

	createBody, _ := json.Marshal(map[string]any{"session_id": "sess1", "clog_id": "c1"})
	resp, err := http.Post(srv.URL+"/runs", "application/json", bytes.NewReader(createBody))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var created struct {
		RunID string `json:"run_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode create: %v", err)
	}
	resp.Body.Close()
	if created.RunID == "" {
		t.Fatal("expected a run id")
	}

	signalBody, _ := json.Marshal(map[string]any{"input": map[string]any{"go": true}})
	resp, err = http.Post(srv.URL+"/runs/"+created.RunID+"/signal", "application/json", bytes.NewReader(signalBody))
	if err != nil {
		t.Fatalf("signal: %v", err)
	}
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = http.Post(srv.URL+"/advance", "application/json", nil)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var report ocean.Report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	resp.Body.Close()
	if report.Advanced != 1 {
		t.Fatalf("expected one run advanced, got %+v", report)
	}

	resp, err = http.Get(srv.URL + "/runs/" + created.RunID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var row ocean.RunRow
	if err := json.NewDecoder(resp.Body).Decode(&row); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	if row.Status != ocean.StatusIdle {
		t.Fatalf("expected idle after ok outcome, got %s", row.Status)
	}
}

func TestGetRun_UnknownIDReturns404(t *testing.T) {
	o := newTestOcean(t)
	srv := httptest.NewServer(ohttp.New(ohttp.Config{Ocean: o}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/runs/does-not-exist")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestCreateRun_MissingFieldsReturns400(t *testing.T) {
	o := newTestOcean(t)
	srv := httptest.NewServer(ohttp.New(ohttp.Config{Ocean: o}).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/runs", "application/json", bytes.NewReader([]byte(`{}`)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	o := newTestOcean(t)
	srv := httptest.NewServer(ohttp.New(ohttp.Config{Ocean: o}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/runs")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET /runs, got %d", resp.StatusCode)
	}
}

func TestEvents_ReadByScope(t *testing.T) {
	o := newTestOcean(t)
	srv := httptest.NewServer(ohttp.New(ohttp.Config{Ocean: o}).Handler())
	defer srv.Close()

	createBody, _ := json.Marshal(map[string]any{
		"session_id": "sess1", "clog_id": "c1", "has_input": true, "input": map[string]any{},
	})
	resp, err := http.Post(srv.URL+"/runs", "application/json", bytes.NewReader(createBody))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/events?scope=global")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestAuth_RequiresBearerTokenExceptHealthz(t *testing.T) {
	o := newTestOcean(t)
	srv := httptest.NewServer(ohttp.New(ohttp.Config{Ocean: o, AuthToken: "secret"}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected healthz to bypass auth, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/runs/whatever")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/runs/whatever", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("authed get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected the authed request to reach the handler (404 for a missing run), got %d", resp.StatusCode)
	}
}

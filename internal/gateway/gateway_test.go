package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bloq-ai/crewd/internal/bus"
	"github.com/bloq-ai/crewd/internal/gate"
	"github.com/bloq-ai/crewd/internal/gateway"
	"github.com/bloq-ai/crewd/internal/persistence"
	"github.com/bloq-ai/crewd/internal/policy"
	"github.com/bloq-ai/crewd/internal/proposal"
	"github.com/bloq-ai/crewd/internal/trigger"
)

const testToken = "test-token"

func newTestServer(t *testing.T) (*httptest.Server, *persistence.Store) {
	t.Helper()
	eventBus := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "crewd.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	loader, err := policy.NewLoader(store)
	if err != nil {
		t.Fatalf("loader: %v", err)
	}
	proposals := proposal.NewService(store, gate.NewRegistry(store, loader), loader, nil)
	triggers := trigger.NewEngine(store, proposals, nil, nil)

	srv := gateway.New(gateway.Config{
		Store:             store,
		Bus:               eventBus,
		Proposals:         proposals,
		Triggers:          triggers,
		AuthToken:         testToken,
		ConfigFingerprint: "deadbeef",
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, store
}

func doJSON(t *testing.T, method, url, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["healthy"] != true || body["config_fingerprint"] != "deadbeef" {
		t.Fatalf("unexpected health payload: %v", body)
	}
}

func TestAuthRequired(t *testing.T) {
	ts, _ := newTestServer(t)

	for _, path := range []string{"/api/heartbeat", "/api/proposals", "/api/triggers/x/fire"} {
		resp := doJSON(t, http.MethodPost, ts.URL+path, "", "{}")
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s without token: expected 401, got %d", path, resp.StatusCode)
		}
		resp = doJSON(t, http.MethodPost, ts.URL+path, "wrong-token", "{}")
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s with bad token: expected 401, got %d", path, resp.StatusCode)
		}
	}
}

func TestCreateProposalEndpoint(t *testing.T) {
	ts, store := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/proposals", testToken,
		`{"title":"manual scan","step_kinds":["scan"],"payload":{"topic":"x"}}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var outcome proposal.Outcome
	if err := json.NewDecoder(resp.Body).Decode(&outcome); err != nil {
		t.Fatalf("decode outcome: %v", err)
	}
	if outcome.ProposalID == "" || outcome.Status != persistence.ProposalStatusPending {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}

	p, err := store.GetProposal(context.Background(), outcome.ProposalID)
	if err != nil {
		t.Fatalf("get proposal: %v", err)
	}
	if p.Source != "manual" {
		t.Fatalf("gateway proposals are manual, got %s", p.Source)
	}
}

func TestCreateProposalValidation(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/proposals", testToken,
		`{"title":"","step_kinds":["scan"]}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing title: expected 400, got %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/proposals", testToken, `not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed body: expected 400, got %d", resp.StatusCode)
	}
}

func TestTriggerFireEndpoint(t *testing.T) {
	ts, store := newTestServer(t)
	ctx := context.Background()

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/triggers/no_such_rule/fire", testToken, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown rule: expected 404, got %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/triggers/bad-path", testToken, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing /fire suffix: expected 404, got %d", resp.StatusCode)
	}

	// A rule without a registered checker fires as a no-op.
	if err := store.UpsertTriggerRule(ctx, persistence.TriggerRule{
		Name: "manual_probe", Enabled: true, TriggerEvent: "manual_probe",
		Conditions:   "{}",
		ActionConfig: `{"title":"probe","summary":"s","step_kinds":["scan"]}`,
	}); err != nil {
		t.Fatalf("seed rule: %v", err)
	}
	resp = doJSON(t, http.MethodPost, ts.URL+"/api/triggers/manual_probe/fire", testToken, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["rule"] != "manual_probe" || body["fired"] != false {
		t.Fatalf("unexpected fire response: %v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var counts persistence.MetricsCounts
	if err := json.NewDecoder(resp.Body).Decode(&counts); err != nil {
		t.Fatalf("decode counts: %v", err)
	}
}

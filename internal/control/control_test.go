package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/daemonsup/daemonsup/internal/lease"
)

type fakeSupervisor struct {
	ensureCalls []string
	ensuring    bool
	fields      StatusFields
}

func (f *fakeSupervisor) Ensure(ctx context.Context, model string) bool {
	f.ensureCalls = append(f.ensureCalls, model)
	return true
}

func (f *fakeSupervisor) Ensuring() bool { return f.ensuring }

func (f *fakeSupervisor) StatusSnapshot() StatusFields { return f.fields }

type fakeDriver struct {
	running bool
	owned   bool
	pid     int
}

func (f *fakeDriver) IsRunning(ctx context.Context) bool { return f.running }
func (f *fakeDriver) Owned() bool                        { return f.owned }
func (f *fakeDriver) Pid() int                           { return f.pid }

func newTestServer() (*Server, *fakeSupervisor) {
	sup := &fakeSupervisor{fields: StatusFields{Stage: "idle"}}
	reg := lease.New()
	ep := Endpoints{
		STTHealthURL: "http://stt/health",
		TTSVoicesURL: "http://tts/voices",
		LLMBaseURL:   "http://llm",
		KeepAlive:    "5m",
		IdleTimeout:  5 * time.Minute,
		LeaseTTL:     30 * time.Second,
		HeartbeatS:   10,
		LogDir:       "/var/log/daemonsup",
	}
	s := New(reg, sup, &fakeDriver{}, &fakeDriver{}, &fakeDriver{}, ep, nil)
	return s, sup
}

func postJSON(t *testing.T, s *Server, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	return rr
}

func TestLeaseAcquireReturnsIdAndTimers(t *testing.T) {
	s, _ := newTestServer()

	rr := postJSON(t, s, "/lease/acquire", map[string]any{"meta": map[string]any{"agent": "test"}})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["ok"] != true {
		t.Fatalf("expected ok=true, got %v", resp)
	}
	if resp["lease_id"] == "" || resp["lease_id"] == nil {
		t.Fatalf("expected a lease_id, got %v", resp)
	}
	if resp["lease_ttl_s"].(float64) != 30 {
		t.Fatalf("lease_ttl_s = %v, want 30", resp["lease_ttl_s"])
	}
}

func TestHeartbeatUnknownLeaseReturns404(t *testing.T) {
	s, _ := newTestServer()

	rr := postJSON(t, s, "/lease/heartbeat", map[string]any{"lease_id": "nope"})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestHeartbeatMissingLeaseIDReturns400(t *testing.T) {
	s, _ := newTestServer()

	rr := postJSON(t, s, "/lease/heartbeat", map[string]any{})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestAcquireThenHeartbeatSucceeds(t *testing.T) {
	s, _ := newTestServer()

	acquireRR := postJSON(t, s, "/lease/acquire", nil)
	var acquireResp map[string]any
	_ = json.Unmarshal(acquireRR.Body.Bytes(), &acquireResp)
	id := acquireResp["lease_id"].(string)

	rr := postJSON(t, s, "/lease/heartbeat", map[string]any{"lease_id": id})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}

func TestReleaseMissingLeaseIDReturns400(t *testing.T) {
	s, _ := newTestServer()

	rr := postJSON(t, s, "/lease/release", map[string]any{})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestReleaseUnknownLeaseStillReturns200(t *testing.T) {
	s, _ := newTestServer()

	rr := postJSON(t, s, "/lease/release", map[string]any{"lease_id": "nope"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (release of unknown lease is not an error)", rr.Code)
	}
}

func TestEnsureReturns202AndAdmits(t *testing.T) {
	s, sup := newTestServer()

	rr := postJSON(t, s, "/ensure", map[string]any{"ollama_model": "qwen3:8b"})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rr.Code)
	}
	if len(sup.ensureCalls) != 1 || sup.ensureCalls[0] != "qwen3:8b" {
		t.Fatalf("expected Ensure to be called with the requested model, got %v", sup.ensureCalls)
	}
}

func TestStatusReportsSnapshotAndServiceRunningState(t *testing.T) {
	s, sup := newTestServer()
	sup.fields = StatusFields{Stage: "ready", WarmModel: "qwen3:8b", WarmDone: true}
	sup.ensuring = false

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["stage"] != "ready" {
		t.Errorf("stage = %v, want ready", resp["stage"])
	}
	warm := resp["warm"].(map[string]any)
	if warm["model"] != "qwen3:8b" || warm["done"] != true {
		t.Errorf("warm = %v", warm)
	}
	services := resp["services"].(map[string]any)
	stt := services["stt"].(map[string]any)
	if stt["health"] != "http://stt/health" {
		t.Errorf("stt.health = %v", stt["health"])
	}
}

func TestStatusSurfacesLastError(t *testing.T) {
	s, sup := newTestServer()
	sup.fields = StatusFields{Stage: "error", LastError: errors.New("ensure:stt: boom")}

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)

	var resp map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp["last_error"] != "ensure:stt: boom" {
		t.Errorf("last_error = %v", resp["last_error"])
	}
}

func TestUnknownRouteReturns404WithBody(t *testing.T) {
	s, _ := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
	var resp map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp["ok"] != false || resp["error"] != "not_found" {
		t.Errorf("unexpected body: %v", resp)
	}
}

func TestMalformedBodyTreatedAsEmptyObject(t *testing.T) {
	s, _ := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/lease/heartbeat", bytes.NewBufferString("not json"))
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (missing_lease_id from an empty decoded body)", rr.Code)
	}
}

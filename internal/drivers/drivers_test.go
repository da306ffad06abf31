package drivers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"
)

func TestSTTStartAndEnsureReadyAlreadyHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	d := NewSTT(STTConfig{
		HealthURL:    srv.URL + "/health",
		ReadyTimeout: time.Second,
		LogPath:      filepath.Join(dir, "stt.log"),
	}, nil)

	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := d.EnsureReady(ctx); err != nil {
		t.Fatalf("ensure ready: %v", err)
	}
	if d.Owned() {
		t.Fatalf("a pre-existing healthy STT must not be owned")
	}

	// Stop on an unowned driver must be a no-op (I4).
	d.Stop(ctx)
}

func TestSTTEnsureReadyTimesOutWhenNeverHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok": false}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	d := NewSTT(STTConfig{
		HealthURL:    srv.URL + "/health",
		ReadyTimeout: 50 * time.Millisecond,
		LogPath:      filepath.Join(dir, "stt.log"),
	}, nil)

	if err := d.EnsureReady(context.Background()); err == nil {
		t.Fatalf("expected timeout error")
	}
}

func TestLLMStartFailsImmediatelyWhenUnmanagedAndUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	d := NewLLM(LLMConfig{
		VersionURL:   srv.URL + "/api/version",
		ManageServer: false,
	}, nil)

	if err := d.Start(context.Background()); err == nil {
		t.Fatalf("expected immediate error when server unmanaged and unhealthy")
	}
}

func TestLLMAlreadyRunningIsNotManaged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"version": "1.0"}`))
	}))
	defer srv.Close()

	d := NewLLM(LLMConfig{VersionURL: srv.URL + "/api/version"}, nil)

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if d.Owned() {
		t.Fatalf("an externally running LLM must not be reported as managed (I4/P6)")
	}
}

func TestLLMWarmSendsKeepAlive(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewLLM(LLMConfig{
		GenerateURL: srv.URL + "/api/generate",
		KeepAlive:   "5m",
		WarmTimeout: 2 * time.Second,
	}, nil)

	if err := d.Warm(context.Background(), "qwen3:8b"); err != nil {
		t.Fatalf("warm: %v", err)
	}
	if gotBody["model"] != "qwen3:8b" {
		t.Fatalf("expected model in request body, got %v", gotBody)
	}
	if gotBody["keep_alive"] != "5m" {
		t.Fatalf("expected keep_alive 5m, got %v", gotBody["keep_alive"])
	}
}

func TestLLMUnloadSkippedWhenDisabled(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewLLM(LLMConfig{
		GenerateURL:  srv.URL + "/api/generate",
		ManageUnload: false,
	}, nil)

	d.Unload(context.Background(), "qwen3:8b")
	if called {
		t.Fatalf("unload must not call the server when ManageUnload is disabled")
	}
}

func TestTTSAlreadyHealthySkipsCompose(t *testing.T) {
	voices := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"voices": []}`))
	}))
	defer voices.Close()

	host, port := splitHostPort(t, voices.URL)

	d := NewTTS(TTSConfig{
		Host:         host,
		Port:         port,
		VoicesURL:    voices.URL + "/v1/audio/voices",
		ReadyTimeout: time.Second,
	}, nil)

	// Start should see the probe succeed and never attempt to shell out to
	// a container orchestrator.
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
}

func splitHostPort(t *testing.T, url string) (string, int) {
	t.Helper()
	u := url[len("http://"):]
	idx := 0
	for i, c := range u {
		if c == ':' {
			idx = i
			break
		}
	}
	host := u[:idx]
	portStr := u[idx+1:]
	port := 0
	for _, c := range portStr {
		if c < '0' || c > '9' {
			break
		}
		port = port*10 + int(c-'0')
	}
	return host, port
}

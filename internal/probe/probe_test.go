package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSTTHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	if !STT(context.Background(), srv.URL+"/health") {
		t.Fatalf("expected STT probe to report healthy")
	}
}

func TestSTTUnhealthyWrongShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok": false}`))
	}))
	defer srv.Close()

	if STT(context.Background(), srv.URL+"/health") {
		t.Fatalf("expected STT probe to report unhealthy for ok:false")
	}
}

func TestSTTUnreachable(t *testing.T) {
	if STT(context.Background(), "http://127.0.0.1:1") {
		t.Fatalf("expected STT probe to report unhealthy when unreachable")
	}
}

func TestLLMHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"version": "0.1.0"}`))
	}))
	defer srv.Close()

	if !LLM(context.Background(), srv.URL+"/api/version") {
		t.Fatalf("expected LLM probe to report healthy")
	}
}

func TestLLMMissingVersionField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	if LLM(context.Background(), srv.URL+"/api/version") {
		t.Fatalf("expected LLM probe to report unhealthy without a version field")
	}
}

func TestTTSHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"voices": ["af_heart"]}`))
	}))
	defer srv.Close()

	host, portStr, _ := strings.Cut(strings.TrimPrefix(srv.URL, "http://"), ":")
	port := 0
	for _, c := range portStr {
		port = port*10 + int(c-'0')
	}

	if !TTS(context.Background(), host, port, srv.URL+"/v1/audio/voices") {
		t.Fatalf("expected TTS probe to report healthy")
	}
}

func TestTTSPortClosed(t *testing.T) {
	if TTS(context.Background(), "127.0.0.1", 1, "http://127.0.0.1:1/v1/audio/voices") {
		t.Fatalf("expected TTS probe to report unhealthy when port is closed")
	}
}

// Package probe implements the stateless health checks used to decide
// whether the STT, TTS, and LLM services are up. Probes are pure functions:
// no retries, no state, safe to call concurrently from the control plane's
// /status handler.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"
)

// DefaultTimeout bounds every probe's outbound HTTP/TCP call.
const DefaultTimeout = 1 * time.Second

var httpClient = &http.Client{Timeout: DefaultTimeout}

// getJSON performs a GET and decodes a JSON object body. It never returns an
// error for protocol-level failures (non-2xx, bad body, unreachable host) —
// those collapse to an empty map and a false healthy verdict upstream, per
// the "protocol error" taxonomy: a probe failure is a verdict, not a fault.
func getJSON(ctx context.Context, url string) (status int, body map[string]any) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, nil
	}
	defer func() { _ = resp.Body.Close() }()

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return resp.StatusCode, nil
	}

	return resp.StatusCode, decoded
}

// tcpOpen reports whether a TCP connection to host:port succeeds within
// timeout.
func tcpOpen(host string, port int, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", host, port), timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// STT probes the speech-to-text server's /health endpoint. Healthy requires
// a 200 response whose JSON body has "ok": true.
func STT(ctx context.Context, healthURL string) bool {
	status, body := getJSON(ctx, healthURL)
	if status != http.StatusOK || body == nil {
		return false
	}
	ok, _ := body["ok"].(bool)
	return ok
}

// TTS probes the text-to-speech server: a TCP connect to host:port must
// succeed, then the voices endpoint must return a JSON object with a
// "voices" field.
func TTS(ctx context.Context, host string, port int, voicesURL string) bool {
	if !tcpOpen(host, port, DefaultTimeout) {
		return false
	}
	status, body := getJSON(ctx, voicesURL)
	if status != http.StatusOK || body == nil {
		return false
	}
	_, hasVoices := body["voices"]
	return hasVoices
}

// LLM probes the language-model server's version endpoint. Healthy requires
// a 200 response whose JSON body has a "version" field.
func LLM(ctx context.Context, versionURL string) bool {
	status, body := getJSON(ctx, versionURL)
	if status != http.StatusOK || body == nil {
		return false
	}
	_, hasVersion := body["version"]
	return hasVersion
}

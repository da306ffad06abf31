// Package client is the library-side counterpart to the daemon's control
// plane: it spawns the daemon on demand, acquires and heartbeats leases, and
// triggers /ensure then polls /status until the stack is ready, so that an
// agent process can depend on the stack being ready without managing any of
// its lifecycle itself.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/daemonsup/daemonsup/internal/runner"
)

// Config carries everything a caller needs to reach an already-running
// daemon, and (if SpawnCommand is set) to start one when none is found
// listening.
type Config struct {
	Host string
	Port int

	HeartbeatInterval time.Duration
	StatusPollTimeout time.Duration
	RequestTimeout    time.Duration

	// SpawnCommand, if non-empty, is the argv used to launch the daemon
	// when the control port is unreachable. Leave nil to make
	// EnsureDaemonRunning a pure readiness check.
	SpawnCommand []string
	SpawnCwd     string
	SpawnLogDir  string
	SpawnWait    time.Duration
}

// DefaultConfig mirrors the client's own defaults: loopback daemon on the
// wire protocol's default port, a 5s heartbeat, and a generous three-minute
// ensure deadline (a cold LLM pull can take a while).
func DefaultConfig() Config {
	return Config{
		Host:              "127.0.0.1",
		Port:              8790,
		HeartbeatInterval: 5 * time.Second,
		StatusPollTimeout: 180 * time.Second,
		RequestTimeout:    1200 * time.Millisecond,
		SpawnWait:         4 * time.Second,
	}
}

func (c Config) addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }
func (c Config) baseURL() string { return fmt.Sprintf("http://%s", c.addr()) }

// Client talks to a single daemon instance over its loopback HTTP control
// plane.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New returns a Client for cfg. Zero-value fields in cfg are filled from
// DefaultConfig.
func New(cfg Config) *Client {
	d := DefaultConfig()
	if cfg.Host == "" {
		cfg.Host = d.Host
	}
	if cfg.Port == 0 {
		cfg.Port = d.Port
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = d.HeartbeatInterval
	}
	if cfg.StatusPollTimeout == 0 {
		cfg.StatusPollTimeout = d.StatusPollTimeout
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = d.RequestTimeout
	}
	if cfg.SpawnWait == 0 {
		cfg.SpawnWait = d.SpawnWait
	}
	return &Client{cfg: cfg, httpClient: &http.Client{}}
}

func (c *Client) doHTTP(ctx context.Context, method, path string, body any, timeout time.Duration) (int, map[string]any) {
	var reader *strings.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, nil
		}
		reader = strings.NewReader(string(encoded))
	} else {
		reader = strings.NewReader("")
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, c.cfg.baseURL()+path, reader)
	if err != nil {
		return 0, nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil
	}
	defer func() { _ = resp.Body.Close() }()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp.StatusCode, decoded
}

func tcpPortOpen(addr string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// EnsureDaemonRunning checks whether a daemon is already listening on the
// configured host:port and, if not and SpawnCommand is set, launches one and
// waits for the port to come up. It returns an error if the port never
// becomes reachable.
func (c *Client) EnsureDaemonRunning(ctx context.Context) error {
	if tcpPortOpen(c.cfg.addr(), 150*time.Millisecond) {
		return nil
	}
	if len(c.cfg.SpawnCommand) == 0 {
		return fmt.Errorf("client: daemon not reachable at %s and no spawn command configured", c.cfg.addr())
	}

	logDir := c.cfg.SpawnLogDir
	if logDir == "" {
		logDir = os.TempDir()
	}
	if _, err := runner.SpawnHidden(c.cfg.SpawnCommand, c.cfg.SpawnCwd,
		fmt.Sprintf("%s/daemonsupd.out.log", logDir),
		fmt.Sprintf("%s/daemonsupd.err.log", logDir),
	); err != nil {
		return fmt.Errorf("client: spawn daemon: %w", err)
	}

	deadline := time.Now().Add(c.cfg.SpawnWait)
	for time.Now().Before(deadline) {
		if tcpPortOpen(c.cfg.addr(), 150*time.Millisecond) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(80 * time.Millisecond):
		}
	}
	return fmt.Errorf("client: daemon did not start (port %s not reachable)", c.cfg.addr())
}

// Lease is a held lease, heartbeated in the background until Close is
// called.
type Lease struct {
	ID                string
	HeartbeatInterval time.Duration

	client *Client
	stop   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// Close stops the background heartbeat and releases the lease. Safe to call
// more than once.
func (l *Lease) Close() error {
	l.once.Do(func() {
		close(l.stop)
		l.wg.Wait()
		l.client.doHTTP(context.Background(), http.MethodPost, "/lease/release",
			map[string]any{"lease_id": l.ID}, 600*time.Millisecond)
	})
	return nil
}

// ReleaseOnSignal registers a best-effort release of l when the process
// receives SIGINT or SIGTERM. Go has no atexit equivalent to the source
// daemon's registered cleanup, so callers that can't structure a defer
// around the whole program lifetime (e.g. a long-lived worker) can use this
// instead.
func ReleaseOnSignal(l *Lease) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
		_ = l.Close()
	}()
}

// AcquireLease ensures the daemon is running, then acquires a lease and
// starts heartbeating it in the background. Callers must Close the
// returned lease when done with the stack.
func (c *Client) AcquireLease(ctx context.Context, meta map[string]any) (*Lease, error) {
	if err := c.EnsureDaemonRunning(ctx); err != nil {
		return nil, err
	}

	body := map[string]any{}
	if meta != nil {
		body["meta"] = meta
	}

	status, resp := c.doHTTP(ctx, http.MethodPost, "/lease/acquire", body, 1200*time.Millisecond)
	id, _ := resp["lease_id"].(string)
	if status != http.StatusOK || id == "" {
		return nil, fmt.Errorf("client: lease acquire failed status=%d body=%v", status, resp)
	}

	hb := c.cfg.HeartbeatInterval
	if s, ok := resp["heartbeat_s"].(float64); ok && s > 0 {
		hb = time.Duration(s * float64(time.Second))
	}

	l := &Lease{ID: id, HeartbeatInterval: hb, client: c, stop: make(chan struct{})}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(hb)
		defer ticker.Stop()
		for {
			select {
			case <-l.stop:
				return
			case <-ticker.C:
				c.doHTTP(context.Background(), http.MethodPost, "/lease/heartbeat",
					map[string]any{"lease_id": id}, 600*time.Millisecond)
			}
		}
	}()

	return l, nil
}

// EnsureStack ensures the daemon is running, triggers an /ensure run for the
// given Ollama model (empty string to skip warming a model), and polls
// /status until the services are ready, the warm (if requested) has
// completed, and no ensure run is in flight. It returns an error describing
// the failed stage if the daemon reports last_error, or on timeout.
func (c *Client) EnsureStack(ctx context.Context, ollamaModel string) error {
	if err := c.EnsureDaemonRunning(ctx); err != nil {
		return err
	}

	c.doHTTP(ctx, http.MethodPost, "/ensure", map[string]any{"ollama_model": ollamaModel}, 1200*time.Millisecond)

	deadline := time.Now().Add(c.cfg.StatusPollTimeout)
	for time.Now().Before(deadline) {
		status, body := c.doHTTP(ctx, http.MethodGet, "/status", nil, 1200*time.Millisecond)
		if status == http.StatusOK && body != nil {
			if lastErr, _ := body["last_error"].(string); lastErr != "" {
				if ensuring, _ := body["ensuring"].(bool); !ensuring {
					return fmt.Errorf("client: daemon ensure failed at stage=%v: %s (logs=%v)",
						body["stage"], lastErr, body["logs"])
				}
			}
			if stackReady(body, ollamaModel) {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(150 * time.Millisecond):
		}
	}

	_, body := c.doHTTP(ctx, http.MethodGet, "/status", nil, 1200*time.Millisecond)
	return fmt.Errorf("client: stack ensure timed out, status=%v", body)
}

func stackReady(body map[string]any, ollamaModel string) bool {
	ensuring, _ := body["ensuring"].(bool)
	if ensuring {
		return false
	}

	services, _ := body["services"].(map[string]any)
	if services == nil {
		return false
	}
	if !serviceRunning(services, "stt") || !serviceRunning(services, "tts") || !serviceRunning(services, "llm") {
		return false
	}

	if ollamaModel == "" {
		return true
	}
	warm, _ := body["warm"].(map[string]any)
	done, _ := warm["done"].(bool)
	return done
}

func serviceRunning(services map[string]any, name string) bool {
	svc, _ := services[name].(map[string]any)
	running, _ := svc["running"].(bool)
	return running
}

// Status fetches the daemon's current /status document.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	status, body := c.doHTTP(ctx, http.MethodGet, "/status", nil, c.cfg.RequestTimeout)
	if status != http.StatusOK || body == nil {
		return nil, fmt.Errorf("client: status request failed status=%d", status)
	}
	return body, nil
}

// ReleaseLease releases a lease by ID without requiring the *Lease value
// returned from AcquireLease, e.g. for a CLI releasing a lease acquired in a
// separate invocation.
func (c *Client) ReleaseLease(ctx context.Context, leaseID string) error {
	status, _ := c.doHTTP(ctx, http.MethodPost, "/lease/release", map[string]any{"lease_id": leaseID}, c.cfg.RequestTimeout)
	if status != http.StatusOK {
		return fmt.Errorf("client: release lease %s failed status=%d", leaseID, status)
	}
	return nil
}

// AcquireAndEnsure combines AcquireLease and EnsureStack: it acquires a
// lease first (so the daemon won't tear the stack down mid-ensure), then
// waits for the stack to become ready. On ensure failure the lease is
// released before returning the error.
func (c *Client) AcquireAndEnsure(ctx context.Context, ollamaModel string, meta map[string]any) (*Lease, error) {
	lease, err := c.AcquireLease(ctx, meta)
	if err != nil {
		return nil, err
	}

	if err := c.EnsureStack(ctx, ollamaModel); err != nil {
		_ = lease.Close()
		return nil, err
	}

	return lease, nil
}

// Command daemonsupd is the service-supervisor daemon: it owns the
// speech-to-text, text-to-speech, and language-model drivers, arbitrates
// access to them through leases, and exposes a loopback HTTP control plane
// for agent processes to acquire a lease, trigger an ensure run, and poll
// status.
//
// Usage:
//
//	daemonsupd [options]
//
// Options:
//
//	--config=PATH     Path to config file (default: /etc/daemonsup/config.yaml)
//	--log-level=LEVEL Log level: debug, info, warn, error (default: info)
//	--help            Show this help message
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/daemonsup/daemonsup/internal/config"
	"github.com/daemonsup/daemonsup/internal/control"
	"github.com/daemonsup/daemonsup/internal/drivers"
	"github.com/daemonsup/daemonsup/internal/supervisor"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

var (
	configPath = flag.String("config", config.ConfigFilePath, "Path to configuration file")
	logLevel   = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	showHelp   = flag.Bool("help", false, "Show help message")
)

func main() {
	flag.Parse()

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	logger := newLogger(*logLevel)
	logger.Info("daemonsupd starting", "version", Version, "commit", Commit)

	kc, err := config.NewKoanfConfig(config.WithYAMLFile(*configPath))
	if err != nil {
		logger.Error("load configuration", "error", err)
		os.Exit(1)
	}
	cfg, err := kc.Load()
	if err != nil {
		logger.Error("load configuration", "error", err)
		os.Exit(1)
	}
	logger.Info("configuration loaded", "path", *configPath, "daemon_addr", fmt.Sprintf("%s:%d", cfg.Daemon.Host, cfg.Daemon.Port))

	if err := os.MkdirAll(cfg.Log.Dir, 0750); err != nil {
		logger.Error("create log directory", "dir", cfg.Log.Dir, "error", err)
		os.Exit(1)
	}

	sttDriver := drivers.NewSTT(drivers.STTConfig{
		HealthURL:     cfg.STT.HealthURL,
		Cmdline:       cfg.STT.Cmd,
		Cwd:           cfg.STT.Cwd,
		LogPath:       filepath.Join(cfg.Log.Dir, "stt.log"),
		LogMaxSizeMB:  cfg.Log.MaxSizeMB,
		LogMaxBackups: cfg.Log.MaxBackups,
		ReadyTimeout:  cfg.STT.ReadyTimeout,
	}, logger.With("component", "stt"))

	ttsHost, ttsPort := mustSplitHostPort(cfg.TTS.BaseURL, logger)
	ttsDriver := drivers.NewTTS(drivers.TTSConfig{
		Host:          ttsHost,
		Port:          ttsPort,
		VoicesURL:     cfg.TTS.VoicesURL,
		ComposeFile:   cfg.TTS.ComposeFile,
		LogPath:       filepath.Join(cfg.Log.Dir, "tts.log"),
		LogMaxSizeMB:  cfg.Log.MaxSizeMB,
		LogMaxBackups: cfg.Log.MaxBackups,
		ReadyTimeout:  cfg.TTS.ReadyTimeout,
	}, logger.With("component", "tts"))

	llmDriver := drivers.NewLLM(drivers.LLMConfig{
		VersionURL:    cfg.LLM.VersionURL,
		GenerateURL:   cfg.LLM.GenerateURL,
		Cmdline:       cfg.LLM.Cmd,
		LogPath:       filepath.Join(cfg.Log.Dir, "llm.log"),
		LogMaxSizeMB:  cfg.Log.MaxSizeMB,
		LogMaxBackups: cfg.Log.MaxBackups,
		ManageServer:  cfg.LLM.ManageServer,
		ManageUnload:  cfg.LLM.ManageModelUnload,
		ReadyTimeout:  cfg.LLM.ReadyTimeout,
		WarmTimeout:   cfg.LLM.WarmTimeout,
		KeepAlive:     cfg.LLM.WarmKeepAlive,
	}, logger.With("component", "llm"))

	sup := supervisor.New(supervisor.Config{
		LeaseTTL:        cfg.Daemon.LeaseTTL,
		IdleTimeout:     cfg.Daemon.IdleTimeout,
		ShutdownTimeout: cfg.Daemon.ShutdownTimeout,
		Logger:          logger.With("component", "supervisor"),
	}, llmDriver, sttDriver, ttsDriver)

	ctrl := control.New(
		sup.Registry(),
		supervisorAdapter{sup},
		sttDriver, ttsDriver, llmDriver,
		control.Endpoints{
			STTHealthURL: cfg.STT.HealthURL,
			TTSVoicesURL: cfg.TTS.VoicesURL,
			LLMBaseURL:   cfg.LLM.APIBase,
			KeepAlive:    cfg.LLM.WarmKeepAlive,
			IdleTimeout:  cfg.Daemon.IdleTimeout,
			LeaseTTL:     cfg.Daemon.LeaseTTL,
			HeartbeatS:   int(cfg.Daemon.HeartbeatInterval.Seconds()),
			LogDir:       cfg.Log.Dir,
		},
		logger.With("component", "control"),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	addr := fmt.Sprintf("%s:%d", cfg.Daemon.Host, cfg.Daemon.Port)
	ready := make(chan struct{})
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- control.ListenAndServeReady(ctx, addr, ctrl, ready)
	}()

	select {
	case <-ready:
		logger.Info("control plane listening", "addr", addr)
	case err := <-serveErr:
		logger.Error("control plane failed to start", "error", err)
		os.Exit(1)
	}

	runErr := sup.Run(ctx)
	if runErr != nil {
		logger.Error("supervisor shutdown with error", "error", runErr)
	}

	if err := <-serveErr; err != nil {
		logger.Error("control plane shutdown with error", "error", err)
	}

	logger.Info("daemonsupd stopped")
}

// supervisorAdapter narrows *supervisor.Supervisor to control.Supervisor,
// converting the shared Status snapshot into the fields the control plane's
// /status handler needs.
type supervisorAdapter struct {
	sup *supervisor.Supervisor
}

func (a supervisorAdapter) Ensure(ctx context.Context, model string) bool { return a.sup.Ensure(ctx, model) }
func (a supervisorAdapter) Ensuring() bool                                { return a.sup.Ensuring() }

func (a supervisorAdapter) StatusSnapshot() control.StatusFields {
	st := a.sup.Status()
	return control.StatusFields{
		Stage:     st.Stage,
		LastError: st.LastError,
		WarmModel: st.WarmModel,
		WarmDone:  st.WarmDone,
	}
}

func mustSplitHostPort(rawURL string, logger *slog.Logger) (string, int) {
	u, err := url.Parse(rawURL)
	if err != nil {
		logger.Error("parse tts base url", "url", rawURL, "error", err)
		os.Exit(1)
	}
	host := u.Hostname()
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		logger.Error("tts base url missing a port", "url", rawURL, "error", err)
		os.Exit(1)
	}
	return host, port
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func printUsage() {
	fmt.Println("daemonsupd - local service-supervisor daemon")
	fmt.Printf("Version: %s (%s)\n\n", Version, Commit)
	fmt.Println("Usage: daemonsupd [options]")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Manages the speech-to-text, text-to-speech, and language-model")
	fmt.Println("services on demand and exposes a loopback HTTP control plane.")
	fmt.Println()
	fmt.Println("Signals:")
	fmt.Println("  SIGINT, SIGTERM  Graceful shutdown")
}

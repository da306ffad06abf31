package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/daemonsup/daemonsup/internal/config"
	"github.com/daemonsup/daemonsup/internal/menu"
)

// runConfigure either validates the configuration file at the default path
// (or one given via --config) and exits, or walks the operator through an
// interactive wizard that edits and saves it.
func runConfigure(args []string) error {
	path := config.ConfigFilePath
	validateOnly := false
	for i := 0; i < len(args); i++ {
		switch {
		case strings.HasPrefix(args[i], "--config="):
			path = strings.TrimPrefix(args[i], "--config=")
		case args[i] == "--config" && i+1 < len(args):
			i++
			path = args[i]
		case args[i] == "--validate":
			validateOnly = true
		}
	}

	if validateOnly {
		return runValidateConfig(path)
	}
	return runConfigureWizard(path, os.Stdin, os.Stdout)
}

func runValidateConfig(path string) error {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%s is invalid: %w", path, err)
	}
	fmt.Printf("%s is valid\n", path)
	return nil
}

// runConfigureWizard loads the existing configuration (or defaults, if none
// exists yet), prompts for each setting an operator is likely to change, and
// saves the result. It uses the same huh-backed prompt helpers the
// interactive menu uses, so it behaves consistently whether invoked directly
// or from the menu's "Configuration" submenu.
func runConfigureWizard(path string, r io.Reader, w io.Writer) error {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(w, "no existing configuration at %s, starting from defaults\n", path)
		cfg = config.DefaultConfig()
	}

	cfg.Daemon.Host = promptString(r, w, "Daemon host", cfg.Daemon.Host)
	cfg.Daemon.Port = promptInt(r, w, "Daemon port", cfg.Daemon.Port)
	cfg.Daemon.IdleTimeout = promptDuration(r, w, "Idle timeout before teardown", cfg.Daemon.IdleTimeout)
	cfg.Daemon.LeaseTTL = promptDuration(r, w, "Lease TTL", cfg.Daemon.LeaseTTL)

	cfg.STT.HealthURL = promptString(r, w, "STT health URL", cfg.STT.HealthURL)
	cfg.TTS.BaseURL = promptString(r, w, "TTS base URL", cfg.TTS.BaseURL)
	cfg.TTS.VoicesURL = promptString(r, w, "TTS voices URL", cfg.TTS.VoicesURL)
	cfg.LLM.APIBase = promptString(r, w, "LLM API base URL", cfg.LLM.APIBase)
	cfg.LLM.VersionURL = promptString(r, w, "LLM version URL", cfg.LLM.VersionURL)
	cfg.LLM.ManageServer = menu.Confirm(r, w, "Manage the LLM server process?")

	cfg.Log.Dir = promptString(r, w, "Log directory", cfg.Log.Dir)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration invalid after edit: %w", err)
	}

	if !menu.Confirm(r, w, fmt.Sprintf("Save to %s?", path)) {
		fmt.Fprintln(w, "discarded")
		return nil
	}
	backupPath, err := config.BackupBeforeSave(cfg, path, config.GetBackupDir(path))
	if err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	if backupPath != "" {
		fmt.Fprintf(w, "backed up previous config to %s\n", backupPath)
	}
	fmt.Fprintf(w, "saved %s\n", path)
	return nil
}

func promptString(r io.Reader, w io.Writer, prompt, current string) string {
	value := menu.Input(r, w, fmt.Sprintf("%s [%s]", prompt, current))
	if value == "" {
		return current
	}
	return value
}

func promptInt(r io.Reader, w io.Writer, prompt string, current int) int {
	value := menu.Input(r, w, fmt.Sprintf("%s [%d]", prompt, current))
	if value == "" {
		return current
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		fmt.Fprintf(w, "not a number, keeping %d\n", current)
		return current
	}
	return n
}

func promptDuration(r io.Reader, w io.Writer, prompt string, current time.Duration) time.Duration {
	value := menu.Input(r, w, fmt.Sprintf("%s [%s]", prompt, current))
	if value == "" {
		return current
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		fmt.Fprintf(w, "not a duration, keeping %s\n", current)
		return current
	}
	return d
}

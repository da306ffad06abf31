// Package runner spawns and supervises child processes on behalf of the
// service drivers: detached long-lived servers (STT, LLM) and short-lived
// blocking invocations (container-orchestrator commands). Children survive
// the daemon's terminal session being detached and have their stdout/stderr
// captured to size-rotated log files.
package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/daemonsup/daemonsup/internal/util"
)

// tracker records every process and log sink SpawnHidden opens, so a
// supervisor shutdown can confirm nothing it started was left running or
// held open.
var tracker = util.NewResourceTracker()

// LeakedResources reports the names of processes and log sinks SpawnHidden
// has opened that are still tracked: a process until its exit has been
// reaped, a log sink until Stop closes it. Intended for a
// shutdown-time sanity check, not routine polling.
func LeakedResources() []string {
	return tracker.LeakedResources()
}

// FailedExitCode is returned by RunBlocking when the command could not be
// launched at all, or timed out — a sentinel for "did not even get a real
// exit code".
const FailedExitCode = 999

// DefaultStopGrace is how long Stop waits after a graceful signal before
// force-killing.
const DefaultStopGrace = 4 * time.Second

// Handle represents a running detached child process.
type Handle struct {
	cmd    *exec.Cmd
	stdout io.WriteCloser
	stderr io.WriteCloser

	mu       sync.Mutex
	exited   bool
	exitCode int
}

// Pid returns the child's process id.
func (h *Handle) Pid() int {
	if h == nil || h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// hasExited reports whether the background Wait SpawnHidden starts has
// observed the child exit yet. Guarded by h.mu since it is published by the
// reaper goroutine and read by Running, ExitCode, and Stop concurrently.
func (h *Handle) hasExited() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exited
}

// Running reports whether the child is still alive.
func (h *Handle) Running() bool {
	if h == nil || h.cmd == nil || h.cmd.Process == nil {
		return false
	}
	return !h.hasExited()
}

// ExitCode returns the exited child's exit code, or -1 if it is still
// running or was never started.
func (h *Handle) ExitCode() int {
	if h == nil {
		return -1
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.exited {
		return -1
	}
	return h.exitCode
}

// openLogSink opens a rotating log sink for a caller-supplied log path
// (e.g. ".../stt.log") by splitting it into LogWriter's directory+name form,
// so SpawnHidden/RunBlocking share the exact same rotation entry point a
// caller working directly from a log directory would use.
func openLogSink(path string, opts ...RotatingWriterOption) (*RotatingWriter, error) {
	dir := filepath.Dir(path)
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return LogWriter(dir, name, opts...)
}

// SpawnHidden launches cmd[0] with the remaining elements as arguments,
// detached from the daemon's controlling session, with stdout/stderr
// captured to stdoutLog/stderrLog through a size-rotated sink (see
// RotatingWriter). It returns immediately; it does not wait for the child.
func SpawnHidden(cmdline []string, cwd string, stdoutLog, stderrLog string, opts ...RotatingWriterOption) (*Handle, error) {
	if len(cmdline) == 0 {
		return nil, fmt.Errorf("spawn: empty command line")
	}

	outWriter, err := openLogSink(stdoutLog, opts...)
	if err != nil {
		return nil, fmt.Errorf("spawn: open stdout log: %w", err)
	}
	errWriter := outWriter
	if stderrLog != stdoutLog {
		errWriter, err = openLogSink(stderrLog, opts...)
		if err != nil {
			_ = outWriter.Close()
			return nil, fmt.Errorf("spawn: open stderr log: %w", err)
		}
	}

	cmd := exec.Command(cmdline[0], cmdline[1:]...)
	cmd.Dir = cwd
	cmd.Stdin = nil
	cmd.Stdout = outWriter
	cmd.Stderr = errWriter
	cmd.Env = os.Environ()
	applyHiddenAttrs(cmd)

	if err := cmd.Start(); err != nil {
		_ = outWriter.Close()
		if errWriter != outWriter {
			_ = errWriter.Close()
		}
		return nil, fmt.Errorf("spawn: start %v: %w", cmdline, err)
	}

	h := &Handle{cmd: cmd, stdout: outWriter, stderr: errWriter}

	name := strconv.Itoa(cmd.Process.Pid)
	tracker.TrackProcess(name, cmd.Process)
	tracker.TrackResource(name+":stdout", outWriter)
	if errWriter != outWriter {
		tracker.TrackResource(name+":stderr", errWriter)
	}

	// Reap the child in the background so it never becomes a zombie, and
	// publish its exit state under h.mu for Running/ExitCode/Stop to read
	// safely from other goroutines instead of touching cmd.ProcessState.
	go func() {
		_ = cmd.Wait()

		h.mu.Lock()
		h.exited = true
		if cmd.ProcessState != nil {
			h.exitCode = cmd.ProcessState.ExitCode()
		} else {
			h.exitCode = -1
		}
		h.mu.Unlock()

		tracker.UntrackProcess(name)
	}()

	return h, nil
}

// RunBlocking runs cmdline to completion, capturing combined output to log
// through a size-rotated sink, and returns its exit code. It returns
// FailedExitCode if the command could not be started or did not finish
// within timeout.
func RunBlocking(ctx context.Context, cmdline []string, cwd string, log string, timeout time.Duration, opts ...RotatingWriterOption) int {
	if len(cmdline) == 0 {
		return FailedExitCode
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logWriter, err := openLogSink(log, opts...)
	if err != nil {
		return FailedExitCode
	}
	defer func() { _ = logWriter.Close() }()

	cmd := exec.CommandContext(runCtx, cmdline[0], cmdline[1:]...)
	cmd.Dir = cwd
	cmd.Stdout = logWriter
	cmd.Stderr = logWriter
	cmd.Env = os.Environ()

	if err := cmd.Run(); err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return FailedExitCode
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode()
		}
		return FailedExitCode
	}

	return 0
}

// Stop signals the child for graceful shutdown, waits up to grace, and
// force-kills if it hasn't exited by then. Calling Stop on an already-exited
// handle is a no-op.
func Stop(h *Handle, grace time.Duration) {
	if h == nil || h.cmd == nil || h.cmd.Process == nil {
		return
	}
	if grace <= 0 {
		grace = DefaultStopGrace
	}

	proc := h.cmd.Process

	// Already reaped: nothing to signal.
	if h.hasExited() {
		closeLogs(h)
		return
	}

	_ = signalGraceful(proc)

	deadline := time.After(grace)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-deadline:
			_ = proc.Kill()
			closeLogs(h)
			return
		case <-tick.C:
			if h.hasExited() {
				closeLogs(h)
				return
			}
		}
	}
}

func closeLogs(h *Handle) {
	name := strconv.Itoa(h.Pid())
	if h.stdout != nil {
		_ = h.stdout.Close()
		tracker.UntrackResource(name + ":stdout")
	}
	if h.stderr != nil && h.stderr != h.stdout {
		_ = h.stderr.Close()
		tracker.UntrackResource(name + ":stderr")
	}
}

// Tail returns the last maxBytes of path's contents, best-effort. It never
// returns an error: a missing or unreadable file yields an empty string,
// since it is only ever called from error paths that must not throw their
// own. It reads the active log file directly, independent of how (or
// whether) a RotatingWriter wrote it — rotated predecessors are not
// consulted.
func Tail(path string, maxBytes int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return ""
	}

	size := info.Size()
	offset := size - maxBytes
	if offset < 0 {
		offset = 0
	}

	if _, err := f.Seek(offset, 0); err != nil {
		return ""
	}

	buf := make([]byte, size-offset)
	n, _ := f.Read(buf)
	return string(buf[:n])
}

package runner

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRotatingWriterRotatesOnSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "daemon.log")

	w, err := NewRotatingWriter(path, WithMaxSize(10), WithMaxFiles(3))
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	defer func() { _ = w.Close() }()

	if _, err := w.Write([]byte("0123456789")); err != nil {
		t.Fatalf("write: %v", err)
	}
	// This write exceeds maxSize given the current contents, forcing rotation.
	if _, err := w.Write([]byte("more")); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("expected rotated file %s.1 to exist: %v", path, err)
	}
}

func TestLogWriterNamesFileAfterService(t *testing.T) {
	dir := t.TempDir()
	w, err := LogWriter(dir, "stt")
	if err != nil {
		t.Fatalf("log writer: %v", err)
	}
	defer func() { _ = w.Close() }()

	if w.path != filepath.Join(dir, "stt.log") {
		t.Fatalf("expected stt.log, got %s", w.path)
	}
}

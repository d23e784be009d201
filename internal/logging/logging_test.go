package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestNewWritesJSONToRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.log")
	logger, closeFn, err := New(Options{Level: "info", File: path})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	logger.Named("checkout").Info("sale recorded", zap.Int64("sale_id", 42))
	logger.Debug("hidden at info level")
	if err := closeFn(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one log line, got %d: %q", len(lines), data)
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["msg"] != "sale recorded" || entry["logger"] != "checkout" || entry["sale_id"] != 42.0 {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, _, err := New(Options{Level: "loud"}); err == nil {
		t.Fatalf("expected invalid level to be rejected")
	}
}

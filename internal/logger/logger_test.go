package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestInit_LevelAndFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentinel.log")
	if err := Init("warn", "json", path, 0); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { _ = Init("info", "text", "stderr", 0) })

	if defaultLogger.GetLevel() != logrus.WarnLevel {
		t.Errorf("level = %v, want warn", defaultLogger.GetLevel())
	}

	Info("dropped %d", 1)
	WithSymbol("AAPL.US").Warn("kept")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(data)
	if strings.Contains(out, "dropped") {
		t.Error("info line should be filtered at warn level")
	}
	if !strings.Contains(out, `"symbol":"AAPL.US"`) {
		t.Errorf("expected symbol field in %q", out)
	}
}

func TestInit_UnknownLevelFallsBackToInfo(t *testing.T) {
	if err := Init("chatty", "text", "stderr", 0); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if defaultLogger.GetLevel() != logrus.InfoLevel {
		t.Errorf("level = %v, want info", defaultLogger.GetLevel())
	}
}

package observability

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap/zapcore"

	"github.com/wirebound/relay/internal/config"
)

func TestSetupLoggerStdout(t *testing.T) {
	logger, err := SetupLogger(config.LogConfig{
		Level:   "debug",
		Format:  "console",
		Outputs: []string{"stdout"},
	})
	if err != nil {
		t.Fatalf("SetupLogger failed: %v", err)
	}
	if logger == nil {
		t.Fatal("SetupLogger returned nil logger")
	}
	logger.Debug("probe")
	_ = logger.Sync()
}

func TestSetupLoggerJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "relay.log")
	logger, err := SetupLogger(config.LogConfig{
		Level:   "info",
		Format:  "json",
		Outputs: []string{path},
	})
	if err != nil {
		t.Fatalf("SetupLogger failed: %v", err)
	}
	logger.Info("probe")
	_ = logger.Sync()
}

func TestSetupLoggerUnknownLevelDefaultsToInfo(t *testing.T) {
	logger, err := SetupLogger(config.LogConfig{
		Level:   "chatty",
		Outputs: []string{"stderr"},
	})
	if err != nil {
		t.Fatalf("SetupLogger failed: %v", err)
	}
	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Error("unknown level should default to info, debug must be disabled")
	}
}

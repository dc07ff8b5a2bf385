package obslog

import (
	"testing"

	"go.uber.org/zap/zapcore"

	"arbitrage/internal/config"
)

func TestNew_JSONFormatBuildsProductionLogger(t *testing.T) {
	logger, err := New(config.LoggingConfig{Level: "info", Format: "json"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if logger == nil {
		t.Fatal("expected a non-nil logger")
	}
	if !logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatal("expected info level to be enabled")
	}
	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("debug level must not be enabled at info level")
	}
}

func TestNew_InvalidLevelFallsBackToInfo(t *testing.T) {
	logger, err := New(config.LoggingConfig{Level: "not-a-level", Format: "json"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatal("expected fallback to info level")
	}
	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("debug must not be enabled with an invalid level falling back to info")
	}
}

func TestNew_DebugLevelEnablesDebug(t *testing.T) {
	logger, err := New(config.LoggingConfig{Level: "debug", Format: "console"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("expected debug level to be enabled")
	}
}

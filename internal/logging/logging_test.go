package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewFallsBackToInfo(t *testing.T) {
	logger, err := New(Config{Level: "chatty", Encoding: "xml"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if !logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("info level should be enabled")
	}
	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatalf("debug level should be disabled")
	}
}

func TestNewHonoursLevel(t *testing.T) {
	logger, err := New(Config{Level: "debug", Encoding: "json"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatalf("debug level should be enabled")
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatalf("OrNop(nil) returned nil")
	}
}

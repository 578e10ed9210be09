package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(testContext *testing.T) {
	testCases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		" WARN ":  zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for input, expected := range testCases {
		if got := ParseLevel(input); got != expected {
			testContext.Fatalf("ParseLevel(%q) = %s, want %s", input, got, expected)
		}
	}
}

func TestNewLoggerHonoursLevel(testContext *testing.T) {
	logger, err := NewLogger("warn", FormatConsole)
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		testContext.Fatalf("expected info to be disabled at warn level")
	}
	if !logger.Core().Enabled(zapcore.WarnLevel) {
		testContext.Fatalf("expected warn to be enabled")
	}
}

func TestComponentNamesLogger(testContext *testing.T) {
	if Component(nil, "sync") == nil {
		testContext.Fatalf("expected a logger for nil input")
	}
}

package ops

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/sandwichfarm/strand/internal/config"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config *config.Logging
	}{
		{
			name:   "text format",
			config: &config.Logging{Level: "info", Format: "text"},
		},
		{
			name:   "json format",
			config: &config.Logging{Level: "debug", Format: "json"},
		},
		{
			name:   "warn level",
			config: &config.Logging{Level: "warn", Format: "text"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.config)
			if logger == nil {
				t.Fatal("expected logger to be created")
			}

			if logger.format != tt.config.Format {
				t.Errorf("expected format %s, got %s", tt.config.Format, logger.format)
			}
		})
	}
}

func TestLoggerWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&config.Logging{Level: "info", Format: "text"}, &buf)

	logger.WithComponent("dispatcher").Info("test message")

	output := buf.String()
	if !strings.Contains(output, "test message") {
		t.Errorf("expected log output to contain 'test message', got: %s", output)
	}
	if !strings.Contains(output, "component=dispatcher") {
		t.Errorf("expected log output to contain component, got: %s", output)
	}
}

func TestIsDebugEnabled(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		expected bool
	}{
		{"debug level", "debug", true},
		{"info level", "info", false},
		{"warn level", "warn", false},
		{"error level", "error", false},
		{"unknown level", "verbose", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(&config.Logging{Level: tt.level, Format: "text"})

			if logger.IsDebugEnabled() != tt.expected {
				t.Errorf("expected IsDebugEnabled to be %v, got %v", tt.expected, logger.IsDebugEnabled())
			}
		})
	}
}

func TestLoggerHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&config.Logging{Level: "debug", Format: "json"}, &buf)

	logger.LogStorageOperation("save_event", 100, nil)
	logger.LogRelayConnection("wss://relay.test", true, nil)
	logger.LogBatch("filter-1", 10, 8)
	logger.LogIngestionRejected("event123", 0, errors.New("bad json"))
	logger.LogMiningResult(16, 42, 50, nil)
	logger.LogPublish("event123", 1, nil)
	logger.LogStartup("v1.0.0", "abc123", map[string]interface{}{"key": "value"})
	logger.LogShutdown("test shutdown")

	output := buf.String()
	for _, want := range []string{"batch dispatched", "event rejected", "mining completed", "event published"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected output to contain %q", want)
		}
	}
}

func TestDiscard(t *testing.T) {
	logger := Discard()
	logger.Error("nothing to see")
	if logger.IsDebugEnabled() {
		t.Error("discard logger should not report debug")
	}
}

package logging

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)
	logger.SetLevel(LevelInfo)

	// Debug should be filtered
	logger.Debug("debug message")
	if buf.Len() > 0 {
		t.Error("debug message should be filtered at INFO level")
	}

	// Info should pass
	logger.Info("info message")
	if buf.Len() == 0 {
		t.Error("info message should be logged")
	}

	output := buf.String()
	if !strings.Contains(output, "INFO") {
		t.Error("log should contain INFO level")
	}
	if !strings.Contains(output, "info message") {
		t.Error("log should contain the message")
	}
}

func TestLogger_WithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := New().WithComponent("dispatcher")
	logger.SetOutput(&buf)

	logger.Info("test message")

	output := buf.String()
	if !strings.Contains(output, "[dispatcher]") {
		t.Errorf("expected component 'dispatcher' in log, got: %s", output)
	}
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)

	logger.Info("invoke", map[string]interface{}{
		"provider": "github",
	})

	output := buf.String()
	if !strings.Contains(output, "provider=github") {
		t.Errorf("expected field 'provider=github' in log, got: %s", output)
	}
}

func TestLogger_Format(t *testing.T) {
	var buf bytes.Buffer
	logger := New().WithComponent("test")
	logger.SetOutput(&buf)

	logger.Info("hello world", map[string]interface{}{"key": "value"})

	output := buf.String()
	// Format: LEVEL TIMESTAMP [component] message key=value
	if !strings.HasPrefix(output, "INFO ") {
		t.Errorf("expected line to start with 'INFO ', got: %s", output)
	}
	if !strings.Contains(output, "[test]") {
		t.Errorf("expected component [test], got: %s", output)
	}
	if !strings.Contains(output, "hello world") {
		t.Errorf("expected message, got: %s", output)
	}
	if !strings.Contains(output, "key=value") {
		t.Errorf("expected key=value, got: %s", output)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"", LevelInfo},
		{"nonsense", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLogger_TaskLifecycle(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)
	logger.SetLevel(LevelDebug)

	logger.TaskSubmitted("task-1", "github", "tools/call", 5)
	logger.TaskDispatched("task-1", "agent-12")
	logger.TaskFinalized("task-1", "succeeded", 1, 42*time.Millisecond)

	output := buf.String()
	if !strings.Contains(output, "task_submitted") {
		t.Error("expected task_submitted log")
	}
	if !strings.Contains(output, "task_dispatched") {
		t.Error("expected task_dispatched log")
	}
	if !strings.Contains(output, "task_finalized") {
		t.Error("expected task_finalized log")
	}
	if !strings.Contains(output, "duration=") {
		t.Error("expected duration in log")
	}
}

func TestLogger_RetryScheduled(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)

	logger.RetryScheduled("task-2", 2, 200*time.Millisecond, "PROVIDER_TIMEOUT")

	output := buf.String()
	if !strings.Contains(output, "retry_scheduled") {
		t.Error("expected retry_scheduled log")
	}
	if !strings.Contains(output, "attempt=2") {
		t.Errorf("expected attempt field, got: %s", output)
	}
}

func TestLogger_AgentDeath(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)

	logger.AgentDead("agent-7", "supervisor-1", time.Now().Add(-30*time.Second))

	output := buf.String()
	if !strings.Contains(output, "WARN") {
		t.Error("agent death should be WARN level")
	}
	if !strings.Contains(output, "agent=agent-7") {
		t.Errorf("expected agent field, got: %s", output)
	}
}

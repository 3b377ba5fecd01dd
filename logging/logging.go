// Package logging provides real-time console output for the orchestration
// core. The task ledger is THE forensic record; this package exists so an
// operator watching the process can follow dispatch, retries, and provider
// health as they happen.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// ParseLevel converts a config string into a Level. Unknown strings fall
// back to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger provides structured logging to stdout.
type Logger struct {
	mu        sync.Mutex
	output    io.Writer
	minLevel  Level
	component string
	traceID   string
}

// levelPriority maps levels to numeric priority for filtering.
var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// New creates a new Logger.
func New() *Logger {
	return &Logger{
		output:   os.Stdout,
		minLevel: LevelInfo,
	}
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		output:    l.output,
		minLevel:  l.minLevel,
		component: component,
		traceID:   l.traceID,
	}
}

// WithTraceID returns a new logger with the given trace ID.
func (l *Logger) WithTraceID(traceID string) *Logger {
	return &Logger{
		output:    l.output,
		minLevel:  l.minLevel,
		component: l.component,
		traceID:   traceID,
	}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.minLevel = level
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// formatFields formats a map of fields as key=value pairs.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	var parts []string
	for k, v := range fields {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return " " + strings.Join(parts, " ")
}

// log writes a log entry in traditional format: LEVEL TIMESTAMP [component] message key=value ...
func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	if levelPriority[level] < levelPriority[l.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var fieldStr string
	if len(fields) > 0 && fields[0] != nil {
		fieldStr = formatFields(fields[0])
	}

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.output.Write([]byte(line))
}

// --- Lifecycle logging methods ---
// Thin wrappers the components call at their state transitions so the
// console output stays uniform across the codebase.

// TaskSubmitted logs a task entering the queue.
func (l *Logger) TaskSubmitted(taskID, provider, operation string, priority int) {
	l.Debug("task_submitted", map[string]interface{}{
		"task":      taskID,
		"provider":  provider,
		"operation": operation,
		"priority":  priority,
	})
}

// TaskDispatched logs a task being handed to an agent.
func (l *Logger) TaskDispatched(taskID, agentID string) {
	l.Debug("task_dispatched", map[string]interface{}{
		"task":  taskID,
		"agent": agentID,
	})
}

// TaskFinalized logs a terminal outcome.
func (l *Logger) TaskFinalized(taskID, status string, attempts int, duration time.Duration) {
	l.Info("task_finalized", map[string]interface{}{
		"task":     taskID,
		"status":   status,
		"attempts": attempts,
		"duration": duration.String(),
	})
}

// RetryScheduled logs a retry decision.
func (l *Logger) RetryScheduled(taskID string, attempt int, delay time.Duration, reason string) {
	l.Info("retry_scheduled", map[string]interface{}{
		"task":    taskID,
		"attempt": attempt,
		"delay":   delay.String(),
		"reason":  reason,
	})
}

// ProviderState logs a provider connection state change.
func (l *Logger) ProviderState(provider, from, to string) {
	l.Info("provider_state", map[string]interface{}{
		"provider": provider,
		"from":     from,
		"to":       to,
	})
}

// AgentDead logs a missed heartbeat deadline.
func (l *Logger) AgentDead(agentID, supervisor string, lastSeen time.Time) {
	l.Warn("agent_dead", map[string]interface{}{
		"agent":      agentID,
		"supervisor": supervisor,
		"last_seen":  lastSeen.UTC().Format(time.RFC3339),
	})
}

// AgentRespawned logs a replacement agent taking over an identity slot.
func (l *Logger) AgentRespawned(agentID, supervisor string) {
	l.Info("agent_respawned", map[string]interface{}{
		"agent":      agentID,
		"supervisor": supervisor,
	})
}

// AgentMigrated logs an idle agent moving between shards.
func (l *Logger) AgentMigrated(agentID, fromShard, toShard string) {
	l.Info("agent_migrated", map[string]interface{}{
		"agent": agentID,
		"from":  fromShard,
		"to":    toShard,
	})
}

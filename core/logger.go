package core

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Logger is the minimal structured-logging contract used throughout this
// module. Fields are passed as alternating key/value pairs, following the
// convention established by every call site below.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// ComponentAwareLogger is a Logger that can be tagged with a component
// name, so log lines can be attributed to the mesh, the escalation
// manager, a protocol instance, and so on without every call site
// repeating the tag.
type ComponentAwareLogger interface {
	Logger
	WithComponent(name string) Logger
}

// NoOpLogger discards everything. It is the default when no logger is
// configured, so components never need a nil check before logging.
type NoOpLogger struct{}

func (NoOpLogger) Debug(string, ...interface{}) {}
func (NoOpLogger) Info(string, ...interface{})  {}
func (NoOpLogger) Warn(string, ...interface{})  {}
func (NoOpLogger) Error(string, ...interface{}) {}

func (n NoOpLogger) WithComponent(string) Logger { return n }

var (
	_ ComponentAwareLogger = NoOpLogger{}
	_ ComponentAwareLogger = (*ProductionLogger)(nil)
)

// ProductionLogger writes structured log lines to an io writer, either as
// JSON (for ingestion) or as a compact human-readable line (for local
// development).
type ProductionLogger struct {
	mu        sync.Mutex
	out       *os.File
	json      bool
	component string
}

// NewProductionLogger builds a ProductionLogger. jsonFormat selects JSON
// lines over human-readable ones.
func NewProductionLogger(jsonFormat bool) *ProductionLogger {
	return &ProductionLogger{out: os.Stderr, json: jsonFormat}
}

// WithComponent returns a logger that tags every subsequent line with
// name, leaving the receiver untouched.
func (l *ProductionLogger) WithComponent(name string) Logger {
	return &ProductionLogger{out: l.out, json: l.json, component: name}
}

func (l *ProductionLogger) logEvent(level, msg string, fields []interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := time.Now().UTC().Format(time.RFC3339Nano)
	if l.json {
		entry := map[string]interface{}{
			"timestamp": ts,
			"level":     level,
			"message":   msg,
		}
		if l.component != "" {
			entry["component"] = l.component
		}
		for i := 0; i+1 < len(fields); i += 2 {
			if key, ok := fields[i].(string); ok {
				entry[key] = fields[i+1]
			}
		}
		b, err := json.Marshal(entry)
		if err != nil {
			fmt.Fprintf(l.out, "%s [%s] %s (marshal error: %v)\n", ts, level, msg, err)
			return
		}
		fmt.Fprintln(l.out, string(b))
		return
	}

	comp := ""
	if l.component != "" {
		comp = "[" + l.component + "] "
	}
	line := fmt.Sprintf("%s %s %s%s", ts, level, comp, msg)
	for i := 0; i+1 < len(fields); i += 2 {
		line += fmt.Sprintf(" %v=%v", fields[i], fields[i+1])
	}
	fmt.Fprintln(l.out, line)
}

func (l *ProductionLogger) Debug(msg string, fields ...interface{}) { l.logEvent("DEBUG", msg, fields) }
func (l *ProductionLogger) Info(msg string, fields ...interface{})  { l.logEvent("INFO", msg, fields) }
func (l *ProductionLogger) Warn(msg string, fields ...interface{})  { l.logEvent("WARN", msg, fields) }
func (l *ProductionLogger) Error(msg string, fields ...interface{}) { l.logEvent("ERROR", msg, fields) }

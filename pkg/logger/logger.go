package logger

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level controls which log lines are emitted.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	mu    sync.Mutex
	out   io.Writer = os.Stderr
	level           = LevelInfo
)

// SetLevel sets the minimum emitted level. Accepts "debug", "info",
// "warn", "error"; unknown values keep the current level.
func SetLevel(name string) {
	mu.Lock()
	defer mu.Unlock()
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		level = LevelDebug
	case "info":
		level = LevelInfo
	case "warn", "warning":
		level = LevelWarn
	case "error":
		level = LevelError
	}
}

// SetOutput redirects log output, mainly for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if w != nil {
		out = w
	}
}

// DebugCF logs a debug line tagged with a component and structured fields.
func DebugCF(component, message string, fields map[string]interface{}) {
	emit(LevelDebug, "DEBUG", component, message, fields)
}

// InfoCF logs an info line tagged with a component and structured fields.
func InfoCF(component, message string, fields map[string]interface{}) {
	emit(LevelInfo, "INFO", component, message, fields)
}

// WarnCF logs a warning line tagged with a component and structured fields.
func WarnCF(component, message string, fields map[string]interface{}) {
	emit(LevelWarn, "WARN", component, message, fields)
}

// ErrorCF logs an error line tagged with a component and structured fields.
func ErrorCF(component, message string, fields map[string]interface{}) {
	emit(LevelError, "ERROR", component, message, fields)
}

func emit(lv Level, tag, component, message string, fields map[string]interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if lv < level {
		return
	}
	var b strings.Builder
	b.WriteString(time.Now().Format("2006-01-02T15:04:05.000Z07:00"))
	b.WriteString(" ")
	b.WriteString(tag)
	b.WriteString(" [")
	b.WriteString(component)
	b.WriteString("] ")
	b.WriteString(message)
	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, fields[k])
		}
	}
	b.WriteString("\n")
	_, _ = io.WriteString(out, b.String())
}

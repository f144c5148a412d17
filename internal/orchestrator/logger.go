package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DebugLogger appends timestamped coordinator and supervisor lines to the
// system's debug log. A nil logger, or one without a file, discards.
type DebugLogger struct {
	mu   sync.Mutex
	file *os.File
}

// DebugLogPath returns where the debug log of a system lives.
func DebugLogPath(systemPath string) string {
	return filepath.Join(systemPath, ".foreman", "logs", "orchestrator-debug.log")
}

// openDebugLog appends to the log file at path, creating its directory.
func openDebugLog(path string) (*DebugLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	l := &DebugLogger{file: f}
	l.Log("=== foreman session started at %s ===", time.Now().Format(time.RFC3339))
	return l, nil
}

// NewDebugLoggerForSystem opens the debug log of the system at systemPath.
// When the log cannot be opened it returns a discarding logger.
func NewDebugLoggerForSystem(systemPath string) *DebugLogger {
	l, err := openDebugLog(DebugLogPath(systemPath))
	if err != nil {
		return NopLogger()
	}
	return l
}

// NopLogger returns a logger that discards everything.
func NopLogger() *DebugLogger {
	return &DebugLogger{}
}

// Log writes one line.
func (l *DebugLogger) Log(format string, args ...any) {
	if l == nil || l.file == nil {
		return
	}
	line := fmt.Sprintf("[%s] %s\n", time.Now().Format("15:04:05.000"), fmt.Sprintf(format, args...))

	l.mu.Lock()
	defer l.mu.Unlock()
	l.file.WriteString(line)
}

// Close closes the log file.
func (l *DebugLogger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

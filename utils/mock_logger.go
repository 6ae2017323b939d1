package utils

import (
	"sync"

	"github.com/stretchr/testify/mock"
)

// MockLogger records calls through testify/mock. Tests that only care about
// what was logged can use the Entries slice instead of setting expectations;
// set Strict to route every call through mock.Called.
type MockLogger struct {
	mock.Mock
	Strict bool

	mu      sync.Mutex
	Entries []LogEntry
}

// LogEntry is one captured log call.
type LogEntry struct {
	Level   LogLevel
	Message string
	Args    []any
}

func (m *MockLogger) record(method string, level LogLevel, msg string, keysAndValues []any) {
	m.mu.Lock()
	m.Entries = append(m.Entries, LogEntry{Level: level, Message: msg, Args: keysAndValues})
	m.mu.Unlock()
	if m.Strict {
		m.MethodCalled(method, msg, keysAndValues)
	}
}

func (m *MockLogger) Debug(msg string, keysAndValues ...any) {
	m.record("Debug", LogLevelDebug, msg, keysAndValues)
}

func (m *MockLogger) Info(msg string, keysAndValues ...any) {
	m.record("Info", LogLevelInfo, msg, keysAndValues)
}

func (m *MockLogger) Warn(msg string, keysAndValues ...any) {
	m.record("Warn", LogLevelWarn, msg, keysAndValues)
}

func (m *MockLogger) Error(msg string, keysAndValues ...any) {
	m.record("Error", LogLevelError, msg, keysAndValues)
}

func (m *MockLogger) SetLevel(level LogLevel) {
	if m.Strict {
		m.Called(level)
	}
}

// Messages returns the captured messages at the given level.
func (m *MockLogger) Messages(level LogLevel) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.Entries {
		if e.Level == level {
			out = append(out, e.Message)
		}
	}
	return out
}

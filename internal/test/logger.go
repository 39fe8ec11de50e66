// Package test holds fixtures shared by the tests of several packages.
package test

import (
	"fmt"
	"slices"
	"sync"
)

// LogCall is one recorded log line.
type LogCall struct {
	Level string
	Msg   string
	Args  []any
}

// Attr returns the value logged under key.
func (c LogCall) Attr(key string) (any, bool) {
	for i := 0; i+1 < len(c.Args); i += 2 {
		if c.Args[i] == key {
			return c.Args[i+1], true
		}
	}
	return nil, false
}

// Logger records every log call. It is safe for concurrent use.
type Logger struct {
	mu    sync.Mutex
	calls []LogCall
}

func (l *Logger) Debug(msg string, args ...any) { l.record("debug", msg, args) }
func (l *Logger) Info(msg string, args ...any)  { l.record("info", msg, args) }
func (l *Logger) Warn(msg string, args ...any)  { l.record("warn", msg, args) }
func (l *Logger) Error(msg string, args ...any) { l.record("error", msg, args) }

func (l *Logger) record(level, msg string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, LogCall{Level: level, Msg: msg, Args: args})
}

// Calls returns the recorded calls of level, or all calls if level is empty.
func (l *Logger) Calls(level string) []LogCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level == "" {
		return slices.Clone(l.calls)
	}
	var calls []LogCall
	for _, c := range l.calls {
		if c.Level == level {
			calls = append(calls, c)
		}
	}
	return calls
}

// Find returns the first call with msg.
func (l *Logger) Find(msg string) (LogCall, error) {
	for _, c := range l.Calls("") {
		if c.Msg == msg {
			return c, nil
		}
	}
	return LogCall{}, fmt.Errorf("no log call %q", msg)
}

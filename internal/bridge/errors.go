package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies why an invocation failed.
type Kind string

const (
	// KindSpawn means the process could not be started.
	KindSpawn Kind = "spawn"
	// KindExit means the process exited with a non-zero code and wrote
	// nothing relevant to stderr.
	KindExit Kind = "exit"
	// KindStderr means the process wrote non-ignored text to stderr.
	KindStderr Kind = "stderr"
	// KindParse means stdout was not a single valid JSON document.
	KindParse Kind = "parse"
	// KindWait means the process exited cleanly but its output could not be
	// collected, e.g. a leftover child kept the pipes open.
	KindWait Kind = "wait"
)

// InvocationError describes a failed invocation.
type InvocationError struct {
	Name     string
	Kind     Kind
	ExitCode int
	Stderr   string
	Err      error
}

// Message returns the caller facing description without the script name.
func (e *InvocationError) Message() string {
	if e == nil {
		return ""
	}
	switch e.Kind {
	case KindStderr:
		return "error: " + strings.TrimRight(e.Stderr, " \r\n")
	case KindExit:
		msg := fmt.Sprintf("error: exit code %d", e.ExitCode)
		if errors.Is(e.Err, context.DeadlineExceeded) {
			msg += " (timed out)"
		}
		return msg
	case KindParse:
		return fmt.Sprintf("JSON parse error: %v", e.Err)
	case KindSpawn:
		return fmt.Sprintf("start failed: %v", e.Err)
	case KindWait:
		return fmt.Sprintf("error: wait failed: %v", e.Err)
	default:
		return fmt.Sprintf("invocation failed: %v", e.Err)
	}
}

// Error implements the error interface.
func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Name == "" {
		return e.Message()
	}
	return e.Name + ": " + e.Message()
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *InvocationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

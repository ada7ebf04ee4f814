package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnknownAgent = errors.New("unknown agent")
	ErrLimit        = errors.New("agent limit exceeded")
	ErrValidation   = errors.New("agent validation failed")
	ErrTimeout      = errors.New("agent timed out")
)

// ConfigError reports an agent name missing from the registry.
type ConfigError struct {
	Agent string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("agent %q is not registered", e.Agent)
}

func (e *ConfigError) Is(target error) bool { return target == ErrUnknownAgent }

const (
	LimitDepth      = "depth"
	LimitCalls      = "calls"
	LimitCycle      = "cycle"
	LimitNotAllowed = "not-allowed"
)

// LimitError reports an invocation rejected before its run function started.
type LimitError struct {
	Kind   string
	Agent  string
	Caller string
	Limit  int
	Path   []string
}

func (e *LimitError) Error() string {
	switch e.Kind {
	case LimitDepth:
		return fmt.Sprintf("agent %q exceeds max depth %d", e.Agent, e.Limit)
	case LimitCalls:
		return fmt.Sprintf("agent %q exceeds max calls %d", e.Agent, e.Limit)
	case LimitCycle:
		return fmt.Sprintf("agent cycle detected: %s", FormatPath(e.Path))
	case LimitNotAllowed:
		return fmt.Sprintf("%s cannot call %s", e.Caller, e.Agent)
	default:
		return fmt.Sprintf("agent %q rejected: %s", e.Agent, e.Kind)
	}
}

func (e *LimitError) Is(target error) bool { return target == ErrLimit }

const (
	PhaseInput  = "input"
	PhaseOutput = "output"
)

type ValidationError struct {
	Agent string
	Phase string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("agent %q %s validation: %v", e.Agent, e.Phase, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

type TimeoutError struct {
	Agent string
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("agent %q timed out after %s", e.Agent, e.Limit)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

func FormatPath(path []string) string {
	out := ""
	for i, name := range path {
		if i > 0 {
			out += " -> "
		}
		out += name
	}
	return out
}

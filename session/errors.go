package session

import "errors"

var (
	ErrNotIdle        = errors.New("agent is not idle")
	ErrNotRunning     = errors.New("agent is not running")
	ErrEmptyPrompt    = errors.New("prompt cannot be empty")
	ErrNoProgram      = errors.New("no program configured")
	ErrStopInProgress = errors.New("agent is stopping")
)

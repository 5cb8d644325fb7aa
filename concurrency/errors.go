package concurrency

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"regexp"
	"syscall"
)

// ErrorKind is the closed classification every failure is reduced to before a
// retry or circuit decision is made.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindAuthentication
	KindTransientNetwork
	KindTimeout
	KindConfiguration
	KindResourceLeak
	KindPermanent
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindTransientNetwork:
		return "transient_network"
	case KindTimeout:
		return "timeout"
	case KindConfiguration:
		return "configuration"
	case KindResourceLeak:
		return "resource_leak"
	case KindPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Transient reports whether errors of this kind are expected to succeed on retry.
func (k ErrorKind) Transient() bool {
	return k == KindTransientNetwork || k == KindTimeout
}

// Error is a classified failure.
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Op, msg, e.Kind)
	}
	return fmt.Sprintf("%s (%s)", msg, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match on kind alone: errors.Is(err, &Error{Kind: KindTimeout}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// NewError builds a classified error.
func NewError(kind ErrorKind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

var (
	ErrCircuitOpen  = NewError(KindAuthentication, "", "circuit breaker is open: authentication failures exceeded threshold", nil)
	ErrResourceLeak = errors.New("resource could not be released")
)

// ConfigurationError reports invalid caller input. It is never retried.
func ConfigurationError(op, format string, args ...any) error {
	return NewError(KindConfiguration, op, fmt.Sprintf(format, args...), nil)
}

// TimeoutError reports a blocking wait that exceeded its budget.
func TimeoutError(op string, err error) error {
	return NewError(KindTimeout, op, "timed out", err)
}

var (
	authPattern = regexp.MustCompile(`(?i)(invalid[ _-]?api[ _-]?key|unauthori[sz]ed|\b401\b|authentication[ _-]?(failed|error)|` +
		`subscription (has )?expired|expired subscription|token validation failed|invalid (bearer )?token|` +
		`please run /login|not logged in|credit balance is too low)`)
	transientPattern = regexp.MustCompile(`(?i)(\b429\b|\b503\b|\b502\b|\b504\b|rate[ _-]?limit|too many requests|overloaded|` +
		`timed? ?out|timeout|network (is )?unreachable|connection (refused|reset|closed)|econnreset|econnrefused|` +
		`temporar(y|ily)|service unavailable|try again)`)
	permanentPattern = regexp.MustCompile(`(?i)(\b404\b|not found|permission denied|forbidden|\b403\b|invalid argument|` +
		`invalid[ _-]request|bad request|\b400\b|no such file)`)
)

// IsAuthText reports whether s reads as a credential or authorization failure.
func IsAuthText(s string) bool {
	return authPattern.MatchString(s)
}

// IsTransientText reports whether s reads as a retryable network condition.
func IsTransientText(s string) bool {
	return transientPattern.MatchString(s)
}

// ClassifyText classifies a raw message. Authentication wins over transient
// patterns so that "401 ... try again" never retries.
func ClassifyText(s string) ErrorKind {
	switch {
	case s == "":
		return KindUnknown
	case authPattern.MatchString(s):
		return KindAuthentication
	case transientPattern.MatchString(s):
		return KindTransientNetwork
	case permanentPattern.MatchString(s):
		return KindPermanent
	default:
		return KindUnknown
	}
}

// Classify maps any error onto an ErrorKind. Typed errors are checked before
// falling back to the message text.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, os.ErrPermission) || errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.EINVAL) {
		return KindPermanent
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.EHOSTUNREACH) {
		return KindTransientNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindTransientNetwork
	}
	return ClassifyText(err.Error())
}

// KindOf returns the kind carried by err, or KindUnknown.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// ParseErrorKind is the inverse of ErrorKind.String. Unrecognised names map
// to KindUnknown.
func ParseErrorKind(s string) ErrorKind {
	for k := KindUnknown; k <= KindPermanent; k++ {
		if k.String() == s {
			return k
		}
	}
	return KindUnknown
}

package concurrency

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
)

func TestClassifyText(t *testing.T) {
	tests := []struct {
		in   string
		want ErrorKind
	}{
		{"Invalid API key · Please run /login", KindAuthentication},
		{"401 Unauthorized", KindAuthentication},
		{"Your subscription has expired", KindAuthentication},
		{"OAuth token validation failed", KindAuthentication},
		{"rate limit exceeded, retry later", KindTransientNetwork},
		{"upstream returned 503", KindTransientNetwork},
		{"dial tcp: network is unreachable", KindTransientNetwork},
		{"request timed out", KindTransientNetwork},
		{"open foo: permission denied", KindPermanent},
		{"model not found (404)", KindPermanent},
		{"something odd happened", KindUnknown},
		{"", KindUnknown},
	}
	for _, tt := range tests {
		if got := ClassifyText(tt.in); got != tt.want {
			t.Errorf("ClassifyText(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestClassifyTypedErrors(t *testing.T) {
	if k := Classify(context.DeadlineExceeded); k != KindTimeout {
		t.Errorf("deadline exceeded classified as %v", k)
	}
	if k := Classify(fmt.Errorf("open: %w", os.ErrPermission)); k != KindPermanent {
		t.Errorf("permission error classified as %v", k)
	}
	if k := Classify(ConfigurationError("create_agent", "duplicate agent %q", "a")); k != KindConfiguration {
		t.Errorf("configuration error classified as %v", k)
	}
	if k := Classify(fmt.Errorf("exec: %w", ErrCircuitOpen)); k != KindAuthentication {
		t.Errorf("circuit open classified as %v", k)
	}
}

func TestErrorIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("wrap: %w", TimeoutError("wait_for_response", context.DeadlineExceeded))
	if !errors.Is(err, &Error{Kind: KindTimeout}) {
		t.Error("expected kind match")
	}
	if errors.Is(err, &Error{Kind: KindAuthentication}) {
		t.Error("unexpected kind match")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("expected wrapped cause to be reachable")
	}
	if KindOf(err) != KindTimeout {
		t.Errorf("KindOf = %v", KindOf(err))
	}
}

func TestParseErrorKindRoundTrip(t *testing.T) {
	for k := KindUnknown; k <= KindPermanent; k++ {
		if got := ParseErrorKind(k.String()); got != k {
			t.Errorf("ParseErrorKind(%q) = %v", k.String(), got)
		}
	}
	if got := ParseErrorKind("bogus"); got != KindUnknown {
		t.Errorf("ParseErrorKind(bogus) = %v", got)
	}
}

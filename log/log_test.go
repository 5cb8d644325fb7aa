package log

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEveryThrottles(t *testing.T) {
	e := NewEvery(50 * time.Millisecond)
	assert.True(t, e.ShouldLog())
	assert.False(t, e.ShouldLog())
	time.Sleep(60 * time.Millisecond)
	assert.True(t, e.ShouldLog())
}

func TestRedactSecrets(t *testing.T) {
	in := "claude -p hi ANTHROPIC_API_KEY=abc123 HOME=/root key sk-ant-0123456789abcdef"
	out := RedactSecrets(in)
	assert.Contains(t, out, "ANTHROPIC_API_KEY=***")
	assert.Contains(t, out, "HOME=/root")
	assert.Contains(t, out, "sk-***")
	assert.NotContains(t, out, "abc123")
	assert.NotContains(t, out, "0123456789abcdef")
}

func TestInitializeWriter(t *testing.T) {
	var buf bytes.Buffer
	InitializeWriter(&buf)
	InfoLog.Printf("hello %d", 1)
	WarningLog.Print("careful")
	assert.Contains(t, buf.String(), "INFO:")
	assert.Contains(t, buf.String(), "hello 1")
	assert.Contains(t, buf.String(), "WARNING:")
}

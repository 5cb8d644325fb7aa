package log

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

var (
	WarningLog = log.New(io.Discard, "", 0)
	InfoLog    = log.New(io.Discard, "", 0)
	ErrorLog   = log.New(io.Discard, "", 0)
	DebugLog   = log.New(io.Discard, "", 0)
)

var debugEnabled = os.Getenv("DEBUG") == "true" || os.Getenv("DEBUG") == "1"

var logFileName = filepath.Join(os.TempDir(), "squadron.log")

var globalLogFile *os.File

// Initialize should be called once at the beginning of the program to set up logging.
// defer Close() after calling this function. Output goes to squadron.log in the os
// temp directory, or stderr if that file cannot be opened.
func Initialize(daemon bool) {
	var out io.Writer
	f, err := os.OpenFile(logFileName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: using stderr for logging: %v\n", err)
		out = os.Stderr
	} else {
		out = f
		globalLogFile = f
	}
	setOutput(out, daemon)
}

// InitializeWriter points every logger at w. Tests use it to capture output.
func InitializeWriter(w io.Writer) {
	setOutput(w, false)
}

func setOutput(w io.Writer, daemon bool) {
	fmtS := "%s"
	if daemon {
		fmtS = "[DAEMON] %s"
	}
	flags := log.Ldate | log.Ltime | log.Lshortfile
	InfoLog = log.New(w, fmt.Sprintf(fmtS, "INFO:"), flags)
	WarningLog = log.New(w, fmt.Sprintf(fmtS, "WARNING:"), flags)
	ErrorLog = log.New(w, fmt.Sprintf(fmtS, "ERROR:"), flags)
	if debugEnabled {
		DebugLog = log.New(w, fmt.Sprintf(fmtS, "DEBUG:"), flags)
	} else {
		DebugLog = log.New(io.Discard, "", 0)
	}
}

func Close() {
	if globalLogFile == nil {
		return
	}
	_ = globalLogFile.Close()
	globalLogFile = nil
	fmt.Fprintln(os.Stderr, "wrote logs to "+logFileName)
}

// FileName returns the path of the log file.
func FileName() string {
	return logFileName
}

// Every is used to log at most once every timeout duration.
type Every struct {
	mu      sync.Mutex
	timeout time.Duration
	last    time.Time
}

func NewEvery(timeout time.Duration) *Every {
	return &Every{timeout: timeout}
}

// ShouldLog returns true if the timeout has passed since the last log.
func (e *Every) ShouldLog() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	if e.last.IsZero() || now.Sub(e.last) >= e.timeout {
		e.last = now
		return true
	}
	return false
}

// IsDebugEnabled returns true if debug logging is enabled.
func IsDebugEnabled() bool {
	return debugEnabled
}

var (
	apiKeyPattern = regexp.MustCompile(`sk-[A-Za-z0-9_\-]{8,}`)
	secretEnvKeys = []string{"KEY", "TOKEN", "SECRET", "PASSWORD"}
)

// RedactSecrets masks API keys and secret-looking KEY=value pairs so command
// lines and environments can be logged.
func RedactSecrets(message string) string {
	message = apiKeyPattern.ReplaceAllString(message, "sk-***")
	words := strings.Fields(message)
	for i, word := range words {
		name, _, ok := strings.Cut(word, "=")
		if !ok {
			continue
		}
		upper := strings.ToUpper(name)
		for _, k := range secretEnvKeys {
			if strings.Contains(upper, k) {
				words[i] = name + "=***"
				break
			}
		}
	}
	return strings.Join(words, " ")
}

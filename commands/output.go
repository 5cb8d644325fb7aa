package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ByteMirror/squadron/config"
	"github.com/ByteMirror/squadron/daemon"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#51bd73", Dark: "#51bd73"})
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#F0A868"))
	badStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#de613e"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#888888", Dark: "#888888"})
)

// printer renders command output. Styling is only applied on a terminal;
// --json forces raw JSON.
type printer struct {
	w      io.Writer
	styled bool
	json   bool
}

func newPrinter(cmd *cobra.Command) *printer {
	asJSON, _ := cmd.Flags().GetBool("json")
	return &printer{
		w:      cmd.OutOrStdout(),
		styled: term.IsTerminal(int(os.Stdout.Fd())),
		json:   asJSON,
	}
}

func (p *printer) render(s lipgloss.Style, text string) string {
	if !p.styled {
		return text
	}
	return s.Render(text)
}

func (p *printer) header(text string) {
	fmt.Fprintln(p.w, p.render(headerStyle, text))
}

func (p *printer) line(format string, args ...any) {
	fmt.Fprintf(p.w, format+"\n", args...)
}

func (p *printer) printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	_, err = fmt.Fprintln(p.w, string(data))
	return err
}

// state colours a status or breaker name by severity.
func (p *printer) state(name string) string {
	switch strings.ToUpper(name) {
	case "RUNNING", "CLOSED", "HEALTHY":
		return p.render(okStyle, name)
	case "IDLE", "STARTING", "HALF_OPEN", "DEGRADED", "WARNING":
		return p.render(warnStyle, name)
	case "FAILED", "OPEN", "CRITICAL", "EMERGENCY":
		return p.render(badStyle, name)
	}
	return p.render(dimStyle, name)
}

// newClient dials the socket named by --socket or the configured default.
func newClient(cmd *cobra.Command) *daemon.Client {
	socketPath, _ := cmd.Flags().GetString("socket")
	if socketPath == "" {
		socketPath = config.LoadConfig().Socket()
	}
	return daemon.NewClient(socketPath)
}

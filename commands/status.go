package commands

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ByteMirror/squadron/daemon"
	"github.com/ByteMirror/squadron/orchestrator"

	"github.com/spf13/cobra"
)

var resolveFlag bool

// StatsCmd prints squad-wide task and agent counters.
var StatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show squad statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := newClient(cmd).GetSystemStats()
		if err != nil {
			return err
		}
		p := newPrinter(cmd)
		if p.json {
			return p.printJSON(stats)
		}
		p.systemStats(stats)
		return nil
	},
}

// HealthCmd prints the latest system health snapshot, or checks one agent.
var HealthCmd = &cobra.Command{
	Use:   "health [agent-id]",
	Short: "Show system health or check one agent",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient(cmd)
		p := newPrinter(cmd)
		if len(args) == 1 {
			report, err := client.HealthCheck(args[0])
			if err != nil {
				return err
			}
			if p.json {
				return p.printJSON(report)
			}
			p.healthReport(report)
			return nil
		}
		health, err := client.GetSystemHealth()
		if err != nil {
			return err
		}
		if p.json {
			return p.printJSON(health)
		}
		return p.systemHealth(health)
	},
}

// AckCmd acknowledges or resolves a health alert.
var AckCmd = &cobra.Command{
	Use:   "ack <alert-id>",
	Short: "Acknowledge a health alert",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient(cmd).AcknowledgeAlert(args[0], resolveFlag); err != nil {
			return err
		}
		if resolveFlag {
			newPrinter(cmd).line("alert %s resolved", args[0])
		} else {
			newPrinter(cmd).line("alert %s acknowledged", args[0])
		}
		return nil
	},
}

func (p *printer) systemStats(s *orchestrator.SystemStats) {
	p.header("Squad")
	p.line("agents:     %d %s", s.TotalAgents, p.render(dimStyle, formatCounts(s.ByStatus)))
	p.line("roles:      %s", formatCounts(s.ByRole))
	p.line("tasks:      %d completed, %d errored (%.1f%% success)", s.CompletedTasks, s.ErroredTasks, s.SuccessRate)
	circuits := fmt.Sprintf("%d open", s.OpenCircuits)
	if s.OpenCircuits > 0 {
		circuits = p.render(badStyle, circuits)
	}
	p.line("circuits:   %s", circuits)
	p.line("resources:  %d tracked, %d leaked", s.Tracker.Total, s.Tracker.Leaked)
}

func (p *printer) healthReport(r *orchestrator.HealthReport) {
	verdict := p.render(okStyle, "healthy")
	if !r.IsHealthy {
		verdict = p.render(badStyle, "unhealthy")
	}
	p.header(r.AgentID)
	p.line("%s, %s, breaker %s", verdict, p.state(r.Status.String()), p.state(r.Breaker))
	p.line("response %s, cpu %.1f%%, memory %.1f MB, error rate %.1f%%",
		r.ResponseTime.Round(time.Millisecond), r.CPUPercent, r.MemoryMB, r.ErrorRate)
	if r.Error != "" {
		p.line("%s", p.render(badStyle, r.Error))
	}
	for _, rec := range r.Recommendations {
		p.line("  - %s", rec)
	}
}

func (p *printer) systemHealth(h *daemon.SystemHealthResult) error {
	s := h.Health
	p.header("System " + p.state(strings.ToUpper(string(s.Status))))
	p.line("cpu %.1f%%, memory %.1f%%, disk %.1f%%", s.System.CPUPercent, s.System.MemoryPercent, s.System.DiskPercent)
	alerts := fmt.Sprintf("%d active, %d critical", s.ActiveAlerts, s.Critical)
	if s.Critical > 0 {
		alerts = p.render(badStyle, alerts)
	}
	p.line("alerts: %s", alerts)
	p.line("bus: %d sent, %d delivered, %d pending responses",
		h.Bus.Sent, h.Bus.Delivered, h.Bus.PendingResponses)
	for _, e := range s.StageErrors {
		p.line("%s", p.render(warnStyle, e))
	}
	if len(s.Agents) == 0 {
		return nil
	}
	p.line("")
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, p.render(headerStyle, "AGENT\tROLE\tSTATUS\tUPTIME\tERRORS\tRESTARTS\tBREAKER"))
	for _, a := range s.Agents {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.1f%%\t%d\t%s\n",
			a.AgentID, a.Role, p.state(a.Status.String()), a.Uptime.Round(time.Second),
			a.ErrorRate, a.RestartCount, p.state(a.Breaker))
	}
	return tw.Flush()
}

// formatCounts renders a map as "k=v" pairs in key order.
func formatCounts(m map[string]int) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, m[k]))
	}
	return strings.Join(parts, " ")
}

func init() {
	AckCmd.Flags().BoolVar(&resolveFlag, "resolve", false, "Resolve the alert instead of acknowledging it")
}

package commands

import (
	"strings"
	"time"

	"github.com/ByteMirror/squadron/orchestrator"

	"github.com/spf13/cobra"
)

var poolPriorityFlag string

// PoolCmd shows the agent pool's load and recent results.
var PoolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Show the agent pool's load and recent results",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient(cmd)
		metrics, err := client.PoolMetrics()
		if err != nil {
			return err
		}
		results, err := client.PoolResults("", 10)
		if err != nil {
			return err
		}
		p := newPrinter(cmd)
		if p.json {
			return p.printJSON(map[string]any{"metrics": metrics, "results": results})
		}
		p.poolStatus(metrics, results)
		return nil
	},
}

var poolSubmitCmd = &cobra.Command{
	Use:   "submit <prompt...>",
	Short: "Queue a task on the agent pool",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID, err := newClient(cmd).SubmitPoolTask(strings.Join(args, " "), poolPriorityFlag)
		if err != nil {
			return err
		}
		newPrinter(cmd).line("%s", taskID)
		return nil
	},
}

func (p *printer) poolStatus(m *orchestrator.PoolMetrics, results []orchestrator.TaskResult) {
	p.header("Pool")
	p.line("agents: %d (%d busy, %d idle), queue %d", m.Total, m.Busy, m.Idle, m.QueueLength)
	p.line("tasks:  %d completed, %d failed, avg %s", m.Completed, m.Failed, m.AvgTaskDuration.Round(time.Millisecond))
	if m.RecommendedScaleDirection != orchestrator.ScaleNone {
		p.line("scale:  %s", p.render(warnStyle, m.RecommendedScaleDirection))
	}
	for _, r := range results {
		status := p.render(okStyle, "ok")
		if r.Error != "" {
			status = p.render(badStyle, r.Error)
		}
		p.line("%s %s %s %s", p.render(dimStyle, r.CompletedAt.Format(time.TimeOnly)), r.TaskID, r.AgentID, status)
	}
}

func init() {
	poolSubmitCmd.Flags().StringVar(&poolPriorityFlag, "priority", "normal", "low, normal, high or urgent")
	PoolCmd.AddCommand(poolSubmitCmd)
}

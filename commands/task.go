package commands

import (
	"sort"
	"strings"
	"time"

	"github.com/ByteMirror/squadron/daemon"
	"github.com/ByteMirror/squadron/session"

	"github.com/spf13/cobra"
)

var (
	taskIDFlag    string
	timeoutFlag   time.Duration
	rolesFlag     []string
	maxAgentsFlag int
)

// RunCmd executes one prompt on one agent and prints the result.
var RunCmd = &cobra.Command{
	Use:   "run <agent-id> <prompt...>",
	Short: "Run a task on an idle agent",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt := strings.Join(args[1:], " ")
		result, err := newClient(cmd).ExecuteTask(args[0], prompt, taskIDFlag, timeoutFlag)
		if err != nil {
			return err
		}
		p := newPrinter(cmd)
		if p.json {
			return p.printJSON(result)
		}
		p.taskResult(result)
		return nil
	},
}

// BroadcastCmd executes one prompt on every idle agent with a matching role.
var BroadcastCmd = &cobra.Command{
	Use:   "broadcast <prompt...>",
	Short: "Run a task on every idle agent with the given roles",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := newClient(cmd).BroadcastTask(strings.Join(args, " "), rolesFlag, maxAgentsFlag, timeoutFlag)
		if err != nil {
			return err
		}
		p := newPrinter(cmd)
		if p.json {
			return p.printJSON(result)
		}
		if len(result.Results) == 0 {
			p.line("No idle agents matched.")
			return nil
		}
		ids := make([]string, 0, len(result.Results))
		for id := range result.Results {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			p.taskResult(result.Results[id])
			p.line("")
		}
		return nil
	},
}

func (p *printer) taskResult(r *daemon.TaskResult) {
	status := p.render(okStyle, "done")
	switch {
	case r.TimedOut:
		status = p.render(warnStyle, "timed out")
	case r.Error != "":
		status = p.render(badStyle, "failed ("+r.ErrorKind+")")
	}
	p.header(r.AgentID + " " + r.TaskID)
	p.line("%s in %s", status, r.Duration.Round(time.Millisecond))
	for _, ev := range r.Events {
		if ev.Type == session.EventToolUse && ev.Metadata.ToolName != "" {
			p.line("%s", p.render(dimStyle, "  tool: "+ev.Metadata.ToolName))
		}
	}
	if r.Error != "" {
		p.line("%s", p.render(badStyle, r.Error))
	}
	if r.Result != "" {
		p.line("%s", r.Result)
	}
}

func init() {
	for _, c := range []*cobra.Command{RunCmd, BroadcastCmd} {
		c.Flags().DurationVarP(&timeoutFlag, "timeout", "t", 0, "Abandon the task after this long (default from daemon config)")
	}
	RunCmd.Flags().StringVar(&taskIDFlag, "task-id", "", "Id for the task")
	BroadcastCmd.Flags().StringSliceVarP(&rolesFlag, "roles", "r", nil, "Roles to target (default all)")
	BroadcastCmd.Flags().IntVarP(&maxAgentsFlag, "max-agents", "n", 0, "Maximum number of agents (0 for no limit)")
}

package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/ByteMirror/squadron/daemon"
	"github.com/ByteMirror/squadron/orchestrator"
	"github.com/ByteMirror/squadron/session"

	"github.com/spf13/cobra"
)

var (
	roleFlag        string
	programFlag     string
	modelFlag       string
	workDirFlag     string
	systemFlag      string
	autoRestartFlag bool
	startFlag       bool
	forceFlag       bool
)

// AgentsCmd lists the squad and groups the lifecycle subcommands.
var AgentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List and manage the agents registered with the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		agents, err := newClient(cmd).ListAgents()
		if err != nil {
			return err
		}
		p := newPrinter(cmd)
		if p.json {
			return p.printJSON(agents)
		}
		return p.agentTable(agents)
	},
}

var createAgentCmd = &cobra.Command{
	Use:   "create <agent-id>",
	Short: "Register a new agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		role, ok := orchestrator.ParseRole(roleFlag)
		if !ok {
			return fmt.Errorf("unknown role: %s", roleFlag)
		}
		info, err := newClient(cmd).CreateAgent(daemon.CreateAgentParams{
			AgentConfig: orchestrator.AgentConfig{
				AgentID: args[0],
				Role:    role,
				CLI: session.CLIOptions{
					Program:      programFlag,
					Model:        modelFlag,
					WorkDir:      workDirFlag,
					SystemPrompt: systemFlag,
				},
				AutoRestart: autoRestartFlag,
			},
			Start: startFlag,
		})
		if err != nil {
			return err
		}
		return newPrinter(cmd).agentResult(info)
	},
}

var startAgentCmd = &cobra.Command{
	Use:   "start <agent-id>",
	Short: "Start an agent, resetting it if it failed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := newClient(cmd).StartAgent(args[0])
		if err != nil {
			return err
		}
		return newPrinter(cmd).agentResult(info)
	},
}

var stopAgentCmd = &cobra.Command{
	Use:   "stop <agent-id>",
	Short: "Stop an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := newClient(cmd).StopAgent(args[0], forceFlag)
		if err != nil {
			return err
		}
		return newPrinter(cmd).agentResult(info)
	},
}

var removeAgentCmd = &cobra.Command{
	Use:   "remove <agent-id>",
	Short: "Stop an agent and remove it from the squad",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient(cmd).RemoveAgent(args[0]); err != nil {
			return err
		}
		newPrinter(cmd).line("%s removed", args[0])
		return nil
	},
}

var resetAgentCmd = &cobra.Command{
	Use:   "reset <agent-id>",
	Short: "Close an agent's circuit breaker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := newClient(cmd).ResetCircuit(args[0])
		if err != nil {
			return err
		}
		return newPrinter(cmd).agentResult(info)
	},
}

func (p *printer) agentResult(info *orchestrator.AgentInfo) error {
	if p.json {
		return p.printJSON(info)
	}
	p.line("%s %s (breaker %s)", info.Config.AgentID, p.state(info.Status.String()), p.state(info.Breaker))
	return nil
}

func (p *printer) agentTable(agents []orchestrator.AgentInfo) error {
	if len(agents) == 0 {
		p.line("No agents registered.")
		return nil
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, p.render(headerStyle, "AGENT\tROLE\tSTATUS\tTASKS\tERRORS\tBREAKER\tCURRENT"))
	for _, a := range agents {
		current := a.CurrentTaskID
		if a.Activity != nil {
			current += " " + a.Activity.Action
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d (%.0f%%)\t%s\t%s\n",
			a.Config.AgentID, a.Config.Role, p.state(a.Status.String()),
			a.TaskCount, a.ErrorCount, a.ErrorRate(), p.state(a.Breaker), p.render(dimStyle, current))
	}
	return tw.Flush()
}

func init() {
	createAgentCmd.Flags().StringVarP(&roleFlag, "role", "r", "worker", "Agent role: manager, worker, coordinator or specialist")
	createAgentCmd.Flags().StringVarP(&programFlag, "program", "p", "", "CLI to wrap (defaults to the configured program)")
	createAgentCmd.Flags().StringVar(&modelFlag, "model", "", "Model passed to the CLI")
	createAgentCmd.Flags().StringVar(&workDirFlag, "work-dir", "", "Directory the CLI runs in")
	createAgentCmd.Flags().StringVar(&systemFlag, "system-prompt", "", "Extra system prompt for every task")
	createAgentCmd.Flags().BoolVar(&autoRestartFlag, "auto-restart", false, "Let the health monitor restart the agent")
	createAgentCmd.Flags().BoolVar(&startFlag, "start", false, "Start the agent right away")
	stopAgentCmd.Flags().BoolVarP(&forceFlag, "force", "f", false, "Kill instead of terminating gracefully")

	AgentsCmd.AddCommand(createAgentCmd, startAgentCmd, stopAgentCmd, removeAgentCmd, resetAgentCmd)
}

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ByteMirror/squadron/commands"
	"github.com/ByteMirror/squadron/config"
	"github.com/ByteMirror/squadron/daemon"
	"github.com/ByteMirror/squadron/log"
	squadronmcp "github.com/ByteMirror/squadron/mcp"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	version        = "0.1.0"
	socketFlag     string
	backgroundFlag bool
	agentIDFlag    string
	tierFlag       int

	rootCmd = &cobra.Command{
		Use:          "squadron",
		Short:        "Squadron - a resilient supervisor for a squad of AI CLI agents",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// The daemon opens its own log file.
			if cmd.Name() != daemonCmd.Name() {
				log.Initialize(false)
			}
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			log.Close()
		},
	}

	daemonCmd = &cobra.Command{
		Use:   "daemon",
		Short: "Run the orchestrator daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if backgroundFlag {
				log.Initialize(false)
				if err := daemon.LaunchDaemon(); err != nil {
					return err
				}
				fmt.Println("daemon started")
				return nil
			}

			log.Initialize(true)
			cfg := config.LoadConfig()
			if socketFlag != "" {
				cfg.SocketPath = socketFlag
			}
			err := daemon.RunDaemon(cfg)
			if err != nil {
				log.ErrorLog.Printf("daemon exited: %v", err)
			}
			return err
		},
	}

	stopCmd = &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig()
			if err := daemon.StopDaemon(socketPath(cfg), cfg.ShutdownTimeout); err != nil {
				return err
			}
			fmt.Println("daemon has been stopped")
			return nil
		},
	}

	mcpCmd = &cobra.Command{
		Use:   "mcp",
		Short: "Serve the daemon's operations as MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if tierFlag < squadronmcp.TierRead || tierFlag > squadronmcp.TierControl {
				return fmt.Errorf("tier must be between %d and %d", squadronmcp.TierRead, squadronmcp.TierControl)
			}
			client := daemon.NewClient(socketPath(config.LoadConfig()))
			return squadronmcp.NewSquadronMCPServer(client, agentIDFlag, tierFlag).Serve()
		},
	}

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Print the config path and effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig()
			configDir, err := config.GetConfigDir()
			if err != nil {
				return fmt.Errorf("failed to get config directory: %w", err)
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			fmt.Printf("Config: %s\nLog: %s\n\n%s", filepath.Join(configDir, config.ConfigFileName), log.FileName(), data)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("config is invalid: %w", err)
			}
			return nil
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of squadron",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("squadron version %s\n", version)
		},
	}
)

func socketPath(cfg *config.Config) string {
	if socketFlag != "" {
		return socketFlag
	}
	return cfg.Socket()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketFlag, "socket", "", "Daemon socket path (defaults to the configured socket)")
	rootCmd.PersistentFlags().Bool("json", false, "Print raw JSON")

	daemonCmd.Flags().BoolVarP(&backgroundFlag, "background", "b", false, "Start the daemon as a detached process")
	mcpCmd.Flags().StringVar(&agentIDFlag, "agent-id", os.Getenv("SQUADRON_AGENT_ID"), "Agent id used as sender and mailbox")
	mcpCmd.Flags().IntVar(&tierFlag, "tier", squadronmcp.TierMessaging, "Tool tier: 1 read, 2 messaging, 3 control")

	rootCmd.AddCommand(daemonCmd, stopCmd, mcpCmd, configCmd, versionCmd)
	rootCmd.AddCommand(
		commands.AgentsCmd,
		commands.RunCmd,
		commands.BroadcastCmd,
		commands.StatsCmd,
		commands.HealthCmd,
		commands.AckCmd,
		commands.SendCmd,
		commands.InboxCmd,
		commands.HistoryCmd,
		commands.WatchCmd,
		commands.PoolCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

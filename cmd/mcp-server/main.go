package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/ByteMirror/squadron/config"
	"github.com/ByteMirror/squadron/daemon"
	"github.com/ByteMirror/squadron/log"
	squadronmcp "github.com/ByteMirror/squadron/mcp"
)

func main() {
	log.Initialize(false)
	defer log.Close()

	socketPath := os.Getenv("SQUADRON_SOCKET")
	if socketPath == "" {
		socketPath = config.LoadConfig().Socket()
	}

	agentID := os.Getenv("SQUADRON_AGENT_ID")

	tier := squadronmcp.TierMessaging
	if v := os.Getenv("SQUADRON_MCP_TIER"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < squadronmcp.TierRead || n > squadronmcp.TierControl {
			fmt.Fprintf(os.Stderr, "squadron-mcp: invalid SQUADRON_MCP_TIER %q\n", v)
			os.Exit(1)
		}
		tier = n
	}

	srv := squadronmcp.NewSquadronMCPServer(daemon.NewClient(socketPath), agentID, tier)
	if err := srv.Serve(); err != nil {
		fmt.Fprintf(os.Stderr, "squadron-mcp: %v\n", err)
		os.Exit(1)
	}
}

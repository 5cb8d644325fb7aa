package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/ByteMirror/squadron/brain"
	"github.com/ByteMirror/squadron/daemon"

	"github.com/spf13/cobra"
)

var (
	fromFlag      string
	toFlag        string
	msgTypeFlag   string
	priorityFlag  string
	routingFlag   string
	replyToFlag   string
	waitFlag      bool
	waitSecsFlag  int
	inboxSecsFlag int
	agentFlag     string
	historyType   string
	limitFlag     int
	eventTypeFlag []string
	sourcesFlag   []string
)

// SendCmd sends a message through the daemon's bus.
var SendCmd = &cobra.Command{
	Use:   "send <message...>",
	Short: "Send a message to an agent or the whole squad",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := daemon.SendMessageParams{
			From:             fromFlag,
			To:               toFlag,
			Type:             brain.ParseMessageType(msgTypeFlag),
			Text:             strings.Join(args, " "),
			Priority:         brain.ParsePriority(priorityFlag),
			Routing:          brain.RoutingStrategy(routingFlag),
			ParentMessageID:  replyToFlag,
			RequiresResponse: waitFlag,
			Wait:             waitFlag,
		}
		if waitFlag && waitSecsFlag > 0 {
			params.ResponseTimeout = time.Duration(waitSecsFlag) * time.Second
		}
		result, err := newClient(cmd).SendMessage(params)
		if err != nil {
			return err
		}
		p := newPrinter(cmd)
		if p.json {
			return p.printJSON(result)
		}
		p.line("%s delivered to %s", result.Message.MessageID, strings.Join(result.Recipients, ", "))
		switch {
		case result.Response != nil:
			p.message(*result.Response)
		case result.TimedOut:
			p.line("%s", p.render(warnStyle, "no reply before the timeout"))
		}
		return nil
	},
}

// InboxCmd takes the next message from an agent's mailbox.
var InboxCmd = &cobra.Command{
	Use:   "inbox <agent-id>",
	Short: "Receive the next message for an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		msg, err := newClient(cmd).ReceiveMessage(args[0], inboxSecsFlag)
		if err != nil {
			return err
		}
		p := newPrinter(cmd)
		if p.json {
			return p.printJSON(msg)
		}
		if msg == nil {
			p.line("No messages.")
			return nil
		}
		p.message(*msg)
		return nil
	},
}

// HistoryCmd lists recent bus traffic.
var HistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent messages",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := brain.HistoryFilter{Agent: agentFlag, Limit: limitFlag}
		if historyType != "" {
			filter.Type = brain.ParseMessageType(historyType)
		}
		entries, err := newClient(cmd).MessageHistory(filter)
		if err != nil {
			return err
		}
		p := newPrinter(cmd)
		if p.json {
			return p.printJSON(entries)
		}
		if len(entries) == 0 {
			p.line("No messages.")
			return nil
		}
		for _, e := range entries {
			p.message(e.Message)
		}
		return nil
	},
}

// WatchCmd streams bus events until interrupted.
var WatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream real-time events from the daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient(cmd)
		filter := brain.EventFilter{Sources: sourcesFlag}
		for _, t := range eventTypeFlag {
			filter.Types = append(filter.Types, brain.EventType(t))
		}
		id, err := client.Subscribe(filter)
		if err != nil {
			return err
		}
		defer client.Unsubscribe(id)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		p := newPrinter(cmd)
		for {
			select {
			case <-sigCh:
				return nil
			default:
			}
			batch, err := client.PollEvents(id, 5)
			if err != nil {
				return err
			}
			if batch.Dropped > 0 && !p.json {
				p.line("%s", p.render(warnStyle, fmt.Sprintf("... %d events dropped", batch.Dropped)))
			}
			for _, ev := range batch.Events {
				if p.json {
					if err := p.printJSON(ev); err != nil {
						return err
					}
					continue
				}
				p.event(ev)
			}
		}
	},
}

func (p *printer) message(m brain.AgentMessage) {
	to := m.ToAgent
	if to == "" {
		to = "*"
	}
	p.line("%s %s -> %s [%s %s] %s",
		p.render(dimStyle, m.Timestamp.Format(time.TimeOnly)),
		m.FromAgent, to, m.Type, m.Priority, m.Content.Text)
}

func (p *printer) event(ev brain.Event) {
	style := dimStyle
	switch ev.Type {
	case brain.EventAlertRaised:
		style = badStyle
	case brain.EventRecoveryExecuted:
		style = warnStyle
	case brain.EventAgentLifecycle:
		style = okStyle
	}
	p.line("%s %s %s %s",
		p.render(dimStyle, ev.Timestamp.Format(time.TimeOnly)),
		p.render(style, string(ev.Type)), ev.Source, formatData(ev.Data))
}

// formatData renders scalar event fields as "k=v" pairs in key order.
// Nested values are shown as JSON.
func formatData(data map[string]any) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		var v string
		switch val := data[k].(type) {
		case string:
			v = val
		case map[string]any, []any:
			raw, _ := json.Marshal(val)
			v = string(raw)
		default:
			v = fmt.Sprint(val)
		}
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, " ")
}

func init() {
	SendCmd.Flags().StringVar(&fromFlag, "from", "cli", "Sender agent id")
	SendCmd.Flags().StringVar(&toFlag, "to", "", "Recipient agent id (empty routes by strategy)")
	SendCmd.Flags().StringVar(&msgTypeFlag, "type", "coordination", "Message type")
	SendCmd.Flags().StringVar(&priorityFlag, "priority", "normal", "low, normal, high or urgent")
	SendCmd.Flags().StringVar(&routingFlag, "routing", "", "direct, broadcast, round_robin or load_balanced")
	SendCmd.Flags().StringVar(&replyToFlag, "reply-to", "", "Message id this message answers")
	SendCmd.Flags().BoolVarP(&waitFlag, "wait", "w", false, "Request a reply and wait for it")
	SendCmd.Flags().IntVar(&waitSecsFlag, "wait-timeout", 0, "Seconds to wait for the reply")

	InboxCmd.Flags().IntVar(&inboxSecsFlag, "wait-timeout", 5, "Seconds to wait for a message (0-25)")

	HistoryCmd.Flags().StringVar(&agentFlag, "agent", "", "Only messages sent by or delivered to this agent")
	HistoryCmd.Flags().StringVar(&historyType, "type", "", "Only messages of this type")
	HistoryCmd.Flags().IntVarP(&limitFlag, "limit", "n", 20, "Maximum number of messages")

	WatchCmd.Flags().StringSliceVar(&eventTypeFlag, "types", nil, "Event types to follow (default all)")
	WatchCmd.Flags().StringSliceVar(&sourcesFlag, "sources", nil, "Agent ids to follow (default all)")
}

package daemon

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/ByteMirror/squadron/brain"
	"github.com/ByteMirror/squadron/concurrency"
	"github.com/ByteMirror/squadron/orchestrator"
)

const (
	dialTimeout        = 2 * time.Second
	shortCallTimeout   = 20 * time.Second
	defaultTaskTimeout = 10 * time.Minute
)

// SendMessageParams describes a message sent through the daemon's bus. Wait
// blocks for the reply when RequiresResponse is set.
type SendMessageParams struct {
	From             string
	To               string
	Type             brain.MessageType
	Text             string
	Task             string
	Status           string
	Data             map[string]string
	Priority         brain.Priority
	Routing          brain.RoutingStrategy
	RequiresResponse bool
	ResponseTimeout  time.Duration
	ParentMessageID  string
	Wait             bool
}

func (p SendMessageParams) params() map[string]any {
	out := map[string]any{
		"from":              p.From,
		"to":                p.To,
		"type":              string(p.Type),
		"text":              p.Text,
		"task":              p.Task,
		"status":            p.Status,
		"routing":           string(p.Routing),
		"requires_response": p.RequiresResponse,
		"parent_message_id": p.ParentMessageID,
		"wait":              p.Wait,
	}
	if p.Priority != 0 {
		out["priority"] = p.Priority.String()
	}
	if p.ResponseTimeout > 0 {
		out["response_timeout"] = p.ResponseTimeout.Seconds()
	}
	if len(p.Data) > 0 {
		data := make(map[string]any, len(p.Data))
		for k, v := range p.Data {
			data[k] = v
		}
		out["data"] = data
	}
	return out
}

// Client connects to a daemon over a Unix domain socket. Each call opens its
// own connection.
type Client struct {
	socketPath string
}

// NewClient creates a new socket client.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// SocketPath returns the socket the client dials.
func (c *Client) SocketPath() string {
	return c.socketPath
}

// Ping checks connectivity to the daemon.
func (c *Client) Ping() error {
	_, err := c.send(Request{Method: MethodPing})
	return err
}

// CreateAgent registers an agent, starting it when params.Start is set.
func (c *Client) CreateAgent(params CreateAgentParams) (*orchestrator.AgentInfo, error) {
	p, err := toParams(params)
	if err != nil {
		return nil, err
	}
	var info orchestrator.AgentInfo
	if err := c.call(Request{Method: MethodCreateAgent, Params: p}, dialTimeout, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// StartAgent launches an agent.
func (c *Client) StartAgent(agentID string) (*orchestrator.AgentInfo, error) {
	return c.agentCall(MethodStartAgent, map[string]any{"agent_id": agentID}, dialTimeout)
}

// StopAgent stops an agent, escalating to a kill when force is set.
func (c *Client) StopAgent(agentID string, force bool) (*orchestrator.AgentInfo, error) {
	return c.agentCall(MethodStopAgent, map[string]any{"agent_id": agentID, "force": force}, shortCallTimeout)
}

// ResetCircuit closes an agent's circuit breaker.
func (c *Client) ResetCircuit(agentID string) (*orchestrator.AgentInfo, error) {
	return c.agentCall(MethodResetCircuit, map[string]any{"agent_id": agentID}, dialTimeout)
}

func (c *Client) agentCall(method string, params map[string]any, timeout time.Duration) (*orchestrator.AgentInfo, error) {
	var info orchestrator.AgentInfo
	if err := c.call(Request{Method: method, Params: params}, timeout, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// RemoveAgent stops and unregisters an agent.
func (c *Client) RemoveAgent(agentID string) error {
	_, err := c.sendWithTimeout(Request{
		Method: MethodRemoveAgent,
		Params: map[string]any{"agent_id": agentID},
	}, shortCallTimeout)
	return err
}

// ListAgents returns every registered agent in creation order.
func (c *Client) ListAgents() ([]orchestrator.AgentInfo, error) {
	var agents []orchestrator.AgentInfo
	if err := c.call(Request{Method: MethodListAgents}, dialTimeout, &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// ExecuteTask runs prompt on one agent and waits for the collected result.
// A zero timeout uses the default task timeout.
func (c *Client) ExecuteTask(agentID, prompt, taskID string, timeout time.Duration) (*TaskResult, error) {
	if timeout <= 0 {
		timeout = defaultTaskTimeout
	}
	var result TaskResult
	err := c.call(Request{
		Method: MethodExecuteTask,
		Params: map[string]any{
			"agent_id": agentID,
			"prompt":   prompt,
			"task_id":  taskID,
			"timeout":  timeout.Seconds(),
		},
	}, timeout+2*taskDeadlineSlack, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// BroadcastTask runs prompt on every idle agent matching roles, up to
// maxAgents (0 means no limit).
func (c *Client) BroadcastTask(prompt string, roles []string, maxAgents int, timeout time.Duration) (*BroadcastResult, error) {
	if timeout <= 0 {
		timeout = defaultTaskTimeout
	}
	var result BroadcastResult
	err := c.call(Request{
		Method: MethodBroadcastTask,
		Params: map[string]any{
			"prompt":     prompt,
			"roles":      roles,
			"max_agents": maxAgents,
			"timeout":    timeout.Seconds(),
		},
	}, timeout+2*taskDeadlineSlack, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// HealthCheck checks one agent.
func (c *Client) HealthCheck(agentID string) (*orchestrator.HealthReport, error) {
	var report orchestrator.HealthReport
	err := c.call(Request{
		Method: MethodHealthCheck,
		Params: map[string]any{"agent_id": agentID},
	}, shortCallTimeout, &report)
	if err != nil {
		return nil, err
	}
	return &report, nil
}

// GetSystemStats returns orchestrator counters.
func (c *Client) GetSystemStats() (*orchestrator.SystemStats, error) {
	var stats orchestrator.SystemStats
	if err := c.call(Request{Method: MethodGetSystemStats}, dialTimeout, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// GetSystemHealth returns the monitor's latest snapshot and bus statistics.
func (c *Client) GetSystemHealth() (*SystemHealthResult, error) {
	var health SystemHealthResult
	if err := c.call(Request{Method: MethodGetSystemHealth}, dialTimeout, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// AcknowledgeAlert marks an alert acknowledged, or resolves it.
func (c *Client) AcknowledgeAlert(alertID string, resolve bool) error {
	_, err := c.send(Request{
		Method: MethodAcknowledgeAlert,
		Params: map[string]any{"alert_id": alertID, "resolve": resolve},
	})
	return err
}

// Shutdown asks the daemon to stop every agent and exit.
func (c *Client) Shutdown() error {
	_, err := c.send(Request{Method: MethodShutdownSystem})
	return err
}

// SendMessage sends a message through the bus.
func (c *Client) SendMessage(params SendMessageParams) (*SendMessageResult, error) {
	var result SendMessageResult
	if err := c.call(Request{Method: MethodSendMessage, Params: params.params()}, requestDeadline, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ReceiveMessage pops the next message for agentID, waiting up to timeoutSec
// (clamped to 0-25). It returns nil when nothing arrived.
func (c *Client) ReceiveMessage(agentID string, timeoutSec int) (*brain.AgentMessage, error) {
	var result ReceiveMessageResult
	err := c.call(Request{
		Method: MethodReceiveMessage,
		Params: map[string]any{"agent_id": agentID, "timeout": timeoutSec},
	}, time.Duration(clamp(timeoutSec, 0, 25)+5)*time.Second, &result)
	if err != nil {
		return nil, err
	}
	return result.Message, nil
}

// MessageHistory returns sent messages matching filter.
func (c *Client) MessageHistory(filter brain.HistoryFilter) ([]brain.HistoryEntry, error) {
	params := map[string]any{"agent": filter.Agent, "type": string(filter.Type), "limit": filter.Limit}
	if !filter.Since.IsZero() {
		params["since"] = filter.Since.Format(time.RFC3339)
	}
	var entries []brain.HistoryEntry
	if err := c.call(Request{Method: MethodMessageHistory, Params: params}, dialTimeout, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Subscribe registers an event subscriber and returns its id.
func (c *Client) Subscribe(filter brain.EventFilter) (string, error) {
	types := make([]string, 0, len(filter.Types))
	for _, t := range filter.Types {
		types = append(types, string(t))
	}
	var result SubscribeResult
	err := c.call(Request{
		Method: MethodSubscribe,
		Params: map[string]any{"types": types, "sources": filter.Sources},
	}, dialTimeout, &result)
	if err != nil {
		return "", err
	}
	return result.SubscriberID, nil
}

// PollEvents long-polls for events, waiting up to timeoutSec (clamped to 1-25).
func (c *Client) PollEvents(subscriberID string, timeoutSec int) (*PollEventsResult, error) {
	var result PollEventsResult
	err := c.call(Request{
		Method: MethodPollEvents,
		Params: map[string]any{"subscriber_id": subscriberID, "timeout": timeoutSec},
	}, time.Duration(clamp(timeoutSec, 1, 25)+5)*time.Second, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Unsubscribe removes a subscriber.
func (c *Client) Unsubscribe(subscriberID string) error {
	_, err := c.send(Request{
		Method: MethodUnsubscribe,
		Params: map[string]any{"subscriber_id": subscriberID},
	})
	return err
}

// SubmitPoolTask queues prompt on the daemon's agent pool.
func (c *Client) SubmitPoolTask(prompt, priority string) (string, error) {
	var result SubmitPoolTaskResult
	err := c.call(Request{
		Method: MethodSubmitPoolTask,
		Params: map[string]any{"prompt": prompt, "priority": priority},
	}, shortCallTimeout, &result)
	if err != nil {
		return "", err
	}
	return result.TaskID, nil
}

// PoolMetrics returns the pool's load snapshot.
func (c *Client) PoolMetrics() (*orchestrator.PoolMetrics, error) {
	var m orchestrator.PoolMetrics
	if err := c.call(Request{Method: MethodPoolMetrics}, shortCallTimeout, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// PoolResults returns up to limit completed pool tasks, optionally only taskID.
func (c *Client) PoolResults(taskID string, limit int) ([]orchestrator.TaskResult, error) {
	params := map[string]any{}
	if taskID != "" {
		params["task_id"] = taskID
	}
	if limit > 0 {
		params["limit"] = limit
	}
	var results []orchestrator.TaskResult
	if err := c.call(Request{Method: MethodPoolResults, Params: params}, shortCallTimeout, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// call sends req and decodes the response data into out.
func (c *Client) call(req Request, timeout time.Duration, out any) error {
	resp, err := c.sendWithTimeout(req, timeout)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("unmarshal %s result: %w", req.Method, err)
	}
	return nil
}

func (c *Client) send(req Request) (*Response, error) {
	return c.sendWithTimeout(req, dialTimeout)
}

// sendWithTimeout dials with dialTimeout and allows timeout for the whole
// exchange. Failed requests come back as *concurrency.Error carrying the
// daemon's classification.
func (c *Client) sendWithTimeout(req Request, timeout time.Duration) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon: %w", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(timeout))

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		return nil, fmt.Errorf("no response from daemon")
	}

	var resp Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if !resp.OK {
		return nil, concurrency.NewError(concurrency.ParseErrorKind(resp.ErrorKind), req.Method, resp.Error, nil)
	}
	return &resp, nil
}

// toParams converts a typed payload to the map form carried by Request.
func toParams(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal params: %w", err)
	}
	return out, nil
}

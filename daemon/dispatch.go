package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ByteMirror/squadron/brain"
	"github.com/ByteMirror/squadron/concurrency"
	"github.com/ByteMirror/squadron/log"
	"github.com/ByteMirror/squadron/monitoring"
	"github.com/ByteMirror/squadron/orchestrator"
	"github.com/ByteMirror/squadron/session"

	"golang.org/x/sync/errgroup"
)

// CreateAgentParams is the payload of create_agent. Start launches the agent
// right after registration.
type CreateAgentParams struct {
	orchestrator.AgentConfig
	Start bool `json:"start,omitempty"`
}

func (s *Server) dispatch(req Request) Response {
	switch req.Method {
	case MethodPing:
		return Response{OK: true}

	case MethodCreateAgent:
		return s.handleCreateAgent(req)

	case MethodStartAgent:
		id, resp, ok := requireString(req, "agent_id")
		if !ok {
			return resp
		}
		return result(s.orch.StartAgent(id))

	case MethodStopAgent:
		id, resp, ok := requireString(req, "agent_id")
		if !ok {
			return resp
		}
		force, _ := req.Params["force"].(bool)
		if err := s.orch.StopAgent(id, force); err != nil {
			return errorResponse(err)
		}
		return result(s.orch.GetAgent(id))

	case MethodRemoveAgent:
		id, resp, ok := requireString(req, "agent_id")
		if !ok {
			return resp
		}
		if err := s.orch.RemoveAgent(id); err != nil {
			return errorResponse(err)
		}
		return Response{OK: true}

	case MethodListAgents:
		return marshalResponse(s.orch.ListAgents())

	case MethodResetCircuit:
		id, resp, ok := requireString(req, "agent_id")
		if !ok {
			return resp
		}
		if err := s.orch.ResetCircuit(id); err != nil {
			return errorResponse(err)
		}
		return result(s.orch.GetAgent(id))

	case MethodExecuteTask:
		return s.handleExecuteTask(req)

	case MethodBroadcastTask:
		return s.handleBroadcastTask(req)

	case MethodHealthCheck:
		id, resp, ok := requireString(req, "agent_id")
		if !ok {
			return resp
		}
		return marshalResponse(s.orch.HealthCheck(context.Background(), id))

	case MethodGetSystemStats:
		return marshalResponse(s.orch.GetSystemStats())

	case MethodGetSystemHealth:
		return marshalResponse(SystemHealthResult{Health: s.systemHealth(), Bus: s.bus.Stats(), Events: s.events.Stats()})

	case MethodAcknowledgeAlert:
		return s.handleAcknowledgeAlert(req)

	case MethodShutdownSystem:
		s.shutdownOnce.Do(func() {
			log.InfoLog.Printf("shutdown requested over socket")
			close(s.shutdownCh)
		})
		return Response{OK: true}

	case MethodSendMessage:
		return s.handleSendMessage(req)

	case MethodReceiveMessage:
		return s.handleReceiveMessage(req)

	case MethodMessageHistory:
		return s.handleMessageHistory(req)

	case MethodSubscribe:
		return s.handleSubscribe(req)

	case MethodPollEvents:
		return s.handlePollEvents(req)

	case MethodUnsubscribe:
		return s.handleUnsubscribe(req)

	case MethodSubmitPoolTask:
		return s.handleSubmitPoolTask(req)

	case MethodPoolMetrics:
		if s.pool == nil {
			return errorResponse(errPoolDisabled)
		}
		return marshalResponse(s.pool.GetMetrics())

	case MethodPoolResults:
		return s.handlePoolResults(req)

	default:
		return Response{Error: "unknown method: " + req.Method, ErrorKind: concurrency.KindConfiguration.String()}
	}
}

func (s *Server) handleCreateAgent(req Request) Response {
	var params CreateAgentParams
	if err := decodeParams(req.Params, &params); err != nil {
		return errorResponse(concurrency.ConfigurationError("create_agent", "invalid parameters: %v", err))
	}
	info, err := s.orch.CreateAgent(params.AgentConfig)
	if err != nil {
		return errorResponse(err)
	}
	if params.Start {
		return result(s.orch.StartAgent(info.Config.AgentID))
	}
	return marshalResponse(info)
}

// requestTaskTimeout is the caller's timeout in seconds, capped by the
// configured task timeout.
func (s *Server) requestTaskTimeout(req Request) time.Duration {
	if v, ok := req.Params["timeout"].(float64); ok && v > 0 {
		if d := time.Duration(v * float64(time.Second)); d < s.taskTimeout {
			return d
		}
	}
	return s.taskTimeout
}

func (s *Server) handleExecuteTask(req Request) Response {
	agentID, resp, ok := requireString(req, "agent_id")
	if !ok {
		return resp
	}
	prompt, resp, ok := requireString(req, "prompt")
	if !ok {
		return resp
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.requestTaskTimeout(req))
	defer cancel()

	stream, err := s.orch.ExecuteTask(ctx, agentID, prompt, toString(req.Params["task_id"]))
	if err != nil {
		return errorResponse(err)
	}
	return marshalResponse(collectTask(ctx, stream))
}

func (s *Server) handleBroadcastTask(req Request) Response {
	prompt, resp, ok := requireString(req, "prompt")
	if !ok {
		return resp
	}
	var roles []orchestrator.AgentRole
	for _, name := range toStringSlice(req.Params["roles"]) {
		role, ok := orchestrator.ParseRole(name)
		if !ok {
			return errorResponse(concurrency.ConfigurationError("broadcast_task", "unknown role %q", name))
		}
		roles = append(roles, role)
	}
	maxAgents := 0
	if v, ok := req.Params["max_agents"].(float64); ok {
		maxAgents = int(v)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.requestTaskTimeout(req))
	defer cancel()

	streams, err := s.orch.BroadcastTask(ctx, prompt, roles, maxAgents)
	if err != nil {
		return errorResponse(err)
	}

	out := BroadcastResult{Results: make(map[string]*TaskResult, len(streams))}
	var mu sync.Mutex
	var g errgroup.Group
	for id, stream := range streams {
		g.Go(func() error {
			res := collectTask(ctx, stream)
			mu.Lock()
			out.Results[id] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return marshalResponse(out)
}

// collectTask drains stream until it closes or ctx expires. On expiry the
// stream is abandoned and the result is marked as timed out.
func collectTask(ctx context.Context, stream *orchestrator.TaskStream) *TaskResult {
	start := time.Now()
	res := &TaskResult{AgentID: stream.AgentID, TaskID: stream.TaskID}
	events := stream.Events()

collect:
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				break collect
			}
			res.Events = append(res.Events, ev)
			if ev.Type == session.EventResult {
				res.Result = ev.Content
			}
		case <-ctx.Done():
			res.TimedOut = true
			stream.Close()
			break collect
		}
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
	}

	select {
	case <-stream.Done():
	case <-time.After(taskDeadlineSlack / 2):
		log.WarningLog.Printf("task %s on %s did not settle after collection", stream.TaskID, stream.AgentID)
	}
	res.Duration = time.Since(start)

	if err := stream.Err(); err != nil {
		res.Error = err.Error()
		res.ErrorKind = concurrency.Classify(err).String()
	} else if res.TimedOut {
		res.Error = "task timed out"
		res.ErrorKind = concurrency.KindTimeout.String()
	}
	return res
}

func (s *Server) systemHealth() monitoring.SystemHealth {
	if s.monitor == nil {
		return monitoring.SystemHealth{
			Status:      monitoring.StatusUnknown,
			Stats:       s.orch.GetSystemStats(),
			CollectedAt: time.Now(),
		}
	}
	return s.monitor.GetSystemHealth()
}

func (s *Server) handleAcknowledgeAlert(req Request) Response {
	id, resp, ok := requireString(req, "alert_id")
	if !ok {
		return resp
	}
	if s.monitor == nil {
		return Response{Error: "health monitor is not running", ErrorKind: concurrency.KindConfiguration.String()}
	}
	var err error
	if resolve, _ := req.Params["resolve"].(bool); resolve {
		err = s.monitor.ResolveAlert(id)
	} else {
		err = s.monitor.AcknowledgeAlert(id)
	}
	if err != nil {
		return errorResponse(err)
	}
	return Response{OK: true}
}

func (s *Server) handleSendMessage(req Request) Response {
	from, resp, ok := requireString(req, "from")
	if !ok {
		return resp
	}
	msg := brain.AgentMessage{
		FromAgent: from,
		ToAgent:   toString(req.Params["to"]),
		Type:      brain.ParseMessageType(toString(req.Params["type"])),
		Content: brain.MessageContent{
			Text:   toString(req.Params["text"]),
			Task:   toString(req.Params["task"]),
			Status: toString(req.Params["status"]),
			Data:   toStringMap(req.Params["data"]),
		},
		Priority:        brain.ParsePriority(toString(req.Params["priority"])),
		Routing:         brain.RoutingStrategy(toString(req.Params["routing"])),
		ParentMessageID: toString(req.Params["parent_message_id"]),
	}
	msg.RequiresResponse, _ = req.Params["requires_response"].(bool)
	if v, ok := req.Params["response_timeout"].(float64); ok && v > 0 {
		msg.ResponseTimeout = time.Duration(v * float64(time.Second))
	}

	sent, recipients, err := s.bus.Send(msg)
	if err != nil {
		return errorResponse(err)
	}
	out := SendMessageResult{Message: sent, Recipients: recipients}

	if wait, _ := req.Params["wait"].(bool); wait && sent.RequiresResponse {
		// Stay inside the connection deadline.
		timeout := requestDeadline - 5*time.Second
		if sent.ResponseTimeout > 0 && sent.ResponseTimeout < timeout {
			timeout = sent.ResponseTimeout
		}
		reply, err := s.bus.WaitForResponse(context.Background(), sent.MessageID, timeout)
		if err != nil {
			if concurrency.KindOf(err) != concurrency.KindTimeout {
				return errorResponse(err)
			}
			out.TimedOut = true
		} else {
			out.Response = &reply
		}
	}
	return marshalResponse(out)
}

func (s *Server) handleReceiveMessage(req Request) Response {
	agentID, resp, ok := requireString(req, "agent_id")
	if !ok {
		return resp
	}
	timeoutSec := 5
	if v, ok := req.Params["timeout"].(float64); ok {
		timeoutSec = clamp(int(v), 0, 25)
	}
	msg, err := s.bus.Receive(context.Background(), agentID, time.Duration(timeoutSec)*time.Second)
	if err != nil {
		return errorResponse(err)
	}
	return marshalResponse(ReceiveMessageResult{Message: msg})
}

func (s *Server) handleMessageHistory(req Request) Response {
	filter := brain.HistoryFilter{Agent: toString(req.Params["agent"])}
	if t := toString(req.Params["type"]); t != "" {
		filter.Type = brain.ParseMessageType(t)
	}
	if v, ok := req.Params["limit"].(float64); ok {
		filter.Limit = int(v)
	}
	if since := toString(req.Params["since"]); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return errorResponse(concurrency.ConfigurationError("message_history", "invalid since %q: %v", since, err))
		}
		filter.Since = ts
	}
	return marshalResponse(s.bus.History(filter))
}

func (s *Server) handleSubscribe(req Request) Response {
	types, err := brain.ParseEventTypes(toStringSlice(req.Params["types"]))
	if err != nil {
		return errorResponse(err)
	}
	filter := brain.EventFilter{Types: types, Sources: toStringSlice(req.Params["sources"])}

	subID := s.events.Subscribe(filter)
	return marshalResponse(SubscribeResult{SubscriberID: subID})
}

func (s *Server) handlePollEvents(req Request) Response {
	subID, resp, ok := requireString(req, "subscriber_id")
	if !ok {
		return resp
	}

	timeoutSec := 15
	if v, ok := req.Params["timeout"].(float64); ok {
		timeoutSec = clamp(int(v), 1, 25)
	}

	batch, err := s.events.Poll(subID, time.Duration(timeoutSec)*time.Second)
	if err != nil {
		return errorResponse(concurrency.NewError(concurrency.KindConfiguration, "poll_events", subID+": "+err.Error(), err))
	}
	if batch.Dropped > 0 {
		log.WarningLog.Printf("subscriber %s fell behind, %d events dropped", subID, batch.Dropped)
	}
	return marshalResponse(PollEventsResult{SubscriberID: subID, Events: batch.Events, Dropped: batch.Dropped})
}

func (s *Server) handleUnsubscribe(req Request) Response {
	subID, resp, ok := requireString(req, "subscriber_id")
	if !ok {
		return resp
	}
	if !s.events.Unsubscribe(subID) {
		log.InfoLog.Printf("unsubscribe: %s was already gone", subID)
	}
	return Response{OK: true}
}

func requireString(req Request, key string) (string, Response, bool) {
	v := toString(req.Params[key])
	if v == "" {
		return "", Response{
			Error:     "missing required parameter: " + key,
			ErrorKind: concurrency.KindConfiguration.String(),
		}, false
	}
	return v, Response{}, true
}

func result[T any](v T, err error) Response {
	if err != nil {
		return errorResponse(err)
	}
	return marshalResponse(v)
}

func marshalResponse(v any) Response {
	data, err := json.Marshal(v)
	if err != nil {
		return Response{Error: "marshal error: " + err.Error()}
	}
	return Response{OK: true, Data: data}
}

func errorResponse(err error) Response {
	return Response{Error: err.Error(), ErrorKind: concurrency.Classify(err).String()}
}

// decodeParams round-trips JSON-decoded params into a typed struct.
func decodeParams(params map[string]any, v any) error {
	data, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// toData flattens a value into the map form carried by events.
func toData(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		log.ErrorLog.Printf("encode event data: %v", err)
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		log.ErrorLog.Printf("decode event data: %v", err)
		return nil
	}
	return out
}

// clamp constrains v to the range [lo, hi].
func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// toString safely extracts a string from an any value.
func toString(v any) string {
	s, _ := v.(string)
	return s
}

// toStringSlice extracts a []string from a JSON-decoded []any value.
// Returns nil if the value is not a []any or is nil.
func toStringSlice(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, elem := range arr {
		if str, ok := elem.(string); ok {
			out = append(out, str)
		}
	}
	return out
}

// toStringMap extracts string values from a JSON-decoded object; other
// values are formatted with %v.
func toStringMap(v any) map[string]string {
	obj, ok := v.(map[string]any)
	if !ok || len(obj) == 0 {
		return nil
	}
	out := make(map[string]string, len(obj))
	for k, val := range obj {
		if str, ok := val.(string); ok {
			out[k] = str
		} else {
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}

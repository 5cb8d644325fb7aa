package daemon

import (
	"github.com/ByteMirror/squadron/brain"
	"github.com/ByteMirror/squadron/concurrency"
	"github.com/ByteMirror/squadron/log"
	"github.com/ByteMirror/squadron/orchestrator"
)

// poolResultHistory is how many completed pool tasks pool_results can return.
const poolResultHistory = 100

var errPoolDisabled = concurrency.ConfigurationError("pool", "agent pool is not enabled on this daemon")

// collectPoolResults drains the pool's results into a bounded history and
// announces each one to subscribers. It returns when the pool closes its
// results or the server stops.
func (s *Server) collectPoolResults() {
	results := s.pool.Results()
	for {
		select {
		case <-s.closed:
			return
		case r, ok := <-results:
			if !ok {
				return
			}
			s.poolMu.Lock()
			s.poolResults = append(s.poolResults, r)
			if over := len(s.poolResults) - poolResultHistory; over > 0 {
				s.poolResults = append([]orchestrator.TaskResult(nil), s.poolResults[over:]...)
			}
			s.poolMu.Unlock()

			if r.Error != "" {
				log.WarningLog.Printf("pool task %s on %s failed: %s", r.TaskID, r.AgentID, r.Error)
			}
			s.events.Emit(brain.Event{Type: brain.EventPoolTask, Source: r.AgentID, Data: toData(r)})
		}
	}
}

func (s *Server) handleSubmitPoolTask(req Request) Response {
	if s.pool == nil {
		return errorResponse(errPoolDisabled)
	}
	prompt, resp, ok := requireString(req, "prompt")
	if !ok {
		return resp
	}
	priority := orchestrator.ParsePriority(toString(req.Params["priority"]))
	taskID, err := s.pool.SubmitTask(prompt, priority)
	if err != nil {
		return errorResponse(err)
	}
	return marshalResponse(SubmitPoolTaskResult{TaskID: taskID})
}

// handlePoolResults returns completed pool tasks, newest last. A task_id
// param narrows the answer to that task.
func (s *Server) handlePoolResults(req Request) Response {
	if s.pool == nil {
		return errorResponse(errPoolDisabled)
	}
	taskID := toString(req.Params["task_id"])
	limit := poolResultHistory
	if v, ok := req.Params["limit"].(float64); ok {
		limit = clamp(int(v), 1, poolResultHistory)
	}

	s.poolMu.Lock()
	defer s.poolMu.Unlock()
	out := make([]orchestrator.TaskResult, 0, len(s.poolResults))
	for _, r := range s.poolResults {
		if taskID == "" || r.TaskID == taskID {
			out = append(out, r)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return marshalResponse(out)
}

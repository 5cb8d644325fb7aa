package daemon

import (
	"time"

	"github.com/ByteMirror/squadron/brain"
)

// publishLoop pushes agent status, health and system metrics to subscribers
// every publish interval.
func (s *Server) publishLoop() {
	ticker := time.NewTicker(s.publishInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.publish()
		case <-s.closed:
			return
		}
	}
}

func (s *Server) publish() {
	if s.events.SubscriberCount() == 0 {
		return
	}
	now := time.Now()

	for _, info := range s.orch.ListAgents() {
		s.events.Emit(brain.Event{
			Type:      brain.EventAgentStatus,
			Timestamp: now,
			Source:    info.Config.AgentID,
			Data: map[string]any{
				"role":            string(info.Config.Role),
				"status":          info.Status.String(),
				"task_count":      info.TaskCount,
				"error_count":     info.ErrorCount,
				"restart_count":   info.RestartCount,
				"error_rate":      info.ErrorRate(),
				"current_task_id": info.CurrentTaskID,
				"breaker":         info.Breaker,
				"last_activity":   info.LastActivity.Format(time.RFC3339),
			},
		})
	}

	s.events.Emit(brain.Event{
		Type:      brain.EventHealthUpdate,
		Timestamp: now,
		Data:      toData(s.latestHealth()),
	})

	metrics := toData(s.orch.GetSystemStats())
	if metrics != nil {
		metrics["bus"] = toData(s.bus.Stats())
		metrics["events"] = toData(s.events.Stats())
	}
	s.events.Emit(brain.Event{
		Type:      brain.EventSystemMetrics,
		Timestamp: now,
		Data:      metrics,
	})
}

// latestHealth prefers the snapshot delivered by the monitor hook and falls
// back to asking the monitor directly.
func (s *Server) latestHealth() any {
	s.healthMu.RLock()
	h := s.lastHealth
	s.healthMu.RUnlock()
	if h != nil {
		return *h
	}
	return s.systemHealth()
}

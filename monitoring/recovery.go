package monitoring

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ByteMirror/squadron/concurrency"
	"github.com/ByteMirror/squadron/log"
	"github.com/ByteMirror/squadron/orchestrator"
	"github.com/ByteMirror/squadron/session"

	"github.com/google/uuid"
)

// AddRecoveryAction registers action and returns its id. Missing ids are
// generated; MaxAttempts defaults to the monitor's limit.
func (m *HealthMonitor) AddRecoveryAction(action RecoveryAction) (string, error) {
	switch action.Trigger.Kind {
	case TriggerAgentFailed, TriggerAgentErrorRate, TriggerAgentIdleTooLong, TriggerCircuitOpen:
	default:
		return "", concurrency.ConfigurationError("add_recovery_action", "unknown trigger %q", action.Trigger.Kind)
	}
	switch action.ActionType {
	case ActionRestartAgent, ActionStopAgent, ActionResetCircuit:
	case ActionCustom:
		if action.Custom == nil {
			return "", concurrency.ConfigurationError("add_recovery_action", "custom action needs a function")
		}
	default:
		return "", concurrency.ConfigurationError("add_recovery_action", "unknown action type %q", action.ActionType)
	}
	if action.ActionID == "" {
		action.ActionID = uuid.NewString()
	}
	if action.MaxAttempts <= 0 {
		action.MaxAttempts = m.cfg.MaxRecoveryAttempts
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.actions {
		if a.ActionID == action.ActionID {
			return "", concurrency.ConfigurationError("add_recovery_action", "action %s already exists", action.ActionID)
		}
	}
	m.actions = append(m.actions, action)
	return action.ActionID, nil
}

// RemoveRecoveryAction drops an action and its attempt counters.
func (m *HealthMonitor) RemoveRecoveryAction(actionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, a := range m.actions {
		if a.ActionID == actionID {
			m.actions = append(m.actions[:i], m.actions[i+1:]...)
			for key := range m.recovery {
				if strings.HasPrefix(key, actionID+"/") {
					delete(m.recovery, key)
				}
			}
			return true
		}
	}
	return false
}

// RecoveryActions lists registered actions.
func (m *HealthMonitor) RecoveryActions() []RecoveryAction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]RecoveryAction(nil), m.actions...)
}

// RecoveryHistory returns the most recent executions, oldest first.
func (m *HealthMonitor) RecoveryHistory(limit int) []RecoveryResult {
	return m.history.Filter(nil, limit)
}

// evaluateRecovery runs every action whose trigger holds for an agent, once
// its cooldown has elapsed and while attempts remain. Attempts and cooldown
// survive the trigger flapping off and on.
func (m *HealthMonitor) evaluateRecovery(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			log.ErrorLog.Printf("health monitor: recovery pass panicked: %v", p)
		}
	}()

	agents := m.source.ListAgents()
	now := m.now()

	m.mu.RLock()
	actions := append([]RecoveryAction(nil), m.actions...)
	m.mu.RUnlock()

	for _, action := range actions {
		for _, info := range agents {
			if ctx.Err() != nil {
				return
			}
			id := info.Config.AgentID
			if action.AgentID != "" && action.AgentID != id {
				continue
			}
			if action.OnlyAutoRestart && !info.Config.AutoRestart {
				continue
			}

			key := action.ActionID + "/" + id
			holds := action.Trigger.Holds(info, now)

			m.mu.Lock()
			st := m.recovery[key]
			if !holds {
				// A restart usually clears the trigger, so the budget is
				// only forgiven after the agent stays healthy for longer
				// than the cooldown.
				if st != nil {
					if st.healthySince.IsZero() {
						st.healthySince = now
					} else if now.Sub(st.healthySince) > action.Cooldown {
						delete(m.recovery, key)
					}
				}
				m.mu.Unlock()
				continue
			}
			if st == nil {
				st = &recoveryState{}
				m.recovery[key] = st
			}
			st.healthySince = time.Time{}
			if st.attempts >= action.MaxAttempts {
				if !st.exhausted {
					st.exhausted = true
					log.WarningLog.Printf("recovery %s for agent %s gave up after %d attempts", action.ActionID, id, st.attempts)
				}
				m.mu.Unlock()
				continue
			}
			if !st.lastRun.IsZero() && now.Sub(st.lastRun) < action.Cooldown {
				m.mu.Unlock()
				continue
			}
			st.attempts++
			st.lastRun = now
			attempt := st.attempts
			hooks := append([]func(RecoveryResult){}, m.recoveryHooks...)
			m.mu.Unlock()

			result := RecoveryResult{
				ActionID:   action.ActionID,
				ActionType: action.ActionType,
				AgentID:    id,
				Attempt:    attempt,
				ExecutedAt: now,
			}
			if err := m.execute(ctx, action, info); err != nil {
				result.Error = err.Error()
				log.ErrorLog.Printf("recovery %s (%s) on agent %s failed: %v", action.ActionID, action.ActionType, id, err)
			} else {
				log.InfoLog.Printf("recovery %s (%s) on agent %s, attempt %d", action.ActionID, action.ActionType, id, attempt)
			}
			m.history.Add(result)
			for _, fn := range hooks {
				callHook("recovery", func() { fn(result) })
			}
		}
	}
}

func (m *HealthMonitor) execute(ctx context.Context, action RecoveryAction, info orchestrator.AgentInfo) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("recovery action panicked: %v", p)
		}
	}()

	id := info.Config.AgentID
	force := action.Parameters["force"] == "true"
	switch action.ActionType {
	case ActionRestartAgent:
		if info.Status != session.StateFailed && info.Status != session.StateTerminated {
			if err := m.source.StopAgent(id, force); err != nil {
				return err
			}
		}
		_, err := m.source.StartAgent(id)
		return err
	case ActionStopAgent:
		return m.source.StopAgent(id, force)
	case ActionResetCircuit:
		return m.source.ResetCircuit(id)
	case ActionCustom:
		if action.Custom == nil {
			return concurrency.ConfigurationError("recovery", "custom action %s has no function", action.ActionID)
		}
		return action.Custom(ctx, info)
	default:
		return concurrency.ConfigurationError("recovery", "unknown action type %q", action.ActionType)
	}
}

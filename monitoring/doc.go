// Package monitoring watches the host and every orchestrated agent. A
// HealthMonitor collects metrics on an interval, grades them against
// thresholds into deduplicated alerts, and runs recovery actions such as
// restarting failed agents.
package monitoring

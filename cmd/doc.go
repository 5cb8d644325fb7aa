// Package cmd runs short-lived helper programs such as ps and agent
// health checks.
//
// Callers go through an Executor so process inspection can be faked in
// tests. OutputTimeout bounds each call; a hung helper must not stall the
// monitoring loops.
package cmd

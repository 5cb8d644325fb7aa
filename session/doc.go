// Package session runs one AI CLI invocation as a child process and turns its
// output into typed events. A Runtime owns the process lifecycle for a single
// agent: spawning, line parsing, retry of transient failures, and guaranteed
// cleanup through the resource tracker.
package session

package concurrency

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/ByteMirror/squadron/log"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ResourceKind is the kind of resource a tracker entry holds.
type ResourceKind int

const (
	ResourceProcess ResourceKind = iota
	ResourceStream
	ResourceTimer
)

func (k ResourceKind) String() string {
	switch k {
	case ResourceProcess:
		return "PROCESS"
	case ResourceStream:
		return "STREAM"
	case ResourceTimer:
		return "TIMER"
	default:
		return "UNKNOWN"
	}
}

// Terminable is a child process that can be stopped gracefully or forcibly.
type Terminable interface {
	// Terminate sends the graceful stop signal.
	Terminate() error
	// Kill forces the process to exit.
	Kill() error
	// Exited is closed once the process has been reaped.
	Exited() <-chan struct{}
}

// Stopper is anything with a Stop method, such as *time.Timer or *time.Ticker.
type Stopper interface {
	Stop() bool
}

// TrackedResource is one registry entry.
type TrackedResource struct {
	ID          string            `json:"id"`
	Kind        ResourceKind      `json:"kind"`
	Description string            `json:"description"`
	CreatedAt   time.Time         `json:"created_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CleanedUp   bool              `json:"cleaned_up"`

	resource any
}

// TrackerStats summarises the registry.
type TrackerStats struct {
	Total             int            `json:"total_resources"`
	ByKind            map[string]int `json:"by_kind"`
	CleanupInProgress bool           `json:"cleanup_in_progress"`
	OldestAge         time.Duration  `json:"oldest_age"`
	Leaked            int            `json:"leaked"`
}

// CleanupResult is the summary of a forced cleanup. It never carries a panic
// or aborts early; every resource is attempted once.
type CleanupResult struct {
	Cleaned int     `json:"cleaned"`
	Failed  int     `json:"failed"`
	Errors  []error `json:"-"`
}

// ResourceTracker is the registry of live child processes, streams and timers.
// One instance is created per orchestrator and handed to every runtime.
type ResourceTracker struct {
	mu                sync.Mutex
	resources         map[string]*TrackedResource
	cleanupInProgress bool
	leaked            int
	now               func() time.Time
}

// NewResourceTracker returns an empty tracker.
func NewResourceTracker() *ResourceTracker {
	return &ResourceTracker{
		resources: make(map[string]*TrackedResource),
		now:       time.Now,
	}
}

// Register records resource and returns its id. It always succeeds.
func (t *ResourceTracker) Register(resource any, kind ResourceKind, description string, metadata map[string]string) string {
	id := uuid.NewString()
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}

	t.mu.Lock()
	t.resources[id] = &TrackedResource{
		ID:          id,
		Kind:        kind,
		Description: description,
		CreatedAt:   t.now(),
		Metadata:    md,
		resource:    resource,
	}
	t.mu.Unlock()

	log.DebugLog.Printf("tracker: registered %s %s (%s)", kind, id, description)
	return id
}

// Unregister removes id. It returns false if id was already removed.
func (t *ResourceTracker) Unregister(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.resources[id]; !ok {
		return false
	}
	delete(t.resources, id)
	return true
}

// Get returns a copy of the entry for id.
func (t *ResourceTracker) Get(id string) (TrackedResource, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.resources[id]
	if !ok {
		return TrackedResource{}, false
	}
	return *r, true
}

// List returns copies of all entries, oldest first.
func (t *ResourceTracker) List() []TrackedResource {
	t.mu.Lock()
	out := make([]TrackedResource, 0, len(t.resources))
	for _, r := range t.resources {
		out = append(out, *r)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Stats returns registry counts.
func (t *ResourceTracker) Stats() TrackerStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := TrackerStats{
		Total:             len(t.resources),
		ByKind:            make(map[string]int),
		CleanupInProgress: t.cleanupInProgress,
		Leaked:            t.leaked,
	}
	now := t.now()
	for _, r := range t.resources {
		stats.ByKind[r.Kind.String()]++
		if age := now.Sub(r.CreatedAt); age > stats.OldestAge {
			stats.OldestAge = age
		}
	}
	return stats
}

// Cleanup releases a single resource with the kind-specific shutdown sequence
// and removes it from the registry. Releasing an unknown id is a no-op.
func (t *ResourceTracker) Cleanup(id string, timeout time.Duration) error {
	t.mu.Lock()
	r, ok := t.resources[id]
	if ok {
		delete(t.resources, id)
	}
	t.mu.Unlock()
	if !ok {
		return nil
	}

	if err := releaseBounded(r, timeout); err != nil {
		t.mu.Lock()
		t.leaked++
		t.mu.Unlock()
		return err
	}
	return nil
}

// ForceCleanupAll releases every tracked resource concurrently. Each resource
// gets the full timeout budget; processes spend half of it waiting for a
// graceful exit before being killed. All entries leave the registry whether
// or not their release succeeded; failures are counted as leaks.
func (t *ResourceTracker) ForceCleanupAll(timeout time.Duration) CleanupResult {
	t.mu.Lock()
	t.cleanupInProgress = true
	pending := make([]*TrackedResource, 0, len(t.resources))
	for _, r := range t.resources {
		pending = append(pending, r)
	}
	t.resources = make(map[string]*TrackedResource)
	t.mu.Unlock()

	var (
		mu     sync.Mutex
		result CleanupResult
		g      errgroup.Group
	)
	for _, r := range pending {
		g.Go(func() error {
			err := releaseBounded(r, timeout)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed++
				result.Errors = append(result.Errors, err)
				return nil
			}
			result.Cleaned++
			return nil
		})
	}
	_ = g.Wait()

	t.mu.Lock()
	t.cleanupInProgress = false
	t.leaked += result.Failed
	t.mu.Unlock()

	if result.Failed > 0 {
		log.WarningLog.Printf("tracker: forced cleanup released %d resources, %d leaked", result.Cleaned, result.Failed)
	} else if result.Cleaned > 0 {
		log.InfoLog.Printf("tracker: forced cleanup released %d resources", result.Cleaned)
	}
	return result
}

// releaseBounded runs release and gives up once the budget plus a small grace
// has passed, so one hung Close cannot stall the caller.
func releaseBounded(r *TrackedResource, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	done := make(chan error, 1)
	go func() {
		done <- release(r, timeout)
	}()

	timer := time.NewTimer(timeout + timeout/4)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: %s %s (%s): %w", ErrResourceLeak, r.Kind, r.ID, r.Description, err)
		}
		r.CleanedUp = true
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: %s %s (%s): release exceeded %s", ErrResourceLeak, r.Kind, r.ID, r.Description, timeout)
	}
}

func release(r *TrackedResource, timeout time.Duration) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic during release: %v", p)
		}
	}()

	switch r.Kind {
	case ResourceProcess:
		p, ok := r.resource.(Terminable)
		if !ok {
			return fmt.Errorf("process resource %T is not terminable", r.resource)
		}
		return terminateProcess(p, timeout)
	case ResourceStream:
		c, ok := r.resource.(io.Closer)
		if !ok {
			return fmt.Errorf("stream resource %T is not closable", r.resource)
		}
		return c.Close()
	case ResourceTimer:
		return stopTimer(r.resource)
	default:
		return fmt.Errorf("unknown resource kind %d", r.Kind)
	}
}

// terminateProcess escalates from the graceful signal to a forced kill.
func terminateProcess(p Terminable, timeout time.Duration) error {
	select {
	case <-p.Exited():
		return nil
	default:
	}

	half := timeout / 2
	termErr := p.Terminate()
	if termErr != nil {
		log.DebugLog.Printf("tracker: terminate failed, escalating: %v", termErr)
	} else if waitExit(p, half) {
		return nil
	}

	killErr := p.Kill()
	if waitExit(p, half) {
		return nil
	}
	return errors.Join(errors.New("process did not exit after kill"), termErr, killErr)
}

func waitExit(p Terminable, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.Exited():
		return true
	case <-timer.C:
		return false
	}
}

func stopTimer(res any) error {
	switch v := res.(type) {
	case Stopper:
		v.Stop()
	case interface{ Stop() }:
		v.Stop()
	case context.CancelFunc:
		v()
	case func():
		v()
	case io.Closer:
		return v.Close()
	default:
		return fmt.Errorf("timer resource %T cannot be cancelled", res)
	}
	return nil
}

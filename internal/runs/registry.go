// Package runs provides the minimal runId-to-subject mapping the approvals
// HTTP handler and the TTL worker need (approval.NewHandler, ttlworker.New)
// to resolve a bare runId back to its event log subject, tenant, and
// ritualId. This mapping is wiring glue, not a kernel component of its
// own (spec.md §6 notes run registries are an external collaborator's
// concern): a library embedder calling ritual.Engine.Start registers the
// run here first so the ambient HTTP/worker infrastructure can serve it.
package runs

import (
	"sync"

	"github.com/google/uuid"
)

type entry struct {
	subject  string
	tenant   string
	ritualID string
}

// Registry is a concurrency-safe in-memory runId index.
type Registry struct {
	mu      sync.RWMutex
	byRunID map[string]entry
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byRunID: make(map[string]entry)}
}

// Register records where runID's events live. Called once, when a run is
// started.
func (r *Registry) Register(runID, subject, tenant, ritualID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byRunID[runID] = entry{subject: subject, tenant: tenant, ritualID: ritualID}
}

// Forget drops runID's entry, e.g. once its run has reached a terminal
// state and no further approvals or expiries can target it.
func (r *Registry) Forget(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byRunID, runID)
}

// Resolve implements both approval.NewHandler's resolveRun and
// ttlworker.SubjectResolver.
func (r *Registry) Resolve(runID string) (subject, tenant, ritualID string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byRunID[runID]
	return e.subject, e.tenant, e.ritualID, ok
}

// NewRunID generates a runId unique across tenants and processes. The
// event log subject embeds the runId verbatim, so collisions would merge
// two independent runs' timelines; a random UUIDv4 makes that
// astronomically unlikely without coordinating a counter across callers.
func NewRunID() string {
	return uuid.NewString()
}

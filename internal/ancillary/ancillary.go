// Package ancillary tracks connected ancillaries and the workspaces they
// are bound to.
package ancillary

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anowell/toren/internal/common/logger"
)

// ConnStatus is the connection-level status of an ancillary.
type ConnStatus string

const (
	StatusConnected    ConnStatus = "connected"
	StatusExecuting    ConnStatus = "executing"
	StatusIdle         ConnStatus = "idle"
	StatusDisconnected ConnStatus = "disconnected"
)

// Ancillary is a connected agent slot.
type Ancillary struct {
	ID                 string     `json:"id"`
	Segment            string     `json:"segment"`
	SessionToken       string     `json:"session_token"`
	Status             ConnStatus `json:"status"`
	ConnectedAt        time.Time  `json:"connected_at"`
	LastActivity       *time.Time `json:"last_activity,omitempty"`
	CurrentInstruction string     `json:"current_instruction,omitempty"`
	// WorkingDir is the workspace (or segment) path the ancillary is bound to.
	WorkingDir string `json:"working_dir"`
}

// Registry is the process-wide ancillary connection table.
type Registry struct {
	mu          sync.RWMutex
	ancillaries map[string]*Ancillary
	logger      *logger.Logger
}

// NewRegistry creates an empty connection table.
func NewRegistry(log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Default()
	}
	return &Registry{
		ancillaries: make(map[string]*Ancillary),
		logger:      log.WithFields(zap.String("component", "ancillary-registry")),
	}
}

// Register records a connected ancillary bound to a working directory.
func (r *Registry) Register(id, segment, sessionToken, workingDir string) {
	r.mu.Lock()
	r.ancillaries[id] = &Ancillary{
		ID:           id,
		Segment:      segment,
		SessionToken: sessionToken,
		Status:       StatusConnected,
		ConnectedAt:  time.Now().UTC(),
		WorkingDir:   workingDir,
	}
	r.mu.Unlock()
	r.logger.Info("ancillary registered", zap.String("ancillary_id", id))
}

// Unregister removes a connected ancillary.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	_, existed := r.ancillaries[id]
	delete(r.ancillaries, id)
	r.mu.Unlock()
	if existed {
		r.logger.Info("ancillary unregistered", zap.String("ancillary_id", id))
	}
}

// WorkspaceInUse returns the id of the ancillary bound to a working
// directory, if any.
func (r *Registry) WorkspaceInUse(workingDir string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.ancillaries {
		if a.WorkingDir == workingDir {
			return a.ID, true
		}
	}
	return "", false
}

// UpdateStatus sets a connected ancillary's status and bumps activity.
func (r *Registry) UpdateStatus(id string, status ConnStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.ancillaries[id]; ok {
		now := time.Now().UTC()
		a.Status = status
		a.LastActivity = &now
	}
}

// SetInstruction records the instruction generated for an ancillary.
func (r *Registry) SetInstruction(id, instruction string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.ancillaries[id]; ok {
		now := time.Now().UTC()
		a.CurrentInstruction = instruction
		a.LastActivity = &now
	}
}

// Get returns a connected ancillary by id.
func (r *Registry) Get(id string) (*Ancillary, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.ancillaries[id]
	if !ok {
		return nil, false
	}
	clone := *a
	return &clone, true
}

// List returns all connected ancillaries.
func (r *Registry) List() []Ancillary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Ancillary, 0, len(r.ancillaries))
	for _, a := range r.ancillaries {
		out = append(out, *a)
	}
	return out
}

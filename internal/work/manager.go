package work

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/anowell/toren/internal/assignment"
	"github.com/anowell/toren/internal/common/logger"
)

// Manager tracks active work per ancillary.
type Manager struct {
	mu     sync.RWMutex
	active map[string]*Work
	opts   StartOptions
	logger *logger.Logger
}

// NewManager creates a work manager. The options are applied to every
// work execution it starts.
func NewManager(opts StartOptions) *Manager {
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		active: make(map[string]*Work),
		opts:   opts,
		logger: log.WithFields(zap.String("component", "work-manager")),
	}
}

// StartWork begins work for an ancillary on an assignment. It fails if
// the ancillary already has non-terminal work.
func (m *Manager) StartWork(ancillaryID string, a assignment.Assignment) (*Work, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.active[ancillaryID]; ok && !existing.Status().Terminal() {
		return nil, fmt.Errorf("ancillary %s already has active work", ancillaryID)
	}

	m.logger.Info("starting work",
		zap.String("ancillary_id", ancillaryID),
		zap.String("bead_id", a.BeadID))

	w, err := Start(ancillaryID, a, m.opts)
	if err != nil {
		return nil, err
	}
	m.active[ancillaryID] = w
	return w, nil
}

// GetWork returns the work handle for an ancillary, if any.
func (m *Manager) GetWork(ancillaryID string) (*Work, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.active[ancillaryID]
	return w, ok
}

// StopWork interrupts and removes an ancillary's work, returning the
// removed handle.
func (m *Manager) StopWork(ancillaryID string) (*Work, bool) {
	m.mu.Lock()
	w, ok := m.active[ancillaryID]
	if ok {
		delete(m.active, ancillaryID)
	}
	m.mu.Unlock()

	if !ok {
		return nil, false
	}

	_ = w.Interrupt()
	w.Stop()
	return w, true
}

// HasActiveWork reports whether an ancillary has non-terminal work.
func (m *Manager) HasActiveWork(ancillaryID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.active[ancillaryID]
	return ok && !w.Status().Terminal()
}

// ListActive returns the status of every tracked work handle.
func (m *Manager) ListActive() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Status, len(m.active))
	for id, w := range m.active {
		out[id] = w.Status()
	}
	return out
}

// StopAll aborts all tracked work, used during daemon shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	handles := make([]*Work, 0, len(m.active))
	for _, w := range m.active {
		handles = append(handles, w)
	}
	m.active = make(map[string]*Work)
	m.mu.Unlock()

	for _, w := range handles {
		w.Stop()
	}
	m.logger.Info("stopped all work", zap.Int("count", len(handles)))
}

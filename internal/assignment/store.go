package assignment

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anowell/toren/internal/common/logger"
)

// Store is the persistent assignment table. All assignments live in a
// single JSON file that is atomically rewritten after every mutation.
type Store struct {
	mu          sync.RWMutex
	storagePath string
	historyPath string
	assignments map[string]*Assignment
	logger      *logger.Logger
}

// NewStore creates a store persisting to ~/.toren/assignments.json.
func NewStore(log *logger.Logger) (*Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("could not determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".toren")
	return NewStoreAt(filepath.Join(dir, "assignments.json"), filepath.Join(dir, "completions.json"), log)
}

// NewStoreAt creates a store with explicit storage paths.
func NewStoreAt(storagePath, historyPath string, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Default()
	}
	s := &Store{
		storagePath: storagePath,
		historyPath: historyPath,
		assignments: make(map[string]*Assignment),
		logger:      log.WithFields(zap.String("component", "assignment-store")),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	content, err := os.ReadFile(s.storagePath)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Debug("no existing assignments file", zap.String("path", s.storagePath))
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", s.storagePath, err)
	}

	var assignments []*Assignment
	if err := json.Unmarshal(content, &assignments); err != nil {
		return fmt.Errorf("failed to parse %s: %w", s.storagePath, err)
	}

	for _, a := range assignments {
		s.assignments[a.ID] = a
	}
	s.logger.Info("loaded assignments from disk", zap.Int("count", len(s.assignments)))
	return nil
}

// save rewrites the storage file atomically: write to a temp file in the
// same directory, then rename over the target. Callers must hold the
// write lock.
func (s *Store) save() error {
	assignments := make([]*Assignment, 0, len(s.assignments))
	for _, a := range s.assignments {
		assignments = append(assignments, a)
	}
	sort.Slice(assignments, func(i, j int) bool {
		return assignments[i].CreatedAt.Before(assignments[j].CreatedAt)
	})

	content, err := json.MarshalIndent(assignments, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize assignments: %w", err)
	}

	dir := filepath.Dir(s.storagePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".assignments-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.storagePath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", s.storagePath, err)
	}

	s.logger.Debug("saved assignments to disk", zap.Int("count", len(s.assignments)))
	return nil
}

// CreateFromBead creates a new Pending assignment from an existing bead.
func (s *Store) CreateFromBead(ancillaryID, beadID, segment, workspacePath, beadTitle string) (*Assignment, error) {
	return s.create(ancillaryID, beadID, segment, workspacePath, beadTitle, Source{Type: SourceBead})
}

// CreateFromPrompt creates a new Pending assignment from a free-text
// prompt whose bead was auto-created.
func (s *Store) CreateFromPrompt(ancillaryID, beadID, originalPrompt, segment, workspacePath, beadTitle string) (*Assignment, error) {
	return s.create(ancillaryID, beadID, segment, workspacePath, beadTitle,
		Source{Type: SourcePrompt, OriginalPrompt: originalPrompt})
}

func (s *Store) create(ancillaryID, beadID, segment, workspacePath, beadTitle string, source Source) (*Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	a := &Assignment{
		ID:            uuid.New().String(),
		AncillaryID:   ancillaryID,
		BeadID:        beadID,
		Segment:       segment,
		WorkspacePath: workspacePath,
		Source:        source,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
		BeadTitle:     beadTitle,
	}

	s.assignments[a.ID] = a
	if err := s.save(); err != nil {
		return nil, err
	}

	s.logger.Info("created assignment",
		zap.String("ancillary_id", ancillaryID),
		zap.String("bead_id", beadID),
		zap.String("source", string(source.Type)))

	clone := *a
	return &clone, nil
}

// UpdateStatus sets an assignment's status. Returns false if the
// assignment does not exist.
func (s *Store) UpdateStatus(assignmentID string, status Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assignments[assignmentID]
	if !ok {
		return false, nil
	}
	a.Status = status
	a.UpdatedAt = time.Now().UTC()
	return true, s.save()
}

// UpdateSessionID records the agent session id for cross-interface resumption.
func (s *Store) UpdateSessionID(assignmentID, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assignments[assignmentID]
	if !ok {
		return false, nil
	}
	a.SessionID = sessionID
	a.UpdatedAt = time.Now().UTC()
	return true, s.save()
}

// Touch refreshes an assignment's updated_at timestamp.
func (s *Store) Touch(assignmentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assignments[assignmentID]
	if !ok {
		return false, nil
	}
	a.UpdatedAt = time.Now().UTC()
	return true, s.save()
}

// Get returns an assignment by ID.
func (s *Store) Get(assignmentID string) (*Assignment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.assignments[assignmentID]
	if !ok {
		return nil, false
	}
	clone := *a
	return &clone, true
}

// GetByBead returns all assignments for a bead.
func (s *Store) GetByBead(beadID string) []*Assignment {
	return s.filter(func(a *Assignment) bool { return a.BeadID == beadID })
}

// GetByAncillary returns all assignments for an ancillary.
// Ancillary name comparison is case-insensitive.
func (s *Store) GetByAncillary(ancillaryID string) []*Assignment {
	return s.filter(func(a *Assignment) bool {
		return strings.EqualFold(a.AncillaryID, ancillaryID)
	})
}

// GetActiveForAncillary returns the open assignment for an ancillary.
// There is at most one.
func (s *Store) GetActiveForAncillary(ancillaryID string) (*Assignment, bool) {
	matches := s.filter(func(a *Assignment) bool {
		return strings.EqualFold(a.AncillaryID, ancillaryID) && a.Status.IsOpen()
	})
	if len(matches) == 0 {
		return nil, false
	}
	return matches[0], true
}

// Remove deletes an assignment by ID, returning the removed record.
func (s *Store) Remove(assignmentID string) (*Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assignments[assignmentID]
	if !ok {
		return nil, nil
	}
	delete(s.assignments, assignmentID)
	if err := s.save(); err != nil {
		return nil, err
	}
	clone := *a
	return &clone, nil
}

// DismissAncillary removes all assignments for an ancillary.
func (s *Store) DismissAncillary(ancillaryID string) ([]*Assignment, error) {
	return s.removeWhere(func(a *Assignment) bool {
		return strings.EqualFold(a.AncillaryID, ancillaryID)
	}, "ancillary", ancillaryID)
}

// DismissBead removes all assignments for a bead.
func (s *Store) DismissBead(beadID string) ([]*Assignment, error) {
	return s.removeWhere(func(a *Assignment) bool {
		return a.BeadID == beadID
	}, "bead", beadID)
}

func (s *Store) removeWhere(match func(*Assignment) bool, kind, key string) ([]*Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []*Assignment
	for id, a := range s.assignments {
		if match(a) {
			clone := *a
			removed = append(removed, &clone)
			delete(s.assignments, id)
		}
	}

	if len(removed) > 0 {
		if err := s.save(); err != nil {
			return nil, err
		}
		s.logger.Info("dismissed assignments",
			zap.Int("count", len(removed)),
			zap.String(kind, key))
	}
	return removed, nil
}

// List returns all assignments.
func (s *Store) List() []*Assignment {
	return s.filter(func(*Assignment) bool { return true })
}

// ListSegment returns all assignments for a segment (case-insensitive).
func (s *Store) ListSegment(segment string) []*Assignment {
	return s.filter(func(a *Assignment) bool {
		return strings.EqualFold(a.Segment, segment)
	})
}

// ListActive returns all open assignments.
func (s *Store) ListActive() []*Assignment {
	return s.filter(func(a *Assignment) bool { return a.Status.IsOpen() })
}

// ListActiveSegment returns all open assignments for a segment.
func (s *Store) ListActiveSegment(segment string) []*Assignment {
	return s.filter(func(a *Assignment) bool {
		return strings.EqualFold(a.Segment, segment) && a.Status.IsOpen()
	})
}

func (s *Store) filter(match func(*Assignment) bool) []*Assignment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Assignment
	for _, a := range s.assignments {
		if match(a) {
			clone := *a
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// NextAvailableAncillary selects the next free ancillary slot for a
// segment: the lowest number in [1, poolSize] with no open assignment,
// or max(assigned)+1 once the pool is exhausted.
func (s *Store) NextAvailableAncillary(segment string, poolSize int) string {
	assigned := make(map[int]bool)
	maxAssigned := 0
	for _, a := range s.ListSegment(segment) {
		if !a.Status.IsOpen() {
			continue
		}
		if n, ok := AncillaryNumber(a.AncillaryID); ok {
			assigned[n] = true
			if n > maxAssigned {
				maxAssigned = n
			}
		}
	}

	for n := 1; n <= poolSize; n++ {
		if !assigned[n] {
			return AncillaryID(segment, n)
		}
	}
	return AncillaryID(segment, maxAssigned+1)
}

// Resolve returns all assignments matching a reference.
func (s *Store) Resolve(ref Ref) []*Assignment {
	switch ref.Kind {
	case RefBead:
		return s.GetByBead(ref.Value)
	case RefAncillary:
		return s.GetByAncillary(ref.Value)
	default:
		return nil
	}
}

// ResolveActive returns open assignments matching a reference.
func (s *Store) ResolveActive(ref Ref) []*Assignment {
	var out []*Assignment
	for _, a := range s.Resolve(ref) {
		if a.Status.IsOpen() {
			out = append(out, a)
		}
	}
	return out
}

// RecordCompletion appends a record to the completion history file.
// History failures are logged but do not fail the lifecycle operation.
func (s *Store) RecordCompletion(a *Assignment, reason CompletionReason, revision string) error {
	record := CompletionRecord{
		Assignment: *a,
		Reason:     reason,
		Revision:   revision,
		RecordedAt: time.Now().UTC(),
	}

	var history []CompletionRecord
	if content, err := os.ReadFile(s.historyPath); err == nil {
		_ = json.Unmarshal(content, &history)
	}
	history = append(history, record)

	content, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.historyPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(s.historyPath, content, 0644)
}

// Package segment resolves named source repositories (segments) under
// configured roots. Segments are resolved dynamically rather than
// pre-discovered: any immediate child directory of a root is a valid segment.
package segment

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/anowell/toren/internal/common/logger"
)

// Segment is an immutable descriptor for a source repository directory.
type Segment struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Registry manages segment discovery and resolution. It is read-mostly
// and protected by a single reader-writer lock.
type Registry struct {
	mu     sync.RWMutex
	roots  []string
	logger *logger.Logger
}

// NewRegistry builds a registry from the configured root paths. Roots are
// canonicalized; missing roots are logged and skipped.
func NewRegistry(roots []string, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithFields(zap.String("component", "segment-registry"))

	var resolved []string
	for _, root := range roots {
		info, err := os.Stat(root)
		if err != nil || !info.IsDir() {
			log.Warn("segment root does not exist", zap.String("root", root))
			continue
		}
		canonical, err := filepath.EvalSymlinks(root)
		if err != nil {
			canonical = root
		}
		log.Debug("registered segment root", zap.String("root", canonical))
		resolved = append(resolved, canonical)
	}

	log.Info("discovered segment roots", zap.Int("count", len(resolved)))

	return &Registry{
		roots:  resolved,
		logger: log,
	}
}

// Roots returns the configured segment roots.
func (r *Registry) Roots() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.roots))
	copy(out, r.roots)
	return out
}

// ResolveFromPath resolves a segment from a path. If the path is under a
// root, the segment is the immediate child of the root that contains it.
// If the path itself is a root, that root is the segment.
func (r *Registry) ResolveFromPath(path string) (*Segment, bool) {
	canonical, err := filepath.EvalSymlinks(path)
	if err != nil {
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, root := range r.roots {
		if canonical == root {
			return &Segment{Name: filepath.Base(root), Path: canonical}, true
		}

		rel, err := filepath.Rel(root, canonical)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}

		segName := strings.SplitN(rel, string(filepath.Separator), 2)[0]
		segPath := filepath.Join(root, segName)
		if info, err := os.Stat(segPath); err == nil && info.IsDir() {
			return &Segment{Name: segName, Path: segPath}, true
		}
	}

	return nil, false
}

// FindByName finds a segment by name, searching all roots in order.
// Returns the first matching directory found.
func (r *Registry) FindByName(name string) (*Segment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, root := range r.roots {
		segPath := filepath.Join(root, name)
		if info, err := os.Stat(segPath); err == nil && info.IsDir() {
			return &Segment{Name: name, Path: segPath}, true
		}
	}
	return nil, false
}

// ListAll enumerates all segments from all roots: every top-level
// non-hidden subdirectory, sorted by name.
func (r *Registry) ListAll() []Segment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var segments []Segment
	for _, root := range r.roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
				continue
			}
			segments = append(segments, Segment{
				Name: entry.Name(),
				Path: filepath.Join(root, entry.Name()),
			})
		}
	}

	sort.Slice(segments, func(i, j int) bool { return segments[i].Name < segments[j].Name })
	return segments
}

// CanCreateIn reports whether a directory is a configured root.
func (r *Registry) CanCreateIn(root string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, candidate := range r.roots {
		if candidate == root {
			return true
		}
	}
	return false
}

// CreateSegment creates a new segment directory under a configured root.
func (r *Registry) CreateSegment(name, root string) (*Segment, error) {
	if !r.CanCreateIn(root) {
		return nil, fmt.Errorf("cannot create segments in: %s", root)
	}

	path := filepath.Join(root, name)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("segment already exists: %s", path)
	}

	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create segment directory %s: %w", path, err)
	}

	canonical, err := filepath.EvalSymlinks(path)
	if err != nil {
		canonical = path
	}

	r.logger.Info("created new segment", zap.String("name", name), zap.String("path", path))
	return &Segment{Name: name, Path: canonical}, nil
}

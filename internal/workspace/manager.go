// Package workspace owns the per-assignment jj workspace tree lifecycle
// and the declarative setup/destroy hook pipeline.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/anowell/toren/internal/common/logger"
	"github.com/anowell/toren/internal/proc"
	"github.com/anowell/toren/internal/vcs"
)

// terminateTimeout bounds the SIGTERM-to-SIGKILL window during teardown.
const terminateTimeout = 5 * time.Second

// Manager creates and destroys jj workspaces under a configured root.
// Workspaces live at <workspace_root>/<segment>/<workspace>.
type Manager struct {
	workspaceRoot string
	logger        *logger.Logger
}

// NewManager creates a workspace manager. A relative root is resolved
// against the current working directory.
func NewManager(workspaceRoot string, log *logger.Logger) *Manager {
	if !filepath.IsAbs(workspaceRoot) {
		if cwd, err := os.Getwd(); err == nil {
			workspaceRoot = filepath.Join(cwd, workspaceRoot)
		}
	}
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		workspaceRoot: workspaceRoot,
		logger:        log.WithFields(zap.String("component", "workspace-manager")),
	}
}

// Root returns the workspace root directory.
func (m *Manager) Root() string {
	return m.workspaceRoot
}

// Path returns the workspace directory for a segment and workspace name.
func (m *Manager) Path(segmentName, workspaceName string) string {
	return filepath.Join(m.workspaceRoot, segmentName, workspaceName)
}

// Exists reports whether a valid jj workspace exists at the target path.
func (m *Manager) Exists(segmentName, workspaceName string) bool {
	wsPath := m.Path(segmentName, workspaceName)
	if _, err := os.Stat(wsPath); err != nil {
		return false
	}
	_, err := os.Stat(filepath.Join(wsPath, ".jj"))
	return err == nil
}

// Create adds a named jj workspace for a segment and returns its path.
// Creation is idempotent: an existing directory carrying a .jj marker is
// returned as-is.
func (m *Manager) Create(segmentPath, segmentName, workspaceName string) (string, error) {
	wsPath := m.Path(segmentName, workspaceName)

	if err := os.MkdirAll(filepath.Dir(wsPath), 0755); err != nil {
		return "", fmt.Errorf("failed to create workspace parent directory: %w", err)
	}

	if _, err := os.Stat(wsPath); err == nil {
		if _, err := os.Stat(filepath.Join(wsPath, ".jj")); err == nil {
			m.logger.Debug("workspace already exists", zap.String("path", wsPath))
			return wsPath, nil
		}
		return "", fmt.Errorf("directory exists but is not a valid jj workspace: %s", wsPath)
	}

	m.logger.Info("creating jj workspace",
		zap.String("workspace", workspaceName),
		zap.String("path", wsPath),
		zap.String("segment", segmentPath))

	if err := vcs.WorkspaceAdd(segmentPath, workspaceName, wsPath); err != nil {
		return "", err
	}
	return wsPath, nil
}

// CreateWithSetup creates a workspace and runs its setup pipeline.
// Setup failure surfaces to the caller; partial side effects are left for
// explicit cleanup.
func (m *Manager) CreateWithSetup(segmentPath, segmentName, workspaceName string, ancillaryNum int) (string, error) {
	wsPath, err := m.Create(segmentPath, segmentName, workspaceName)
	if err != nil {
		return "", err
	}

	if err := m.RunSetup(segmentPath, wsPath, workspaceName, ancillaryNum); err != nil {
		return "", fmt.Errorf("workspace setup failed for '%s': %w", workspaceName, err)
	}
	return wsPath, nil
}

// RunSetup executes the segment's setup pipeline, if a .toren.kdl exists.
func (m *Manager) RunSetup(segmentPath, workspacePath, workspaceName string, ancillaryNum int) error {
	if !ConfigExists(segmentPath) {
		m.logger.Debug("no hook config found, skipping setup")
		return nil
	}
	return NewSetup(segmentPath, workspacePath, workspaceName, ancillaryNum, m.logger).RunSetup()
}

// RunDestroy executes the segment's destroy pipeline, if a .toren.kdl exists.
func (m *Manager) RunDestroy(segmentPath, workspacePath, workspaceName string) error {
	if !ConfigExists(segmentPath) {
		m.logger.Debug("no hook config found, skipping destroy")
		return nil
	}
	return NewSetup(segmentPath, workspacePath, workspaceName, 0, m.logger).RunDestroy()
}

// Forget removes a workspace from jj tracking but keeps its files.
// Failure is downgraded to a warning; the workspace may already be forgotten.
func (m *Manager) Forget(segmentPath, workspaceName string) {
	m.logger.Info("forgetting jj workspace",
		zap.String("workspace", workspaceName),
		zap.String("segment", segmentPath))

	if err := vcs.WorkspaceForget(segmentPath, workspaceName); err != nil {
		m.logger.Warn("jj workspace forget failed", zap.Error(err))
	}
}

// Delete removes a workspace directory after it has been forgotten.
func (m *Manager) Delete(segmentName, workspaceName string) error {
	wsPath := m.Path(segmentName, workspaceName)
	if _, err := os.Stat(wsPath); err != nil {
		return nil
	}

	m.logger.Info("deleting workspace directory", zap.String("path", wsPath))
	if err := os.RemoveAll(wsPath); err != nil {
		return fmt.Errorf("failed to delete workspace directory %s: %w", wsPath, err)
	}
	return nil
}

// Cleanup tears a workspace down completely: process check, destroy hooks,
// jj forget, directory removal.
//
// If processes are still rooted in the workspace and kill is false, a
// *proc.RunningProcessesError is returned listing them. With kill set,
// processes receive SIGTERM and, after a bounded wait, SIGKILL.
func (m *Manager) Cleanup(segmentPath, segmentName, workspaceName string, kill bool) error {
	wsPath := m.Path(segmentName, workspaceName)

	if _, err := os.Stat(wsPath); err == nil {
		processes := proc.FindWorkspaceProcesses(wsPath)
		if len(processes) > 0 {
			if !kill {
				return &proc.RunningProcessesError{Processes: processes}
			}
			m.logger.Info("terminating workspace processes", zap.Int("count", len(processes)))
			if err := proc.TerminateProcesses(processes, terminateTimeout, m.logger); err != nil {
				return err
			}
		}

		if err := m.RunDestroy(segmentPath, wsPath, workspaceName); err != nil {
			m.logger.Warn("workspace destroy hooks failed", zap.Error(err))
		}
	}

	m.Forget(segmentPath, workspaceName)
	return m.Delete(segmentName, workspaceName)
}

// List returns the jj workspace names for a segment.
func (m *Manager) List(segmentPath string) ([]string, error) {
	return vcs.WorkspaceList(segmentPath)
}

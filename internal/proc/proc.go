// Package proc discovers and terminates processes rooted in a workspace
// directory, used as a safety check before workspace teardown.
package proc

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/anowell/toren/internal/common/logger"
)

// ProcessInfo describes a process running inside a workspace.
type ProcessInfo struct {
	PID  int32  `json:"pid"`
	Name string `json:"name"`
}

func (p ProcessInfo) String() string {
	return fmt.Sprintf("%s (pid %d)", p.Name, p.PID)
}

// RunningProcessesError is returned when processes are still running in a
// workspace and termination was not requested.
type RunningProcessesError struct {
	Processes []ProcessInfo
}

func (e *RunningProcessesError) Error() string {
	lines := make([]string, len(e.Processes))
	for i, p := range e.Processes {
		lines[i] = "  " + p.String()
	}
	return fmt.Sprintf("processes still running in workspace:\n%s\nretry with kill to terminate these processes",
		strings.Join(lines, "\n"))
}

// FindWorkspaceProcesses enumerates processes whose working directory is
// within workspacePath. The current process is never included. Returns an
// empty list if enumeration is unsupported or fails.
func FindWorkspaceProcesses(workspacePath string) []ProcessInfo {
	canonical, err := filepath.EvalSymlinks(workspacePath)
	if err != nil {
		canonical = workspacePath
	}

	procs, err := process.Processes()
	if err != nil {
		return nil
	}

	selfPID := int32(os.Getpid())
	var found []ProcessInfo

	for _, p := range procs {
		if p.Pid <= 0 || p.Pid == selfPID {
			continue
		}

		cwd, err := p.Cwd()
		if err != nil || cwd == "" {
			continue
		}

		cwdCanonical, err := filepath.EvalSymlinks(cwd)
		if err != nil {
			cwdCanonical = cwd
		}
		if !isWithin(cwdCanonical, canonical) {
			continue
		}

		name, err := p.Name()
		if err != nil || name == "" {
			name = "<unknown>"
		}
		found = append(found, ProcessInfo{PID: p.Pid, Name: name})
	}

	return found
}

// isWithin reports whether path is root or a descendant of root.
func isWithin(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

// TerminateProcesses sends SIGTERM to all processes, polls liveness every
// 200ms up to timeout, then force-kills survivors.
func TerminateProcesses(procs []ProcessInfo, timeout time.Duration, log *logger.Logger) error {
	if len(procs) == 0 {
		return nil
	}
	if log == nil {
		log = logger.Default()
	}

	for _, info := range procs {
		p, err := process.NewProcess(info.PID)
		if err != nil {
			continue
		}
		log.Info("sending SIGTERM", zap.Int32("pid", info.PID), zap.String("name", info.Name))
		if err := p.Terminate(); err != nil {
			log.Debug("SIGTERM failed, process may have exited",
				zap.Int32("pid", info.PID), zap.Error(err))
		}
	}

	deadline := time.Now().Add(timeout)
	for {
		alive := survivors(procs)
		if len(alive) == 0 {
			log.Info("all workspace processes terminated gracefully")
			return nil
		}

		if time.Now().After(deadline) {
			for _, info := range alive {
				p, err := process.NewProcess(info.PID)
				if err != nil {
					continue
				}
				log.Warn("force killing", zap.Int32("pid", info.PID), zap.String("name", info.Name))
				_ = p.Kill()
			}
			log.Info("force-killed remaining processes", zap.Int("count", len(alive)))
			return nil
		}

		time.Sleep(200 * time.Millisecond)
	}
}

func survivors(procs []ProcessInfo) []ProcessInfo {
	var alive []ProcessInfo
	for _, info := range procs {
		if exists, err := process.PidExists(info.PID); err == nil && exists {
			alive = append(alive, info)
		}
	}
	return alive
}

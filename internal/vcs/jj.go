// Package vcs wraps the jj version-control CLI for workspace management
// and change detection.
package vcs

import (
	"fmt"
	"os/exec"
	"strings"
)

// WorkspaceAdd creates a named co-located working tree rooted at path,
// invoked from the segment directory.
func WorkspaceAdd(segmentPath, name, path string) error {
	_, err := run(segmentPath, "workspace", "add", "--name", name, path)
	return err
}

// WorkspaceForget removes a workspace from jj tracking but keeps its files.
func WorkspaceForget(segmentPath, name string) error {
	_, err := run(segmentPath, "workspace", "forget", name)
	return err
}

// WorkspaceList returns the workspace names known to the repository at
// segmentPath. Output lines have the form "name: commit".
func WorkspaceList(segmentPath string) ([]string, error) {
	out, err := run(segmentPath, "workspace", "list")
	if err != nil {
		return nil, err
	}

	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		name, _, found := strings.Cut(line, ":")
		if found && strings.TrimSpace(name) != "" {
			names = append(names, strings.TrimSpace(name))
		}
	}
	return names, nil
}

// HasChanges reports whether a workspace has work exclusive to it.
//
// Two complementary checks are needed:
//  1. The revset "::@ ~ ::default@ ~ empty()" finds non-empty commits
//     exclusive to this workspace. It catches committed work after
//     commit + new where @ itself is empty.
//  2. "jj diff --stat" detects uncommitted working-copy changes on @,
//     which the revset misses when default@ descends from @.
func HasChanges(workspacePath string) bool {
	out, err := run(workspacePath,
		"log", "-r", "::@ ~ ::default@ ~ empty()", "--no-graph", "-T", `change_id ++ "\n"`)
	if err == nil && strings.TrimSpace(string(out)) != "" {
		return true
	}

	out, err = run(workspacePath, "diff", "--stat")
	return err == nil && strings.TrimSpace(string(out)) != ""
}

// CurrentRevision returns the commit id of the working copy.
func CurrentRevision(workspacePath string) (string, error) {
	out, err := run(workspacePath, "log", "-r", "@", "--no-graph", "-T", "commit_id")
	if err != nil {
		return "", err
	}
	rev := strings.TrimSpace(string(out))
	if rev == "" {
		return "", fmt.Errorf("jj returned empty revision")
	}
	return rev, nil
}

// Push pushes the given revision to the git remote.
func Push(workspacePath, revision string) error {
	_, err := run(workspacePath, "git", "push", "-c", revision)
	return err
}

func run(dir string, args ...string) ([]byte, error) {
	cmd := exec.Command("jj", args...)
	cmd.Dir = dir

	var stderr strings.Builder
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, fmt.Errorf("jj %s failed: %w", strings.Join(args, " "), err)
		}
		return nil, fmt.Errorf("jj %s failed: %s", args[0], msg)
	}
	return out, nil
}

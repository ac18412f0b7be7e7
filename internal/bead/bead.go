// Package bead wraps the external bd work-item tracker CLI.
//
// All operations shell out to bd in a given working directory and parse
// JSON from stdout. The gateway is stateless; a failed call does not
// affect subsequent ones.
package bead

import (
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// Task is a tracked work item fetched from bd.
type Task struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// beadRecord mirrors the JSON emitted by `bd show --json`.
type beadRecord struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Fetch retrieves a bead by ID using `bd show <id> --json`.
func Fetch(beadID, workingDir string) (*Task, error) {
	out, err := run(workingDir, "show", beadID, "--json")
	if err != nil {
		return nil, err
	}
	return parseShowOutput(out, beadID)
}

// parseShowOutput accepts either a single record or an array of records,
// both of which bd emits depending on version.
func parseShowOutput(out []byte, beadID string) (*Task, error) {
	trimmed := strings.TrimSpace(string(out))

	var records []beadRecord
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal([]byte(trimmed), &records); err != nil {
			return nil, fmt.Errorf("failed to parse bd output: %w", err)
		}
	} else {
		var record beadRecord
		if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
			return nil, fmt.Errorf("failed to parse bd output: %w", err)
		}
		records = []beadRecord{record}
	}

	if len(records) == 0 {
		return nil, fmt.Errorf("no bead found with id: %s", beadID)
	}

	bead := records[0]
	return &Task{
		ID:          bead.ID,
		Title:       bead.Title,
		Description: bead.Description,
	}, nil
}

// Create creates a new bead and returns its ID.
func Create(title, description, workingDir string) (string, error) {
	args := []string{"create", "--silent", "--title", title}
	if description != "" {
		args = append(args, "--description", description)
	}

	out, err := run(workingDir, args...)
	if err != nil {
		return "", err
	}

	beadID := strings.TrimSpace(string(out))
	if beadID == "" {
		return "", fmt.Errorf("bd create returned empty bead ID")
	}
	return beadID, nil
}

// UpdateStatus sets the status of a bead.
func UpdateStatus(beadID, status, workingDir string) error {
	_, err := run(workingDir, "update", beadID, "--status", status)
	return err
}

// UpdateAssignee sets the assignee of a bead.
func UpdateAssignee(beadID, assignee, workingDir string) error {
	_, err := run(workingDir, "update", beadID, "--assignee", assignee)
	return err
}

// Claim marks a bead in_progress and assigns it in one call.
func Claim(beadID, assignee, workingDir string) error {
	_, err := run(workingDir, "update", beadID, "--status", "in_progress", "--assignee", assignee)
	return err
}

// CreateAndClaim creates a bead from a prompt and immediately claims it.
// Returns the new bead ID.
func CreateAndClaim(title, description, assignee, workingDir string) (string, error) {
	beadID, err := Create(title, description, workingDir)
	if err != nil {
		return "", err
	}
	if err := Claim(beadID, assignee, workingDir); err != nil {
		return "", err
	}
	return beadID, nil
}

// GeneratePrompt renders a task prompt from the configured template.
// Supported placeholders: {{task_id}}, {{task_title}}.
func GeneratePrompt(task *Task, template string) string {
	prompt := strings.ReplaceAll(template, "{{task_id}}", task.ID)
	prompt = strings.ReplaceAll(prompt, "{{task_title}}", task.Title)
	return prompt
}

func run(workingDir string, args ...string) ([]byte, error) {
	cmd := exec.Command("bd", args...)
	cmd.Dir = workingDir

	var stderr strings.Builder
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, fmt.Errorf("bd %s failed: %w", args[0], err)
		}
		return nil, fmt.Errorf("bd %s failed: %s", args[0], msg)
	}
	return out, nil
}

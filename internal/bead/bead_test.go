package bead

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseShowOutputArray(t *testing.T) {
	out := []byte(`[{"id":"breq-a1b2","title":"Fix login","description":"Users cannot log in"}]`)

	task, err := parseShowOutput(out, "breq-a1b2")
	require.NoError(t, err)
	assert.Equal(t, "breq-a1b2", task.ID)
	assert.Equal(t, "Fix login", task.Title)
	assert.Equal(t, "Users cannot log in", task.Description)
}

func TestParseShowOutputSingleRecord(t *testing.T) {
	out := []byte(`{"id":"breq-a1b2","title":"Fix login"}`)

	task, err := parseShowOutput(out, "breq-a1b2")
	require.NoError(t, err)
	assert.Equal(t, "breq-a1b2", task.ID)
	assert.Equal(t, "Fix login", task.Title)
	assert.Empty(t, task.Description)
}

func TestParseShowOutputEmpty(t *testing.T) {
	_, err := parseShowOutput([]byte(`[]`), "breq-gone")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "breq-gone")
}

func TestParseShowOutputGarbage(t *testing.T) {
	_, err := parseShowOutput([]byte("not json"), "breq-x")
	require.Error(t, err)
}

func TestGeneratePrompt(t *testing.T) {
	task := &Task{ID: "breq-a1b2", Title: "Fix login"}

	assert.Equal(t, "implement bead breq-a1b2",
		GeneratePrompt(task, "implement bead {{task_id}}"))
	assert.Equal(t, "work on Fix login (breq-a1b2)",
		GeneratePrompt(task, "work on {{task_title}} ({{task_id}})"))
	assert.Equal(t, "no placeholders", GeneratePrompt(task, "no placeholders"))
}

// stubBD installs a fake bd executable on PATH that echoes canned output.
func stubBD(t *testing.T, script string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "bd")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0755))
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func TestFetchViaCLI(t *testing.T) {
	stubBD(t, `echo '[{"id":"breq-123","title":"Stub bead"}]'`)

	task, err := Fetch("breq-123", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "breq-123", task.ID)
	assert.Equal(t, "Stub bead", task.Title)
}

func TestFetchNonZeroExit(t *testing.T) {
	stubBD(t, `echo 'no such bead' >&2; exit 1`)

	_, err := Fetch("breq-404", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such bead")
}

func TestCreateReturnsID(t *testing.T) {
	stubBD(t, `echo 'breq-new1'`)

	id, err := Create("New task", "details", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "breq-new1", id)
}

func TestCreateEmptyOutput(t *testing.T) {
	stubBD(t, `exit 0`)

	_, err := Create("New task", "", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty bead ID")
}

func TestClaim(t *testing.T) {
	// The stub records its arguments so the contract can be checked
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args.txt")
	stubBD(t, `echo "$@" > `+argsFile)

	require.NoError(t, Claim("breq-1", "claude", dir))

	content, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Equal(t, "update breq-1 --status in_progress --assignee claude\n", string(content))
}

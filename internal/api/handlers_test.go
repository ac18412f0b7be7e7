package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anowell/toren/internal/ancillary"
	"github.com/anowell/toren/internal/assignment"
	"github.com/anowell/toren/internal/claudecode"
	"github.com/anowell/toren/internal/common/config"
	"github.com/anowell/toren/internal/security"
	"github.com/anowell/toren/internal/segment"
	"github.com/anowell/toren/internal/work"
	"github.com/anowell/toren/internal/workspace"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// scriptedRunner feeds canned messages to work loops during tests.
type scriptedRunner struct {
	emit chan claudecode.CLIMessage
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{emit: make(chan claudecode.CLIMessage)}
}

func (r *scriptedRunner) Run(ctx context.Context, prompt string, opts claudecode.Options) (<-chan claudecode.CLIMessage, <-chan error) {
	msgs := make(chan claudecode.CLIMessage)
	errs := make(chan error, 1)
	go func() {
		defer close(msgs)
		for {
			select {
			case m, ok := <-r.emit:
				if !ok {
					return
				}
				select {
				case msgs <- m:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return msgs, errs
}

type testEnv struct {
	server      *Server
	router      *gin.Engine
	token       string
	segmentRoot string
	wsRoot      string
	store       *assignment.Store
	workMgr     *work.Manager
	runner      *scriptedRunner
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	base := t.TempDir()

	segmentRoot := filepath.Join(base, "repos")
	require.NoError(t, os.MkdirAll(filepath.Join(segmentRoot, "toren"), 0755))

	wsRoot := filepath.Join(base, "workspaces")
	require.NoError(t, os.MkdirAll(wsRoot, 0755))

	cfg := &config.Config{}
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Segments.Roots = []string{segmentRoot}
	cfg.Ancillary.WorkspaceRoot = wsRoot
	cfg.Ancillary.PoolSize = 3
	cfg.Ancillary.TaskPromptTemplate = "implement bead {{task_id}}"

	sec, err := security.NewContextAt(filepath.Join(base, "sessions.json"), nil)
	require.NoError(t, err)
	session, err := sec.CreateSession()
	require.NoError(t, err)

	store, err := assignment.NewStoreAt(
		filepath.Join(base, "assignments.json"),
		filepath.Join(base, "completions.json"),
		nil)
	require.NoError(t, err)

	runner := newScriptedRunner()
	workMgr := work.NewManager(work.StartOptions{
		Runner:  runner,
		LogPath: filepath.Join(base, "work.jsonl"),
	})

	server := NewServer(
		cfg, sec,
		segment.NewRegistry(cfg.Segments.Roots, nil),
		workspace.NewManager(wsRoot, nil),
		store,
		ancillary.NewRegistry(nil),
		workMgr,
		nil)

	return &testEnv{
		server:      server,
		router:      server.Router(),
		token:       session.Token,
		segmentRoot: segmentRoot,
		wsRoot:      wsRoot,
		store:       store,
		workMgr:     workMgr,
		runner:      runner,
	}
}

func (e *testEnv) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t)

	rec := env.request(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, Version, resp["version"])
}

func TestPairDevice(t *testing.T) {
	env := newTestEnv(t)

	rec := env.request(t, http.MethodPost, "/pair", gin.H{"pairing_token": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.request(t, http.MethodPost, "/pair",
		gin.H{"pairing_token": env.server.security.PairingToken()})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp["session_token"], 32)
	assert.NotEmpty(t, resp["session_id"])
	assert.True(t, env.server.security.ValidateSession(resp["session_token"]))
}

func TestCreateAssignmentValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.request(t, http.MethodPost, "/api/assignments", gin.H{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Neither bead_id nor prompt
	rec = env.request(t, http.MethodPost, "/api/assignments", gin.H{"segment": "toren"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Both bead_id and prompt
	rec = env.request(t, http.MethodPost, "/api/assignments",
		gin.H{"segment": "toren", "bead_id": "breq-1", "prompt": "do things"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Unknown segment
	rec = env.request(t, http.MethodPost, "/api/assignments",
		gin.H{"segment": "nowhere", "bead_id": "breq-1"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// stubBD puts a fake bd executable on PATH.
func stubBD(t *testing.T, script string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bd"), []byte("#!/bin/sh\n"+script), 0755))
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

// seedWorkspace pre-creates a valid workspace tree so creation takes the
// idempotent path and does not invoke jj.
func seedWorkspace(t *testing.T, env *testEnv, segment, name string) string {
	t.Helper()
	wsPath := filepath.Join(env.wsRoot, segment, name)
	require.NoError(t, os.MkdirAll(filepath.Join(wsPath, ".jj"), 0755))
	return wsPath
}

func TestCreateAssignmentFromBead(t *testing.T) {
	env := newTestEnv(t)
	stubBD(t, `case "$1" in
show) echo '[{"id":"breq-abc","title":"Fix it"}]' ;;
*) exit 0 ;;
esac`)
	seedWorkspace(t, env, "toren", "one")

	rec := env.request(t, http.MethodPost, "/api/assignments",
		gin.H{"segment": "toren", "bead_id": "breq-abc"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		Assignment assignment.Assignment `json:"assignment"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	assert.Equal(t, "Toren One", resp.Assignment.AncillaryID)
	assert.Equal(t, "breq-abc", resp.Assignment.BeadID)
	assert.Equal(t, "Fix it", resp.Assignment.BeadTitle)
	assert.Equal(t, assignment.StatusPending, resp.Assignment.Status)
	assert.Equal(t, filepath.Join(env.wsRoot, "toren", "one"), resp.Assignment.WorkspacePath)

	// Persisted
	stored, ok := env.store.Get(resp.Assignment.ID)
	require.True(t, ok)
	assert.Equal(t, "Toren One", stored.AncillaryID)
}

func TestCreateAssignmentsAllocateSequentially(t *testing.T) {
	env := newTestEnv(t)
	stubBD(t, `case "$1" in
show) echo '[{"id":"'$2'","title":"T"}]' ;;
create) echo "breq-gen" ;;
*) exit 0 ;;
esac`)
	for _, name := range []string{"one", "two", "three", "four"} {
		seedWorkspace(t, env, "toren", name)
	}

	want := []string{"Toren One", "Toren Two", "Toren Three", "Toren Four"}
	for i, expected := range want {
		rec := env.request(t, http.MethodPost, "/api/assignments",
			gin.H{"segment": "toren", "bead_id": "breq-" + expected})
		require.Equal(t, http.StatusCreated, rec.Code, "call %d: %s", i, rec.Body.String())

		var resp struct {
			Assignment assignment.Assignment `json:"assignment"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, expected, resp.Assignment.AncillaryID)
	}

	// No two open assignments share a workspace path
	paths := make(map[string]bool)
	for _, a := range env.store.ListActive() {
		assert.False(t, paths[a.WorkspacePath], "workspace reused: %s", a.WorkspacePath)
		paths[a.WorkspacePath] = true
	}
}

func TestStartWorkUnknownAssignment(t *testing.T) {
	env := newTestEnv(t)

	rec := env.request(t, http.MethodPost, "/api/ancillaries/Toren%20One/start",
		gin.H{"assignment_id": "missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartAndStopWork(t *testing.T) {
	env := newTestEnv(t)

	a, err := env.store.CreateFromPrompt("Toren One", "breq-1", "do it", "toren", "/tmp/nope", "")
	require.NoError(t, err)

	rec := env.request(t, http.MethodPost, "/api/ancillaries/Toren%20One/start",
		gin.H{"assignment_id": a.ID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Starting twice conflicts
	rec = env.request(t, http.MethodPost, "/api/ancillaries/Toren%20One/start",
		gin.H{"assignment_id": a.ID})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// The assignment went Active
	stored, _ := env.store.Get(a.ID)
	assert.Equal(t, assignment.StatusActive, stored.Status)

	rec = env.request(t, http.MethodPost, "/api/ancillaries/Toren%20One/stop", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.request(t, http.MethodPost, "/api/ancillaries/Toren%20One/stop", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListSegments(t *testing.T) {
	env := newTestEnv(t)

	rec := env.request(t, http.MethodGet, "/api/segments/list", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Segments []segment.Segment `json:"segments"`
		Count    int               `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "toren", resp.Segments[0].Name)
}

func TestListAssignmentsFilters(t *testing.T) {
	env := newTestEnv(t)

	a, err := env.store.CreateFromBead("Toren One", "breq-1", "toren", "/ws/one", "")
	require.NoError(t, err)
	_, err = env.store.CreateFromBead("Other One", "breq-2", "other", "/ws/o", "")
	require.NoError(t, err)
	_, err = env.store.UpdateStatus(a.ID, assignment.StatusCompleted)
	require.NoError(t, err)

	var resp struct {
		Count int `json:"count"`
	}

	rec := env.request(t, http.MethodGet, "/api/assignments", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)

	rec = env.request(t, http.MethodGet, "/api/assignments?segment=toren", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)

	rec = env.request(t, http.MethodGet, "/api/assignments?active=true", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
}

func TestGetAndDeleteAssignment(t *testing.T) {
	env := newTestEnv(t)

	a, err := env.store.CreateFromBead("Toren One", "breq-1", "toren", "/ws/one", "")
	require.NoError(t, err)

	rec := env.request(t, http.MethodGet, "/api/assignments/"+a.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.request(t, http.MethodDelete, "/api/assignments/"+a.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.request(t, http.MethodGet, "/api/assignments/"+a.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCleanupWorkspaceInUse(t *testing.T) {
	env := newTestEnv(t)

	wsPath := filepath.Join(env.wsRoot, "toren", "one")
	env.server.ancillaries.Register("Toren One", "toren", env.token, wsPath)

	rec := env.request(t, http.MethodPost, "/api/workspaces/cleanup",
		gin.H{"segment": "toren", "workspace": "one"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "Toren One")
}

// stubJJ puts a fake jj executable on PATH.
func stubJJ(t *testing.T, script string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "jj"), []byte("#!/bin/sh\n"+script), 0755))
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func TestCompleteAssignment(t *testing.T) {
	env := newTestEnv(t)

	bdLog := filepath.Join(t.TempDir(), "bd-args.txt")
	stubBD(t, `echo "$@" >> `+bdLog)
	stubJJ(t, `case "$1" in
log) printf 'rev123abc' ;;
*) exit 0 ;;
esac`)

	wsPath := seedWorkspace(t, env, "toren", "one")
	a, err := env.store.CreateFromBead("Toren One", "breq-abc", "toren", wsPath, "Fix it")
	require.NoError(t, err)

	rec := env.request(t, http.MethodPost, "/api/assignments/"+a.ID+"/complete", gin.H{})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Result assignment.CompleteResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "rev123abc", resp.Result.Revision)
	assert.False(t, resp.Result.Pushed)

	// The assignment left the active table and the workspace is gone
	_, ok := env.store.Get(a.ID)
	assert.False(t, ok)
	assert.NoDirExists(t, wsPath)

	// The bead was closed
	bdArgs, err := os.ReadFile(bdLog)
	require.NoError(t, err)
	assert.Contains(t, string(bdArgs), "update breq-abc --status closed")
}

func TestCompleteAssignmentKeepOpen(t *testing.T) {
	env := newTestEnv(t)

	bdLog := filepath.Join(t.TempDir(), "bd-args.txt")
	stubBD(t, `echo "$@" >> `+bdLog)
	stubJJ(t, `exit 0`)

	wsPath := seedWorkspace(t, env, "toren", "one")
	a, err := env.store.CreateFromBead("Toren One", "breq-abc", "toren", wsPath, "")
	require.NoError(t, err)

	rec := env.request(t, http.MethodPost, "/api/assignments/"+a.ID+"/complete",
		gin.H{"keep_open": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// No bd invocation at all: the bead stays open
	_, err = os.ReadFile(bdLog)
	assert.True(t, os.IsNotExist(err))
}

func TestAbortAssignment(t *testing.T) {
	env := newTestEnv(t)

	bdLog := filepath.Join(t.TempDir(), "bd-args.txt")
	stubBD(t, `echo "$@" >> `+bdLog)
	stubJJ(t, `exit 0`)

	wsPath := seedWorkspace(t, env, "toren", "one")
	a, err := env.store.CreateFromBead("Toren One", "breq-abc", "toren", wsPath, "")
	require.NoError(t, err)

	rec := env.request(t, http.MethodPost, "/api/assignments/"+a.ID+"/abort", gin.H{})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	_, ok := env.store.Get(a.ID)
	assert.False(t, ok)
	assert.NoDirExists(t, wsPath)

	// Without close_bead the bead is unassigned and returned to open
	bdArgs, err := os.ReadFile(bdLog)
	require.NoError(t, err)
	assert.Contains(t, string(bdArgs), "--assignee")
	assert.Contains(t, string(bdArgs), "update breq-abc --status open")
	assert.NotContains(t, string(bdArgs), "--status closed")
}

func TestAbortAssignmentCloseBead(t *testing.T) {
	env := newTestEnv(t)

	bdLog := filepath.Join(t.TempDir(), "bd-args.txt")
	stubBD(t, `echo "$@" >> `+bdLog)
	stubJJ(t, `exit 0`)

	wsPath := seedWorkspace(t, env, "toren", "one")
	a, err := env.store.CreateFromBead("Toren One", "breq-abc", "toren", wsPath, "")
	require.NoError(t, err)

	rec := env.request(t, http.MethodPost, "/api/assignments/"+a.ID+"/abort",
		gin.H{"close_bead": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	bdArgs, err := os.ReadFile(bdLog)
	require.NoError(t, err)
	assert.Contains(t, string(bdArgs), "update breq-abc --status closed")
	assert.NotContains(t, string(bdArgs), "--status open")
}

func TestResumeAssignmentRecreatesWorkspace(t *testing.T) {
	env := newTestEnv(t)

	stubBD(t, `case "$1" in
show) echo '[{"id":"breq-abc","title":"Fix it"}]' ;;
*) exit 0 ;;
esac`)
	// jj workspace add --name <ws> <path>: mimic by creating the tree
	stubJJ(t, `case "$1" in
workspace) mkdir -p "$5/.jj" ;;
*) exit 0 ;;
esac`)

	// The assignment's workspace is not on disk
	wsPath := filepath.Join(env.wsRoot, "toren", "one")
	a, err := env.store.CreateFromBead("Toren One", "breq-abc", "toren", wsPath, "Fix it")
	require.NoError(t, err)
	require.NoDirExists(t, wsPath)

	rec := env.request(t, http.MethodPost, "/api/assignments/"+a.ID+"/resume", gin.H{})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Result assignment.ResumeResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Result.WorkspaceRecreated)
	assert.Contains(t, resp.Result.Prompt, "Continue working on bead breq-abc")
	assert.Contains(t, resp.Result.Prompt, "Fix it")
	assert.DirExists(t, wsPath)

	// The assignment record survives with a refreshed timestamp
	stored, ok := env.store.Get(a.ID)
	require.True(t, ok)
	assert.True(t, !stored.UpdatedAt.Before(a.UpdatedAt))
}

func TestResumeAssignmentExistingWorkspace(t *testing.T) {
	env := newTestEnv(t)

	stubBD(t, `case "$1" in
show) echo '[{"id":"breq-abc","title":"Fix it"}]' ;;
*) exit 0 ;;
esac`)

	wsPath := seedWorkspace(t, env, "toren", "one")
	a, err := env.store.CreateFromBead("Toren One", "breq-abc", "toren", wsPath, "")
	require.NoError(t, err)

	rec := env.request(t, http.MethodPost, "/api/assignments/"+a.ID+"/resume",
		gin.H{"instruction": "pick up where you left off"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Result assignment.ResumeResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Result.WorkspaceRecreated)
	assert.Equal(t, "pick up where you left off", resp.Result.Prompt)
}

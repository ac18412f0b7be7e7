package work

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anowell/toren/internal/assignment"
	"github.com/anowell/toren/internal/claudecode"
)

// scriptedRunner replays messages fed by the test instead of spawning an
// agent process.
type scriptedRunner struct {
	emit chan claudecode.CLIMessage
	fail error
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
					if r.fail != nil {
						errs <- r.fail
					}
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

func assistantMsg(t *testing.T, text string) claudecode.CLIMessage {
	t.Helper()
	blocks := []claudecode.ContentBlock{{Type: claudecode.BlockTypeText, Text: text}}
	content, err := json.Marshal(blocks)
	require.NoError(t, err)
	return claudecode.CLIMessage{
		Type:    claudecode.MessageTypeAssistant,
		Message: &claudecode.AssistantMessage{Role: "assistant", Content: content},
	}
}

func toolUseMsg(t *testing.T, id, name string) claudecode.CLIMessage {
	t.Helper()
	blocks := []claudecode.ContentBlock{{
		Type:  claudecode.BlockTypeToolUse,
		ID:    id,
		Name:  name,
		Input: map[string]any{"path": "/tmp/test"},
	}}
	content, err := json.Marshal(blocks)
	require.NoError(t, err)
	return claudecode.CLIMessage{
		Type:    claudecode.MessageTypeAssistant,
		Message: &claudecode.AssistantMessage{Role: "assistant", Content: content},
	}
}

func testAssignment() assignment.Assignment {
	return assignment.Assignment{
		ID:            "assign-1",
		AncillaryID:   "Toren One",
		BeadID:        "breq-test",
		Segment:       "toren",
		WorkspacePath: "/tmp/ws/toren/one",
		Source:        assignment.Source{Type: assignment.SourceBead},
		Status:        assignment.StatusPending,
	}
}

func startTestWork(t *testing.T, runner *scriptedRunner) *Work {
	t.Helper()
	w, err := Start("Toren One", testAssignment(), StartOptions{
		Runner:  runner,
		LogPath: filepath.Join(t.TempDir(), "work.jsonl"),
	})
	require.NoError(t, err)
	return w
}

func waitSeq(t *testing.T, w *Work, seq uint64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for w.CurrentSeq() < seq {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for seq %d (at %d)", seq, w.CurrentSeq())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitDone(t *testing.T, w *Work) {
	t.Helper()
	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("work loop did not exit")
	}
}

func TestWorkCompletesCleanly(t *testing.T) {
	runner := newScriptedRunner()
	w := startTestWork(t, runner)

	runner.emit <- assistantMsg(t, "analyzing the code")
	runner.emit <- toolUseMsg(t, "tool-1", "Bash")
	runner.emit <- assistantMsg(t, "all done")
	close(runner.emit)

	waitDone(t, w)
	assert.Equal(t, StateCompleted, w.Status().State)

	events, err := w.ReadLogFrom(0)
	require.NoError(t, err)

	var types []string
	for i, e := range events {
		assert.Equal(t, uint64(i), e.Seq, "seq must be dense")
		types = append(types, e.Op.Type)
	}
	assert.Equal(t, []string{
		OpAssignmentStarted,
		OpStatusChange,
		OpAssistantMessage,
		OpToolCall,
		OpAssistantMessage,
		OpAssignmentCompleted,
	}, types)

	assert.Equal(t, "breq-test", events[0].Op.BeadID)
	assert.Equal(t, "analyzing the code", events[2].Op.Content)
	assert.Equal(t, "Bash", events[3].Op.Name)
}

func TestWorkStreamFailure(t *testing.T) {
	runner := newScriptedRunner()
	runner.fail = fmt.Errorf("stream exploded")
	w := startTestWork(t, runner)

	runner.emit <- assistantMsg(t, "starting")
	close(runner.emit)

	waitDone(t, w)
	status := w.Status()
	assert.Equal(t, StateFailed, status.State)
	assert.Contains(t, status.Err, "stream exploded")

	events, err := w.ReadLogFrom(0)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, OpAssignmentFailed, last.Op.Type)
	assert.Contains(t, last.Op.Error, "stream exploded")
}

func TestWorkInterrupt(t *testing.T) {
	runner := newScriptedRunner()
	w := startTestWork(t, runner)

	runner.emit <- assistantMsg(t, "working away")
	waitSeq(t, w, 3)

	require.NoError(t, w.Interrupt())
	// The input poll runs after the next message is handled
	runner.emit <- assistantMsg(t, "more work")

	waitDone(t, w)
	assert.Equal(t, StateFailed, w.Status().State)
	assert.Equal(t, "Interrupted", w.Status().Err)

	events, err := w.ReadLogFrom(0)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, OpAssignmentFailed, last.Op.Type)
	assert.Equal(t, "Interrupted by user", last.Op.Error)
}

func TestWorkClientMessagePreserved(t *testing.T) {
	runner := newScriptedRunner()
	w := startTestWork(t, runner)

	runner.emit <- assistantMsg(t, "first")
	waitSeq(t, w, 3)

	require.NoError(t, w.SendInput(ClientInput{
		Kind:     InputMessage,
		Content:  "please also fix the docs",
		ClientID: "client-1",
	}))
	runner.emit <- assistantMsg(t, "second")
	close(runner.emit)

	waitDone(t, w)

	events, err := w.ReadLogFrom(0)
	require.NoError(t, err)

	var found bool
	for _, e := range events {
		if e.Op.Type == OpUserMessage {
			found = true
			assert.Equal(t, "please also fix the docs", e.Op.Content)
			assert.Equal(t, "client-1", e.Op.ClientID)
		}
	}
	assert.True(t, found, "client message must be preserved in the log")
}

func TestWorkSessionIDCapture(t *testing.T) {
	runner := newScriptedRunner()
	store := &fakeSessionStore{}

	w, err := Start("Toren One", testAssignment(), StartOptions{
		Runner:   runner,
		Sessions: store,
		LogPath:  filepath.Join(t.TempDir(), "work.jsonl"),
	})
	require.NoError(t, err)

	runner.emit <- claudecode.CLIMessage{
		Type:      claudecode.MessageTypeSystem,
		SessionID: "sess-abc",
	}
	close(runner.emit)

	waitDone(t, w)

	assert.Equal(t, "sess-abc", store.sessionID)

	events, err := w.ReadLogFrom(0)
	require.NoError(t, err)
	var found bool
	for _, e := range events {
		if e.Op.Type == OpStatusChange && e.Op.Status == "session_id:sess-abc" {
			found = true
		}
	}
	assert.True(t, found)
}

type fakeSessionStore struct {
	assignmentID string
	sessionID    string
}

func (f *fakeSessionStore) UpdateSessionID(assignmentID, sessionID string) (bool, error) {
	f.assignmentID = assignmentID
	f.sessionID = sessionID
	return true, nil
}

func TestReplayThenLivePartition(t *testing.T) {
	runner := newScriptedRunner()
	w := startTestWork(t, runner)

	runner.emit <- assistantMsg(t, "one")
	runner.emit <- assistantMsg(t, "two")
	runner.emit <- assistantMsg(t, "three")
	waitSeq(t, w, 5)

	// Replay covers [0, currentSeq); live covers [currentSeq, inf)
	replay, err := w.ReadLogFrom(0)
	require.NoError(t, err)
	live, currentSeq, unsubscribe := w.Subscribe()
	defer unsubscribe()

	assert.Equal(t, uint64(5), currentSeq)
	require.Len(t, replay, 5)
	assert.Equal(t, uint64(4), replay[len(replay)-1].Seq)

	runner.emit <- assistantMsg(t, "four")
	runner.emit <- assistantMsg(t, "five")

	seen := make(map[uint64]bool)
	for i := 0; i < 2; i++ {
		select {
		case e := <-live:
			assert.GreaterOrEqual(t, e.Seq, currentSeq, "live events start at the captured seq")
			assert.False(t, seen[e.Seq], "no duplicate delivery")
			seen[e.Seq] = true
		case <-time.After(5 * time.Second):
			t.Fatal("live event not delivered")
		}
	}

	// A second client replaying from seq 2 gets the historical suffix only
	replay2, err := w.ReadLogFrom(2)
	require.NoError(t, err)
	for _, e := range replay2 {
		assert.GreaterOrEqual(t, e.Seq, uint64(2))
	}

	close(runner.emit)
	waitDone(t, w)
}

func TestSubscribeBeforeEventsDeliversOnce(t *testing.T) {
	runner := newScriptedRunner()
	w := startTestWork(t, runner)
	waitSeq(t, w, 2) // assignment_started + status_change

	live, currentSeq, unsubscribe := w.Subscribe()
	defer unsubscribe()
	assert.Equal(t, uint64(2), currentSeq)

	runner.emit <- assistantMsg(t, "hello")

	select {
	case e := <-live:
		assert.Equal(t, uint64(2), e.Seq)
		assert.Equal(t, "hello", e.Op.Content)
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber did not receive the event")
	}

	// Exactly once: nothing further is pending
	select {
	case e := <-live:
		t.Fatalf("unexpected extra event seq %d", e.Seq)
	case <-time.After(100 * time.Millisecond):
	}

	close(runner.emit)
	waitDone(t, w)
}

func TestManagerStartConflict(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	runner := newScriptedRunner()
	mgr := NewManager(StartOptions{Runner: runner})

	a := testAssignment()
	_, err := mgr.StartWork("Toren One", a)
	require.NoError(t, err)
	assert.True(t, mgr.HasActiveWork("Toren One"))

	_, err = mgr.StartWork("Toren One", a)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already has active work")

	// Interrupting tears the work down; a fresh start then succeeds
	w, ok := mgr.StopWork("Toren One")
	require.True(t, ok)
	waitDone(t, w)
	assert.False(t, mgr.HasActiveWork("Toren One"))

	runner2 := newScriptedRunner()
	mgr2 := NewManager(StartOptions{Runner: runner2})
	w2, err := mgr2.StartWork("Toren One", a)
	require.NoError(t, err)
	close(runner2.emit)
	waitDone(t, w2)
}

func TestManagerHasActiveWorkAfterTerminal(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	runner := newScriptedRunner()
	mgr := NewManager(StartOptions{Runner: runner})

	w, err := mgr.StartWork("Toren Two", testAssignment())
	require.NoError(t, err)

	close(runner.emit)
	waitDone(t, w)

	assert.False(t, mgr.HasActiveWork("Toren Two"))

	// The handle is still retrievable for log replay
	_, ok := mgr.GetWork("Toren Two")
	assert.True(t, ok)
}

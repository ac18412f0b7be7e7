// Package work runs per-assignment agent execution and maintains the
// durable, append-only work event log with live fan-out to subscribers.
package work

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/anowell/toren/internal/assignment"
)

// hotLimit is the capacity of the in-memory tail buffer.
const hotLimit = 1000

// Work op types, the "type" discriminator of Op.
const (
	OpAssistantMessage    = "assistant_message"
	OpUserMessage         = "user_message"
	OpThinkingStart       = "thinking_start"
	OpThinkingEnd         = "thinking_end"
	OpToolCall            = "tool_call"
	OpToolResult          = "tool_result"
	OpFileRead            = "file_read"
	OpFileWrite           = "file_write"
	OpCommandStart        = "command_start"
	OpCommandOutput       = "command_output"
	OpCommandExit         = "command_exit"
	OpAssignmentStarted   = "assignment_started"
	OpAssignmentCompleted = "assignment_completed"
	OpAssignmentFailed    = "assignment_failed"
	OpStatusChange        = "status_change"
	OpClientConnected     = "client_connected"
	OpClientDisconnected  = "client_disconnected"
)

// Op is a tagged operation record. Type selects the variant; only the
// variant's fields are populated.
type Op struct {
	Type string `json:"type"`

	// assistant_message, user_message
	Content  string `json:"content,omitempty"`
	ClientID string `json:"client_id,omitempty"`

	// tool_call, tool_result
	ID      string          `json:"id,omitempty"`
	Name    string          `json:"name,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
	Output  json.RawMessage `json:"output,omitempty"`
	IsError bool            `json:"is_error,omitempty"`

	// file_read, file_write
	Path string `json:"path,omitempty"`

	// command_start, command_output, command_exit
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	Stdout  string   `json:"stdout,omitempty"`
	Stderr  string   `json:"stderr,omitempty"`
	Code    int      `json:"code,omitempty"`

	// assignment_started
	BeadID string `json:"bead_id,omitempty"`

	// assignment_failed
	Error string `json:"error,omitempty"`

	// status_change
	Status string `json:"status,omitempty"`
}

// Event is one immutable record in the work log.
type Event struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Op        Op        `json:"op"`
}

// Log is the per-assignment append-only event log. Disk is the source of
// truth; a hot in-memory tail serves common-case reads.
//
// Log is not safe for concurrent use: the owning runtime serializes
// appends and reads under one lock, which also orders broadcast delivery
// with disk writes.
type Log struct {
	hot     []Event
	file    *bufio.Writer
	handle  *os.File
	logPath string
	nextSeq uint64
}

// DefaultLogPath returns the log file location for an (ancillary,
// assignment) pair under the user's home directory.
func DefaultLogPath(ancillaryID, assignmentID string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".toren", "ancillaries",
		assignment.Slug(ancillaryID), "work", assignmentID+".jsonl"), nil
}

// Open creates or reopens the work log for an ancillary's assignment.
func Open(ancillaryID, assignmentID string) (*Log, error) {
	logPath, err := DefaultLogPath(ancillaryID, assignmentID)
	if err != nil {
		return nil, err
	}
	return OpenPath(logPath)
}

// OpenPath creates or reopens a work log at an explicit path. Existing
// records seed the next sequence number and the hot buffer.
func OpenPath(logPath string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	existing, err := readEvents(logPath, 0)
	if err != nil {
		return nil, err
	}

	handle, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open work log %s: %w", logPath, err)
	}

	hot := existing
	if len(hot) > hotLimit {
		hot = hot[len(hot)-hotLimit:]
	}

	var nextSeq uint64
	if len(existing) > 0 {
		nextSeq = existing[len(existing)-1].Seq + 1
	}

	return &Log{
		hot:     append([]Event(nil), hot...),
		file:    bufio.NewWriter(handle),
		handle:  handle,
		logPath: logPath,
		nextSeq: nextSeq,
	}, nil
}

// Append stamps an op with the next sequence number and the current time,
// persists it, and caches it in the hot buffer. The event is returned for
// broadcast; a failed write aborts before the hot buffer is touched so
// readers never see an unpersisted event.
func (l *Log) Append(op Op) (Event, error) {
	event := Event{
		Seq:       l.nextSeq,
		Timestamp: time.Now().UTC(),
		Op:        op,
	}

	line, err := json.Marshal(event)
	if err != nil {
		return Event{}, err
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return Event{}, err
	}
	if err := l.file.Flush(); err != nil {
		return Event{}, err
	}

	l.nextSeq++
	l.hot = append(l.hot, event)
	if len(l.hot) > hotLimit {
		l.hot = l.hot[1:]
	}

	return event, nil
}

// CurrentSeq returns the sequence number the next event will be assigned.
func (l *Log) CurrentSeq() uint64 {
	return l.nextSeq
}

// Path returns the log file location.
func (l *Log) Path() string {
	return l.logPath
}

// ReadFrom returns all events with seq >= fromSeq. Reads inside the hot
// window are served from memory; older reads stream from disk.
func (l *Log) ReadFrom(fromSeq uint64) ([]Event, error) {
	if len(l.hot) > 0 && fromSeq >= l.hot[0].Seq {
		var out []Event
		for _, e := range l.hot {
			if e.Seq >= fromSeq {
				out = append(out, e)
			}
		}
		return out, nil
	}
	if len(l.hot) == 0 && fromSeq >= l.nextSeq {
		return nil, nil
	}

	return readEvents(l.logPath, fromSeq)
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	if err := l.file.Flush(); err != nil {
		l.handle.Close()
		return err
	}
	return l.handle.Close()
}

// readEvents stream-parses a log file, keeping events with seq >= fromSeq.
// Unparseable lines are skipped.
func readEvents(logPath string, fromSeq uint64) ([]Event, error) {
	file, err := os.Open(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var events []Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		var event Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			continue
		}
		if event.Seq >= fromSeq {
			events = append(events, event)
		}
	}
	return events, scanner.Err()
}

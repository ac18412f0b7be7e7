package work

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/anowell/toren/internal/assignment"
	"github.com/anowell/toren/internal/bead"
	"github.com/anowell/toren/internal/claudecode"
	"github.com/anowell/toren/internal/common/logger"
)

// defaultMaxTurns bounds the agent conversation per assignment.
const defaultMaxTurns = 50

// subscriberBuffer is the per-subscriber broadcast capacity. A subscriber
// that lags past it is dropped from the broadcast (the writer never blocks).
const subscriberBuffer = 1000

// inputBuffer is the client input channel capacity.
const inputBuffer = 100

// State is the execution state of an ancillary's work.
type State string

const (
	// StateStarting means the agent is being spawned.
	StateStarting State = "starting"
	// StateWorking means the agent is actively streaming.
	StateWorking State = "working"
	// StateAwaitingInput means the agent is waiting on the user.
	StateAwaitingInput State = "awaiting_input"
	// StateCompleted means the stream ended cleanly.
	StateCompleted State = "completed"
	// StateFailed means the stream errored or was interrupted.
	StateFailed State = "failed"
)

// Status is the observable work status, carrying the failure message when
// the state is failed.
type Status struct {
	State State
	Err   string
}

func (s Status) String() string {
	if s.State == StateFailed && s.Err != "" {
		return fmt.Sprintf("failed: %s", s.Err)
	}
	return string(s.State)
}

// Terminal reports whether the work has finished.
func (s Status) Terminal() bool {
	return s.State == StateCompleted || s.State == StateFailed
}

// InputKind discriminates client input variants.
type InputKind string

const (
	// InputMessage carries a client message to the agent.
	InputMessage InputKind = "message"
	// InputInterrupt requests that the current work stop.
	InputInterrupt InputKind = "interrupt"
)

// ClientInput is input a connected client sends to an ancillary.
type ClientInput struct {
	Kind     InputKind
	Content  string
	ClientID string
}

// SessionStore persists the agent session id captured mid-execution.
type SessionStore interface {
	UpdateSessionID(assignmentID, sessionID string) (bool, error)
}

// StartOptions configures a work execution.
type StartOptions struct {
	// Runner executes the agent; defaults to the claude CLI runner.
	Runner claudecode.Runner
	// Sessions receives the captured agent session id; may be nil.
	Sessions SessionStore
	// TaskPromptTemplate renders the initial prompt for bead-sourced
	// assignments. Placeholders: {{task_id}}, {{task_title}}.
	TaskPromptTemplate string
	// LogPath overrides the default log location (used by tests).
	LogPath string
	Logger  *logger.Logger
}

// Work is one ancillary's execution context: the running agent task, the
// durable event log, and the broadcast fan-out to subscribers.
type Work struct {
	AncillaryID string
	Assignment  assignment.Assignment

	// mu guards the log and subscriber set. Holding it across
	// {append, hot push, broadcast} makes disk order, seq order, and
	// broadcast order identical, and lets Subscribe capture the current
	// seq atomically with respect to the writer.
	mu      sync.Mutex
	log     *Log
	subs    map[int]chan Event
	nextSub int

	statusMu sync.RWMutex
	status   Status

	inputCh chan ClientInput
	cancel  context.CancelFunc
	done    chan struct{}

	opts   StartOptions
	logger *logger.Logger
}

// Start opens the work log, records the assignment start, and spawns the
// agent work loop. The returned handle owns the background task; Stop
// aborts it.
func Start(ancillaryID string, a assignment.Assignment, opts StartOptions) (*Work, error) {
	if opts.Runner == nil {
		opts.Runner = claudecode.NewCLIRunner(opts.Logger)
	}
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	log := opts.Logger.WithFields(
		zap.String("component", "work"),
		zap.String("ancillary_id", ancillaryID))

	logPath := opts.LogPath
	if logPath == "" {
		var err error
		logPath, err = DefaultLogPath(ancillaryID, a.ID)
		if err != nil {
			return nil, err
		}
	}
	workLog, err := OpenPath(logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open work log: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	w := &Work{
		AncillaryID: ancillaryID,
		Assignment:  a,
		log:         workLog,
		subs:        make(map[int]chan Event),
		status:      Status{State: StateStarting},
		inputCh:     make(chan ClientInput, inputBuffer),
		cancel:      cancel,
		done:        make(chan struct{}),
		opts:        opts,
		logger:      log,
	}

	w.appendOp(Op{Type: OpAssignmentStarted, BeadID: a.BeadID})

	go w.workLoop(ctx)
	return w, nil
}

// workLoop drives the agent stream, transcribing each message into the
// event log and polling client input between messages.
func (w *Work) workLoop(ctx context.Context) {
	defer close(w.done)

	w.logger.Info("starting work", zap.String("bead_id", w.Assignment.BeadID))
	w.setStatus(Status{State: StateWorking})
	w.appendOp(Op{Type: OpStatusChange, Status: "working"})

	prompt := w.buildPrompt()

	messages, errs := w.opts.Runner.Run(ctx, prompt, claudecode.Options{
		Cwd:      w.Assignment.WorkspacePath,
		MaxTurns: defaultMaxTurns,
	})

	for msg := range messages {
		w.handleMessage(msg)

		// Non-blocking poll for client input between messages
		select {
		case input := <-w.inputCh:
			switch input.Kind {
			case InputInterrupt:
				w.logger.Warn("interrupted by client")
				w.finish(Status{State: StateFailed, Err: "Interrupted"},
					Op{Type: OpAssignmentFailed, Error: "Interrupted by user"})
				w.cancel()
				return
			case InputMessage:
				// The agent stream cannot take mid-stream input; the
				// message is preserved in the log for replay and display.
				w.appendOp(Op{Type: OpUserMessage, Content: input.Content, ClientID: input.ClientID})
			}
		default:
		}
	}

	if w.Status().Terminal() {
		return
	}

	if ctx.Err() != nil {
		// Aborted while the stream was mid-flight. Record the interrupt
		// if one was queued; otherwise there is no terminal log record,
		// only a terminal status.
		select {
		case input := <-w.inputCh:
			if input.Kind == InputInterrupt {
				w.finish(Status{State: StateFailed, Err: "Interrupted"},
					Op{Type: OpAssignmentFailed, Error: "Interrupted by user"})
				return
			}
		default:
		}
		w.setStatus(Status{State: StateFailed, Err: "aborted"})
		return
	}

	select {
	case err := <-errs:
		if err != nil {
			w.logger.Error("agent stream failed", zap.Error(err))
			w.finish(Status{State: StateFailed, Err: err.Error()},
				Op{Type: OpAssignmentFailed, Error: err.Error()})
			return
		}
	default:
	}

	w.logger.Info("completed work", zap.String("bead_id", w.Assignment.BeadID))
	w.finish(Status{State: StateCompleted}, Op{Type: OpAssignmentCompleted})
}

// buildPrompt returns the initial agent prompt: the original prompt
// verbatim for prompt-sourced assignments, the rendered task template
// otherwise.
func (w *Work) buildPrompt() string {
	if w.Assignment.Source.Type == assignment.SourcePrompt {
		return w.Assignment.Source.OriginalPrompt
	}

	template := w.opts.TaskPromptTemplate
	if template == "" {
		template = "implement bead {{task_id}}"
	}
	return bead.GeneratePrompt(&bead.Task{
		ID:    w.Assignment.BeadID,
		Title: w.Assignment.BeadTitle,
	}, template)
}

// handleMessage transcribes one agent stream message into log ops.
func (w *Work) handleMessage(msg claudecode.CLIMessage) {
	switch msg.Type {
	case claudecode.MessageTypeAssistant:
		if msg.Message == nil {
			return
		}
		blocks := msg.Message.GetContentBlocks()

		var text string
		for _, block := range blocks {
			if block.Type == claudecode.BlockTypeText && block.Text != "" {
				if text != "" {
					text += "\n"
				}
				text += block.Text
			}
		}
		if text != "" {
			w.appendOp(Op{Type: OpAssistantMessage, Content: text})
		}

		for _, block := range blocks {
			if block.Type == claudecode.BlockTypeToolUse {
				input, err := json.Marshal(block.Input)
				if err != nil {
					input = nil
				}
				w.appendOp(Op{Type: OpToolCall, ID: block.ID, Name: block.Name, Input: input})
			}
		}

	case claudecode.MessageTypeResult:
		w.captureSessionID(msg.SessionID)

	case claudecode.MessageTypeSystem:
		w.captureSessionID(msg.SessionID)

	default:
		// Other message types carry nothing the log records
	}
}

// captureSessionID records the agent session id so an external interface
// can later resume the same conversation.
func (w *Work) captureSessionID(sessionID string) {
	if sessionID == "" {
		return
	}
	w.appendOp(Op{Type: OpStatusChange, Status: "session_id:" + sessionID})
	if w.opts.Sessions != nil {
		if _, err := w.opts.Sessions.UpdateSessionID(w.Assignment.ID, sessionID); err != nil {
			w.logger.Warn("failed to persist session id", zap.Error(err))
		}
	}
}

// appendOp appends an op to the log and broadcasts the resulting event.
// A failed append is logged and not broadcast, so subscribers never see
// an event that is not on disk.
func (w *Work) appendOp(op Op) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.appendLocked(op)
}

// finish publishes a terminal status and its log record atomically with
// respect to subscribers: once the status reads terminal, the terminal
// event is already in every live subscriber's buffer.
func (w *Work) finish(status Status, op Op) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.setStatus(status)
	w.appendLocked(op)
}

func (w *Work) appendLocked(op Op) {
	event, err := w.log.Append(op)
	if err != nil {
		w.logger.Error("failed to append work event", zap.Error(err))
		return
	}

	for id, ch := range w.subs {
		select {
		case ch <- event:
		default:
			// Subscriber lagged past capacity: drop it from the
			// broadcast; the client can reconnect with a fresh from_seq.
			w.logger.Warn("dropping lagging subscriber", zap.Int("subscriber", id))
			delete(w.subs, id)
			close(ch)
		}
	}
}

// Subscribe registers a broadcast receiver and returns it with the
// current sequence, captured atomically with respect to the writer so
// replay [from, seq) and live [seq, inf) partition the event stream.
// The returned cancel function removes the subscription.
func (w *Work) Subscribe() (<-chan Event, uint64, func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	id := w.nextSub
	w.nextSub++
	ch := make(chan Event, subscriberBuffer)
	w.subs[id] = ch
	seq := w.log.CurrentSeq()

	cancel := func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if existing, ok := w.subs[id]; ok {
			delete(w.subs, id)
			close(existing)
		}
	}
	return ch, seq, cancel
}

// ReadLogFrom returns log events with seq >= fromSeq.
func (w *Work) ReadLogFrom(fromSeq uint64) ([]Event, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.log.ReadFrom(fromSeq)
}

// CurrentSeq returns the next sequence number to be assigned.
func (w *Work) CurrentSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.log.CurrentSeq()
}

// Status returns the current work status.
func (w *Work) Status() Status {
	w.statusMu.RLock()
	defer w.statusMu.RUnlock()
	return w.status
}

func (w *Work) setStatus(s Status) {
	w.statusMu.Lock()
	w.status = s
	w.statusMu.Unlock()
}

// SendInput delivers client input to the work loop. It fails once the
// loop has exited.
func (w *Work) SendInput(input ClientInput) error {
	select {
	case w.inputCh <- input:
		return nil
	case <-w.done:
		return fmt.Errorf("work is no longer running")
	}
}

// Interrupt requests that the current work stop. The work loop records a
// terminal log event before exiting, provided the stream yields.
func (w *Work) Interrupt() error {
	return w.SendInput(ClientInput{Kind: InputInterrupt})
}

// LogOp appends an op on behalf of the gateway (client connect and
// disconnect markers).
func (w *Work) LogOp(op Op) {
	w.appendOp(op)
}

// Stop aborts the background task. Prefer Interrupt first so the log
// carries a terminal record.
func (w *Work) Stop() {
	w.cancel()
}

// Done is closed when the work loop has exited.
func (w *Work) Done() <-chan struct{} {
	return w.done
}

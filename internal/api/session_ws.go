package api

import (
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/anowell/toren/internal/assignment"
	"github.com/anowell/toren/internal/bead"
	"github.com/anowell/toren/internal/common/logger"
	"github.com/anowell/toren/internal/work"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1024 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The daemon is a local service authenticated by session token
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsRequest is a client-to-server control frame.
type wsRequest struct {
	Type    string `json:"type"`
	Token   string `json:"token,omitempty"`
	Content string `json:"content,omitempty"`
}

// Client frame types
const (
	frameAuth      = "auth"
	frameMessage   = "message"
	frameInterrupt = "interrupt"
)

// wsResponse is a server-to-client event frame.
type wsResponse struct {
	Type string `json:"type"`

	// auth_success
	SessionID    string `json:"session_id,omitempty"`
	AssignmentID string `json:"assignment_id,omitempty"`
	BeadID       string `json:"bead_id,omitempty"`
	WorkingDir   string `json:"working_dir,omitempty"`
	Instruction  string `json:"instruction,omitempty"`

	// auth_failure, error
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`

	// status
	Status      string `json:"status,omitempty"`
	AncillaryID string `json:"ancillary_id,omitempty"`

	// event
	Event *work.Event `json:"event,omitempty"`

	// replay_complete
	CurrentSeq *uint64 `json:"current_seq,omitempty"`
}

// Server frame types
const (
	frameAuthSuccess    = "auth_success"
	frameAuthFailure    = "auth_failure"
	frameStatus         = "status"
	frameEvent          = "event"
	frameReplayComplete = "replay_complete"
	frameError          = "error"
)

// AncillaryWS is the session gateway: an authenticated bidirectional
// stream that replays the work log from a client-supplied sequence and
// then continues live, accepting client messages and interrupts.
func (s *Server) AncillaryWS(c *gin.Context) {
	ancillaryID := pathID(c)

	var fromSeq uint64
	if raw := c.Query("from_seq"); raw != "" {
		if parsed, err := strconv.ParseUint(raw, 10, 64); err == nil {
			fromSeq = parsed
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)

	clientID := uuid.New().String()
	log := s.logger.WithFields(
		zap.String("client_id", clientID),
		zap.String("ancillary_id", ancillaryID))
	log.Info("client connected", zap.Uint64("from_seq", fromSeq))

	// The first frame must authenticate
	var auth wsRequest
	if err := conn.ReadJSON(&auth); err != nil || auth.Type != frameAuth {
		s.writeFrame(conn, wsResponse{Type: frameError, Message: "expected auth frame"})
		return
	}
	if !s.security.ValidateSession(auth.Token) {
		s.writeFrame(conn, wsResponse{Type: frameAuthFailure, Reason: "invalid token"})
		log.Warn("websocket auth failed")
		return
	}

	a, instruction, ok := s.connectViaAssignment(conn, ancillaryID, auth.Token, log)
	if !ok {
		return
	}
	defer func() {
		s.ancillaries.Unregister(ancillaryID)
		if _, err := s.assignments.UpdateStatus(a.ID, assignment.StatusPending); err != nil {
			log.Warn("failed to revert assignment to pending", zap.Error(err))
		}
		log.Info("client session ended")
	}()

	s.writeFrame(conn, wsResponse{
		Type:         frameAuthSuccess,
		SessionID:    auth.Token,
		AncillaryID:  ancillaryID,
		AssignmentID: a.ID,
		BeadID:       a.BeadID,
		WorkingDir:   a.WorkspacePath,
		Instruction:  instruction,
	})

	// The work runtime must exist; creating assignments and starting work
	// happens on the REST surface.
	w, ok := s.workMgr.GetWork(ancillaryID)
	if !ok {
		s.writeFrame(conn, wsResponse{
			Type:    frameError,
			Message: "no active work for ancillary: " + ancillaryID,
		})
		return
	}

	w.LogOp(work.Op{Type: work.OpClientConnected, ClientID: clientID})
	defer w.LogOp(work.Op{Type: work.OpClientDisconnected, ClientID: clientID})

	s.writeFrame(conn, wsResponse{
		Type:        frameStatus,
		Status:      w.Status().String(),
		AncillaryID: ancillaryID,
	})

	// Replay history, then switch to the live broadcast. Subscribing
	// captures the current seq atomically with the log writer, so replay
	// covers [from_seq, current_seq) and live covers [current_seq, inf)
	// with no duplicates.
	events, err := w.ReadLogFrom(fromSeq)
	if err != nil {
		log.Warn("failed to read work log", zap.Error(err))
	}

	live, currentSeq, unsubscribe := w.Subscribe()
	defer unsubscribe()

	for i := range events {
		if events[i].Seq >= currentSeq {
			break
		}
		if !s.writeFrame(conn, wsResponse{Type: frameEvent, Event: &events[i]}) {
			return
		}
	}
	s.writeFrame(conn, wsResponse{Type: frameReplayComplete, CurrentSeq: &currentSeq})

	// Reader goroutine feeds inbound control frames to the main loop
	inbound := make(chan wsRequest)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			var req wsRequest
			if err := conn.ReadJSON(&req); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Warn("websocket read error", zap.Error(err))
				}
				return
			}
			select {
			case inbound <- req:
			case <-w.Done():
				return
			}
		}
	}()

	for {
		select {
		case req := <-inbound:
			s.handleClientFrame(conn, w, req, clientID, log)

		case event, open := <-live:
			if !open {
				// Dropped from the broadcast for lagging; the client may
				// reconnect with a fresh from_seq to reconcile.
				log.Warn("broadcast subscription lagged")
				live = nil
				continue
			}
			if !s.writeFrame(conn, wsResponse{Type: frameEvent, Event: &event}) {
				return
			}

		case <-readerDone:
			log.Info("client disconnected")
			return
		}

		// Close only after buffered live events have been delivered so the
		// terminal log record reaches the client before the final status.
		if status := w.Status(); status.Terminal() && len(live) == 0 {
			s.writeFrame(conn, wsResponse{
				Type:        frameStatus,
				Status:      status.String(),
				AncillaryID: ancillaryID,
			})
			return
		}
	}
}

// connectViaAssignment binds the connection to the ancillary's active
// assignment: recreate a missing workspace, refuse workspace collisions,
// register the connection, mark the assignment Active, and build the
// instruction from the bead.
func (s *Server) connectViaAssignment(conn *websocket.Conn, ancillaryID string, token string, log *logger.Logger) (*assignment.Assignment, string, bool) {
	a, ok := s.assignments.GetActiveForAncillary(ancillaryID)
	if !ok {
		s.writeFrame(conn, wsResponse{
			Type:   frameAuthFailure,
			Reason: "no active assignment for ancillary: " + ancillaryID,
		})
		return nil, "", false
	}

	// Recreate the workspace if it vanished (crash, prune) so a
	// reconnecting client sees a usable tree
	if _, err := os.Stat(a.WorkspacePath); err != nil {
		if s.workspaces != nil {
			seg, found := s.segments.FindByName(a.Segment)
			if found {
				wsName := filepath.Base(a.WorkspacePath)
				num, _ := assignment.AncillaryNumber(a.AncillaryID)
				if _, err := s.workspaces.CreateWithSetup(seg.Path, a.Segment, wsName, num); err != nil {
					s.writeFrame(conn, wsResponse{
						Type:   frameAuthFailure,
						Reason: "failed to recreate workspace: " + err.Error(),
					})
					return nil, "", false
				}
				log.Info("recreated workspace", zap.String("assignment_id", a.ID))
			}
		}
	}

	if otherID, inUse := s.ancillaries.WorkspaceInUse(a.WorkspacePath); inUse && otherID != ancillaryID {
		s.writeFrame(conn, wsResponse{
			Type:   frameAuthFailure,
			Reason: "workspace is already in use by ancillary " + otherID,
		})
		return nil, "", false
	}

	s.ancillaries.Register(ancillaryID, a.Segment, token, a.WorkspacePath)

	instruction := ""
	if seg, found := s.segments.FindByName(a.Segment); found {
		if task, err := bead.Fetch(a.BeadID, seg.Path); err == nil {
			instruction = bead.GeneratePrompt(task, s.cfg.Ancillary.TaskPromptTemplate)
			s.ancillaries.SetInstruction(ancillaryID, instruction)
		} else {
			log.Warn("failed to fetch bead", zap.String("bead_id", a.BeadID), zap.Error(err))
		}
	}

	if _, err := s.assignments.UpdateStatus(a.ID, assignment.StatusActive); err != nil {
		log.Warn("failed to mark assignment active", zap.Error(err))
	}

	return a, instruction, true
}

func (s *Server) handleClientFrame(conn *websocket.Conn, w *work.Work, req wsRequest, clientID string, log *logger.Logger) {
	switch req.Type {
	case frameMessage:
		if err := w.SendInput(work.ClientInput{
			Kind:     work.InputMessage,
			Content:  req.Content,
			ClientID: clientID,
		}); err != nil {
			s.writeFrame(conn, wsResponse{Type: frameError, Message: err.Error()})
		}
	case frameInterrupt:
		log.Info("client requested interrupt")
		if err := w.Interrupt(); err != nil {
			s.writeFrame(conn, wsResponse{Type: frameError, Message: err.Error()})
		}
	default:
		s.writeFrame(conn, wsResponse{Type: frameError, Message: "unknown frame type: " + req.Type})
	}
}

// writeFrame sends a frame with a bounded write deadline. Returns false
// if the peer is gone.
func (s *Server) writeFrame(conn *websocket.Conn, resp wsResponse) bool {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(resp); err != nil {
		return false
	}
	return true
}

package api

import (
	"errors"
	"net/http"
	"net/url"
	"os"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/anowell/toren/internal/assignment"
	"github.com/anowell/toren/internal/bead"
	apperrors "github.com/anowell/toren/internal/common/errors"
	"github.com/anowell/toren/internal/proc"
	"github.com/anowell/toren/internal/vcs"
)

// assignee is the identity beads are claimed under.
const assignee = "claude"

// PairRequest is the payload for POST /pair.
type PairRequest struct {
	PairingToken string `json:"pairing_token" binding:"required"`
}

// PairDevice exchanges a pairing token for a persistent session token.
func (s *Server) PairDevice(c *gin.Context) {
	var req PairRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "pairing_token is required"})
		return
	}

	if !s.security.ValidatePairingToken(req.PairingToken) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid pairing token"})
		return
	}

	session, err := s.security.CreateSession()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_token": session.Token,
		"session_id":    session.ID,
	})
}

// ListAncillaries lists connected ancillaries.
func (s *Server) ListAncillaries(c *gin.Context) {
	ancillaries := s.ancillaries.List()
	c.JSON(http.StatusOK, gin.H{
		"ancillaries": ancillaries,
		"count":       len(ancillaries),
	})
}

// StartWorkRequest is the payload for POST /api/ancillaries/:id/start.
type StartWorkRequest struct {
	AssignmentID string `json:"assignment_id" binding:"required"`
}

// StartWork spawns the agent work loop for an ancillary's assignment.
func (s *Server) StartWork(c *gin.Context) {
	ancillaryID := pathID(c)

	var req StartWorkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "assignment_id is required"})
		return
	}

	a, ok := s.assignments.Get(req.AssignmentID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "assignment not found"})
		return
	}

	if s.workMgr.HasActiveWork(ancillaryID) {
		s.respondError(c, apperrors.Conflict("ancillary already has active work"))
		return
	}

	w, err := s.workMgr.StartWork(ancillaryID, *a)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if _, err := s.assignments.UpdateStatus(a.ID, assignment.StatusActive); err != nil {
		s.logger.Warn("failed to persist active status", zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"ancillary_id": ancillaryID,
		"status":       w.Status().String(),
	})
}

// StopWork interrupts an ancillary's work and removes its handle.
func (s *Server) StopWork(c *gin.Context) {
	ancillaryID := pathID(c)

	if _, ok := s.workMgr.StopWork(ancillaryID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active work for ancillary"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"ancillary_id": ancillaryID,
	})
}

// ListAssignments lists assignments, optionally filtered by segment or
// restricted to open ones.
func (s *Server) ListAssignments(c *gin.Context) {
	seg := c.Query("segment")
	activeOnly := c.Query("active") == "true"

	var list []*assignment.Assignment
	switch {
	case seg != "" && activeOnly:
		list = s.assignments.ListActiveSegment(seg)
	case seg != "":
		list = s.assignments.ListSegment(seg)
	case activeOnly:
		list = s.assignments.ListActive()
	default:
		list = s.assignments.List()
	}

	c.JSON(http.StatusOK, gin.H{
		"assignments": list,
		"count":       len(list),
	})
}

// CreateAssignmentRequest is the payload for POST /api/assignments.
// Exactly one of bead_id and prompt must be set.
type CreateAssignmentRequest struct {
	Segment string `json:"segment" binding:"required"`
	BeadID  string `json:"bead_id"`
	Prompt  string `json:"prompt"`
	Title   string `json:"title"`
}

// CreateAssignment allocates an ancillary slot, claims (or creates) the
// bead, creates the workspace, and persists the Pending assignment.
func (s *Server) CreateAssignment(c *gin.Context) {
	var req CreateAssignmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "segment is required"})
		return
	}
	if (req.BeadID == "") == (req.Prompt == "") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "exactly one of bead_id and prompt is required"})
		return
	}
	if s.workspaces == nil {
		s.respondError(c, apperrors.NotConfigured("workspace_root is not configured"))
		return
	}

	seg, ok := s.segments.FindByName(req.Segment)
	if !ok {
		s.respondError(c, apperrors.NotFound("segment", req.Segment))
		return
	}

	ancillaryID := s.assignments.NextAvailableAncillary(seg.Name, s.cfg.Ancillary.PoolSize)
	num, _ := assignment.AncillaryNumber(ancillaryID)
	wsName := assignment.Slug(assignment.NumberToWord(num))

	beadID := req.BeadID
	beadTitle := ""
	if req.Prompt != "" {
		title := req.Title
		if title == "" {
			title = truncate(req.Prompt, 72)
		}
		created, err := bead.CreateAndClaim(title, req.Prompt, assignee, seg.Path)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		beadID = created
		beadTitle = title
	} else {
		task, err := bead.Fetch(beadID, seg.Path)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		beadTitle = task.Title
		if err := bead.Claim(beadID, assignee, seg.Path); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
	}

	wsPath, err := s.workspaces.CreateWithSetup(seg.Path, seg.Name, wsName, num)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	var a *assignment.Assignment
	if req.Prompt != "" {
		a, err = s.assignments.CreateFromPrompt(ancillaryID, beadID, req.Prompt, seg.Name, wsPath, beadTitle)
	} else {
		a, err = s.assignments.CreateFromBead(ancillaryID, beadID, seg.Name, wsPath, beadTitle)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success":    true,
		"assignment": a,
	})
}

// GetAssignment returns one assignment by id, with the workspace change
// signal when the tree is on disk.
func (s *Server) GetAssignment(c *gin.Context) {
	a, ok := s.assignments.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "assignment not found"})
		return
	}

	resp := gin.H{"assignment": a}
	if _, err := os.Stat(a.WorkspacePath); err == nil {
		resp["has_changes"] = vcs.HasChanges(a.WorkspacePath)
	}
	c.JSON(http.StatusOK, resp)
}

// DeleteAssignment removes an assignment record without workspace cleanup.
func (s *Server) DeleteAssignment(c *gin.Context) {
	removed, err := s.assignments.Remove(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if removed == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "assignment not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "assignment": removed})
}

// UpdateStatusRequest is the payload for POST /api/assignments/:id/status.
type UpdateStatusRequest struct {
	Status assignment.Status `json:"status" binding:"required"`
}

// UpdateAssignmentStatus transitions an assignment's status.
func (s *Server) UpdateAssignmentStatus(c *gin.Context) {
	var req UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status is required"})
		return
	}

	found, err := s.assignments.UpdateStatus(c.Param("id"), req.Status)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "assignment not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// CompleteRequest is the payload for POST /api/assignments/:id/complete.
type CompleteRequest struct {
	Push     bool `json:"push"`
	KeepOpen bool `json:"keep_open"`
	Kill     bool `json:"kill"`
}

// CompleteAssignment finishes an assignment and tears down its workspace.
func (s *Server) CompleteAssignment(c *gin.Context) {
	var req CompleteRequest
	_ = c.ShouldBindJSON(&req)

	if s.workspaces == nil {
		s.respondError(c, apperrors.NotConfigured("workspace_root is not configured"))
		return
	}
	a, seg, ok := s.lookupAssignmentSegment(c)
	if !ok {
		return
	}

	result, err := assignment.Complete(a, s.assignments, s.workspaces, assignment.CompleteOptions{
		Push:        req.Push,
		KeepOpen:    req.KeepOpen,
		SegmentPath: seg,
		Kill:        req.Kill,
	}, s.logger)
	if err != nil {
		s.respondLifecycleError(c, err)
		return
	}

	s.workMgr.StopWork(a.AncillaryID)
	c.JSON(http.StatusOK, gin.H{"success": true, "result": result})
}

// AbortRequest is the payload for POST /api/assignments/:id/abort.
type AbortRequest struct {
	CloseBead bool `json:"close_bead"`
	Kill      bool `json:"kill"`
}

// AbortAssignment discards an assignment and tears down its workspace.
func (s *Server) AbortAssignment(c *gin.Context) {
	var req AbortRequest
	_ = c.ShouldBindJSON(&req)

	if s.workspaces == nil {
		s.respondError(c, apperrors.NotConfigured("workspace_root is not configured"))
		return
	}
	a, seg, ok := s.lookupAssignmentSegment(c)
	if !ok {
		return
	}

	err := assignment.Abort(a, s.assignments, s.workspaces, assignment.AbortOptions{
		CloseBead:   req.CloseBead,
		SegmentPath: seg,
		Kill:        req.Kill,
	}, s.logger)
	if err != nil {
		s.respondLifecycleError(c, err)
		return
	}

	s.workMgr.StopWork(a.AncillaryID)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ResumeRequest is the payload for POST /api/assignments/:id/resume.
type ResumeRequest struct {
	Instruction string `json:"instruction"`
}

// ResumeAssignment prepares an assignment for resumed work.
func (s *Server) ResumeAssignment(c *gin.Context) {
	var req ResumeRequest
	_ = c.ShouldBindJSON(&req)

	if s.workspaces == nil {
		s.respondError(c, apperrors.NotConfigured("workspace_root is not configured"))
		return
	}
	a, segPath, ok := s.lookupAssignmentSegment(c)
	if !ok {
		return
	}

	result, err := assignment.PrepareResume(a, s.assignments, s.workspaces, assignment.ResumeOptions{
		Instruction: req.Instruction,
		SegmentPath: segPath,
		SegmentName: a.Segment,
	}, s.logger)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "result": result})
}

// ListSegments lists segment roots and all discovered segments.
func (s *Server) ListSegments(c *gin.Context) {
	roots := s.segments.Roots()
	segments := s.segments.ListAll()
	c.JSON(http.StatusOK, gin.H{
		"roots":    roots,
		"segments": segments,
		"count":    len(segments),
	})
}

// CreateSegmentRequest is the payload for POST /api/segments/create.
type CreateSegmentRequest struct {
	Name string `json:"name" binding:"required"`
	Root string `json:"root" binding:"required"`
}

// CreateSegment creates a segment directory under a configured root.
func (s *Server) CreateSegment(c *gin.Context) {
	var req CreateSegmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name and root are required"})
		return
	}

	seg, err := s.segments.CreateSegment(req.Name, req.Root)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "segment": seg})
}

// ListWorkspaces lists jj workspaces for a segment.
func (s *Server) ListWorkspaces(c *gin.Context) {
	if s.workspaces == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "workspace_root is not configured"})
		return
	}

	segName := c.Param("segment")
	seg, ok := s.segments.FindByName(segName)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "segment not found: " + segName})
		return
	}

	workspaces, err := s.workspaces.List(seg.Path)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"segment":    segName,
		"workspaces": workspaces,
		"count":      len(workspaces),
	})
}

// CleanupWorkspaceRequest is the payload for POST /api/workspaces/cleanup.
type CleanupWorkspaceRequest struct {
	Segment   string `json:"segment" binding:"required"`
	Workspace string `json:"workspace" binding:"required"`
	Kill      bool   `json:"kill"`
}

// CleanupWorkspace tears down a workspace, refusing while a connected
// ancillary is bound to it.
func (s *Server) CleanupWorkspace(c *gin.Context) {
	if s.workspaces == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "workspace_root is not configured"})
		return
	}

	var req CleanupWorkspaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "segment and workspace are required"})
		return
	}

	seg, ok := s.segments.FindByName(req.Segment)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "segment not found: " + req.Segment})
		return
	}

	wsPath := s.workspaces.Path(req.Segment, req.Workspace)
	if id, inUse := s.ancillaries.WorkspaceInUse(wsPath); inUse {
		c.JSON(http.StatusConflict, gin.H{
			"success": false,
			"error":   "workspace is in use by ancillary " + id,
		})
		return
	}

	if err := s.workspaces.Cleanup(seg.Path, req.Segment, req.Workspace, req.Kill); err != nil {
		s.respondLifecycleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "workspace " + req.Workspace + " cleaned up",
	})
}

// lookupAssignmentSegment fetches the assignment for the :id path param
// and resolves its segment path, responding with an error on failure.
func (s *Server) lookupAssignmentSegment(c *gin.Context) (*assignment.Assignment, string, bool) {
	a, ok := s.assignments.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "assignment not found"})
		return nil, "", false
	}

	seg, ok := s.segments.FindByName(a.Segment)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "segment not found: " + a.Segment})
		return nil, "", false
	}
	return a, seg.Path, true
}

// respondLifecycleError maps teardown errors to responses, surfacing the
// running-process list so the caller can retry with kill.
func (s *Server) respondLifecycleError(c *gin.Context, err error) {
	var running *proc.RunningProcessesError
	if errors.As(err, &running) {
		c.JSON(http.StatusConflict, gin.H{
			"error":     "processes still running in workspace",
			"processes": running.Processes,
		})
		return
	}
	s.respondError(c, err)
}

// respondError maps an error to its HTTP status, honoring AppError codes.
func (s *Server) respondError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		c.JSON(appErr.HTTPStatus, gin.H{"error": appErr.Message, "code": appErr.Code})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// pathID returns the URL-decoded :id path parameter (ancillary ids
// contain spaces).
func pathID(c *gin.Context) string {
	id := c.Param("id")
	if decoded, err := url.PathUnescape(id); err == nil {
		return decoded
	}
	return id
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

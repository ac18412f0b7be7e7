// Shared assignment lifecycle operations. Completing, aborting, and
// resuming follow the same sequence regardless of which interface
// triggered them.

package assignment

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/anowell/toren/internal/bead"
	"github.com/anowell/toren/internal/common/logger"
	"github.com/anowell/toren/internal/vcs"
	"github.com/anowell/toren/internal/workspace"
)

// CompleteOptions controls assignment completion.
type CompleteOptions struct {
	// Push pushes the captured revision via jj git push.
	Push bool
	// KeepOpen leaves the bead open instead of closing it.
	KeepOpen bool
	// SegmentPath is where workspace hooks and bead commands run.
	SegmentPath string
	// Kill terminates processes still rooted in the workspace.
	Kill bool
}

// CompleteResult reports what completion did.
type CompleteResult struct {
	Revision string `json:"revision,omitempty"`
	Pushed   bool   `json:"pushed"`
}

// AbortOptions controls assignment abort.
type AbortOptions struct {
	// CloseBead closes the bead; otherwise it is unassigned and reopened.
	CloseBead   bool
	SegmentPath string
	Kill        bool
}

// ResumeOptions controls resume preparation.
type ResumeOptions struct {
	// Instruction overrides the generated resume prompt.
	Instruction string
	SegmentPath string
	SegmentName string
}

// ResumeResult reports the resume preparation outcome.
type ResumeResult struct {
	Prompt             string `json:"prompt"`
	WorkspaceRecreated bool   `json:"workspace_recreated"`
}

// Complete finishes an assignment: capture the current revision,
// optionally push, clean up the workspace, record history, remove the
// assignment, and close the bead unless kept open.
func Complete(a *Assignment, store *Store, wsMgr *workspace.Manager, opts CompleteOptions, log *logger.Logger) (*CompleteResult, error) {
	if log == nil {
		log = logger.Default()
	}
	result := &CompleteResult{}

	if _, err := os.Stat(a.WorkspacePath); err == nil {
		if rev, err := vcs.CurrentRevision(a.WorkspacePath); err == nil {
			result.Revision = rev
		}

		if opts.Push && result.Revision != "" {
			log.Info("pushing changes", zap.String("assignment_id", a.ID))
			if err := vcs.Push(a.WorkspacePath, result.Revision); err != nil {
				return nil, fmt.Errorf("failed to push changes: %w", err)
			}
			result.Pushed = true
		}
	}

	if err := cleanupWorkspace(a, wsMgr, opts.SegmentPath, opts.Kill, log); err != nil {
		return nil, err
	}

	if err := store.RecordCompletion(a, ReasonCompleted, result.Revision); err != nil {
		log.Warn("failed to record completion history", zap.Error(err))
	}
	if _, err := store.Remove(a.ID); err != nil {
		return nil, err
	}

	if !opts.KeepOpen {
		if err := bead.UpdateStatus(a.BeadID, "closed", opts.SegmentPath); err != nil {
			return nil, err
		}
		log.Info("bead closed", zap.String("bead_id", a.BeadID))
	}

	return result, nil
}

// Abort discards an assignment: clean up the workspace, record history,
// remove the assignment, and either close the bead or return it to open
// and unassigned.
func Abort(a *Assignment, store *Store, wsMgr *workspace.Manager, opts AbortOptions, log *logger.Logger) error {
	if log == nil {
		log = logger.Default()
	}

	if err := cleanupWorkspace(a, wsMgr, opts.SegmentPath, opts.Kill, log); err != nil {
		return err
	}

	if err := store.RecordCompletion(a, ReasonAborted, ""); err != nil {
		log.Warn("failed to record completion history", zap.Error(err))
	}
	if _, err := store.Remove(a.ID); err != nil {
		return err
	}

	if opts.CloseBead {
		if err := bead.UpdateStatus(a.BeadID, "closed", opts.SegmentPath); err != nil {
			return err
		}
		log.Info("bead closed", zap.String("bead_id", a.BeadID))
	} else {
		_ = bead.UpdateAssignee(a.BeadID, "", opts.SegmentPath)
		if err := bead.UpdateStatus(a.BeadID, "open", opts.SegmentPath); err != nil {
			return err
		}
		log.Info("bead unassigned and returned to open", zap.String("bead_id", a.BeadID))
	}

	return nil
}

// PrepareResume readies an assignment for resumed work: recreate a
// missing workspace (re-running setup), refresh the timestamp, re-claim
// the bead if it was closed, and build the resume prompt.
func PrepareResume(a *Assignment, store *Store, wsMgr *workspace.Manager, opts ResumeOptions, log *logger.Logger) (*ResumeResult, error) {
	if log == nil {
		log = logger.Default()
	}
	result := &ResumeResult{}

	if _, err := os.Stat(a.WorkspacePath); err != nil {
		log.Info("workspace missing, recreating", zap.String("assignment_id", a.ID))

		wsName := filepath.Base(a.WorkspacePath)
		num, _ := AncillaryNumber(a.AncillaryID)
		if _, err := wsMgr.CreateWithSetup(opts.SegmentPath, opts.SegmentName, wsName, num); err != nil {
			return nil, err
		}
		result.WorkspaceRecreated = true
		log.Info("workspace recreated", zap.String("path", a.WorkspacePath))
	}

	if _, err := store.Touch(a.ID); err != nil {
		return nil, err
	}

	taskTitle := a.BeadTitle
	if task, err := bead.Fetch(a.BeadID, opts.SegmentPath); err == nil {
		taskTitle = task.Title
	} else {
		// Bead may be closed or missing; reopen and reclaim it
		if err := bead.Claim(a.BeadID, "claude", opts.SegmentPath); err != nil {
			return nil, err
		}
		if taskTitle == "" {
			taskTitle = a.BeadID
		}
	}

	if opts.Instruction != "" {
		result.Prompt = opts.Instruction
	} else {
		result.Prompt = fmt.Sprintf(
			"Continue working on bead %s: %s. Review progress and complete remaining work.",
			a.BeadID, taskTitle)
	}

	return result, nil
}

// cleanupWorkspace tears down an assignment's workspace when it still
// exists: process check, destroy hooks, forget, delete.
func cleanupWorkspace(a *Assignment, wsMgr *workspace.Manager, segmentPath string, kill bool, log *logger.Logger) error {
	if _, err := os.Stat(a.WorkspacePath); err != nil {
		log.Info("workspace already gone", zap.String("assignment_id", a.ID))
		return nil
	}

	wsName := filepath.Base(a.WorkspacePath)
	segmentName := a.Segment
	if seg, ok := AncillarySegment(a.AncillaryID); ok {
		segmentName = seg
	}

	if err := wsMgr.Cleanup(segmentPath, segmentName, wsName, kill); err != nil {
		return err
	}
	log.Info("workspace cleaned up", zap.String("assignment_id", a.ID))
	return nil
}

package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// ReclaimWorktree creates or re-activates the worktree record keyed by
// (project_id, branch_name) on behalf of a run:
//
//   - no record: insert an active one owned by the run
//   - inactive record: re-activate it (fresh base commit, pushed=false)
//   - active for this run: no-op (activity retry)
//   - active for another run: conflict
func (s *Store) ReclaimWorktree(projectID, runID int64, branch, path, baseCommit string) (*Worktree, error) {
	if branch == "" {
		return nil, fmt.Errorf("branch name cannot be empty")
	}

	var wt *Worktree
	err := s.inTx(func(tx *sql.Tx) error {
		now := s.now()
		existing := &Worktree{}
		err := tx.QueryRow(`
			SELECT id, agent_run_id, status FROM worktrees
			WHERE project_id = ? AND branch_name = ?`, projectID, branch).
			Scan(&existing.ID, &existing.AgentRunID, &existing.Status)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			res, err := tx.Exec(`
				INSERT INTO worktrees (project_id, agent_run_id, path, branch_name, base_commit, status, pushed, created_at)
				VALUES (?, ?, ?, ?, ?, 'active', 0, ?)`,
				projectID, runID, path, branch, baseCommit, now)
			if err != nil {
				return fmt.Errorf("failed to insert worktree: %w", err)
			}
			id, _ := res.LastInsertId()
			wt = &Worktree{ID: id, ProjectID: projectID, AgentRunID: &runID, Path: path,
				BranchName: branch, BaseCommit: baseCommit, Status: WorktreeActive, CreatedAt: now}
			return nil

		case err != nil:
			return err

		case existing.Status == WorktreeActive:
			if existing.AgentRunID != nil && *existing.AgentRunID == runID {
				got, err := getWorktreeTx(tx, existing.ID)
				if err != nil {
					return err
				}
				wt = got
				return nil
			}
			return &ConflictError{Kind: "worktree",
				Detail: fmt.Sprintf("branch %q is active for another run", branch)}

		default:
			_, err := tx.Exec(`
				UPDATE worktrees
				SET agent_run_id = ?, path = ?, base_commit = ?, status = 'active',
					pushed = 0, cleaned_at = NULL, created_at = ?
				WHERE id = ?`, runID, path, baseCommit, now, existing.ID)
			if err != nil {
				return fmt.Errorf("failed to reclaim worktree: %w", err)
			}
			got, err := getWorktreeTx(tx, existing.ID)
			if err != nil {
				return err
			}
			wt = got
			return nil
		}
	})
	return wt, err
}

const worktreeColumns = `id, project_id, agent_run_id, path, branch_name, base_commit, status, pushed, cleaned_at, created_at`

func scanWorktree(row interface{ Scan(...any) error }) (*Worktree, error) {
	w := &Worktree{}
	err := row.Scan(&w.ID, &w.ProjectID, &w.AgentRunID, &w.Path, &w.BranchName, &w.BaseCommit,
		&w.Status, &w.Pushed, &w.CleanedAt, &w.CreatedAt)
	if err != nil {
		return nil, err
	}
	return w, nil
}

func getWorktreeTx(tx *sql.Tx, id int64) (*Worktree, error) {
	return scanWorktree(tx.QueryRow(`SELECT `+worktreeColumns+` FROM worktrees WHERE id = ?`, id))
}

// GetWorktree fetches a worktree by id.
func (s *Store) GetWorktree(id int64) (*Worktree, error) {
	w, err := scanWorktree(s.db.QueryRow(`SELECT `+worktreeColumns+` FROM worktrees WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "worktree", Key: strconv.FormatInt(id, 10)}
	}
	return w, err
}

// WorktreeForRun returns the worktree owned by a run, or nil.
func (s *Store) WorktreeForRun(runID int64) (*Worktree, error) {
	w, err := scanWorktree(s.db.QueryRow(`SELECT `+worktreeColumns+` FROM worktrees WHERE agent_run_id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return w, err
}

// MarkWorktreePushed records a successful branch push.
func (s *Store) MarkWorktreePushed(id int64) error {
	_, err := s.db.Exec(`UPDATE worktrees SET pushed = 1 WHERE id = ?`, id)
	return err
}

// MarkWorktreeCleaned marks the record cleaned after container teardown.
// Safe to call repeatedly.
func (s *Store) MarkWorktreeCleaned(id int64, ok bool) error {
	status := WorktreeCleaned
	if !ok {
		status = WorktreeCleanupFailed
	}
	_, err := s.db.Exec(`UPDATE worktrees SET status = ?, cleaned_at = ? WHERE id = ?`,
		status, s.now(), id)
	return err
}

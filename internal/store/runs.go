package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// CreateAgentRun inserts a run in status pending. TemporalWorkflowID is the
// natural key: replaying the create with the same workflow id returns the
// existing run instead of inserting a second one.
func (s *Store) CreateAgentRun(r *AgentRun) (*AgentRun, error) {
	if r.TemporalWorkflowID == "" {
		return nil, fmt.Errorf("temporal workflow id is required")
	}
	if r.AgentType == "" {
		r.AgentType = AgentClaudeCode
	}

	var out *AgentRun
	err := s.inTx(func(tx *sql.Tx) error {
		var id int64
		err := tx.QueryRow(`SELECT id FROM agent_runs WHERE temporal_workflow_id = ?`,
			r.TemporalWorkflowID).Scan(&id)
		switch {
		case err == nil:
			got, err := getRunTx(tx, id)
			if err != nil {
				return err
			}
			out = got
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}

		if r.IssueID != nil {
			var issueProject int64
			if err := tx.QueryRow(`SELECT project_id FROM issues WHERE id = ?`, *r.IssueID).
				Scan(&issueProject); err != nil {
				return fmt.Errorf("failed to load issue %d: %w", *r.IssueID, err)
			}
			if issueProject != r.ProjectID {
				return &ConflictError{Kind: "agent_run", Detail: "issue belongs to a different project"}
			}
		}

		now := s.now()
		res, err := tx.Exec(`
			INSERT INTO agent_runs (project_id, issue_id, temporal_workflow_id, agent_type, status,
				source_pull_request_number, custom_prompt, proxy_token, created_at)
			VALUES (?, ?, ?, ?, 'pending', ?, ?, ?, ?)`,
			r.ProjectID, r.IssueID, r.TemporalWorkflowID, r.AgentType,
			r.SourcePullRequestNumber, r.CustomPrompt, r.ProxyToken, now)
		if err != nil {
			return fmt.Errorf("failed to insert agent run: %w", err)
		}
		id, _ = res.LastInsertId()

		got, err := getRunTx(tx, id)
		if err != nil {
			return err
		}
		out = got
		return nil
	})
	return out, err
}

const runColumns = `id, project_id, issue_id, temporal_workflow_id, agent_type, status,
	started_at, completed_at, duration_seconds, worktree_path, branch_name, base_commit_sha,
	result_commit_sha, pull_request_url, pull_request_number, source_pull_request_number,
	custom_prompt, tokens_input, tokens_output, cost_cents, proxy_token, container_id,
	error_message, created_at`

func scanRun(row interface{ Scan(...any) error }) (*AgentRun, error) {
	r := &AgentRun{}
	var workflowID sql.NullString
	err := row.Scan(&r.ID, &r.ProjectID, &r.IssueID, &workflowID, &r.AgentType, &r.Status,
		&r.StartedAt, &r.CompletedAt, &r.DurationSeconds, &r.WorktreePath, &r.BranchName,
		&r.BaseCommitSHA, &r.ResultCommitSHA, &r.PullRequestURL, &r.PullRequestNumber,
		&r.SourcePullRequestNumber, &r.CustomPrompt, &r.TokensInput, &r.TokensOutput,
		&r.CostCents, &r.ProxyToken, &r.ContainerID, &r.ErrorMessage, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.TemporalWorkflowID = workflowID.String
	return r, nil
}

func getRunTx(tx *sql.Tx, id int64) (*AgentRun, error) {
	return scanRun(tx.QueryRow(`SELECT `+runColumns+` FROM agent_runs WHERE id = ?`, id))
}

// GetAgentRun fetches a run by id.
func (s *Store) GetAgentRun(id int64) (*AgentRun, error) {
	r, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM agent_runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "agent_run", Key: strconv.FormatInt(id, 10)}
	}
	return r, err
}

// GetAgentRunByWorkflowID fetches a run by its workflow natural key.
func (s *Store) GetAgentRunByWorkflowID(workflowID string) (*AgentRun, error) {
	r, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM agent_runs WHERE temporal_workflow_id = ?`, workflowID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "agent_run", Key: workflowID}
	}
	return r, err
}

// ActiveRunForPR returns a non-terminal run targeting the given PR number, if
// any.
func (s *Store) ActiveRunForPR(projectID int64, prNumber int) (*AgentRun, error) {
	r, err := scanRun(s.db.QueryRow(`
		SELECT `+runColumns+` FROM agent_runs
		WHERE project_id = ? AND source_pull_request_number = ?
			AND status IN ('pending', 'running')
		ORDER BY id DESC LIMIT 1`, projectID, prNumber))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// LastCompletedRunForPR returns the most recent completed follow-up (or
// creating) run for a PR, used as the "since" watermark for comment and
// review signals.
func (s *Store) LastCompletedRunForPR(projectID int64, prNumber int) (*AgentRun, error) {
	r, err := scanRun(s.db.QueryRow(`
		SELECT `+runColumns+` FROM agent_runs
		WHERE project_id = ? AND status = 'completed'
			AND (source_pull_request_number = ? OR pull_request_number = ?)
		ORDER BY completed_at DESC LIMIT 1`, projectID, prNumber, prNumber))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// validTransition encodes the monotone status machine.
func validTransition(from, to RunStatus) bool {
	if from == to {
		return true
	}
	if from.Terminal() {
		return false
	}
	switch from {
	case RunPending:
		return to == RunRunning || to.Terminal()
	case RunRunning:
		return to.Terminal()
	}
	return false
}

// TransitionRun moves a run to a new status, enforcing monotone transitions.
// Re-applying the current status is a no-op, which keeps terminal-marking
// activities idempotent. mutate, when non-nil, applies additional column
// updates in the same transaction.
func (s *Store) TransitionRun(id int64, to RunStatus, mutate func(tx *sql.Tx) error) error {
	return s.inTx(func(tx *sql.Tx) error {
		var from RunStatus
		err := tx.QueryRow(`SELECT status FROM agent_runs WHERE id = ?`, id).Scan(&from)
		if errors.Is(err, sql.ErrNoRows) {
			return &NotFoundError{Kind: "agent_run", Key: strconv.FormatInt(id, 10)}
		}
		if err != nil {
			return err
		}

		if from == to {
			return nil
		}
		if !validTransition(from, to) {
			return &ConflictError{Kind: "agent_run",
				Detail: fmt.Sprintf("invalid status transition %s -> %s", from, to)}
		}

		now := s.now()
		switch {
		case to == RunRunning:
			_, err = tx.Exec(`UPDATE agent_runs SET status = ?, started_at = ? WHERE id = ?`, to, now, id)
		case to.Terminal():
			_, err = tx.Exec(`
				UPDATE agent_runs SET status = ?, completed_at = ?,
					duration_seconds = CAST(MAX(0, strftime('%s', ?) - strftime('%s', COALESCE(started_at, created_at))) AS INTEGER)
				WHERE id = ?`, to, now, now, id)
		default:
			_, err = tx.Exec(`UPDATE agent_runs SET status = ? WHERE id = ?`, to, id)
		}
		if err != nil {
			return err
		}

		if mutate != nil {
			return mutate(tx)
		}
		return nil
	})
}

// UpdateAgentRun applies a partial column update outside the status machine.
func (s *Store) UpdateAgentRun(id int64, set map[string]any) error {
	if len(set) == 0 {
		return nil
	}

	// Status changes must go through TransitionRun.
	if _, ok := set["status"]; ok {
		return fmt.Errorf("status must be changed via TransitionRun")
	}

	query := `UPDATE agent_runs SET `
	args := make([]any, 0, len(set)+1)
	first := true
	for _, col := range []string{"worktree_path", "branch_name", "base_commit_sha", "result_commit_sha",
		"pull_request_url", "pull_request_number", "custom_prompt", "proxy_token", "container_id",
		"error_message"} {
		v, ok := set[col]
		if !ok {
			continue
		}
		if !first {
			query += ", "
		}
		query += col + " = ?"
		args = append(args, v)
		first = false
		delete(set, col)
	}
	if len(set) > 0 {
		return fmt.Errorf("unknown agent_run columns in update: %v", set)
	}
	if first {
		return nil
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Kind: "agent_run", Key: strconv.FormatInt(id, 10)}
	}
	return nil
}

// AddRunUsage atomically accumulates token and cost counters onto the run row.
func (s *Store) AddRunUsage(id int64, tokensInput, tokensOutput, costCents int64) error {
	return s.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE agent_runs
			SET tokens_input = tokens_input + ?, tokens_output = tokens_output + ?, cost_cents = cost_cents + ?
			WHERE id = ?`, tokensInput, tokensOutput, costCents, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &NotFoundError{Kind: "agent_run", Key: strconv.FormatInt(id, 10)}
		}
		return nil
	})
}

package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// CreateProject validates invariants (token belongs to the same account and
// is active, poll interval >= 60) and inserts the project.
func (s *Store) CreateProject(p *Project) (*Project, error) {
	if p.Owner == "" || p.Repo == "" {
		return nil, fmt.Errorf("project owner and repo are required")
	}
	if p.PollIntervalSeconds < 60 {
		return nil, fmt.Errorf("poll_interval_seconds must be at least 60, got %d", p.PollIntervalSeconds)
	}

	token, err := s.GetGithubToken(p.GithubTokenID)
	if err != nil {
		return nil, err
	}
	if token.AccountID != p.AccountID {
		return nil, &ConflictError{Kind: "project", Detail: "github token belongs to a different account"}
	}
	if !token.Active(s.now()) {
		return nil, &ConflictError{Kind: "project", Detail: "github token is not active"}
	}

	if p.DefaultBranch == "" {
		p.DefaultBranch = "main"
	}
	if p.MaxPRFollowupRuns == 0 {
		p.MaxPRFollowupRuns = 5
	}

	now := s.now()
	res, err := s.db.Exec(`
		INSERT INTO projects (account_id, github_token_id, owner, repo, github_id, default_branch,
			active, poll_interval_seconds, label_mappings, pr_action_labels, allowed_github_usernames,
			auto_scan_prs, auto_fix_merge_conflicts, max_pr_followup_runs, detected_language, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.AccountID, p.GithubTokenID, p.Owner, p.Repo, p.GithubID, p.DefaultBranch,
		p.Active, p.PollIntervalSeconds, marshalJSON(p.LabelMappings), marshalJSON(p.PRActionLabels),
		marshalJSON(p.AllowedGithubUsernames), p.AutoScanPRs, p.AutoFixMergeConflicts,
		p.MaxPRFollowupRuns, p.DetectedLanguage, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert project: %w", err)
	}

	p.ID, _ = res.LastInsertId()
	p.CreatedAt = now
	return p, nil
}

const projectColumns = `id, account_id, github_token_id, owner, repo, github_id, default_branch,
	active, poll_interval_seconds, label_mappings, pr_action_labels, allowed_github_usernames,
	auto_scan_prs, auto_fix_merge_conflicts, max_pr_followup_runs, total_cost_cents,
	total_tokens_used, detected_language, created_at`

func scanProject(row interface{ Scan(...any) error }) (*Project, error) {
	p := &Project{}
	var mappings, actionLabels, allowed string
	err := row.Scan(&p.ID, &p.AccountID, &p.GithubTokenID, &p.Owner, &p.Repo, &p.GithubID,
		&p.DefaultBranch, &p.Active, &p.PollIntervalSeconds, &mappings, &actionLabels, &allowed,
		&p.AutoScanPRs, &p.AutoFixMergeConflicts, &p.MaxPRFollowupRuns, &p.TotalCostCents,
		&p.TotalTokensUsed, &p.DetectedLanguage, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.LabelMappings = unmarshalStringMap(mappings)
	p.PRActionLabels = unmarshalStringSlice(actionLabels)
	p.AllowedGithubUsernames = unmarshalStringSlice(allowed)
	return p, nil
}

// GetProject fetches a project by id.
func (s *Store) GetProject(id int64) (*Project, error) {
	row := s.db.QueryRow(`SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "project", Key: strconv.FormatInt(id, 10)}
	}
	return p, err
}

// GetProjectByRepo fetches a project by its owner/repo pair within an account.
func (s *Store) GetProjectByRepo(accountID int64, owner, repo string) (*Project, error) {
	row := s.db.QueryRow(`SELECT `+projectColumns+` FROM projects WHERE account_id = ? AND owner = ? AND repo = ?`,
		accountID, owner, repo)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "project", Key: owner + "/" + repo}
	}
	return p, err
}

// ActiveProjects lists projects with polling enabled.
func (s *Store) ActiveProjects() ([]*Project, error) {
	rows, err := s.db.Query(`SELECT ` + projectColumns + ` FROM projects WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetProjectActive toggles polling for a project.
func (s *Store) SetProjectActive(id int64, active bool) error {
	res, err := s.db.Exec(`UPDATE projects SET active = ? WHERE id = ?`, active, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Kind: "project", Key: strconv.FormatInt(id, 10)}
	}
	return nil
}

// AddProjectUsage atomically accumulates token and cost totals onto the
// project row.
func (s *Store) AddProjectUsage(id int64, tokens, costCents int64) error {
	return s.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE projects
			SET total_tokens_used = total_tokens_used + ?, total_cost_cents = total_cost_cents + ?
			WHERE id = ?`, tokens, costCents, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &NotFoundError{Kind: "project", Key: strconv.FormatInt(id, 10)}
		}
		return nil
	})
}

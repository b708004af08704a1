package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// IssueUpsert carries the fields synced from GitHub for one issue.
type IssueUpsert struct {
	GithubIssueID      int64
	GithubNumber       int
	Title              string
	Body               *string // nil when the creator is untrusted
	Labels             []string
	IsPullRequest      bool
	GithubCreatorLogin string
}

// UpsertIssue creates or updates an Issue keyed by (project_id,
// github_issue_id). Synced issues are always open; paid_state is preserved on
// update and starts as "new" on insert.
func (s *Store) UpsertIssue(projectID int64, u IssueUpsert) (*Issue, error) {
	var issue *Issue
	err := s.inTx(func(tx *sql.Tx) error {
		now := s.now()
		var id int64
		err := tx.QueryRow(`SELECT id FROM issues WHERE project_id = ? AND github_issue_id = ?`,
			projectID, u.GithubIssueID).Scan(&id)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			res, err := tx.Exec(`
				INSERT INTO issues (project_id, github_issue_id, github_number, title, body, labels,
					github_state, is_pull_request, github_creator_login, paid_state, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, 'open', ?, ?, 'new', ?, ?)`,
				projectID, u.GithubIssueID, u.GithubNumber, u.Title, u.Body, marshalJSON(u.Labels),
				u.IsPullRequest, u.GithubCreatorLogin, now, now)
			if err != nil {
				return fmt.Errorf("failed to insert issue: %w", err)
			}
			id, _ = res.LastInsertId()
		case err != nil:
			return err
		default:
			_, err = tx.Exec(`
				UPDATE issues SET github_number = ?, title = ?, body = ?, labels = ?,
					github_state = 'open', is_pull_request = ?, github_creator_login = ?, updated_at = ?
				WHERE id = ?`,
				u.GithubNumber, u.Title, u.Body, marshalJSON(u.Labels),
				u.IsPullRequest, u.GithubCreatorLogin, now, id)
			if err != nil {
				return fmt.Errorf("failed to update issue: %w", err)
			}
		}

		got, err := getIssueTx(tx, id)
		if err != nil {
			return err
		}
		issue = got
		return nil
	})
	return issue, err
}

const issueColumns = `id, project_id, github_issue_id, github_number, title, body, labels,
	github_state, is_pull_request, github_creator_login, paid_state, pr_followup_count,
	created_at, updated_at`

func scanIssue(row interface{ Scan(...any) error }) (*Issue, error) {
	i := &Issue{}
	var labels string
	err := row.Scan(&i.ID, &i.ProjectID, &i.GithubIssueID, &i.GithubNumber, &i.Title, &i.Body,
		&labels, &i.GithubState, &i.IsPullRequest, &i.GithubCreatorLogin, &i.PaidState,
		&i.PRFollowupCount, &i.CreatedAt, &i.UpdatedAt)
	if err != nil {
		return nil, err
	}
	i.Labels = unmarshalStringSlice(labels)
	return i, nil
}

func getIssueTx(tx *sql.Tx, id int64) (*Issue, error) {
	return scanIssue(tx.QueryRow(`SELECT `+issueColumns+` FROM issues WHERE id = ?`, id))
}

// GetIssue fetches an issue by id.
func (s *Store) GetIssue(id int64) (*Issue, error) {
	i, err := scanIssue(s.db.QueryRow(`SELECT `+issueColumns+` FROM issues WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "issue", Key: strconv.FormatInt(id, 10)}
	}
	return i, err
}

// OpenIssues lists locally-open issues for a project.
func (s *Store) OpenIssues(projectID int64) ([]*Issue, error) {
	rows, err := s.db.Query(`SELECT `+issueColumns+` FROM issues WHERE project_id = ? AND github_state = 'open' ORDER BY github_number`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Issue
	for rows.Next() {
		i, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// OpenPullRequestIssues lists locally-open issues that are pull requests.
func (s *Store) OpenPullRequestIssues(projectID int64) ([]*Issue, error) {
	rows, err := s.db.Query(`SELECT `+issueColumns+` FROM issues
		WHERE project_id = ? AND github_state = 'open' AND is_pull_request = 1
		ORDER BY github_number`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Issue
	for rows.Next() {
		i, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// CloseIssuesExcept marks locally-open non-PR issues closed when they were
// absent from the latest sync response. seenIDs holds GitHub issue ids.
func (s *Store) CloseIssuesExcept(projectID int64, seenIDs []int64) (int, error) {
	args := []any{projectID}
	placeholders := make([]string, 0, len(seenIDs))
	for _, id := range seenIDs {
		placeholders = append(placeholders, "?")
		args = append(args, id)
	}

	query := `UPDATE issues SET github_state = 'closed', updated_at = ?
		WHERE project_id = ? AND github_state = 'open' AND is_pull_request = 0`
	if len(seenIDs) > 0 {
		query += ` AND github_issue_id NOT IN (` + strings.Join(placeholders, ",") + `)`
	}
	args = append([]any{s.now()}, args...)

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// SetIssuePaidState moves an issue through the agent pipeline states.
func (s *Store) SetIssuePaidState(id int64, state PaidState) error {
	res, err := s.db.Exec(`UPDATE issues SET paid_state = ?, updated_at = ? WHERE id = ?`,
		state, s.now(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Kind: "issue", Key: strconv.FormatInt(id, 10)}
	}
	return nil
}

// IncrementPRFollowupCount bumps the follow-up counter for a PR issue.
func (s *Store) IncrementPRFollowupCount(id int64) error {
	return s.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE issues SET pr_followup_count = pr_followup_count + 1, updated_at = ? WHERE id = ?`,
			s.now(), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &NotFoundError{Kind: "issue", Key: strconv.FormatInt(id, 10)}
		}
		return nil
	})
}

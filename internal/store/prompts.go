package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// IssueImplementationSlug is the prompt slug resolved for new-issue runs.
const IssueImplementationSlug = "coding.issue_implementation"

// CreatePromptVersion inserts an immutable prompt revision. Scope is derived
// from which owner ids are set: project beats account beats global.
func (s *Store) CreatePromptVersion(p *PromptVersion) (*PromptVersion, error) {
	if p.Slug == "" {
		return nil, fmt.Errorf("prompt slug cannot be empty")
	}
	if p.Template == "" {
		return nil, fmt.Errorf("prompt template cannot be empty")
	}

	scope := "global"
	switch {
	case p.ProjectID != nil:
		scope = "project"
	case p.AccountID != nil:
		scope = "account"
	}

	err := s.inTx(func(tx *sql.Tx) error {
		var version int
		err := tx.QueryRow(`
			SELECT COALESCE(MAX(version), 0) FROM prompt_versions
			WHERE slug = ? AND scope = ?
				AND COALESCE(account_id, 0) = COALESCE(?, 0)
				AND COALESCE(project_id, 0) = COALESCE(?, 0)`,
			p.Slug, scope, p.AccountID, p.ProjectID).Scan(&version)
		if err != nil {
			return err
		}

		now := s.now()
		res, err := tx.Exec(`
			INSERT INTO prompt_versions (slug, scope, account_id, project_id, version, template,
				system_prompt, variables, created_by, change_notes, parent_version_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.Slug, scope, p.AccountID, p.ProjectID, version+1, p.Template,
			p.SystemPrompt, marshalJSON(p.Variables), p.CreatedBy, p.ChangeNotes,
			p.ParentVersionID, now)
		if err != nil {
			return fmt.Errorf("failed to insert prompt version: %w", err)
		}
		p.ID, _ = res.LastInsertId()
		p.Scope = scope
		p.Version = version + 1
		p.CreatedAt = now
		return nil
	})
	return p, err
}

const promptColumns = `id, slug, scope, account_id, project_id, version, template, system_prompt,
	variables, created_by, change_notes, parent_version_id, created_at`

func scanPrompt(row interface{ Scan(...any) error }) (*PromptVersion, error) {
	p := &PromptVersion{}
	var variables string
	err := row.Scan(&p.ID, &p.Slug, &p.Scope, &p.AccountID, &p.ProjectID, &p.Version,
		&p.Template, &p.SystemPrompt, &variables, &p.CreatedBy, &p.ChangeNotes,
		&p.ParentVersionID, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.Variables = unmarshalStringSlice(variables)
	return p, nil
}

// ResolvePromptVersion returns the latest version for a slug with
// project > account > global inheritance.
func (s *Store) ResolvePromptVersion(slug string, accountID, projectID int64) (*PromptVersion, error) {
	queries := []struct {
		where string
		args  []any
	}{
		{`scope = 'project' AND project_id = ?`, []any{projectID}},
		{`scope = 'account' AND account_id = ?`, []any{accountID}},
		{`scope = 'global'`, nil},
	}

	for _, q := range queries {
		args := append([]any{slug}, q.args...)
		p, err := scanPrompt(s.db.QueryRow(`
			SELECT `+promptColumns+` FROM prompt_versions
			WHERE slug = ? AND `+q.where+`
			ORDER BY version DESC LIMIT 1`, args...))
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return p, nil
	}

	return nil, &NotFoundError{Kind: "prompt_version", Key: slug}
}

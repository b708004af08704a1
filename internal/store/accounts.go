package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// CreateAccount creates an account, generating a unique slug from the name.
// When the natural slug is taken, a numeric suffix is appended.
func (s *Store) CreateAccount(name string) (*Account, error) {
	if name == "" {
		return nil, fmt.Errorf("account name cannot be empty")
	}

	base := Slugify(name)
	if base == "" {
		base = "account"
	}

	var acct *Account
	err := s.inTx(func(tx *sql.Tx) error {
		slug := base
		for i := 2; ; i++ {
			var exists int
			err := tx.QueryRow(`SELECT COUNT(*) FROM accounts WHERE slug = ?`, slug).Scan(&exists)
			if err != nil {
				return err
			}
			if exists == 0 {
				break
			}
			slug = base + "-" + strconv.Itoa(i)
		}

		now := s.now()
		res, err := tx.Exec(`INSERT INTO accounts (slug, name, created_at) VALUES (?, ?, ?)`,
			slug, name, now)
		if err != nil {
			return fmt.Errorf("failed to insert account: %w", err)
		}
		id, _ := res.LastInsertId()
		acct = &Account{ID: id, Slug: slug, Name: name, CreatedAt: now}
		return nil
	})
	return acct, err
}

// GetAccount fetches an account by id.
func (s *Store) GetAccount(id int64) (*Account, error) {
	a := &Account{}
	err := s.db.QueryRow(`SELECT id, slug, name, created_at FROM accounts WHERE id = ?`, id).
		Scan(&a.ID, &a.Slug, &a.Name, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "account", Key: strconv.FormatInt(id, 10)}
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// GetAccountBySlug fetches an account by slug.
func (s *Store) GetAccountBySlug(slug string) (*Account, error) {
	a := &Account{}
	err := s.db.QueryRow(`SELECT id, slug, name, created_at FROM accounts WHERE slug = ?`, slug).
		Scan(&a.ID, &a.Slug, &a.Name, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "account", Key: slug}
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// CreateGithubToken stores a token value encrypted at rest. The value must
// match one of the recognized GitHub token prefix formats.
func (s *Store) CreateGithubToken(accountID int64, name, value, scopes string, expiresAt *time.Time) (*GithubToken, error) {
	if name == "" {
		return nil, fmt.Errorf("token name cannot be empty")
	}
	if !ValidTokenFormat(value) {
		return nil, fmt.Errorf("token value does not match a recognized GitHub token format")
	}

	ciphertext, err := s.seal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt token: %w", err)
	}

	now := s.now()
	res, err := s.db.Exec(`
		INSERT INTO github_tokens (account_id, name, ciphertext, prefix, scopes, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		accountID, name, ciphertext, TokenPrefix(value), scopes, expiresAt, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert token: %w", err)
	}
	id, _ := res.LastInsertId()

	return &GithubToken{
		ID:        id,
		AccountID: accountID,
		Name:      name,
		Prefix:    TokenPrefix(value),
		Scopes:    scopes,
		ExpiresAt: expiresAt,
		CreatedAt: now,
	}, nil
}

// GetGithubToken fetches token metadata (never the value).
func (s *Store) GetGithubToken(id int64) (*GithubToken, error) {
	t := &GithubToken{}
	err := s.db.QueryRow(`
		SELECT id, account_id, name, prefix, scopes, expires_at, revoked_at, last_used_at, created_at
		FROM github_tokens WHERE id = ?`, id).
		Scan(&t.ID, &t.AccountID, &t.Name, &t.Prefix, &t.Scopes, &t.ExpiresAt, &t.RevokedAt, &t.LastUsedAt, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "github_token", Key: strconv.FormatInt(id, 10)}
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// GithubTokenByName fetches the most recent non-revoked token with the given
// name in an account.
func (s *Store) GithubTokenByName(accountID int64, name string) (*GithubToken, error) {
	t := &GithubToken{}
	err := s.db.QueryRow(`
		SELECT id, account_id, name, prefix, scopes, expires_at, revoked_at, last_used_at, created_at
		FROM github_tokens WHERE account_id = ? AND name = ? AND revoked_at IS NULL
		ORDER BY id DESC LIMIT 1`, accountID, name).
		Scan(&t.ID, &t.AccountID, &t.Name, &t.Prefix, &t.Scopes, &t.ExpiresAt, &t.RevokedAt, &t.LastUsedAt, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "github_token", Key: name}
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// TokenValue decrypts and returns the token value, recording last_used_at.
// Inactive tokens are refused.
func (s *Store) TokenValue(id int64) (string, error) {
	var ciphertext []byte
	t := &GithubToken{}
	err := s.db.QueryRow(`
		SELECT id, account_id, ciphertext, expires_at, revoked_at FROM github_tokens WHERE id = ?`, id).
		Scan(&t.ID, &t.AccountID, &ciphertext, &t.ExpiresAt, &t.RevokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", &NotFoundError{Kind: "github_token", Key: strconv.FormatInt(id, 10)}
	}
	if err != nil {
		return "", err
	}

	if !t.Active(s.now()) {
		return "", fmt.Errorf("github token %d is not active", id)
	}

	value, err := s.open(ciphertext)
	if err != nil {
		return "", err
	}

	_, _ = s.db.Exec(`UPDATE github_tokens SET last_used_at = ? WHERE id = ?`, s.now(), id)
	return value, nil
}

// RevokeGithubToken marks a token revoked.
func (s *Store) RevokeGithubToken(id int64) error {
	res, err := s.db.Exec(`UPDATE github_tokens SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
		s.now(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already revoked or missing; revocation is idempotent.
		return nil
	}
	return nil
}

package githubapi

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// maxAppJWTLifetime is GitHub's hard cap on App JWT validity.
const maxAppJWTLifetime = 10 * time.Minute

// installTokenRefreshBuffer refreshes installation tokens this long before
// their one-hour expiry.
const installTokenRefreshBuffer = 5 * time.Minute

// AppAuth mints installation tokens for a GitHub App and refreshes them
// before expiry. Safe for concurrent use.
type AppAuth struct {
	appID          string
	installationID int64
	privateKey     *rsa.PrivateKey

	httpClient *http.Client
	baseURL    string
	nowFunc    func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// AppAuthOption configures an AppAuth.
type AppAuthOption func(*AppAuth)

// WithAppHTTPClient overrides the HTTP client used for token exchange.
func WithAppHTTPClient(hc *http.Client) AppAuthOption {
	return func(a *AppAuth) { a.httpClient = hc }
}

// WithAppBaseURL points token exchange at a different API root (tests).
func WithAppBaseURL(u string) AppAuthOption {
	return func(a *AppAuth) { a.baseURL = u }
}

// WithAppNowFunc injects a clock (tests).
func WithAppNowFunc(fn func() time.Time) AppAuthOption {
	return func(a *AppAuth) { a.nowFunc = fn }
}

// NewAppAuth validates the credentials and returns an AppAuth. The private
// key may be PKCS#1 or PKCS#8 PEM.
func NewAppAuth(appID string, installationID int64, privateKeyPEM []byte, opts ...AppAuthOption) (*AppAuth, error) {
	if appID == "" {
		return nil, fmt.Errorf("app ID cannot be empty")
	}
	if installationID <= 0 {
		return nil, fmt.Errorf("installation ID must be positive")
	}
	key, err := parseAppPrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse app private key: %w", err)
	}

	a := &AppAuth{
		appID:          appID,
		installationID: installationID,
		privateKey:     key,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		baseURL:        "https://api.github.com",
		nowFunc:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Token returns a valid installation token, exchanging a fresh App JWT when
// the cached one is missing or near expiry.
func (a *AppAuth) Token(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token != "" && a.expiresAt.After(a.nowFunc().Add(installTokenRefreshBuffer)) {
		return a.token, nil
	}

	appJWT, err := a.signJWT()
	if err != nil {
		return "", err
	}
	token, expiresAt, err := a.exchange(ctx, appJWT)
	if err != nil {
		return "", err
	}
	a.token = token
	a.expiresAt = expiresAt
	return token, nil
}

// ExpiresAt returns the current token's expiry, zero before the first fetch.
func (a *AppAuth) ExpiresAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.expiresAt
}

func (a *AppAuth) signJWT() (string, error) {
	now := a.nowFunc()
	claims := jwt.RegisteredClaims{
		Issuer:    a.appID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(maxAppJWTLifetime)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(a.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign app JWT: %w", err)
	}
	return signed, nil
}

func (a *AppAuth) exchange(ctx context.Context, appJWT string) (string, time.Time, error) {
	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", a.baseURL, a.installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token exchange request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode != http.StatusCreated {
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return "", time.Time{}, &AuthenticationError{Message: "app JWT rejected"}
		case http.StatusNotFound:
			return "", time.Time{}, &NotFoundError{Resource: fmt.Sprintf("installation %d", a.installationID)}
		default:
			return "", time.Time{}, &APIError{Status: resp.StatusCode, Message: string(body)}
		}
	}

	var parsed struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to parse token response: %w", err)
	}
	return parsed.Token, parsed.ExpiresAt, nil
}

func parseAppPrivateKey(pemData []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if block.Type == "RSA PRIVATE KEY" {
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return rsaKey, nil
}

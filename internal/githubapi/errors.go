package githubapi

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/go-github/v70/github"
)

// AuthenticationError means the token was rejected (401).
type AuthenticationError struct {
	Message string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("github authentication failed: %s", e.Message)
}

// NotFoundError means the resource does not exist or the token cannot see it.
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("github resource not found: %s", e.Resource)
}

// RateLimitError means the API quota is exhausted until ResetAt.
type RateLimitError struct {
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("github rate limit exceeded, resets at %s", e.ResetAt.Format(time.RFC3339))
}

// APIError covers every other non-success response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github api error (status %d): %s", e.Status, e.Message)
}

// wrapError maps go-github errors onto the client's error taxonomy. The
// resource string only feeds NotFoundError messages.
func wrapError(resource string, err error) error {
	if err == nil {
		return nil
	}

	var rle *github.RateLimitError
	if errors.As(err, &rle) {
		return &RateLimitError{ResetAt: rle.Rate.Reset.Time}
	}
	var abuse *github.AbuseRateLimitError
	if errors.As(err, &abuse) {
		reset := time.Now()
		if abuse.RetryAfter != nil {
			reset = reset.Add(*abuse.RetryAfter)
		}
		return &RateLimitError{ResetAt: reset}
	}

	var er *github.ErrorResponse
	if errors.As(err, &er) && er.Response != nil {
		switch er.Response.StatusCode {
		case http.StatusUnauthorized:
			return &AuthenticationError{Message: er.Message}
		case http.StatusNotFound:
			return &NotFoundError{Resource: resource}
		case http.StatusTooManyRequests:
			return &RateLimitError{ResetAt: time.Now()}
		default:
			return &APIError{Status: er.Response.StatusCode, Message: er.Message}
		}
	}

	return err
}

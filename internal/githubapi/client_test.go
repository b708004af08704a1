package githubapi

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient("ghp_testtoken", nil, WithBaseURL(srv.URL), WithGraphQLURL(srv.URL+"/graphql"))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestNewClientRequiresToken(t *testing.T) {
	if _, err := NewClient("", nil); err == nil {
		t.Fatal("accepted empty token")
	}
}

func TestRetryTransportRetriesTransientStatuses(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer srv.Close()

	rt := newRetryTransport(http.DefaultTransport)
	rt.sleep = func(time.Duration) {}
	hc := &http.Client{Transport: rt}

	resp, err := hc.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 after retries", resp.StatusCode)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("server saw %d calls, want 3", got)
	}
}

func TestRetryTransportGivesUp(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	rt := newRetryTransport(http.DefaultTransport)
	rt.sleep = func(time.Duration) {}
	hc := &http.Client{Transport: rt}

	resp, err := hc.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want the final 503", resp.StatusCode)
	}
	// Initial attempt plus three retries.
	if got := atomic.LoadInt32(&calls); got != 4 {
		t.Errorf("server saw %d calls, want 4", got)
	}
}

func TestErrorTaxonomy(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/repos/acme/secret"):
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"message":"Not Found"}`)
		case strings.HasSuffix(r.URL.Path, "/user"):
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"message":"Bad credentials"}`)
		case strings.HasSuffix(r.URL.Path, "/repos/acme/limited"):
			w.Header().Set("X-Ratelimit-Limit", "5000")
			w.Header().Set("X-Ratelimit-Remaining", "0")
			w.Header().Set("X-Ratelimit-Reset", fmt.Sprint(time.Now().Add(time.Hour).Unix()))
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, `{"message":"API rate limit exceeded"}`)
		}
	}))

	ctx := context.Background()

	_, err := c.Repository(ctx, "acme", "secret")
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Errorf("404 mapped to %T, want NotFoundError", err)
	}

	_, err = c.ValidateToken(ctx)
	var ae *AuthenticationError
	if !errors.As(err, &ae) {
		t.Errorf("401 mapped to %T, want AuthenticationError", err)
	}

	_, err = c.Repository(ctx, "acme", "limited")
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("rate-limited 403 mapped to %T, want RateLimitError", err)
	}
	if !rl.ResetAt.After(time.Now()) {
		t.Error("rate limit reset time not carried over")
	}
}

func TestWriteAccessibleCachesProbe(t *testing.T) {
	var blobPosts int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && strings.Contains(r.URL.Path, "/git/blobs") {
			atomic.AddInt32(&blobPosts, 1)
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"sha":"abc"}`)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))

	ctx := context.Background()
	if !c.WriteAccessible(ctx, "acme", "widgets") {
		t.Error("push-accessible repo reported inaccessible")
	}
	if !c.WriteAccessible(ctx, "acme", "widgets") {
		t.Error("cached result flipped")
	}
	if got := atomic.LoadInt32(&blobPosts); got != 1 {
		t.Errorf("probe ran %d times, want 1 (cached)", got)
	}
}

func TestRateLimitTracking(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Ratelimit-Limit", "5000")
		w.Header().Set("X-Ratelimit-Remaining", "7")
		w.Header().Set("X-Ratelimit-Reset", fmt.Sprint(time.Now().Add(time.Hour).Unix()))
		fmt.Fprint(w, `{"login":"paid-bot"}`)
	}))

	if c.RateLimitRemaining() != -1 {
		t.Error("remaining should be unknown before any request")
	}
	if c.RateLimitLow(0) {
		t.Error("unknown quota must not read as low")
	}

	login, err := c.ValidateToken(context.Background())
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if login != "paid-bot" {
		t.Errorf("login = %q", login)
	}
	if got := c.RateLimitRemaining(); got != 7 {
		t.Errorf("remaining = %d, want 7", got)
	}
	if !c.RateLimitLow(0) {
		t.Error("7 remaining should be low at the default threshold of 10")
	}
	if c.RateLimitLow(5) {
		t.Error("7 remaining is not low at threshold 5")
	}
}

func TestRepositoriesFiltersToPushAccess(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[
			{"name":"writable","permissions":{"push":true,"pull":true}},
			{"name":"readonly","permissions":{"push":false,"pull":true}}
		]`)
	}))

	repos, err := c.Repositories(context.Background())
	if err != nil {
		t.Fatalf("Repositories: %v", err)
	}
	if len(repos) != 1 || repos[0].GetName() != "writable" {
		t.Errorf("repos = %v, want only writable", repos)
	}
}

func TestGithubCIDRsDedupesAndFallsBack(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/meta") {
			fmt.Fprint(w, `{
				"hooks": ["140.82.112.0/20", "192.30.252.0/22"],
				"git":   ["140.82.112.0/20"],
				"api":   ["185.199.108.0/22"],
				"web":   ["185.199.108.0/22", "not-a-cidr"]
			}`)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))

	cidrs := c.GithubCIDRs(context.Background())
	want := []string{"140.82.112.0/20", "185.199.108.0/22", "192.30.252.0/22"}
	if len(cidrs) != len(want) {
		t.Fatalf("cidrs = %v, want %v", cidrs, want)
	}
	for i := range want {
		if cidrs[i] != want[i] {
			t.Errorf("cidrs[%d] = %q, want %q", i, cidrs[i], want[i])
		}
	}

	// Fetch failure falls back to the static list.
	broken := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	if got := broken.GithubCIDRs(context.Background()); len(got) == 0 {
		t.Error("fallback CIDR list is empty")
	}
}

func testPrivateKeyPEM(t *testing.T) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
}

func TestAppAuthExchangesAndCaches(t *testing.T) {
	var exchanges int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/app/installations/99/access_tokens" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			t.Error("missing app JWT")
		}
		atomic.AddInt32(&exchanges, 1)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"token":      fmt.Sprintf("ghs_installtoken%d", atomic.LoadInt32(&exchanges)),
			"expires_at": time.Now().Add(time.Hour).Format(time.RFC3339),
		})
	}))
	defer srv.Close()

	now := time.Now()
	auth, err := NewAppAuth("12345", 99, testPrivateKeyPEM(t),
		WithAppBaseURL(srv.URL),
		WithAppNowFunc(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewAppAuth: %v", err)
	}

	tok1, err := auth.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	tok2, err := auth.Token(context.Background())
	if err != nil {
		t.Fatalf("Token (cached): %v", err)
	}
	if tok1 != tok2 {
		t.Error("valid token was not reused")
	}
	if atomic.LoadInt32(&exchanges) != 1 {
		t.Errorf("exchanges = %d, want 1", exchanges)
	}

	// Advance the clock past the refresh buffer: next call re-exchanges.
	now = now.Add(time.Hour)
	tok3, err := auth.Token(context.Background())
	if err != nil {
		t.Fatalf("Token (refresh): %v", err)
	}
	if tok3 == tok1 {
		t.Error("expired token was reused")
	}
	if atomic.LoadInt32(&exchanges) != 2 {
		t.Errorf("exchanges = %d, want 2", exchanges)
	}
}

func TestAppAuthValidatesInputs(t *testing.T) {
	pem := testPrivateKeyPEM(t)
	if _, err := NewAppAuth("", 1, pem); err == nil {
		t.Error("accepted empty app ID")
	}
	if _, err := NewAppAuth("1", 0, pem); err == nil {
		t.Error("accepted zero installation ID")
	}
	if _, err := NewAppAuth("1", 1, []byte("not a key")); err == nil {
		t.Error("accepted garbage private key")
	}
}

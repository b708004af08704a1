package cli

import (
	"testing"

	"github.com/paid-dev/paid-engine/internal/store"
)

func testManifest() *manifest {
	return &manifest{
		Account: "Acme",
		Tokens: []manifestToken{
			{Name: "default", Value: "ghp_abcdef1234567890", Scopes: "repo"},
		},
		Projects: []manifestProject{
			{
				Owner:               "acme",
				Repo:                "widgets",
				Token:               "default",
				Active:              true,
				PollIntervalSeconds: 120,
				LabelMappings:       map[string]string{"build": "paid-build"},
				Language:            "go",
			},
			{
				Owner: "acme",
				Repo:  "gadgets",
				Token: "default",
			},
		},
	}
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:", store.WithEncryptionKey([32]byte{1}))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestImportManifest(t *testing.T) {
	st := openTestStore(t)

	sum, err := importManifest(st, testManifest())
	if err != nil {
		t.Fatalf("importManifest: %v", err)
	}
	if sum.TokensCreated != 1 || sum.ProjectsCreated != 2 {
		t.Errorf("created = %d tokens / %d projects, want 1 / 2", sum.TokensCreated, sum.ProjectsCreated)
	}

	acct, err := st.GetAccountBySlug("acme")
	if err != nil {
		t.Fatalf("account not created: %v", err)
	}
	p, err := st.GetProjectByRepo(acct.ID, "acme", "widgets")
	if err != nil {
		t.Fatalf("project not created: %v", err)
	}
	if !p.Active || p.PollIntervalSeconds != 120 || p.LabelMappings["build"] != "paid-build" {
		t.Errorf("project fields not applied: %+v", p)
	}
	if p.DefaultBranch != "main" {
		t.Errorf("DefaultBranch = %q, want main default", p.DefaultBranch)
	}

	// The second project omits the poll interval and gets the default.
	g, err := st.GetProjectByRepo(acct.ID, "acme", "gadgets")
	if err != nil {
		t.Fatalf("second project not created: %v", err)
	}
	if g.PollIntervalSeconds != 300 {
		t.Errorf("PollIntervalSeconds = %d, want 300 default", g.PollIntervalSeconds)
	}
}

func TestImportManifestIsIdempotent(t *testing.T) {
	st := openTestStore(t)

	if _, err := importManifest(st, testManifest()); err != nil {
		t.Fatalf("first import: %v", err)
	}
	sum, err := importManifest(st, testManifest())
	if err != nil {
		t.Fatalf("second import: %v", err)
	}
	if sum.TokensCreated != 0 || sum.ProjectsCreated != 0 {
		t.Errorf("re-import created records: %+v", sum)
	}
	if sum.TokensSkipped != 1 || sum.ProjectsSkipped != 2 {
		t.Errorf("re-import skip counts: %+v", sum)
	}
}

func TestImportManifestTokenFromEnv(t *testing.T) {
	st := openTestStore(t)
	t.Setenv("TEST_GH_TOKEN", "ghp_fromenv1234567890")

	m := testManifest()
	m.Tokens[0] = manifestToken{Name: "default", ValueEnv: "TEST_GH_TOKEN", Scopes: "repo"}

	if _, err := importManifest(st, m); err != nil {
		t.Fatalf("importManifest: %v", err)
	}

	acct, _ := st.GetAccountBySlug("acme")
	tok, err := st.GithubTokenByName(acct.ID, "default")
	if err != nil {
		t.Fatalf("token not created: %v", err)
	}
	value, err := st.TokenValue(tok.ID)
	if err != nil {
		t.Fatalf("TokenValue: %v", err)
	}
	if value != "ghp_fromenv1234567890" {
		t.Errorf("token value = %q", value)
	}
}

func TestImportManifestRejectsUnknownTokenRef(t *testing.T) {
	st := openTestStore(t)

	m := testManifest()
	m.Projects[0].Token = "missing"

	if _, err := importManifest(st, m); err == nil {
		t.Error("import accepted a project referencing an undeclared token")
	}
}

func TestImportManifestRejectsMissingTokenValue(t *testing.T) {
	st := openTestStore(t)

	m := testManifest()
	m.Tokens[0] = manifestToken{Name: "default", ValueEnv: "TEST_UNSET_VAR"}

	if _, err := importManifest(st, m); err == nil {
		t.Error("import accepted a token with no value")
	}
}

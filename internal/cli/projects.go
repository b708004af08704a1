package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/paid-dev/paid-engine/internal/store"
)

// manifest is the YAML shape accepted by `paid projects import`. One manifest
// bootstraps one account with its tokens and projects.
type manifest struct {
	Account  string            `yaml:"account"`
	Tokens   []manifestToken   `yaml:"tokens"`
	Projects []manifestProject `yaml:"projects"`
}

type manifestToken struct {
	Name     string `yaml:"name"`
	Value    string `yaml:"value"`
	ValueEnv string `yaml:"value_env"` // environment variable holding the value
	Scopes   string `yaml:"scopes"`
}

type manifestProject struct {
	Owner                  string            `yaml:"owner"`
	Repo                   string            `yaml:"repo"`
	Token                  string            `yaml:"token"` // token name within the manifest account
	DefaultBranch          string            `yaml:"default_branch"`
	Active                 bool              `yaml:"active"`
	PollIntervalSeconds    int               `yaml:"poll_interval_seconds"`
	LabelMappings          map[string]string `yaml:"label_mappings"`
	PRActionLabels         []string          `yaml:"pr_action_labels"`
	AllowedGithubUsernames []string          `yaml:"allowed_github_usernames"`
	AutoScanPRs            bool              `yaml:"auto_scan_prs"`
	AutoFixMergeConflicts  bool              `yaml:"auto_fix_merge_conflicts"`
	MaxPRFollowupRuns      int               `yaml:"max_pr_followup_runs"`
	Language               string            `yaml:"language"`
}

// importSummary reports what an import created and what it left alone.
type importSummary struct {
	AccountID       int64
	TokensCreated   int
	TokensSkipped   int
	ProjectsCreated int
	ProjectsSkipped int
}

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "Manage projects",
}

var projectsImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Import an account manifest (account, tokens, projects)",
	Long: `Read a YAML manifest and create the account, GitHub tokens, and
projects it declares. Existing tokens (by name) and projects (by
owner/repo) are left untouched, so re-importing a manifest is safe.

Token values may be given inline (value) or read from the environment
(value_env) to keep secrets out of the manifest file.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer st.Close()

		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var m manifest
		if err := yaml.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("failed to parse manifest: %w", err)
		}

		sum, err := importManifest(st, &m)
		if err != nil {
			return err
		}

		fmt.Printf("account %d: %d tokens created (%d existing), %d projects created (%d existing)\n",
			sum.AccountID, sum.TokensCreated, sum.TokensSkipped, sum.ProjectsCreated, sum.ProjectsSkipped)
		return nil
	},
}

// importManifest applies a manifest to the store. Creation is additive:
// records that already exist are skipped, never modified.
func importManifest(st *store.Store, m *manifest) (*importSummary, error) {
	if m.Account == "" {
		return nil, fmt.Errorf("manifest has no account name")
	}

	acct, err := st.GetAccountBySlug(store.Slugify(m.Account))
	if err != nil {
		var notFound *store.NotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		acct, err = st.CreateAccount(m.Account)
		if err != nil {
			return nil, err
		}
	}

	sum := &importSummary{AccountID: acct.ID}
	tokenIDs := make(map[string]int64)

	for _, mt := range m.Tokens {
		if mt.Name == "" {
			return nil, fmt.Errorf("token with empty name in manifest")
		}
		if existing, err := st.GithubTokenByName(acct.ID, mt.Name); err == nil {
			tokenIDs[mt.Name] = existing.ID
			sum.TokensSkipped++
			continue
		} else {
			var notFound *store.NotFoundError
			if !errors.As(err, &notFound) {
				return nil, err
			}
		}

		value := mt.Value
		if value == "" && mt.ValueEnv != "" {
			value = os.Getenv(mt.ValueEnv)
		}
		if value == "" {
			return nil, fmt.Errorf("token %q has no value (set value or value_env)", mt.Name)
		}

		tok, err := st.CreateGithubToken(acct.ID, mt.Name, value, mt.Scopes, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create token %q: %w", mt.Name, err)
		}
		tokenIDs[mt.Name] = tok.ID
		sum.TokensCreated++
	}

	for _, mp := range m.Projects {
		tokenID, ok := tokenIDs[mp.Token]
		if !ok {
			return nil, fmt.Errorf("project %s/%s references unknown token %q", mp.Owner, mp.Repo, mp.Token)
		}

		if _, err := st.GetProjectByRepo(acct.ID, mp.Owner, mp.Repo); err == nil {
			sum.ProjectsSkipped++
			continue
		} else {
			var notFound *store.NotFoundError
			if !errors.As(err, &notFound) {
				return nil, err
			}
		}

		interval := mp.PollIntervalSeconds
		if interval == 0 {
			interval = 300
		}
		_, err := st.CreateProject(&store.Project{
			AccountID:              acct.ID,
			GithubTokenID:          tokenID,
			Owner:                  mp.Owner,
			Repo:                   mp.Repo,
			DefaultBranch:          mp.DefaultBranch,
			Active:                 mp.Active,
			PollIntervalSeconds:    interval,
			LabelMappings:          mp.LabelMappings,
			PRActionLabels:         mp.PRActionLabels,
			AllowedGithubUsernames: mp.AllowedGithubUsernames,
			AutoScanPRs:            mp.AutoScanPRs,
			AutoFixMergeConflicts:  mp.AutoFixMergeConflicts,
			MaxPRFollowupRuns:      mp.MaxPRFollowupRuns,
			DetectedLanguage:       mp.Language,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create project %s/%s: %w", mp.Owner, mp.Repo, err)
		}
		sum.ProjectsCreated++
	}

	return sum, nil
}

func init() {
	projectsCmd.AddCommand(projectsImportCmd)
	rootCmd.AddCommand(projectsCmd)
}

package githubapi

import (
	"context"
	"sort"

	"github.com/paid-dev/paid-engine/internal/sandbox"
)

// GithubCIDRs returns the egress allow-list for agent containers from the
// GitHub meta endpoint (hooks, git, api, web ranges, deduplicated). Any
// fetch failure falls back to the static list so provisioning never blocks
// on GitHub being reachable.
func (c *Client) GithubCIDRs(ctx context.Context) []string {
	meta, resp, err := c.rest.Meta.Get(ctx)
	c.track(resp)
	if err != nil {
		c.log.Warn("github meta fetch failed, using fallback CIDRs", "error", err)
		return sandbox.DefaultGithubCIDRs
	}

	seen := map[string]bool{}
	var out []string
	for _, group := range [][]string{meta.Hooks, meta.Git, meta.API, meta.Web} {
		for _, cidr := range group {
			if seen[cidr] {
				continue
			}
			if err := sandbox.ValidateCIDR(cidr); err != nil {
				continue // meta can include IPv6 ranges in odd shapes; skip anything unparseable
			}
			seen[cidr] = true
			out = append(out, cidr)
		}
	}
	if len(out) == 0 {
		return sandbox.DefaultGithubCIDRs
	}
	sort.Strings(out)
	return out
}

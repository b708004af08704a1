package sandbox

import (
	"context"
	"fmt"
	"net/netip"
	"regexp"
	"strings"
	"time"
)

// DefaultGithubCIDRs is the static fallback allow-list used when the GitHub
// meta endpoint cannot be fetched.
var DefaultGithubCIDRs = []string{
	"140.82.112.0/20",
	"143.55.64.0/20",
	"185.199.108.0/22",
	"192.30.252.0/22",
	"20.201.28.148/32",
	"20.205.243.168/32",
}

// hostPattern is the only shape a proxy host may take before interpolation
// into the firewall script. Anything else is rejected outright.
var hostPattern = regexp.MustCompile(`^[A-Za-z0-9.\-]+$`)

// ValidateCIDR rejects anything that is not a parseable IP prefix. The exact
// error text is part of the contract: callers and tests match on it.
func ValidateCIDR(cidr string) error {
	if _, err := netip.ParsePrefix(cidr); err != nil {
		return fmt.Errorf("Invalid CIDR: %q", cidr)
	}
	return nil
}

// ValidateHost rejects hosts containing anything outside [A-Za-z0-9.-].
func ValidateHost(host string) error {
	if host == "" || !hostPattern.MatchString(host) {
		return fmt.Errorf("Invalid host: %q", host)
	}
	return nil
}

// BuildFirewallScript renders the egress policy installed inside each
// container: default-drop output with allowances for loopback, established
// flows, DNS, the secrets proxy, and GitHub over 443/22. Every interpolated
// value is character-validated first; an invalid host or CIDR aborts script
// construction so nothing reaches the shell.
func BuildFirewallScript(proxyHost string, proxyPort int, githubCIDRs []string) (string, error) {
	if err := ValidateHost(proxyHost); err != nil {
		return "", err
	}
	if proxyPort <= 0 || proxyPort > 65535 {
		return "", fmt.Errorf("Invalid proxy port: %d", proxyPort)
	}
	for _, cidr := range githubCIDRs {
		if err := ValidateCIDR(cidr); err != nil {
			return "", err
		}
	}

	var sb strings.Builder
	sb.WriteString("set -e\n")
	sb.WriteString("iptables -P OUTPUT DROP\n")
	sb.WriteString("iptables -A OUTPUT -o lo -j ACCEPT\n")
	sb.WriteString("iptables -A OUTPUT -m conntrack --ctstate ESTABLISHED,RELATED -j ACCEPT\n")
	sb.WriteString("iptables -A OUTPUT -p udp --dport 53 -j ACCEPT\n")
	sb.WriteString("iptables -A OUTPUT -p tcp --dport 53 -j ACCEPT\n")
	fmt.Fprintf(&sb, "iptables -A OUTPUT -p tcp -d %s --dport %d -j ACCEPT\n", proxyHost, proxyPort)
	for _, cidr := range githubCIDRs {
		fmt.Fprintf(&sb, "iptables -A OUTPUT -p tcp -d %s --dport 443 -j ACCEPT\n", cidr)
		fmt.Fprintf(&sb, "iptables -A OUTPUT -p tcp -d %s --dport 22 -j ACCEPT\n", cidr)
	}
	sb.WriteString(`iptables -A OUTPUT -j LOG --log-prefix "PAID_AGENT_BLOCK: "` + "\n")
	sb.WriteString("iptables -A OUTPUT -j DROP\n")
	return sb.String(), nil
}

// ApplyFirewallRules installs the egress policy inside the container. The
// script runs as root and needs the NET_RAW capability granted at create
// time. An empty cidrs slice uses the static fallback list.
func (s *Sandbox) ApplyFirewallRules(ctx context.Context, cidrs []string) error {
	if len(cidrs) == 0 {
		cidrs = DefaultGithubCIDRs
	}

	script, err := BuildFirewallScript(s.opts.ProxyHost, s.opts.ProxyPort, cidrs)
	if err != nil {
		return err
	}

	res, err := s.Execute(ctx, ExecRequest{
		Shell:   script,
		User:    "root",
		Timeout: 30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to apply firewall rules: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("firewall script exited %d: %s", res.ExitCode, res.Stderr)
	}

	s.sink.Append("system", "egress firewall applied",
		map[string]any{"key": "container.firewall.applied", "cidr_count": len(cidrs)})
	return nil
}

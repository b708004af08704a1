package sandbox

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
)

// agentSubnet is the fixed subnet of the restricted agent network.
const agentSubnet = "172.28.0.0/16"

// EnsureNetwork makes sure the restricted agent network exists. In
// production the network is internal with IP masquerade disabled, so
// containers have no default route out; the in-container firewall is the
// second layer.
func (s *Sandbox) EnsureNetwork(ctx context.Context) error {
	name := s.opts.AgentNetwork

	_, err := s.api.NetworkInspect(ctx, name, network.InspectOptions{})
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to inspect network %s: %w", name, err)
	}

	create := network.CreateOptions{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{{Subnet: agentSubnet}},
		},
	}
	if s.opts.InternalNetwork {
		create.Internal = true
		create.Options = map[string]string{
			"com.docker.network.bridge.enable_ip_masquerade": "false",
		}
	}

	if _, err := s.api.NetworkCreate(ctx, name, create); err != nil {
		return fmt.Errorf("failed to create network %s: %w", name, err)
	}
	return nil
}

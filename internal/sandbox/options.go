package sandbox

import "time"

// AuthMode selects how the agent inside the container reaches its LLM API.
type AuthMode string

const (
	// AuthAPIKey attaches the container to the restricted agent network and
	// routes Anthropic/OpenAI traffic through the secrets proxy.
	AuthAPIKey AuthMode = "api_key"

	// AuthSubscription attaches the container to the infrastructure network
	// and bind-mounts the host Claude config read-only. Base URLs are not
	// overridden and firewall rules are skipped.
	AuthSubscription AuthMode = "subscription"
)

// Options holds per-container settings. Zero values are filled by
// DefaultOptions.
type Options struct {
	Image string

	// Resource caps
	MemoryBytes int64 // swap disabled by setting MemorySwap == Memory
	CPUQuota    int64 // microseconds per period
	CPUPeriod   int64
	PidsLimit   int64

	// Writable tmpfs mounts on the otherwise read-only rootfs
	TmpSizeBytes   int64
	CacheSizeBytes int64

	ExecTimeout time.Duration // default per-command timeout

	User          string
	WorkspacePath string // in-container mount point

	AuthMode        AuthMode
	ClaudeConfigDir string // host dir, subscription mode only

	ProxyHost string
	ProxyPort int

	// Networks
	AgentNetwork    string
	InfraNetwork    string
	InternalNetwork bool // production: no masquerade, internal bridge
}

// DefaultOptions returns the hardened defaults for agent containers.
func DefaultOptions() Options {
	return Options{
		Image:          "paid-agent:latest",
		MemoryBytes:    2 << 30, // 2 GiB
		CPUQuota:       200000,  // 2 CPUs over a 100ms period
		CPUPeriod:      100000,
		PidsLimit:      500,
		TmpSizeBytes:   1 << 30,
		CacheSizeBytes: 512 << 20,
		ExecTimeout:    10 * time.Minute,
		User:           "agent",
		WorkspacePath:  "/workspace",
		AuthMode:       AuthAPIKey,
		ProxyHost:      "host.docker.internal",
		ProxyPort:      3000,
		AgentNetwork:   "paid_agent",
		InfraNetwork:   "paid_internal",
	}
}

func (o *Options) applyDefaults() {
	d := DefaultOptions()
	if o.Image == "" {
		o.Image = d.Image
	}
	if o.MemoryBytes == 0 {
		o.MemoryBytes = d.MemoryBytes
	}
	if o.CPUQuota == 0 {
		o.CPUQuota = d.CPUQuota
	}
	if o.CPUPeriod == 0 {
		o.CPUPeriod = d.CPUPeriod
	}
	if o.PidsLimit == 0 {
		o.PidsLimit = d.PidsLimit
	}
	if o.TmpSizeBytes == 0 {
		o.TmpSizeBytes = d.TmpSizeBytes
	}
	if o.CacheSizeBytes == 0 {
		o.CacheSizeBytes = d.CacheSizeBytes
	}
	if o.ExecTimeout == 0 {
		o.ExecTimeout = d.ExecTimeout
	}
	if o.User == "" {
		o.User = d.User
	}
	if o.WorkspacePath == "" {
		o.WorkspacePath = d.WorkspacePath
	}
	if o.AuthMode == "" {
		o.AuthMode = d.AuthMode
	}
	if o.ProxyHost == "" {
		o.ProxyHost = d.ProxyHost
	}
	if o.ProxyPort == 0 {
		o.ProxyPort = d.ProxyPort
	}
	if o.AgentNetwork == "" {
		o.AgentNetwork = d.AgentNetwork
	}
	if o.InfraNetwork == "" {
		o.InfraNetwork = d.InfraNetwork
	}
}

// network returns the network the container attaches to for the configured
// auth mode.
func (o *Options) network() string {
	if o.AuthMode == AuthSubscription {
		return o.InfraNetwork
	}
	return o.AgentNetwork
}

package agent

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultHost is the relay's public name, used when no host is configured.
const DefaultHost = "relay.nlink.dev"

// TunnelDescriptor registers one local target under a public name.
// immutable for the lifetime of a session.
type TunnelDescriptor struct {
	// RemoteName is the short name the relay exposes publicly.
	RemoteName string `yaml:"name"`
	// Label is the display string shown alongside the name.
	Label string `yaml:"label"`
	// LocalTarget is the absolute origin plus base path requests are
	// forwarded to, e.g. http://127.0.0.1:8080 or https://host/base.
	LocalTarget string `yaml:"target"`
	// StripHostHeader removes the inbound host header before
	// forwarding. nil means true; not exposed on the command line.
	StripHostHeader *bool `yaml:"strip_host_header"`

	target *url.URL
}

// StripHost reports whether the host header should be removed.
func (d *TunnelDescriptor) StripHost() bool {
	return d.StripHostHeader == nil || *d.StripHostHeader
}

// Target returns the parsed local target origin.
func (d *TunnelDescriptor) Target() *url.URL {
	return d.target
}

// Config holds everything one tunnel session needs.
type Config struct {
	Tunnels   []TunnelDescriptor
	APIKey    string
	Hostname  string
	Secure    bool
	UserAgent string
	// ClientID is a stable per-process identifier sent at registration.
	ClientID string
	// ProxyURL optionally routes the relay connection through a
	// socks5 or http connect proxy.
	ProxyURL string

	proxy *url.URL
}

// Proxy returns the parsed proxy url, nil when connecting directly.
func (c *Config) Proxy() *url.URL {
	return c.proxy
}

// FileConfig is the optional yaml configuration file. it carries the
// same settings as the command line; explicitly-set flags win.
type FileConfig struct {
	Host     string             `yaml:"host"`
	Key      string             `yaml:"key"`
	Secure   *bool              `yaml:"secure"`
	Log      string             `yaml:"log"`
	Forwards []TunnelDescriptor `yaml:"forwards"`
	Proxy    struct {
		URL string `yaml:"url"`
	} `yaml:"proxy"`
}

// LoadFileConfig reads and parses a yaml configuration file.
func LoadFileConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := &FileConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// ParseForward parses a forward spec of the form
// <name>|<target> or <name>|<label>|<target>. a target without an
// http:// or https:// prefix gets http:// prepended; a missing label
// defaults to the name.
func ParseForward(spec string) (TunnelDescriptor, error) {
	parts := strings.Split(spec, "|")
	var d TunnelDescriptor
	switch len(parts) {
	case 2:
		d = TunnelDescriptor{RemoteName: parts[0], Label: parts[0], LocalTarget: parts[1]}
	case 3:
		d = TunnelDescriptor{RemoteName: parts[0], Label: parts[1], LocalTarget: parts[2]}
	default:
		return d, fmt.Errorf("invalid forward spec %q: want <name>|<target> or <name>|<label>|<target>", spec)
	}
	if d.RemoteName == "" {
		return d, fmt.Errorf("invalid forward spec %q: empty name", spec)
	}
	if d.Label == "" {
		d.Label = d.RemoteName
	}
	if err := d.resolve(); err != nil {
		return d, fmt.Errorf("invalid forward spec %q: %w", spec, err)
	}
	return d, nil
}

// resolve normalises and parses the local target.
func (d *TunnelDescriptor) resolve() error {
	if !strings.HasPrefix(d.LocalTarget, "http://") && !strings.HasPrefix(d.LocalTarget, "https://") {
		d.LocalTarget = "http://" + d.LocalTarget
	}
	u, err := url.Parse(d.LocalTarget)
	if err != nil {
		return fmt.Errorf("parsing target: %w", err)
	}
	if u.Host == "" {
		return fmt.Errorf("target %q has no host", d.LocalTarget)
	}
	d.target = u
	return nil
}

// Validate checks the session configuration and resolves every tunnel
// target that has not been resolved yet.
func (c *Config) Validate() error {
	if len(c.Tunnels) == 0 {
		return fmt.Errorf("no tunnels configured")
	}
	if c.APIKey == "" {
		return fmt.Errorf("api key is required")
	}
	if c.Hostname == "" {
		c.Hostname = DefaultHost
	}
	if c.ClientID == "" {
		c.ClientID = NewClientID()
	}
	for i := range c.Tunnels {
		d := &c.Tunnels[i]
		if d.RemoteName == "" {
			return fmt.Errorf("tunnel %d has no name", i)
		}
		if d.Label == "" {
			d.Label = d.RemoteName
		}
		if d.target == nil {
			if err := d.resolve(); err != nil {
				return fmt.Errorf("tunnel %q: %w", d.RemoteName, err)
			}
		}
	}
	if c.ProxyURL != "" {
		u, err := url.Parse(c.ProxyURL)
		if err != nil {
			return fmt.Errorf("parsing proxy url: %w", err)
		}
		switch u.Scheme {
		case "socks5", "socks5h", "http", "https":
		default:
			return fmt.Errorf("proxy url %q: unsupported scheme %q", c.ProxyURL, u.Scheme)
		}
		c.proxy = u
	}
	return nil
}

// FindTunnel returns the descriptor registered under the given remote
// name, or nil.
func (c *Config) FindTunnel(remoteName string) *TunnelDescriptor {
	for i := range c.Tunnels {
		if c.Tunnels[i].RemoteName == remoteName {
			return &c.Tunnels[i]
		}
	}
	return nil
}

// RemoteNames returns the configured names in registration order.
func (c *Config) RemoteNames() []string {
	names := make([]string, len(c.Tunnels))
	for i := range c.Tunnels {
		names[i] = c.Tunnels[i].RemoteName
	}
	return names
}

// NewClientID generates a fresh client identifier: 16 random bytes,
// base64url without padding.
func NewClientID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("reading random bytes: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

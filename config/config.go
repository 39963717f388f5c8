// Package config handles automate configuration from YAML files.
//
// Configuration is loaded once into an immutable Config and published
// through a Manager; a reload never mutates a Config that readers may
// already hold.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML values like "2h" or "1500ms".
// Bare integers are interpreted as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var secs int64
	if err := value.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level automate configuration.
type Config struct {
	Proxy    ProxyConfig              `yaml:"proxy"`
	Services map[string]ServiceConfig `yaml:"services"`

	// ServiceOrder preserves the order in which services appeared in the
	// YAML document. Routing precedence for overlapping domain sets is
	// registration order, so the order must survive the map decode.
	ServiceOrder []string `yaml:"-"`
}

// ProxyConfig holds proxy-level settings.
type ProxyConfig struct {
	Listen    ListenConfig   `yaml:"listen"`
	Admin     AdminConfig    `yaml:"admin"`
	Upstream  UpstreamConfig `yaml:"upstream"`
	MITM      bool           `yaml:"mitm"`
	DataDir   string         `yaml:"data_dir"`
	Retention Duration       `yaml:"retention"`

	// CleanupSpec is a cron expression for scheduled retention cleanup
	// in daemon mode. Empty disables the schedule.
	CleanupSpec string `yaml:"cleanup_schedule"`
}

// ListenConfig controls the intercepting listener.
type ListenConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	BackupPorts []int  `yaml:"backup_ports"`
}

// AdminConfig controls the local status API.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// UpstreamConfig controls upstream proxy detection and chaining.
type UpstreamConfig struct {
	Enabled      bool                `yaml:"enabled"`
	Candidates   []UpstreamCandidate `yaml:"candidates"`
	ProbeTimeout Duration            `yaml:"probe_timeout"`
	CheckURLs    []string            `yaml:"check_urls"`
}

// UpstreamCandidate is one candidate upstream endpoint.
type UpstreamCandidate struct {
	Address  string `yaml:"address"`  // host:port
	Protocol string `yaml:"protocol"` // "http" or "socks5"
}

// ServiceConfig describes one monitored service.
type ServiceConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Name            string   `yaml:"name"`
	Domains         []string `yaml:"domains"`
	ExtractInterval Duration `yaml:"extract_interval"`
	OutputFile      string   `yaml:"output_file"`

	// KeyCookies are the cookie names whose presence marks a usable
	// authentication state; CookiePrefixes widen the capture to related
	// cookies without listing every name.
	KeyCookies     []string `yaml:"key_cookies"`
	CookiePrefixes []string `yaml:"cookie_prefixes"`

	// Processes are executable-name hints for process-inject mode.
	Processes []string `yaml:"processes"`
}

// UnmarshalYAML decodes the config while recording service order.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	type plain struct {
		Proxy    ProxyConfig              `yaml:"proxy"`
		Services map[string]ServiceConfig `yaml:"services"`
	}
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	c.Proxy = p.Proxy
	c.Services = p.Services

	// Walk the raw node to recover document order of the services map.
	c.ServiceOrder = nil
	for i := 0; i+1 < len(value.Content); i += 2 {
		if value.Content[i].Value != "services" {
			continue
		}
		svcNode := value.Content[i+1]
		for j := 0; j+1 < len(svcNode.Content); j += 2 {
			c.ServiceOrder = append(c.ServiceOrder, svcNode.Content[j].Value)
		}
	}
	return nil
}

func (c *Config) defaults() {
	if c.Proxy.Listen.Host == "" {
		c.Proxy.Listen.Host = "127.0.0.1"
	}
	if c.Proxy.Listen.Port <= 0 {
		c.Proxy.Listen.Port = 8080
	}
	if c.Proxy.Admin.Addr == "" {
		c.Proxy.Admin.Addr = "127.0.0.1:8091"
	}
	if c.Proxy.DataDir == "" {
		c.Proxy.DataDir = "data"
	}
	if c.Proxy.Retention <= 0 {
		c.Proxy.Retention = Duration(7 * 24 * time.Hour)
	}
	if c.Proxy.Upstream.ProbeTimeout <= 0 {
		c.Proxy.Upstream.ProbeTimeout = Duration(time.Second)
	}
	if len(c.Proxy.Upstream.CheckURLs) == 0 {
		c.Proxy.Upstream.CheckURLs = []string{"http://www.gstatic.com/generate_204"}
	}
	for name, svc := range c.Services {
		if svc.ExtractInterval <= 0 {
			svc.ExtractInterval = Duration(2 * time.Hour)
		}
		if svc.OutputFile == "" {
			svc.OutputFile = fmt.Sprintf("%s/outputs/%s_cookie.json", c.Proxy.DataDir, name)
		}
		c.Services[name] = svc
	}
}

// EnabledServices returns the enabled services in document order.
func (c *Config) EnabledServices() []string {
	var out []string
	for _, name := range c.ServiceOrder {
		if svc, ok := c.Services[name]; ok && svc.Enabled {
			out = append(out, name)
		}
	}
	return out
}

// LoadFile reads, defaults, and validates a YAML configuration file.
func LoadFile(path string) (*Config, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes into a validated Config. The second return
// value lists non-fatal validation warnings.
func Parse(data []byte) (*Config, []string, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.defaults()
	warnings, err := cfg.Validate()
	if err != nil {
		return nil, warnings, err
	}
	return &cfg, warnings, nil
}

// Validate checks the configuration. Hard violations return an error;
// suspicious-but-workable settings come back as warnings.
func (c *Config) Validate() ([]string, error) {
	var warnings []string

	for _, cand := range c.Proxy.Upstream.Candidates {
		switch cand.Protocol {
		case "http", "socks5":
		default:
			return warnings, fmt.Errorf("upstream candidate %s: unknown protocol %q", cand.Address, cand.Protocol)
		}
		if cand.Address == "" {
			return warnings, fmt.Errorf("upstream candidate with empty address")
		}
	}

	seen := map[int]bool{}
	for _, p := range append([]int{c.Proxy.Listen.Port}, c.Proxy.Listen.BackupPorts...) {
		if p <= 0 || p > 65535 {
			return warnings, fmt.Errorf("listen port out of range: %d", p)
		}
		if seen[p] {
			warnings = append(warnings, fmt.Sprintf("duplicate listen port %d", p))
		}
		seen[p] = true
	}

	for _, name := range c.EnabledServices() {
		if len(c.Services[name].Domains) == 0 {
			return warnings, fmt.Errorf("service %s: no domains configured", name)
		}
	}

	// Overlapping domain sets are resolved first-match in document
	// order; the shadowed service silently loses, so surface it.
	claimed := map[string]string{}
	for _, name := range c.EnabledServices() {
		for _, d := range c.Services[name].Domains {
			if prev, ok := claimed[d]; ok {
				warnings = append(warnings, fmt.Sprintf(
					"domain %q claimed by both %s and %s; %s wins by order", d, prev, name, prev))
				continue
			}
			claimed[d] = name
		}
	}
	return warnings, nil
}

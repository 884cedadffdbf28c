// Package config loads the shepherd YAML configuration: which apps exist,
// which hosts run their workflows and how many each may run, which named
// pools group those hosts, and where the log server lives.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/daviddao/shepherd/pkg/model"
)

const (
	// Dir is the directory created by `shepherd init`.
	Dir = ".shepherd"

	// DefaultPath is the config location used when SHEPHERD_CONFIG is unset.
	DefaultPath = Dir + "/config.yaml"

	defaultDatabase = Dir + "/shepherd.db"
)

const defaultConfigYAML = `# shepherd configuration

database: .shepherd/shepherd.db

log:
  level: warn      # debug | info | warn | error
  format: console  # console | json

logs:
  server: 127.0.0.1:5000

apps:
  "100001":
    hosts:
      127.0.0.1:
        workflows: 10
    pools:
      centralbox:
        - 127.0.0.1
`

// Host is one agent machine allowed to run an app's workflows.
type Host struct {
	Workflows int `yaml:"workflows" json:"workflows"`
}

// App is the per-application routing table.
type App struct {
	Hosts map[string]Host     `yaml:"hosts" json:"hosts"`
	Pools map[string][]string `yaml:"pools,omitempty" json:"pools,omitempty"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// LogsConfig points at the external log server.
type LogsConfig struct {
	Server string `yaml:"server" json:"server"`
}

// Config models .shepherd/config.yaml.
type Config struct {
	Database string         `yaml:"database" json:"database"`
	Log      LogConfig      `yaml:"log" json:"log"`
	Logs     LogsConfig     `yaml:"logs" json:"logs"`
	Apps     map[string]App `yaml:"apps" json:"apps"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := Parse([]byte(defaultConfigYAML))
	if err != nil {
		panic(fmt.Sprintf("config: built-in default is invalid: %v", err))
	}
	return cfg
}

// DefaultYAML returns the commented default configuration file.
func DefaultYAML() []byte { return []byte(defaultConfigYAML) }

// Load reads the config at path. A missing file yields Default().
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes, defaults and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// WriteDefault writes the default config to path unless a file already
// exists there. It reports whether it wrote one.
func WriteDefault(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("config: stat %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("config: ensure dir: %w", err)
	}
	if err := os.WriteFile(path, DefaultYAML(), 0o644); err != nil {
		return false, fmt.Errorf("config: write %s: %w", path, err)
	}
	return true, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Database) == "" {
		c.Database = defaultDatabase
	}
	if c.Log.Level == "" {
		c.Log.Level = "warn"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.Apps == nil {
		c.Apps = map[string]App{}
	}
}

// Validate checks capacities and pool membership.
func (c *Config) Validate() error {
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	for id, app := range c.Apps {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("apps: empty app id")
		}
		for ip, h := range app.Hosts {
			if h.Workflows < 0 {
				return fmt.Errorf("apps[%s].hosts[%s]: workflows must be >= 0", id, ip)
			}
		}
		for name, members := range app.Pools {
			if name == model.DefaultPool {
				return fmt.Errorf("apps[%s].pools: %q is reserved for all hosts", id, name)
			}
			for _, ip := range members {
				if _, ok := app.Hosts[ip]; !ok {
					return fmt.Errorf("apps[%s].pools[%s]: %s is not a host of the app", id, name, ip)
				}
			}
		}
	}
	return nil
}

// App returns the routing table of an app.
func (c *Config) App(id string) (App, bool) {
	app, ok := c.Apps[id]
	return app, ok
}

// AppIDs returns the configured app ids, sorted.
func (c *Config) AppIDs() []string {
	ids := make([]string, 0, len(c.Apps))
	for id := range c.Apps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LogsURL returns the log viewer address of a worker, or "" when no log
// server is configured.
func (c *Config) LogsURL(workerID int64) string {
	if c.Logs.Server == "" {
		return ""
	}
	return fmt.Sprintf("http://%s/logs/%d", c.Logs.Server, workerID)
}

// HostIPs returns the app's hosts, sorted.
func (a App) HostIPs() []string {
	ips := make([]string, 0, len(a.Hosts))
	for ip := range a.Hosts {
		ips = append(ips, ip)
	}
	sort.Strings(ips)
	return ips
}

// PoolHosts returns the hosts that serve a pool: every host for the default
// pool, the configured members otherwise.
func (a App) PoolHosts(pool string) []string {
	if pool == model.DefaultPool {
		return a.HostIPs()
	}
	return a.Pools[pool]
}

// PoolsFor returns the pools an agent address may claim work from: the
// default pool when it is one of the app's hosts, then every named pool
// listing it, in name order.
func (a App) PoolsFor(ip string) []string {
	var pools []string
	if _, ok := a.Hosts[ip]; ok {
		pools = append(pools, model.DefaultPool)
	}
	names := make([]string, 0, len(a.Pools))
	for name := range a.Pools {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, member := range a.Pools[name] {
			if member == ip {
				pools = append(pools, name)
				break
			}
		}
	}
	return pools
}

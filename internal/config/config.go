// Package config loads fleet server/agent configuration from defaults, an
// optional YAML file, and environment variable overrides, in that order of
// increasing precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Exit codes for the server's CLI surface.
const (
	ExitOK          = 0
	ExitConfigError = 1
	ExitBindFailure = 2
)

// Config holds all fleet server configuration, merged from defaults, an
// optional --config YAML file, and FLEET_<SECTION>_<KEY> environment
// overrides (which always win).
type Config struct {
	Host        string
	Port        int
	CORSOrigins []string

	CertDir  string
	NoTLS    bool

	APIKey        string
	SessionExpiry time.Duration
	CookieSecure  bool

	ClusterSecret     string
	ClusterBackend    string // "file" or "bolt"
	ClusterDir        string
	ClusterNodeTimeout time.Duration

	DBPath string

	LogJSON bool

	MetricsEnabled bool

	RateLimitRequests int
	RateLimitWindow   time.Duration

	TOTPEnabled bool
}

// yamlConfig mirrors the optional --config file's nested section layout.
type yamlConfig struct {
	Server struct {
		Host        string   `yaml:"host"`
		Port        int      `yaml:"port"`
		CORSOrigins []string `yaml:"cors_origins"`
	} `yaml:"server"`
	TLS struct {
		CertDir  string `yaml:"cert_dir"`
		Disabled bool   `yaml:"disabled"`
	} `yaml:"tls"`
	Auth struct {
		APIKey        string `yaml:"api_key"`
		SessionExpiry string `yaml:"session_expiry"`
		CookieSecure  *bool  `yaml:"cookie_secure"`
	} `yaml:"auth"`
	Cluster struct {
		Secret      string `yaml:"secret"`
		Backend     string `yaml:"backend"`
		Dir         string `yaml:"dir"`
		NodeTimeout string `yaml:"node_timeout"`
	} `yaml:"cluster"`
	Store struct {
		DBPath string `yaml:"db_path"`
	} `yaml:"store"`
	Log struct {
		JSON *bool `yaml:"json"`
	} `yaml:"log"`
	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`
	RateLimit struct {
		Requests int    `yaml:"requests"`
		Window   string `yaml:"window"`
	} `yaml:"rate_limit"`
	TOTP struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"totp"`
}

func defaults() *Config {
	return &Config{
		Host:               "0.0.0.0",
		Port:               8443,
		CertDir:            DefaultCertDir(),
		SessionExpiry:      8 * time.Hour,
		CookieSecure:       true,
		ClusterBackend:     "file",
		ClusterDir:         DefaultClusterDir(),
		ClusterNodeTimeout: 30 * time.Second,
		DBPath:             DefaultDBPath(),
		LogJSON:            true,
		RateLimitRequests:  100,
		RateLimitWindow:    60 * time.Second,
	}
}

// Load builds the merged configuration: defaults, then configPath's YAML
// contents if non-empty, then FLEET_* environment overrides.
func Load(configPath string) (*Config, error) {
	cfg := defaults()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configPath, err)
		}
		var yc yamlConfig
		if err := yaml.Unmarshal(data, &yc); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", configPath, err)
		}
		applyYAML(cfg, &yc)
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyYAML(cfg *Config, yc *yamlConfig) {
	if yc.Server.Host != "" {
		cfg.Host = yc.Server.Host
	}
	if yc.Server.Port != 0 {
		cfg.Port = yc.Server.Port
	}
	if len(yc.Server.CORSOrigins) > 0 {
		cfg.CORSOrigins = yc.Server.CORSOrigins
	}
	if yc.TLS.CertDir != "" {
		cfg.CertDir = yc.TLS.CertDir
	}
	cfg.NoTLS = yc.TLS.Disabled
	if yc.Auth.APIKey != "" {
		cfg.APIKey = yc.Auth.APIKey
	}
	if d, err := time.ParseDuration(yc.Auth.SessionExpiry); err == nil {
		cfg.SessionExpiry = d
	}
	if yc.Auth.CookieSecure != nil {
		cfg.CookieSecure = *yc.Auth.CookieSecure
	}
	if yc.Cluster.Secret != "" {
		cfg.ClusterSecret = yc.Cluster.Secret
	}
	if yc.Cluster.Backend != "" {
		cfg.ClusterBackend = yc.Cluster.Backend
	}
	if yc.Cluster.Dir != "" {
		cfg.ClusterDir = yc.Cluster.Dir
	}
	if d, err := time.ParseDuration(yc.Cluster.NodeTimeout); err == nil {
		cfg.ClusterNodeTimeout = d
	}
	if yc.Store.DBPath != "" {
		cfg.DBPath = yc.Store.DBPath
	}
	if yc.Log.JSON != nil {
		cfg.LogJSON = *yc.Log.JSON
	}
	cfg.MetricsEnabled = yc.Metrics.Enabled
	if yc.RateLimit.Requests != 0 {
		cfg.RateLimitRequests = yc.RateLimit.Requests
	}
	if d, err := time.ParseDuration(yc.RateLimit.Window); err == nil {
		cfg.RateLimitWindow = d
	}
	cfg.TOTPEnabled = yc.TOTP.Enabled
}

func applyEnv(cfg *Config) {
	cfg.Host = envStr("FLEET_SERVER_HOST", cfg.Host)
	cfg.Port = envInt("FLEET_SERVER_PORT", cfg.Port)
	if v := os.Getenv("FLEET_SERVER_CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitCSV(v)
	}
	cfg.CertDir = envStr("FLEET_TLS_CERT_DIR", cfg.CertDir)
	cfg.NoTLS = envBool("FLEET_TLS_DISABLED", cfg.NoTLS)
	cfg.APIKey = envStr("FLEET_AUTH_API_KEY", cfg.APIKey)
	cfg.SessionExpiry = envDuration("FLEET_AUTH_SESSION_EXPIRY", cfg.SessionExpiry)
	cfg.CookieSecure = envBool("FLEET_AUTH_COOKIE_SECURE", cfg.CookieSecure)
	cfg.ClusterSecret = envStr("FLEET_CLUSTER_SECRET", cfg.ClusterSecret)
	cfg.ClusterBackend = envStr("FLEET_CLUSTER_BACKEND", cfg.ClusterBackend)
	cfg.ClusterDir = envStr("FLEET_CLUSTER_DIR", cfg.ClusterDir)
	cfg.ClusterNodeTimeout = envDuration("FLEET_CLUSTER_NODE_TIMEOUT", cfg.ClusterNodeTimeout)
	cfg.DBPath = envStr("FLEET_STORE_DB_PATH", cfg.DBPath)
	cfg.LogJSON = envBool("FLEET_LOG_JSON", cfg.LogJSON)
	cfg.MetricsEnabled = envBool("FLEET_METRICS_ENABLED", cfg.MetricsEnabled)
	cfg.RateLimitRequests = envInt("FLEET_RATE_LIMIT_REQUESTS", cfg.RateLimitRequests)
	cfg.RateLimitWindow = envDuration("FLEET_RATE_LIMIT_WINDOW", cfg.RateLimitWindow)
	cfg.TOTPEnabled = envBool("FLEET_TOTP_ENABLED", cfg.TOTPEnabled)
}

// Validate checks configuration for invalid values, returning a single
// joined error describing every problem found (an ExitConfigError condition
// at startup).
func (c *Config) Validate() error {
	var errs []string
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Sprintf("FLEET_SERVER_PORT must be 1-65535, got %d", c.Port))
	}
	switch c.ClusterBackend {
	case "file", "bolt":
	default:
		errs = append(errs, fmt.Sprintf("FLEET_CLUSTER_BACKEND must be file or bolt, got %q", c.ClusterBackend))
	}
	if !c.NoTLS && c.CertDir == "" {
		errs = append(errs, "FLEET_TLS_CERT_DIR is required unless FLEET_TLS_DISABLED is set")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// TLSEnabled reports whether the server should terminate TLS itself.
func (c *Config) TLSEnabled() bool {
	return !c.NoTLS
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// homeSubpath joins the user's home directory with the given relative path,
// falling back to the relative path itself if the home directory can't be
// determined (e.g. a minimal container environment).
func homeSubpath(rel string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return rel
	}
	return filepath.Join(home, rel)
}

// DefaultCertDir is the persisted-state cert directory, ~/.fleet-certs.
func DefaultCertDir() string { return homeSubpath(".fleet-certs") }

// DefaultDBPath is the persisted-state user credential DB path.
func DefaultDBPath() string { return homeSubpath(".fleet-data/users.db") }

// DefaultClusterDir is the file-backend cluster state directory.
func DefaultClusterDir() string { return homeSubpath(".fleet-cluster") }

// DefaultEncryptedConfigPath is where the server persists its own
// encrypted-at-rest configuration (E2EE keys, cluster secret), sibling to
// its .salt file.
func DefaultEncryptedConfigPath() string { return homeSubpath(".fleet-config.json.encrypted") }

// DefaultAgentLockPath is the agent's singleton-enforcement lock file.
func DefaultAgentLockPath() string { return homeSubpath(".atlas-agent.lock") }

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/johndauphine/obs-harvest/internal/collection"
	"gopkg.in/yaml.v3"
)

// expandTilde expands ~ or ~/ at the start of a path to the user's home directory
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// Config holds all configuration for the harvester
type Config struct {
	Store     StoreConfig      `yaml:"store"`
	Harvest   HarvestConfig    `yaml:"harvest"`
	Providers []ProviderConfig `yaml:"providers"`
	Slack     SlackConfig      `yaml:"slack"`
	Temporal  TemporalConfig   `yaml:"temporal"`
}

// SlackConfig holds Slack notification settings
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
	Enabled    bool   `yaml:"enabled"`
}

// StoreConfig selects and connects the verbatim store that holds the
// primary and staging collections.
type StoreConfig struct {
	Type            string `yaml:"type"` // "sqlite" (default), "postgres", "mssql" or "memory"
	Path            string `yaml:"path"` // SQLite database file (default: <data_dir>/verbatim.db)
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Database        string `yaml:"database"`
	User            string `yaml:"user"`
	Password        string `yaml:"password"`
	Schema          string `yaml:"schema"`
	SSLMode         string `yaml:"ssl_mode"`          // PostgreSQL: disable, require, verify-ca, verify-full (default: require)
	TrustServerCert bool   `yaml:"trust_server_cert"` // MSSQL: trust server certificate (default: false)
	Encrypt         string `yaml:"encrypt"`           // MSSQL: disable, false, true (default: true)
	MaxConnections  int    `yaml:"max_connections"`
}

// HarvestConfig holds run behavior shared by every provider.
type HarvestConfig struct {
	BatchSize           int           `yaml:"batch_size"`            // records per store write (default 1000)
	MinSplitSize        int           `yaml:"min_split_size"`        // overloaded batches at or below this size are not split (default 5)
	MinRatio            *float64      `yaml:"min_ratio"`             // cutover regression guard (default 0.8, 0 disables)
	PageSize            int           `yaml:"page_size"`             // records requested per source page (default 200)
	MaxRecords          int64         `yaml:"max_records"`           // cap per run, 0 = unlimited
	FetchRetries        int           `yaml:"fetch_retries"`         // throttled fetch retries before failing (default 3)
	RetryBackoff        time.Duration `yaml:"retry_backoff"`         // base backoff between throttled fetches (default 1s)
	DropRejectedStaging bool          `yaml:"drop_rejected_staging"` // drop staging when cutover is rejected
	StrictWrites        bool          `yaml:"strict_writes"`         // fail the run if any batch failed
	DataDir             string        `yaml:"data_dir"`
}

// ProviderConfig describes one external provider and how to page it.
type ProviderConfig struct {
	Name       string       `yaml:"name"`
	PageSize   int          `yaml:"page_size"`
	MaxRecords int64        `yaml:"max_records"`
	MinRatio   *float64     `yaml:"min_ratio"`
	Source     SourceConfig `yaml:"source"`
}

// SourceConfig is a union of the settings of the generic source clients.
type SourceConfig struct {
	Type string `yaml:"type"` // "http" or "postgres"

	// http
	BaseURL        string            `yaml:"base_url"`
	Path           string            `yaml:"path"`
	ResultsField   string            `yaml:"results_field"` // dotted path to the record array (default "results")
	KeyField       string            `yaml:"key_field"`     // natural key used for upserts (default "id")
	IDField        string            `yaml:"id_field"`      // numeric provider id, optional
	UpdatedField   string            `yaml:"updated_field"` // update timestamp, optional
	NextField      string            `yaml:"next_field"`    // opaque next-page token, optional
	SinceIDParam   string            `yaml:"since_id_param"`
	SinceParam     string            `yaml:"since_param"`
	PageSizeParam  string            `yaml:"page_size_param"`
	PageTokenParam string            `yaml:"page_token_param"`
	Params         map[string]string `yaml:"params"`
	Headers        map[string]string `yaml:"headers"`
	RateLimit      float64           `yaml:"rate_limit"` // requests per second (default 1)
	RateBurst      int               `yaml:"rate_burst"`
	Timeout        time.Duration     `yaml:"timeout"`
	MaxRetries     int               `yaml:"max_retries"`

	// postgres
	DSN           string `yaml:"dsn"`
	Table         string `yaml:"table"`
	KeyColumn     string `yaml:"key_column"`
	IDColumn      string `yaml:"id_column"`
	UpdatedColumn string `yaml:"updated_column"`
}

// TemporalConfig holds the scheduler connection used by the worker command.
type TemporalConfig struct {
	HostPort  string `yaml:"host_port"`
	Namespace string `yaml:"namespace"`
	TaskQueue string `yaml:"task_queue"`
}

// LoadOptions controls configuration loading behavior.
type LoadOptions struct {
	SuppressWarnings bool
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	return LoadWithOptions(path, LoadOptions{})
}

// LoadWithOptions reads configuration from a YAML file with options.
func LoadWithOptions(path string, opts LoadOptions) (*Config, error) {
	if warning := checkFilePermissions(path); warning != "" && !opts.SuppressWarnings {
		fmt.Fprint(os.Stderr, warning)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return LoadBytes(data)
}

// LoadBytes reads configuration from YAML bytes.
func LoadBytes(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// DefaultDataDir returns the default data directory for run history and the
// SQLite store.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".obs-harvest")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	if err := os.Chmod(dir, 0700); err != nil {
		return "", err
	}
	return dir, nil
}

func (c *Config) applyDefaults() {
	h := &c.Harvest
	if h.BatchSize == 0 {
		h.BatchSize = 1000
	}
	if h.MinSplitSize == 0 {
		h.MinSplitSize = 5
	}
	if h.MinRatio == nil {
		h.MinRatio = ratio(0.8)
	}
	if h.PageSize == 0 {
		h.PageSize = 200
	}
	if h.FetchRetries == 0 {
		h.FetchRetries = 3
	}
	if h.RetryBackoff == 0 {
		h.RetryBackoff = time.Second
	}
	if h.DataDir == "" {
		home, _ := os.UserHomeDir()
		h.DataDir = filepath.Join(home, ".obs-harvest")
	} else {
		h.DataDir = expandTilde(h.DataDir)
	}

	s := &c.Store
	if s.Type == "" {
		s.Type = "sqlite"
	}
	switch s.Type {
	case "postgres":
		if s.Port == 0 {
			s.Port = 5432
		}
		if s.Schema == "" {
			s.Schema = "public"
		}
	case "mssql":
		if s.Port == 0 {
			s.Port = 1433
		}
		if s.Schema == "" {
			s.Schema = "dbo"
		}
	case "sqlite":
		if s.Path == "" {
			s.Path = filepath.Join(h.DataDir, "verbatim.db")
		} else {
			s.Path = expandTilde(s.Path)
		}
	}
	if s.SSLMode == "" {
		s.SSLMode = "require"
	}
	if s.Encrypt == "" {
		s.Encrypt = "true"
	}
	if s.MaxConnections == 0 {
		s.MaxConnections = 8
	}

	for i := range c.Providers {
		p := &c.Providers[i]
		if p.PageSize == 0 {
			p.PageSize = h.PageSize
		}
		if p.MaxRecords == 0 {
			p.MaxRecords = h.MaxRecords
		}
		if p.MinRatio == nil {
			p.MinRatio = ratio(*h.MinRatio)
		}
		src := &p.Source
		if src.Type == "" {
			src.Type = "http"
		}
		if src.ResultsField == "" {
			src.ResultsField = "results"
		}
		if src.KeyField == "" {
			src.KeyField = "id"
		}
		if src.RateLimit == 0 {
			src.RateLimit = 1
		}
		if src.RateBurst == 0 {
			src.RateBurst = 1
		}
		if src.Timeout == 0 {
			src.Timeout = 30 * time.Second
		}
		if src.MaxRetries == 0 {
			src.MaxRetries = 3
		}
	}

	if c.Temporal.HostPort == "" {
		c.Temporal.HostPort = "localhost:7233"
	}
	if c.Temporal.Namespace == "" {
		c.Temporal.Namespace = "default"
	}
	if c.Temporal.TaskQueue == "" {
		c.Temporal.TaskQueue = "obs-harvest"
	}
}

func (c *Config) validate() error {
	switch c.Store.Type {
	case "sqlite", "memory":
	case "postgres", "mssql":
		if c.Store.Host == "" {
			return fmt.Errorf("store.host is required for %s", c.Store.Type)
		}
		if c.Store.Database == "" {
			return fmt.Errorf("store.database is required for %s", c.Store.Type)
		}
	default:
		return fmt.Errorf("store.type must be 'sqlite', 'postgres', 'mssql' or 'memory', got '%s'", c.Store.Type)
	}

	h := c.Harvest
	if h.BatchSize < 1 {
		return fmt.Errorf("harvest.batch_size must be positive")
	}
	if h.MinSplitSize < 1 {
		return fmt.Errorf("harvest.min_split_size must be positive")
	}
	if *h.MinRatio < 0 || *h.MinRatio > 1 {
		return fmt.Errorf("harvest.min_ratio must be between 0 and 1, got %v", *h.MinRatio)
	}
	if h.MaxRecords < 0 {
		return fmt.Errorf("harvest.max_records must not be negative")
	}

	seen := make(map[string]bool)
	for _, p := range c.Providers {
		if err := collection.ValidateProvider(p.Name); err != nil {
			return err
		}
		if seen[p.Name] {
			return fmt.Errorf("provider %q defined twice", p.Name)
		}
		seen[p.Name] = true
		if r := p.Ratio(); r < 0 || r > 1 {
			return fmt.Errorf("providers[%s].min_ratio must be between 0 and 1", p.Name)
		}
		switch p.Source.Type {
		case "http":
			if p.Source.BaseURL == "" {
				return fmt.Errorf("providers[%s].source.base_url is required", p.Name)
			}
			// Cursor params echo provider values back, so the fields they come from are required.
			if p.Source.SinceIDParam != "" && p.Source.IDField == "" {
				return fmt.Errorf("providers[%s].source.since_id_param requires id_field", p.Name)
			}
			if p.Source.SinceParam != "" && p.Source.UpdatedField == "" {
				return fmt.Errorf("providers[%s].source.since_param requires updated_field", p.Name)
			}
			if p.Source.NextField != "" && p.Source.PageTokenParam == "" {
				return fmt.Errorf("providers[%s].source.next_field requires page_token_param", p.Name)
			}
		case "postgres":
			if p.Source.DSN == "" || p.Source.Table == "" {
				return fmt.Errorf("providers[%s].source requires dsn and table", p.Name)
			}
			if p.Source.KeyColumn == "" {
				return fmt.Errorf("providers[%s].source.key_column is required", p.Name)
			}
		default:
			return fmt.Errorf("providers[%s].source.type must be 'http' or 'postgres', got '%s'", p.Name, p.Source.Type)
		}
	}
	return nil
}

func ratio(v float64) *float64 { return &v }

// Ratio is the provider's cutover ratio. 0 means the regression guard is off.
func (p *ProviderConfig) Ratio() float64 {
	if p.MinRatio == nil {
		return 0.8
	}
	return *p.MinRatio
}

// Provider returns the named provider configuration.
func (c *Config) Provider(name string) (*ProviderConfig, error) {
	for i := range c.Providers {
		if c.Providers[i].Name == name {
			return &c.Providers[i], nil
		}
	}
	return nil, fmt.Errorf("unknown provider %q", name)
}

// ProviderNames lists configured providers in file order.
func (c *Config) ProviderNames() []string {
	names := make([]string, 0, len(c.Providers))
	for _, p := range c.Providers {
		names = append(names, p.Name)
	}
	return names
}

// StoreDSN returns the connection string for the configured store type.
func (c *Config) StoreDSN() string {
	s := c.Store
	switch s.Type {
	case "postgres":
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(s.User, s.Password),
			Host:     fmt.Sprintf("%s:%d", s.Host, s.Port),
			Path:     "/" + s.Database,
			RawQuery: url.Values{"sslmode": {s.SSLMode}}.Encode(),
		}
		return u.String()
	case "mssql":
		trust := "false"
		if s.TrustServerCert {
			trust = "true"
		}
		q := url.Values{}
		q.Set("database", s.Database)
		q.Set("encrypt", s.Encrypt)
		q.Set("TrustServerCertificate", trust)
		u := url.URL{
			Scheme:   "sqlserver",
			User:     url.UserPassword(s.User, s.Password),
			Host:     fmt.Sprintf("%s:%d", s.Host, s.Port),
			RawQuery: q.Encode(),
		}
		return u.String()
	case "sqlite":
		return "file:" + s.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	default:
		return ""
	}
}

// Sanitized returns a copy of the config with sensitive fields redacted
func (c *Config) Sanitized() *Config {
	sanitized := *c

	if sanitized.Store.Password != "" {
		sanitized.Store.Password = "[REDACTED]"
	}

	sanitized.Providers = make([]ProviderConfig, len(c.Providers))
	for i, p := range c.Providers {
		if p.Source.DSN != "" {
			p.Source.DSN = "[REDACTED]"
		}
		if len(p.Source.Headers) > 0 {
			headers := make(map[string]string, len(p.Source.Headers))
			for k := range p.Source.Headers {
				headers[k] = "[REDACTED]"
			}
			p.Source.Headers = headers
		}
		sanitized.Providers[i] = p
	}

	if sanitized.Slack.WebhookURL != "" {
		sanitized.Slack.WebhookURL = "[REDACTED]"
	}

	return &sanitized
}

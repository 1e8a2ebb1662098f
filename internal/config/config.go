// Package config loads bubblegroups settings from defaults, an optional YAML
// file, a .env file and BUBBLEGROUPS_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/lotas/bubblegroups/internal/applog"
)

const envPrefix = "BUBBLEGROUPS_"

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Grouping GroupingConfig `yaml:"grouping"`
	Identity IdentityConfig `yaml:"identity"`
	Scrape   ScrapeConfig   `yaml:"scrape"`
}

type ServerConfig struct {
	// WSPort is the websocket port the extension connects to.
	WSPort      int           `yaml:"wsPort"`
	APIAddr     string        `yaml:"apiAddr"`
	CallTimeout time.Duration `yaml:"callTimeout"`
}

type StorageConfig struct {
	DBPath string `yaml:"dbPath"`
	LogDir string `yaml:"logDir"`
}

type GroupingConfig struct {
	// Enabled is the grouping flag used until one is saved.
	Enabled    bool          `yaml:"enabled"`
	Debounce   time.Duration `yaml:"debounce"`
	LedgerTTL  time.Duration `yaml:"ledgerTTL"`
	StaleAfter time.Duration `yaml:"staleAfter"`
}

type IdentityConfig struct {
	EditorHost         string        `yaml:"editorHost"`
	PreviewSuffix      string        `yaml:"previewSuffix"`
	OptInParam         string        `yaml:"optInParam"`
	LastActiveTTL      time.Duration `yaml:"lastActiveTTL"`
	LastActiveCapacity int           `yaml:"lastActiveCapacity"`
	CustomDomainCap    int           `yaml:"customDomainCap"`
}

type ScrapeConfig struct {
	Timeout  time.Duration `yaml:"timeout"`
	Throttle time.Duration `yaml:"throttle"`
	Interval time.Duration `yaml:"interval"`
}

// Default returns the built-in configuration. Paths are rooted at home.
func Default(home string) *Config {
	data := filepath.Join(home, ".local", "share", "bubblegroups")
	return &Config{
		Server: ServerConfig{
			WSPort:      19192,
			APIAddr:     "127.0.0.1:19193",
			CallTimeout: 5 * time.Second,
		},
		Storage: StorageConfig{
			DBPath: filepath.Join(data, "bubblegroups.db"),
			LogDir: filepath.Join(data, "logs"),
		},
		Grouping: GroupingConfig{
			Enabled:    true,
			Debounce:   200 * time.Millisecond,
			LedgerTTL:  time.Second,
			StaleAfter: 24 * time.Hour,
		},
		Identity: IdentityConfig{
			EditorHost:         "bubble.io",
			PreviewSuffix:      "bubbleapps.io",
			OptInParam:         "bubblegroups",
			LastActiveTTL:      30 * time.Minute,
			LastActiveCapacity: 500,
			CustomDomainCap:    5,
		},
		Scrape: ScrapeConfig{
			Timeout:  5 * time.Second,
			Throttle: 2 * time.Minute,
			Interval: 10 * time.Minute,
		},
	}
}

// DefaultPath returns ~/.config/bubblegroups/config.yaml.
func DefaultPath(home string) string {
	return filepath.Join(home, ".config", "bubblegroups", "config.yaml")
}

// Load builds the configuration. An empty path reads the default config file
// if it exists; an explicit path must exist. envFiles are loaded with
// godotenv before the environment is read and default to ".env".
func Load(path string, envFiles ...string) (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home directory: %w", err)
	}
	cfg := Default(home)

	explicit := path != ""
	if !explicit {
		path = DefaultPath(home)
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case explicit || !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("read config: %w", err)
	}

	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			applog.Error("config.dotenv", err, "file", f)
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(getenv func(string) string) error {
	var errs []error
	str := func(name string, dst *string) {
		if v := getenv(envPrefix + name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v := getenv(envPrefix + name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v := getenv(envPrefix + name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(name string, dst *bool) {
		if v := getenv(envPrefix + name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	num("WS_PORT", &c.Server.WSPort)
	str("API_ADDR", &c.Server.APIAddr)
	dur("CALL_TIMEOUT", &c.Server.CallTimeout)
	str("DB_PATH", &c.Storage.DBPath)
	str("LOG_DIR", &c.Storage.LogDir)
	boolean("GROUPING_ENABLED", &c.Grouping.Enabled)
	dur("DEBOUNCE", &c.Grouping.Debounce)
	dur("LEDGER_TTL", &c.Grouping.LedgerTTL)
	dur("STALE_AFTER", &c.Grouping.StaleAfter)
	str("EDITOR_HOST", &c.Identity.EditorHost)
	str("PREVIEW_SUFFIX", &c.Identity.PreviewSuffix)
	str("OPT_IN_PARAM", &c.Identity.OptInParam)
	dur("LAST_ACTIVE_TTL", &c.Identity.LastActiveTTL)
	num("LAST_ACTIVE_CAPACITY", &c.Identity.LastActiveCapacity)
	num("CUSTOM_DOMAIN_CAP", &c.Identity.CustomDomainCap)
	dur("SCRAPE_TIMEOUT", &c.Scrape.Timeout)
	dur("SCRAPE_THROTTLE", &c.Scrape.Throttle)
	dur("SCRAPE_INTERVAL", &c.Scrape.Interval)

	return errors.Join(errs...)
}

// Validate rejects settings the organizer cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.WSPort <= 0 || c.Server.WSPort > 65535 {
		errs = append(errs, fmt.Errorf("server.wsPort %d out of range", c.Server.WSPort))
	}
	if c.Server.APIAddr == "" {
		errs = append(errs, errors.New("server.apiAddr is required"))
	}
	if c.Storage.DBPath == "" {
		errs = append(errs, errors.New("storage.dbPath is required"))
	}
	if c.Identity.EditorHost == "" || c.Identity.PreviewSuffix == "" {
		errs = append(errs, errors.New("identity.editorHost and identity.previewSuffix are required"))
	}
	if c.Identity.CustomDomainCap < 1 {
		errs = append(errs, fmt.Errorf("identity.customDomainCap must be at least 1, got %d", c.Identity.CustomDomainCap))
	}
	for name, d := range map[string]time.Duration{
		"grouping.debounce":   c.Grouping.Debounce,
		"grouping.ledgerTTL":  c.Grouping.LedgerTTL,
		"grouping.staleAfter": c.Grouping.StaleAfter,
		"scrape.timeout":      c.Scrape.Timeout,
		"scrape.interval":     c.Scrape.Interval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	return errors.Join(errs...)
}

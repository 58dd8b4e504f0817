package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const DefaultDiscoveryBaseURL = "https://api.covalenthq.com/v1"

type GlobalFlags struct {
	ConfigPath     string
	JSON           bool
	Plain          bool
	Select         string
	ResultsOnly    bool
	EnableCommands string
	Timeout        string
	Retries        int
	NoCache        bool
	MaxStale       string
	LogLevel       string
}

type Settings struct {
	OutputMode     string
	SelectFields   []string
	ResultsOnly    bool
	EnableCommands []string
	Timeout        time.Duration
	Retries        int

	LogLevel  string
	LogFormat string

	CacheEnabled  bool
	CachePath     string
	CacheLockPath string
	CacheTTL      time.Duration
	MaxStale      time.Duration

	DiscoveryBaseURL string
	CovalentAPIKey   string

	USDThreshold       decimal.Decimal
	PollInterval       time.Duration
	WatchTimeout       time.Duration
	GasMultiplier      float64
	MaxFeeGwei         string
	MaxPriorityFeeGwei string
	KeySource          string

	// keyed by chain id, CAIP-2 id or network slug; resolved against the
	// chain registry by the caller
	RPCURLs      map[string][]string
	Destinations map[string]string

	MetricsTextfile string
}

type fileConfig struct {
	Output  string `yaml:"output"`
	Timeout string `yaml:"timeout"`
	Retries *int   `yaml:"retries"`
	Log     struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Cache struct {
		Enabled  *bool  `yaml:"enabled"`
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
		TTL      string `yaml:"ttl"`
		MaxStale string `yaml:"max_stale"`
	} `yaml:"cache"`
	Discovery struct {
		BaseURL   string `yaml:"base_url"`
		APIKey    string `yaml:"api_key"`
		APIKeyEnv string `yaml:"api_key_env"`
	} `yaml:"discovery"`
	Sweep struct {
		USDThreshold       string   `yaml:"usd_threshold"`
		PollInterval       string   `yaml:"poll_interval"`
		WatchTimeout       string   `yaml:"watch_timeout"`
		GasMultiplier      *float64 `yaml:"gas_multiplier"`
		MaxFeeGwei         string   `yaml:"max_fee_gwei"`
		MaxPriorityFeeGwei string   `yaml:"max_priority_fee_gwei"`
		KeySource          string   `yaml:"key_source"`
	} `yaml:"sweep"`
	RPC          map[string][]string `yaml:"rpc"`
	Destinations map[string]string   `yaml:"destinations"`
	Metrics      struct {
		Textfile string `yaml:"textfile"`
	} `yaml:"metrics"`
}

func Load(flags GlobalFlags) (Settings, error) {
	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}

	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}

	if err := applyEnv(&settings); err != nil {
		return Settings{}, err
	}

	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}

	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 10 * time.Second
	}
	if settings.Retries < 0 {
		settings.Retries = 0
	}
	if settings.MaxStale < 0 {
		settings.MaxStale = 5 * time.Minute
	}
	if settings.PollInterval <= 0 {
		settings.PollInterval = 2 * time.Second
	}
	if settings.USDThreshold.IsNegative() {
		return Settings{}, fmt.Errorf("sweep usd threshold must not be negative")
	}
	if settings.GasMultiplier <= 1 {
		return Settings{}, fmt.Errorf("sweep gas multiplier must be > 1")
	}

	return settings, nil
}

func defaultSettings() (Settings, error) {
	cachePath, lockPath, err := defaultCachePaths()
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		OutputMode:       "json",
		Timeout:          10 * time.Second,
		Retries:          2,
		LogLevel:         "warn",
		LogFormat:        "text",
		CacheEnabled:     true,
		CachePath:        cachePath,
		CacheLockPath:    lockPath,
		CacheTTL:         time.Minute,
		MaxStale:         5 * time.Minute,
		DiscoveryBaseURL: DefaultDiscoveryBaseURL,
		USDThreshold:     decimal.NewFromInt(10),
		PollInterval:     2 * time.Second,
		WatchTimeout:     5 * time.Minute,
		GasMultiplier:    1.2,
		KeySource:        "auto",
		RPCURLs:          map[string][]string{},
		Destinations:     map[string]string{},
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "drain", "config.yaml"), nil
}

func defaultCachePaths() (string, string, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", "", err
		}
		base = filepath.Join(home, ".cache")
	}
	dir := filepath.Join(base, "drain")
	return filepath.Join(dir, "cache.db"), filepath.Join(dir, "cache.lock"), nil
}

func applyFileConfig(path string, settings *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.Output != "" {
		settings.OutputMode = strings.ToLower(cfg.Output)
	}
	if err := setDuration(cfg.Timeout, "config timeout", &settings.Timeout); err != nil {
		return err
	}
	if cfg.Retries != nil {
		settings.Retries = *cfg.Retries
	}
	if cfg.Log.Level != "" {
		settings.LogLevel = cfg.Log.Level
	}
	if cfg.Log.Format != "" {
		settings.LogFormat = cfg.Log.Format
	}
	if cfg.Cache.Enabled != nil {
		settings.CacheEnabled = *cfg.Cache.Enabled
	}
	if cfg.Cache.Path != "" {
		settings.CachePath = cfg.Cache.Path
	}
	if cfg.Cache.LockPath != "" {
		settings.CacheLockPath = cfg.Cache.LockPath
	}
	if err := setDuration(cfg.Cache.TTL, "config cache.ttl", &settings.CacheTTL); err != nil {
		return err
	}
	if err := setDuration(cfg.Cache.MaxStale, "config cache.max_stale", &settings.MaxStale); err != nil {
		return err
	}
	if cfg.Discovery.BaseURL != "" {
		settings.DiscoveryBaseURL = cfg.Discovery.BaseURL
	}
	if cfg.Discovery.APIKey != "" {
		settings.CovalentAPIKey = cfg.Discovery.APIKey
	}
	if cfg.Discovery.APIKeyEnv != "" {
		settings.CovalentAPIKey = os.Getenv(cfg.Discovery.APIKeyEnv)
	}
	if err := setDecimal(cfg.Sweep.USDThreshold, "config sweep.usd_threshold", &settings.USDThreshold); err != nil {
		return err
	}
	if err := setDuration(cfg.Sweep.PollInterval, "config sweep.poll_interval", &settings.PollInterval); err != nil {
		return err
	}
	if err := setDuration(cfg.Sweep.WatchTimeout, "config sweep.watch_timeout", &settings.WatchTimeout); err != nil {
		return err
	}
	if cfg.Sweep.GasMultiplier != nil {
		settings.GasMultiplier = *cfg.Sweep.GasMultiplier
	}
	if cfg.Sweep.MaxFeeGwei != "" {
		settings.MaxFeeGwei = cfg.Sweep.MaxFeeGwei
	}
	if cfg.Sweep.MaxPriorityFeeGwei != "" {
		settings.MaxPriorityFeeGwei = cfg.Sweep.MaxPriorityFeeGwei
	}
	if cfg.Sweep.KeySource != "" {
		settings.KeySource = cfg.Sweep.KeySource
	}
	for network, urls := range cfg.RPC {
		settings.RPCURLs[network] = append([]string(nil), urls...)
	}
	for network, addr := range cfg.Destinations {
		settings.Destinations[network] = addr
	}
	if cfg.Metrics.Textfile != "" {
		settings.MetricsTextfile = cfg.Metrics.Textfile
	}

	return nil
}

func applyEnv(settings *Settings) error {
	if v := os.Getenv("DRAIN_OUTPUT"); v != "" {
		settings.OutputMode = strings.ToLower(v)
	}
	if v := os.Getenv("DRAIN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.Timeout = d
		}
	}
	if v := os.Getenv("DRAIN_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.Retries = n
		}
	}
	if v := os.Getenv("DRAIN_LOG_LEVEL"); v != "" {
		settings.LogLevel = v
	}
	if v := os.Getenv("DRAIN_LOG_FORMAT"); v != "" {
		settings.LogFormat = v
	}
	if v := os.Getenv("DRAIN_NO_CACHE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.CacheEnabled = !b
		}
	}
	if v := os.Getenv("DRAIN_CACHE_PATH"); v != "" {
		settings.CachePath = v
	}
	if v := os.Getenv("DRAIN_MAX_STALE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.MaxStale = d
		}
	}
	if v := os.Getenv("DRAIN_CACHE_LOCK_PATH"); v != "" {
		settings.CacheLockPath = v
	}
	if v := os.Getenv("DRAIN_DISCOVERY_BASE_URL"); v != "" {
		settings.DiscoveryBaseURL = v
	}
	if v := os.Getenv("DRAIN_COVALENT_API_KEY"); v != "" {
		settings.CovalentAPIKey = v
	}
	if err := setDecimal(os.Getenv("DRAIN_USD_THRESHOLD"), "DRAIN_USD_THRESHOLD", &settings.USDThreshold); err != nil {
		return err
	}
	if v := os.Getenv("DRAIN_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.PollInterval = d
		}
	}
	if v := os.Getenv("DRAIN_KEY_SOURCE"); v != "" {
		settings.KeySource = v
	}
	if v := os.Getenv("DRAIN_ENABLE_COMMANDS"); v != "" {
		settings.EnableCommands = splitList(v)
	}
	if v := os.Getenv("DRAIN_METRICS_TEXTFILE"); v != "" {
		settings.MetricsTextfile = v
	}
	if v := os.Getenv("DRAIN_DESTINATIONS"); v != "" {
		pairs, err := parsePairs(v)
		if err != nil {
			return fmt.Errorf("DRAIN_DESTINATIONS: %w", err)
		}
		for network, addr := range pairs {
			settings.Destinations[network] = addr
		}
	}
	return nil
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.JSON && flags.Plain {
		return fmt.Errorf("cannot use --json and --plain together")
	}
	if flags.JSON {
		settings.OutputMode = "json"
	}
	if flags.Plain {
		settings.OutputMode = "plain"
	}
	if strings.TrimSpace(flags.Select) != "" {
		settings.SelectFields = splitList(flags.Select)
	}
	settings.ResultsOnly = flags.ResultsOnly
	if strings.TrimSpace(flags.EnableCommands) != "" {
		settings.EnableCommands = splitList(flags.EnableCommands)
	}

	if flags.Timeout != "" {
		d, err := time.ParseDuration(flags.Timeout)
		if err != nil {
			return fmt.Errorf("parse --timeout: %w", err)
		}
		settings.Timeout = d
	}
	if flags.Retries >= 0 {
		settings.Retries = flags.Retries
	}
	if flags.NoCache {
		settings.CacheEnabled = false
	}
	if flags.MaxStale != "" {
		d, err := time.ParseDuration(flags.MaxStale)
		if err != nil {
			return fmt.Errorf("parse --max-stale: %w", err)
		}
		settings.MaxStale = d
	}
	if flags.LogLevel != "" {
		settings.LogLevel = flags.LogLevel
	}

	if settings.OutputMode != "json" && settings.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}

	return nil
}

func setDuration(raw, label string, dst *time.Duration) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%s: %w", label, err)
	}
	*dst = d
	return nil
}

func setDecimal(raw, label string, dst *decimal.Decimal) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%s: %w", label, err)
	}
	*dst = d
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// parsePairs reads "key=value,key=value".
func parsePairs(raw string) (map[string]string, error) {
	out := map[string]string{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok || strings.TrimSpace(key) == "" || strings.TrimSpace(value) == "" {
			return nil, fmt.Errorf("expected network=address, got %q", part)
		}
		out[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return out, nil
}

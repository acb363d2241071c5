// Package config resolves capmap settings from the config file, the
// environment and CLI flags, keeping track of where each value came from.
//
// Precedence, lowest first: built-in default, ~/.capmap/config.yaml,
// CAPMAP_* environment variables, CLI flags.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

type ValueSource string

const (
	SourceUnknown ValueSource = "unknown"
	SourceConfig  ValueSource = "config"
	SourceEnv     ValueSource = "env"
	SourceCLI     ValueSource = "cli"
	SourceDefault ValueSource = "default"
)

// Built-in defaults.
const (
	DefaultDBDriver  = "sqlite"
	DefaultExtractor = "rules"
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
	// DefaultSnapshotTTL bounds how stale a long-running process's analytics
	// snapshot can get when another process writes the database.
	DefaultSnapshotTTL = "5m"
)

type ResolvedValue struct {
	Value  string      `json:"value"`
	Source ValueSource `json:"source"`
	From   string      `json:"from,omitempty"`
}

// ResolveOptions carries the config path and the CLI flag values. Empty
// fields are ignored.
type ResolveOptions struct {
	ConfigPath   string
	CLIDBDriver  string
	CLIDBPath    string
	CLIExtractor string
	CLILLM       string
	CLILogLevel  string
	CLILogFormat string
	CLIMetrics   string
}

type ResolvedConfig struct {
	ConfigPath string `json:"config_path"`

	DBDriver    ResolvedValue `json:"db_driver"`
	DBPath      ResolvedValue `json:"db_path"`
	Extractor   ResolvedValue `json:"extractor"`
	LLMProvider ResolvedValue `json:"llm_provider"`
	LLMBaseURL  ResolvedValue `json:"llm_base_url"`
	LLMRate     ResolvedValue `json:"llm_rate_per_sec"`
	LogLevel    ResolvedValue `json:"log_level"`
	LogFormat   ResolvedValue `json:"log_format"`
	MetricsAddr ResolvedValue `json:"metrics_addr"`
	StrictPaths ResolvedValue `json:"strict_paths"`
	SnapshotTTL ResolvedValue `json:"snapshot_ttl"`

	LLMKeys map[string]ResolvedValue `json:"llm_keys,omitempty"`
}

type fileConfig struct {
	DBDriver  string `yaml:"db_driver"`
	DBPath    string `yaml:"db_path"`
	DSN       string `yaml:"dsn"`
	Extractor string `yaml:"extractor"`
	LLM       struct {
		Provider   string `yaml:"provider"`
		APIKey     string `yaml:"api_key"`
		BaseURL    string `yaml:"base_url"`
		RatePerSec string `yaml:"rate_per_sec"`
	} `yaml:"llm"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`
	Analytics struct {
		SnapshotTTL string `yaml:"snapshot_ttl"`
	} `yaml:"analytics"`
	StrictPaths string `yaml:"strict_paths"`
}

func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".capmap", "config.yaml")
}

func ResolveConfig(opts ResolveOptions) (ResolvedConfig, error) {
	path := strings.TrimSpace(opts.ConfigPath)
	if path == "" {
		path = DefaultConfigPath()
	}

	out := ResolvedConfig{
		ConfigPath: path,
		LLMKeys:    map[string]ResolvedValue{},
	}
	applyDefault(&out.DBDriver, DefaultDBDriver)
	applyDefault(&out.Extractor, DefaultExtractor)
	applyDefault(&out.LogLevel, DefaultLogLevel)
	applyDefault(&out.LogFormat, DefaultLogFormat)
	applyDefault(&out.StrictPaths, "false")
	applyDefault(&out.SnapshotTTL, DefaultSnapshotTTL)

	cfg, err := loadConfig(path)
	if err != nil {
		return out, err
	}

	if cfg != nil {
		apply(&out.DBDriver, cfg.DBDriver, SourceConfig, path)
		apply(&out.DBPath, firstNonEmpty(cfg.DSN, cfg.DBPath), SourceConfig, path)
		apply(&out.Extractor, cfg.Extractor, SourceConfig, path)
		apply(&out.LLMProvider, cfg.LLM.Provider, SourceConfig, path)
		apply(&out.LLMBaseURL, cfg.LLM.BaseURL, SourceConfig, path)
		apply(&out.LLMRate, cfg.LLM.RatePerSec, SourceConfig, path)
		apply(&out.LogLevel, cfg.Log.Level, SourceConfig, path)
		apply(&out.LogFormat, cfg.Log.Format, SourceConfig, path)
		apply(&out.MetricsAddr, cfg.Metrics.Addr, SourceConfig, path)
		apply(&out.StrictPaths, cfg.StrictPaths, SourceConfig, path)
		apply(&out.SnapshotTTL, cfg.Analytics.SnapshotTTL, SourceConfig, path)

		if key := strings.TrimSpace(cfg.LLM.APIKey); key != "" {
			provider := providerOf(cfg.LLM.Provider)
			if provider == "" {
				provider = "default"
			}
			out.LLMKeys[provider] = ResolvedValue{Value: key, Source: SourceConfig, From: path}
		}
	}

	applyEnv(&out.DBDriver, "CAPMAP_DB_DRIVER")
	applyEnv(&out.DBPath, "CAPMAP_DB")
	applyEnv(&out.DBPath, "CAPMAP_DB_PATH")
	applyEnv(&out.DBPath, "CAPMAP_DSN")
	applyEnv(&out.Extractor, "CAPMAP_EXTRACTOR")
	applyEnv(&out.LLMProvider, "CAPMAP_LLM")
	applyEnv(&out.LLMBaseURL, "CAPMAP_LLM_BASE_URL")
	applyEnv(&out.LLMRate, "CAPMAP_LLM_RATE")
	applyEnv(&out.LogLevel, "CAPMAP_LOG_LEVEL")
	applyEnv(&out.LogFormat, "CAPMAP_LOG_FORMAT")
	applyEnv(&out.MetricsAddr, "CAPMAP_METRICS_ADDR")
	applyEnv(&out.StrictPaths, "CAPMAP_STRICT_PATHS")
	applyEnv(&out.SnapshotTTL, "CAPMAP_SNAPSHOT_TTL")

	for env, provider := range map[string]string{
		"OPENROUTER_API_KEY": "openrouter",
		"OPENAI_API_KEY":     "openai",
		"GEMINI_API_KEY":     "google",
		"GOOGLE_API_KEY":     "google",
	} {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			out.LLMKeys[provider] = ResolvedValue{Value: v, Source: SourceEnv, From: env}
		}
	}
	if v := strings.TrimSpace(os.Getenv("CAPMAP_LLM_API_KEY")); v != "" {
		out.LLMKeys["default"] = ResolvedValue{Value: v, Source: SourceEnv, From: "CAPMAP_LLM_API_KEY"}
	}

	apply(&out.DBDriver, opts.CLIDBDriver, SourceCLI, "--db-driver")
	apply(&out.DBPath, opts.CLIDBPath, SourceCLI, "--db")
	apply(&out.Extractor, opts.CLIExtractor, SourceCLI, "--extractor")
	apply(&out.LLMProvider, opts.CLILLM, SourceCLI, "--llm")
	apply(&out.LogLevel, opts.CLILogLevel, SourceCLI, "--log-level")
	apply(&out.LogFormat, opts.CLILogFormat, SourceCLI, "--log-format")
	apply(&out.MetricsAddr, opts.CLIMetrics, SourceCLI, "--metrics-addr")

	if out.DBPath.Value != "" && !strings.EqualFold(out.DBDriver.Value, "postgres") {
		out.DBPath.Value = expandUserPath(out.DBPath.Value)
	}

	return out, nil
}

// APIKeyForProvider returns the key for the provider named by providerOrModel
// ("openai" or "openai/gpt-4o-mini"), falling back to the provider-less key.
func (r ResolvedConfig) APIKeyForProvider(providerOrModel string) ResolvedValue {
	provider := providerOf(providerOrModel)
	if provider == "" {
		return ResolvedValue{}
	}
	if v, ok := r.LLMKeys[provider]; ok && strings.TrimSpace(v.Value) != "" {
		return v
	}
	if v, ok := r.LLMKeys["default"]; ok && strings.TrimSpace(v.Value) != "" {
		return v
	}
	return ResolvedValue{}
}

// RatePerSec parses llm rate_per_sec. Unset means unlimited (0).
func (r ResolvedConfig) RatePerSec() (float64, error) {
	v := strings.TrimSpace(r.LLMRate.Value)
	if v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return 0, eris.Errorf("llm rate_per_sec %q (from %s) must be a non-negative number", v, r.LLMRate.From)
	}
	return f, nil
}

// Strict parses strict_paths.
func (r ResolvedConfig) Strict() (bool, error) {
	v := strings.TrimSpace(r.StrictPaths.Value)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, eris.Errorf("strict_paths %q (from %s) must be true or false", v, r.StrictPaths.From)
	}
	return b, nil
}

// SnapshotDuration parses analytics.snapshot_ttl as a Go duration. Zero
// keeps a snapshot until the process itself writes.
func (r ResolvedConfig) SnapshotDuration() (time.Duration, error) {
	v := strings.TrimSpace(r.SnapshotTTL.Value)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, eris.Errorf("analytics snapshot_ttl %q (from %s) must be a non-negative duration such as 30s", v, r.SnapshotTTL.From)
	}
	return d, nil
}

// Redacted returns a copy safe to print: API keys are masked.
func (r ResolvedConfig) Redacted() ResolvedConfig {
	out := r
	out.LLMKeys = make(map[string]ResolvedValue, len(r.LLMKeys))
	for p, v := range r.LLMKeys {
		v.Value = mask(v.Value)
		out.LLMKeys[p] = v
	}
	return out
}

func mask(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}

func providerOf(providerOrModel string) string {
	v := strings.ToLower(strings.TrimSpace(providerOrModel))
	if v == "" {
		return ""
	}
	if idx := strings.Index(v, "/"); idx > 0 {
		return v[:idx]
	}
	return v
}

func apply(dst *ResolvedValue, raw string, source ValueSource, from string) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return
	}
	*dst = ResolvedValue{Value: v, Source: source, From: from}
}

func applyDefault(dst *ResolvedValue, v string) {
	*dst = ResolvedValue{Value: v, Source: SourceDefault, From: "built-in default"}
}

func applyEnv(dst *ResolvedValue, envKey string) {
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		*dst = ResolvedValue{Value: v, Source: SourceEnv, From: envKey}
	}
}

func loadConfig(path string) (*fileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "reading %s", path)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, eris.Wrapf(err, "parsing %s", path)
	}
	return &cfg, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func expandUserPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

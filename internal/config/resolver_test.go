package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// clearEnv blanks every variable the resolver reads so the host
// environment cannot leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"CAPMAP_DB_DRIVER", "CAPMAP_DB", "CAPMAP_DB_PATH", "CAPMAP_DSN", "CAPMAP_EXTRACTOR",
		"CAPMAP_LLM", "CAPMAP_LLM_BASE_URL", "CAPMAP_LLM_RATE", "CAPMAP_LLM_API_KEY",
		"CAPMAP_LOG_LEVEL", "CAPMAP_LOG_FORMAT", "CAPMAP_METRICS_ADDR", "CAPMAP_STRICT_PATHS",
		"CAPMAP_SNAPSHOT_TTL",
		"OPENROUTER_API_KEY", "OPENAI_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY",
	} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath
}

func TestResolveConfig_Precedence_ConfigEnvCLI(t *testing.T) {
	clearEnv(t)
	cfgPath := writeConfig(t, `db_path: ~/.capmap/from-config.db
extractor: llm
llm:
  provider: openrouter/openai/gpt-4o-mini
  rate_per_sec: 2
log:
  level: debug
strict_paths: true
`)

	t.Setenv("CAPMAP_DB", "~/from-env.db")
	t.Setenv("CAPMAP_LLM", "openai/gpt-4o-mini")
	t.Setenv("CAPMAP_LOG_LEVEL", "warn")

	resolved, err := ResolveConfig(ResolveOptions{
		ConfigPath:  cfgPath,
		CLIDBPath:   "/tmp/from-cli.db",
		CLILogLevel: "error",
	})
	if err != nil {
		t.Fatalf("ResolveConfig: %v", err)
	}

	if resolved.DBPath.Source != SourceCLI || resolved.DBPath.Value != "/tmp/from-cli.db" {
		t.Fatalf("expected DB path from cli, got %+v", resolved.DBPath)
	}
	if resolved.LLMProvider.Source != SourceEnv || resolved.LLMProvider.From != "CAPMAP_LLM" {
		t.Fatalf("expected llm provider from env, got %+v", resolved.LLMProvider)
	}
	if resolved.Extractor.Source != SourceConfig || resolved.Extractor.Value != "llm" {
		t.Fatalf("expected extractor from config, got %+v", resolved.Extractor)
	}
	if resolved.LogLevel.Value != "error" || resolved.LogLevel.From != "--log-level" {
		t.Fatalf("expected log level from cli, got %+v", resolved.LogLevel)
	}
	if resolved.LogFormat.Source != SourceDefault || resolved.LogFormat.Value != DefaultLogFormat {
		t.Fatalf("expected default log format, got %+v", resolved.LogFormat)
	}

	rate, err := resolved.RatePerSec()
	if err != nil || rate != 2 {
		t.Fatalf("RatePerSec = %v, %v; want 2", rate, err)
	}
	strict, err := resolved.Strict()
	if err != nil || !strict {
		t.Fatalf("Strict = %v, %v; want true", strict, err)
	}
}

func TestResolveConfig_MissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	resolved, err := ResolveConfig(ResolveOptions{ConfigPath: filepath.Join(t.TempDir(), "absent.yaml")})
	if err != nil {
		t.Fatalf("ResolveConfig: %v", err)
	}
	if resolved.DBDriver.Value != DefaultDBDriver || resolved.DBDriver.Source != SourceDefault {
		t.Fatalf("unexpected db driver: %+v", resolved.DBDriver)
	}
	if resolved.Extractor.Value != DefaultExtractor {
		t.Fatalf("unexpected extractor: %+v", resolved.Extractor)
	}
	if resolved.DBPath.Value != "" {
		t.Fatalf("db path should be left to the store default, got %q", resolved.DBPath.Value)
	}
	if strict, err := resolved.Strict(); err != nil || strict {
		t.Fatalf("Strict = %v, %v; want false", strict, err)
	}
	if rate, err := resolved.RatePerSec(); err != nil || rate != 0 {
		t.Fatalf("RatePerSec = %v, %v; want 0", rate, err)
	}
}

func TestResolveConfig_SnapshotTTL(t *testing.T) {
	clearEnv(t)
	absent := filepath.Join(t.TempDir(), "absent.yaml")
	resolved, err := ResolveConfig(ResolveOptions{ConfigPath: absent})
	if err != nil {
		t.Fatalf("ResolveConfig: %v", err)
	}
	if d, err := resolved.SnapshotDuration(); err != nil || d != 5*time.Minute {
		t.Fatalf("default SnapshotDuration = %v, %v; want 5m", d, err)
	}

	cfgPath := writeConfig(t, "analytics:\n  snapshot_ttl: 30s\n")
	resolved, err = ResolveConfig(ResolveOptions{ConfigPath: cfgPath})
	if err != nil {
		t.Fatalf("ResolveConfig: %v", err)
	}
	if d, err := resolved.SnapshotDuration(); err != nil || d != 30*time.Second {
		t.Fatalf("config SnapshotDuration = %v, %v; want 30s", d, err)
	}

	t.Setenv("CAPMAP_SNAPSHOT_TTL", "0")
	resolved, err = ResolveConfig(ResolveOptions{ConfigPath: cfgPath})
	if err != nil {
		t.Fatalf("ResolveConfig: %v", err)
	}
	if resolved.SnapshotTTL.From != "CAPMAP_SNAPSHOT_TTL" {
		t.Fatalf("expected snapshot ttl from env, got %+v", resolved.SnapshotTTL)
	}
	if d, err := resolved.SnapshotDuration(); err != nil || d != 0 {
		t.Fatalf("env SnapshotDuration = %v, %v; want 0", d, err)
	}

	for _, bad := range []string{"soon", "-1s"} {
		r := ResolvedConfig{SnapshotTTL: ResolvedValue{Value: bad, From: "test"}}
		if _, err := r.SnapshotDuration(); err == nil {
			t.Fatalf("expected error for snapshot_ttl %q", bad)
		}
	}
}

func TestResolveConfig_BadYAML(t *testing.T) {
	clearEnv(t)
	cfgPath := writeConfig(t, "llm: [unclosed")
	if _, err := ResolveConfig(ResolveOptions{ConfigPath: cfgPath}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestResolveConfig_PostgresDSNNotExpanded(t *testing.T) {
	clearEnv(t)
	t.Setenv("CAPMAP_DB_DRIVER", "postgres")
	t.Setenv("CAPMAP_DSN", "postgres://capmap@localhost/capmap")

	resolved, err := ResolveConfig(ResolveOptions{ConfigPath: filepath.Join(t.TempDir(), "absent.yaml")})
	if err != nil {
		t.Fatalf("ResolveConfig: %v", err)
	}
	if resolved.DBPath.Value != "postgres://capmap@localhost/capmap" || resolved.DBPath.From != "CAPMAP_DSN" {
		t.Fatalf("unexpected dsn: %+v", resolved.DBPath)
	}
}

func TestAPIKeyForProvider(t *testing.T) {
	clearEnv(t)
	cfgPath := writeConfig(t, `llm:
  provider: openrouter/openai/gpt-4o-mini
  api_key: sk-config-openrouter
`)
	t.Setenv("OPENAI_API_KEY", "sk-env-openai-123456")

	resolved, err := ResolveConfig(ResolveOptions{ConfigPath: cfgPath})
	if err != nil {
		t.Fatalf("ResolveConfig: %v", err)
	}

	key := resolved.APIKeyForProvider("openrouter/openai/gpt-4o-mini")
	if key.Value != "sk-config-openrouter" || key.Source != SourceConfig {
		t.Fatalf("unexpected openrouter key: %+v", key)
	}
	key = resolved.APIKeyForProvider("openai")
	if key.Value != "sk-env-openai-123456" || key.From != "OPENAI_API_KEY" {
		t.Fatalf("unexpected openai key: %+v", key)
	}
	if key := resolved.APIKeyForProvider("ollama/llama3.1"); key.Value != "" {
		t.Fatalf("expected no key for ollama, got %+v", key)
	}
	if key := resolved.APIKeyForProvider(""); key.Value != "" {
		t.Fatalf("expected no key for empty provider, got %+v", key)
	}

	t.Setenv("CAPMAP_LLM_API_KEY", "sk-default-key")
	resolved, err = ResolveConfig(ResolveOptions{ConfigPath: cfgPath})
	if err != nil {
		t.Fatalf("ResolveConfig: %v", err)
	}
	if key := resolved.APIKeyForProvider("ollama"); key.Value != "sk-default-key" {
		t.Fatalf("expected default key fallback, got %+v", key)
	}
}

func TestRedacted(t *testing.T) {
	r := ResolvedConfig{LLMKeys: map[string]ResolvedValue{
		"openai": {Value: "sk-abcdefghijkl", Source: SourceEnv},
		"short":  {Value: "abc", Source: SourceEnv},
	}}
	red := r.Redacted()
	if got := red.LLMKeys["openai"].Value; got != "sk-a****ijkl" {
		t.Fatalf("openai key = %q", got)
	}
	if got := red.LLMKeys["short"].Value; got != "****" {
		t.Fatalf("short key = %q", got)
	}
	if r.LLMKeys["openai"].Value != "sk-abcdefghijkl" {
		t.Fatal("Redacted must not modify the receiver")
	}
}

func TestInvalidNumbers(t *testing.T) {
	r := ResolvedConfig{
		LLMRate:     ResolvedValue{Value: "fast", From: "CAPMAP_LLM_RATE"},
		StrictPaths: ResolvedValue{Value: "maybe", From: "CAPMAP_STRICT_PATHS"},
	}
	if _, err := r.RatePerSec(); err == nil {
		t.Fatal("expected rate error")
	}
	if _, err := r.Strict(); err == nil {
		t.Fatal("expected strict_paths error")
	}
	r.LLMRate.Value = "-1"
	if _, err := r.RatePerSec(); err == nil {
		t.Fatal("expected negative rate error")
	}
}

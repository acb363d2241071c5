package main

import (
	"encoding/json"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hurttlocker/capmap/internal/analytics"
	"github.com/hurttlocker/capmap/internal/anomaly"
	"github.com/hurttlocker/capmap/internal/config"
	"github.com/hurttlocker/capmap/internal/llm"
	"github.com/hurttlocker/capmap/internal/logging"
	"github.com/hurttlocker/capmap/internal/metrics"
	"github.com/hurttlocker/capmap/internal/store"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	dbPath     string
	dbDriver   string
	llm        string
	extractor  string
	logLevel   string
	logFormat  string

	metricsAddr string // set by serve
}

func (g *globalFlags) resolve() (config.ResolvedConfig, error) {
	return config.ResolveConfig(config.ResolveOptions{
		ConfigPath:   g.configPath,
		CLIDBDriver:  g.dbDriver,
		CLIDBPath:    g.dbPath,
		CLIExtractor: g.extractor,
		CLILLM:       g.llm,
		CLILogLevel:  g.logLevel,
		CLILogFormat: g.logFormat,
		CLIMetrics:   g.metricsAddr,
	})
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "capmap",
		Short: "capmap - facility capability profiles and analytics",
		Long: `capmap reads facility rows, extracts capability signals with evidence,
derives a normalized profile per facility and answers analytics questions
over the stored profiles. Every answer cites the evidence it rests on.`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "config file (default: $HOME/.capmap/config.yaml)")
	pf.StringVar(&g.dbPath, "db", "", "database path or DSN (default: ~/.capmap/capmap.db)")
	pf.StringVar(&g.dbDriver, "db-driver", "", "database driver: sqlite or postgres")
	pf.StringVar(&g.llm, "llm", "", "LLM provider/model, e.g. openai/gpt-4o-mini")
	pf.StringVar(&g.extractor, "extractor", "", "extractor: rules or llm")
	pf.StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&g.logFormat, "log-format", "", "log format: json or console")

	root.AddCommand(
		newIngestCmd(g),
		newRebuildAnomaliesCmd(g),
		newProfileCmd(g),
		newToolCmd(g),
		newToolsCmd(),
		newAskCmd(g),
		newTracesCmd(g),
		newStatsCmd(g),
		newServeCmd(g),
		newConfigCmd(g),
		newVersionCmd(),
	)
	return root
}

// app holds the wired components of one command run.
type app struct {
	cfg     config.ResolvedConfig
	log     *zap.Logger
	store   *store.SQLStore
	metrics *metrics.Metrics
	engine  *analytics.Engine
}

func openApp(g *globalFlags) (*app, error) {
	cfg, err := g.resolve()
	if err != nil {
		return nil, eris.Wrap(err, "resolving config")
	}
	logger, err := logging.New(logging.Config{Level: cfg.LogLevel.Value, Format: cfg.LogFormat.Value})
	if err != nil {
		return nil, err
	}
	st, err := store.NewStore(store.Config{Driver: cfg.DBDriver.Value, DSN: cfg.DBPath.Value})
	if err != nil {
		return nil, eris.Wrap(err, "opening store")
	}

	ttl, err := cfg.SnapshotDuration()
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	m := metrics.New(prometheus.NewRegistry())
	engine := analytics.NewEngine(st,
		analytics.WithLogger(logger),
		analytics.WithMetrics(m),
		analytics.WithSnapshotTTL(ttl))
	return &app{cfg: cfg, log: logger, store: st, metrics: m, engine: engine}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.Warn("closing store", zap.Error(err))
	}
	_ = a.log.Sync()
}

func (a *app) rebuilder() *anomaly.Rebuilder {
	return anomaly.NewRebuilder(a.store,
		anomaly.WithLogger(a.log),
		anomaly.WithMetrics(a.metrics),
		anomaly.WithInvalidator(a.engine))
}

// llmProvider builds the configured provider. Keys come from the resolver
// first and the provider's own environment variables second.
func (a *app) llmProvider() (llm.Provider, error) {
	lc, err := llm.ParseLLMFlag(a.cfg.LLMProvider.Value)
	if err != nil {
		return nil, err
	}
	lc.APIKey = a.cfg.APIKeyForProvider(lc.Provider).Value
	lc.BaseURL = a.cfg.LLMBaseURL.Value
	rate, err := a.cfg.RatePerSec()
	if err != nil {
		return nil, err
	}
	lc.RatePerSec = rate
	return llm.NewProvider(lc)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

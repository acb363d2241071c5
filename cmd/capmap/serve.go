package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	capmcp "github.com/hurttlocker/capmap/internal/mcp"
	"github.com/hurttlocker/capmap/internal/planner"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var (
		metricsAddr string
		llmRouter   bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the analytics tools over MCP (stdio)",
		Long: `Starts an MCP server on stdin/stdout exposing every analytics tool,
facility_profile, run_tool and ask. With --metrics-addr an HTTP listener
serves /healthz and /metrics as well.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if metricsAddr != "" {
				g.metricsAddr = metricsAddr
			}
			a, err := openApp(g)
			if err != nil {
				return err
			}
			defer a.Close()

			var router planner.Router
			if llmRouter {
				p, err := a.llmProvider()
				if err != nil {
					return err
				}
				router = planner.NewLLMRouter(p, planner.WithRouterLogger(a.log))
			}
			pl := planner.New(router, a.engine, planner.WithTraceStore(a.store), planner.WithLogger(a.log))

			srv := capmcp.NewServer(capmcp.ServerConfig{
				Engine:  a.engine,
				Planner: pl,
				Store:   a.store,
				Version: version,
				Logger:  a.log,
			})

			if addr := a.cfg.MetricsAddr.Value; addr != "" {
				httpServer := &http.Server{
					Addr:              addr,
					Handler:           newOpsRouter(a.store, a.metrics.Handler()),
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					a.log.Info("ops server starting", zap.String("addr", addr))
					if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						a.log.Error("ops server stopped", zap.Error(err))
					}
				}()
				defer func() {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := httpServer.Shutdown(ctx); err != nil {
						a.log.Warn("ops server shutdown", zap.Error(err))
					}
				}()
			}

			a.log.Info("mcp server starting", zap.String("transport", "stdio"), zap.String("db_driver", a.store.Driver()))
			return server.ServeStdio(srv)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve /healthz and /metrics on this address, e.g. :9090")
	cmd.Flags().BoolVar(&llmRouter, "llm-router", false, "route ask questions with the configured LLM")
	return cmd
}

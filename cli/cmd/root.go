package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"stepflow/runtime"
	"stepflow/runtime/engine/agent"
	"stepflow/runtime/engine/script"
)

var (
	baseDir       string
	flowsDir      string
	agentEndpoint string
)

var rootCmd = &cobra.Command{
	Use:   "stepflow",
	Short: "stepflow - stepwise flow orchestration runtime",
	Long: `stepflow walks declarative flows step by step, delegates each step to a
pluggable engine, and records every run as an inspectable ledger of events,
receipts, and transcripts.`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseDir, "base-dir", "", "directory for run ledgers (default \"runs\")")
	rootCmd.PersistentFlags().StringVar(&flowsDir, "flows-dir", "", "directory with flow definitions (default \"flows\")")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(inspectCmd)
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

// newService wires the ledger, flow registry, and engines behind a run
// service, honoring the persistent flag overrides.
func newService(l *slog.Logger) (*runtime.RunService, runtime.Config, error) {
	var cfg runtime.Config
	if err := runtime.PrepareConfig(&cfg); err != nil {
		return nil, cfg, err
	}
	if baseDir != "" {
		cfg.BaseDir = baseDir
	}
	if flowsDir != "" {
		cfg.FlowsDir = flowsDir
	}

	ledger, err := runtime.NewFileLedger(cfg.BaseDir)
	if err != nil {
		return nil, cfg, err
	}
	registry, err := runtime.NewFlowRegistry(cfg.FlowsDir)
	if err != nil {
		return nil, cfg, err
	}

	service := runtime.NewRunService(l, ledger, registry, cfg)
	service.RegisterEngine(script.New())

	if agentEndpoint != "" {
		engine, err := agent.New(agent.Config{Endpoint: agentEndpoint})
		if err != nil {
			return nil, cfg, err
		}
		service.RegisterEngine(engine)
	}

	return service, cfg, nil
}

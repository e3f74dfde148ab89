package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"stepflow/runtime"
)

var (
	runFlows      string
	runEngine     string
	runParamsFile string
	runWait       time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a run and optionally wait for it to finish",
	RunE: func(cmd *cobra.Command, args []string) error {
		l := newLogger()

		service, _, err := newService(l)
		if err != nil {
			return err
		}

		spec := runtime.RunSpec{
			FlowKeys:  splitFlows(runFlows),
			Engine:    runEngine,
			Initiator: "cli",
		}
		if runParamsFile != "" {
			data, err := os.ReadFile(runParamsFile)
			if err != nil {
				return fmt.Errorf("error reading params file: %w", err)
			}
			if err := json.Unmarshal(data, &spec.Params); err != nil {
				return fmt.Errorf("error parsing params file: %w", err)
			}
		}

		runID, err := service.StartRun(spec)
		if err != nil {
			return err
		}
		fmt.Println(runID)

		if runWait <= 0 {
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), runWait)
		defer cancel()
		if err := service.Wait(ctx, runID); err != nil {
			return fmt.Errorf("run %s still in flight after %s", runID, runWait)
		}

		summary, err := service.GetRunSummary(runID)
		if err != nil {
			return err
		}
		fmt.Printf("status: %s\n", summary.Status)
		if summary.Error != "" {
			fmt.Printf("error: [%s] %s (step: %s)\n", summary.FailureKind, summary.Error, summary.FailedStep)
		}
		if summary.Status != runtime.RunSucceeded {
			os.Exit(1)
		}
		return nil
	},
}

func splitFlows(s string) []string {
	var keys []string
	for _, k := range strings.Split(s, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func init() {
	runCmd.Flags().StringVar(&runFlows, "flows", "", "comma-separated flow keys (e.g. signal,build)")
	runCmd.Flags().StringVar(&runEngine, "engine", "script", "engine id to execute on")
	runCmd.Flags().StringVar(&runParamsFile, "params", "", "JSON file with run spec params")
	runCmd.Flags().DurationVar(&runWait, "wait", time.Minute, "how long to wait for completion (0 to return immediately)")
	runCmd.Flags().StringVar(&agentEndpoint, "agent-endpoint", "", "remote agent engine endpoint URL")
	runCmd.MarkFlagRequired("flows")
}

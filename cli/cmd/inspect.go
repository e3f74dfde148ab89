package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var inspectEvents bool

var inspectCmd = &cobra.Command{
	Use:   "inspect <run-id>",
	Short: "Show a run's summary and optionally its event stream",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		l := newLogger()

		service, _, err := newService(l)
		if err != nil {
			return err
		}

		summary, err := service.GetRunSummary(args[0])
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(summary); err != nil {
			return err
		}

		if inspectEvents {
			events, err := service.ReadEvents(args[0])
			if err != nil {
				return err
			}
			for _, ev := range events {
				fmt.Printf("%6d  %-15s  %s/%s  %s\n", ev.Seq, ev.Kind, ev.FlowKey, ev.StepID, ev.Ts.Format("15:04:05.000"))
			}
		}
		return nil
	},
}

func init() {
	inspectCmd.Flags().BoolVar(&inspectEvents, "events", false, "also print the event stream")
}

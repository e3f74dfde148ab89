package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		l := newLogger()

		service, _, err := newService(l)
		if err != nil {
			return err
		}

		runs, err := service.ListRuns()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RUN\tSTATUS\tFLOWS\tENGINE\tCREATED")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%v\t%s\t%s\n",
				r.ID, r.Status, r.Spec.FlowKeys, r.Spec.Engine, r.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

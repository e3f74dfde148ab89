package cmd

import (
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"stepflow/runtime"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the run service HTTP facade",
	RunE: func(cmd *cobra.Command, args []string) error {
		l := newLogger()

		service, cfg, err := newService(l)
		if err != nil {
			return err
		}

		g := gin.Default()
		runtime.NewHTTPHandler(l, service, g)

		l.Info("Serving run service", "addr", cfg.ListenAddr, "engines", service.Engines())
		return g.Run(cfg.ListenAddr)
	},
}

func init() {
	serveCmd.Flags().StringVar(&agentEndpoint, "agent-endpoint", "", "remote agent engine endpoint URL")
}

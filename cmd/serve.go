package cmd

import (
	"github.com/spf13/cobra"

	"github.com/emrgen/board/internal/config"
	"github.com/emrgen/board/internal/server"
)

func init() {
	rootCmd.AddCommand(serveCmd())
}

func serveCmd() *cobra.Command {
	var httpPort string

	command := &cobra.Command{
		Use:   "serve",
		Short: "start the board server",
		Run: func(cmd *cobra.Command, args []string) {
			if httpPort == "" {
				httpPort = config.LoadConfig().HTTPPort
			}
			server.NewServer(httpPort).Start()
		},
	}

	command.Flags().StringVarP(&httpPort, "port", "p", "", "http port")

	return command
}

package cmd

import (
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverFlag    string
	partitionFlag int32
	timeoutFlag   int

	httpClient *http.Client
)

var rootCmd = &cobra.Command{
	Use:           "rmstmctl",
	Short:         "Inspect a running rmstm partition daemon",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		httpClient = &http.Client{Timeout: time.Duration(timeoutFlag) * time.Second}
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverFlag, "server", "s", "http://localhost:9090", "rmstmd inspection server URL")
	rootCmd.PersistentFlags().Int32VarP(&partitionFlag, "partition", "p", 0, "partition id")
	rootCmd.PersistentFlags().IntVar(&timeoutFlag, "timeout", 10, "request timeout in seconds")

	rootCmd.AddCommand(inspectCmd)
}

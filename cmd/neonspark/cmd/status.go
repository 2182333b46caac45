package cmd

import (
	"github.com/spf13/cobra"
)

// statusCmd 查询服务状态，或在给出 ID 时查询单个请求
var statusCmd = &cobra.Command{
	Use:   "status [request-id]",
	Short: "Show service status or a single request",
	Long: `Show the gateway's service status. When a request ID is given,
show that request's record instead.

Examples:
  neonspark status
  neonspark status 3f2a9c1e-... -o json`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := NewClient()
		printer := NewPrinter(cmd.OutOrStdout())

		if len(args) == 1 {
			rec, err := client.GetRequest(args[0])
			if err != nil {
				return err
			}
			return printer.PrintRecord(rec)
		}

		st, err := client.GetServiceStatus()
		if err != nil {
			return err
		}
		return printer.PrintServiceStatus(st)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

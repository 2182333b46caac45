package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// cancelCmd 取消一个仍在等待或处理中的请求
var cancelCmd = &cobra.Command{
	Use:   "cancel <request-id>",
	Short: "Cancel an active request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		msg, err := NewClient().Cancel(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), msg)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// healthCmd 查询网关的聚合健康状态。
// 状态不是 healthy 时以非零退出码结束，便于在脚本中使用。
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check gateway health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := NewClient().GetHealth()
		if err != nil {
			return err
		}
		if err := NewPrinter(cmd.OutOrStdout()).PrintHealth(h); err != nil {
			return err
		}
		if h.Status != "healthy" {
			return fmt.Errorf("gateway is %s", h.Status)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}

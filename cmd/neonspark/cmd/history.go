// Package cmd 提供 neonspark 命令行工具的所有子命令实现。
// 本文件实现 history 命令，按创建时间倒序列出最近的请求。
package cmd

import (
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:     "history",
	Aliases: []string{"ls"},
	Short:   "List recent requests",
	Long: `List recent requests, newest first.

Examples:
  neonspark history
  neonspark history --status failed --limit 10`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

var (
	historyLimit  int    // 返回条数（1-200）
	historyStatus string // 按状态过滤
)

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "l", 50, "Number of requests to show (1-200)")
	historyCmd.Flags().StringVarP(&historyStatus, "status", "s", "", "Filter by status (pending, processing, completed, failed, cancelled)")
}

func runHistory(cmd *cobra.Command, args []string) error {
	records, err := NewClient().History(historyLimit, historyStatus)
	if err != nil {
		return err
	}
	return NewPrinter(cmd.OutOrStdout()).PrintRecords(records)
}

// Package cmd 提供 neonspark 命令行工具的所有子命令实现。
// 本文件实现 submit 命令，用于向网关提交生成请求。
//
// 提交后默认轮询请求状态直到进入终态（completed、failed 或 cancelled），
// 使用 --wait=false 可以只输出请求 ID 立即返回。
// 使用 --file 从文件读取提示词，配合 --watch 在文件每次保存后重新提交。
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var submitCmd = &cobra.Command{
	Use:   "submit <prompt>",
	Short: "Submit a generation request",
	Long: `Submit a prompt to the AI gateway.

Examples:
  # Submit and wait for the result
  neonspark submit "Write a haiku about Go channels"

  # Submit with generation parameters and return immediately
  neonspark submit "Summarize RFC 6455" --param temperature=0.2 --param max_tokens=256 --wait=false

  # Higher priority and a longer timeout
  neonspark submit "ping" --priority 5 --timeout 60

  # Re-run a prompt file every time it is saved
  neonspark submit --file prompt.md --watch`,
	Args: func(cmd *cobra.Command, args []string) error {
		if submitFile == "" && len(args) == 0 {
			return errors.New("requires a prompt argument or --file")
		}
		if submitFile != "" && len(args) > 0 {
			return errors.New("prompt argument and --file are mutually exclusive")
		}
		return nil
	},
	RunE: runSubmit,
}

var (
	submitWait        bool              // 是否等待请求结束
	submitPriority    int               // 请求优先级（1-5）
	submitTimeout     int               // 请求超时时间（秒）
	submitParams      map[string]string // 生成参数，key=value 形式
	submitWaitTimeout time.Duration     // 客户端最长等待时间
	submitFile        string            // 提示词文件
	submitWatch       bool              // 文件变化时重新提交
)

func init() {
	rootCmd.AddCommand(submitCmd)

	submitCmd.Flags().BoolVarP(&submitWait, "wait", "w", true, "Wait for the request to finish")
	submitCmd.Flags().IntVarP(&submitPriority, "priority", "p", 1, "Request priority (1-5)")
	submitCmd.Flags().IntVarP(&submitTimeout, "timeout", "t", 30, "Request timeout in seconds (5-300)")
	submitCmd.Flags().StringToStringVar(&submitParams, "param", nil, "Generation parameter key=value (temperature, max_tokens, top_p, top_k)")
	submitCmd.Flags().DurationVar(&submitWaitTimeout, "wait-timeout", 2*time.Minute, "Maximum time to wait for the result")
	submitCmd.Flags().StringVarP(&submitFile, "file", "f", "", "Read the prompt from a file")
	submitCmd.Flags().BoolVar(&submitWatch, "watch", false, "Resubmit whenever --file changes")
}

// runSubmit 提交请求，按需等待并输出结果
func runSubmit(cmd *cobra.Command, args []string) error {
	if submitWatch && submitFile == "" {
		return errors.New("--watch requires --file")
	}

	prompt := strings.Join(args, " ")
	if submitFile != "" {
		var err error
		if prompt, err = readPromptFile(submitFile); err != nil {
			return err
		}
	}

	if !submitWatch {
		return submitOnce(cmd, prompt)
	}

	// 先建立监听再做首次提交，避免错过提交期间的保存
	watcher, err := newPromptWatcher(submitFile)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := submitOnce(cmd, prompt); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Watching %s for changes (Ctrl+C to stop)\n", submitFile)

	return watcher.Run(ctx, func(prompt string) error {
		fmt.Fprintf(cmd.OutOrStdout(), "\n[%s] %s changed, resubmitting\n", time.Now().Format("15:04:05"), submitFile)
		if err := submitOnce(cmd, prompt); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
		}
		return nil
	}, func(err error) {
		fmt.Fprintf(cmd.ErrOrStderr(), "Watcher error: %v\n", err)
	})
}

// submitOnce 提交一次，按 --wait 决定是否等待结果
func submitOnce(cmd *cobra.Command, prompt string) error {
	params := make(map[string]interface{}, len(submitParams))
	for k, v := range submitParams {
		params[k] = parseParamValue(v)
	}

	client := NewClient()
	resp, err := client.Submit(&SubmitRequest{
		Prompt:     prompt,
		Parameters: params,
		Priority:   submitPriority,
		Timeout:    submitTimeout,
	})
	if err != nil {
		return err
	}

	printer := NewPrinter(cmd.OutOrStdout())
	if !submitWait {
		return printer.PrintSubmitted(resp)
	}

	rec, err := client.WaitRequest(resp.RequestID, 500*time.Millisecond, submitWaitTimeout)
	if err != nil {
		return err
	}
	if err := printer.PrintRecord(rec); err != nil {
		return err
	}
	if rec.Status == "failed" {
		return fmt.Errorf("request %s failed", rec.RequestID)
	}
	return nil
}

// parseParamValue 把数字形式的参数值转换为数值，其余保持字符串
func parseParamValue(v string) interface{} {
	if i, err := strconv.Atoi(v); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return v
}

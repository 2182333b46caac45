// Package main 是 neonspark 命令行工具的入口点
// neonspark 用于向 AI 网关提交生成请求、查询状态和订阅状态推送
package main

import (
	"os"

	"github.com/oriys/neonspark/cmd/neonspark/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

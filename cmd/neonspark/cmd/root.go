// Package cmd 包含 neonspark CLI 工具的所有命令实现
// 使用 cobra 框架构建命令行接口
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// 全局命令行标志变量
var (
	cfgFile   string // 配置文件路径
	apiURL    string // API 服务器地址
	outputFmt string // 输出格式（table/json/yaml）
)

// rootCmd 是 CLI 的根命令
var rootCmd = &cobra.Command{
	Use:   "neonspark",
	Short: "NeonSpark - AI gateway CLI",
	Long: `neonspark 是 NeonSpark AI 网关的命令行客户端。

使用示例:
  # 提交请求并等待结果
  neonspark submit "Explain sliding window rate limiting" --wait

  # 查看请求状态
  neonspark status 3f2a...

  # 查看最近失败的请求
  neonspark history --status failed --limit 10

  # 订阅服务状态推送
  neonspark watch`,
	SilenceUsage: true,
}

// Execute 执行根命令，由 main 包调用
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "配置文件路径（默认为 $HOME/.neonspark.yaml）")
	rootCmd.PersistentFlags().StringVarP(&apiURL, "api-url", "u", "http://localhost:8000", "API 服务器地址")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "输出格式（table、json、yaml）")

	viper.BindPFlag("api_url", rootCmd.PersistentFlags().Lookup("api-url"))
	viper.BindPFlag("output", rootCmd.PersistentFlags().Lookup("output"))
}

// initConfig 按优先级加载配置：命令行标志 > 环境变量 > 配置文件
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".neonspark")
	}

	// 环境变量格式：NEONSPARK_<KEY>，如 NEONSPARK_API_URL
	viper.SetEnvPrefix("NEONSPARK")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && cfgFile != "" {
			fmt.Fprintf(os.Stderr, "warning: failed to read config %s: %v\n", cfgFile, err)
		}
	}
}

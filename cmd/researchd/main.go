// Command researchd 运行研究流水线守护进程，并提供提交任务的命令行客户端。
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version 在构建时通过 -ldflags 注入。
var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "researchd",
	Short:         "研究 → 写作 → 分析流水线的编排守护进程",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "配置文件路径 (.yaml/.toml/.json)，默认读取 RESEARCH_CONFIG")
	rootCmd.Version = version
	rootCmd.AddCommand(newServeCmd(), newSubmitCmd(), newVersionCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "打印版本号",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

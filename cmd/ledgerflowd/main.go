package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"LedgerFlow/internal/config"
	"LedgerFlow/pkg/logger"

	"github.com/spf13/cobra"
)

// cli 保存命令之间共享的状态。
type cli struct {
	configPath string
	cfg        *config.Config
}

// main 是 LedgerFlow 守护进程与命令行工具的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ledgerflowd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "ledgerflowd",
		Short:         "执行并评分账本操作类智能体流程",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setupConfig(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			_ = logger.Sync()
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", os.Getenv("LEDGERFLOW_CONFIG"), "配置文件路径 (YAML/JSON)")

	root.AddCommand(c.serveCommand(), c.runCommand(), c.validateCommand(), c.tokenCommand())
	return root
}

func (c *cli) setupConfig(cmd *cobra.Command) error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("benchmark") {
		cfg.Engine.BenchmarkMode, _ = cmd.Flags().GetBool("benchmark")
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	c.cfg = cfg
	return nil
}

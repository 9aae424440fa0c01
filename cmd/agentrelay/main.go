// =============================================================================
// AgentRelay 主入口
// =============================================================================
// 阶段服务、入口服务与运维命令共用一个二进制
//
// 使用方法:
//
//	agentrelay serve --config stage.yaml  # 启动阶段
//	agentrelay origin --config origin.yaml # 启动入口
//	agentrelay submit <url>               # 提交视频链接
//	agentrelay migrate up                 # 运行数据库迁移
// =============================================================================

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/BaSui01/agentrelay/config"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

// commandContext 在子命令之间共享配置与日志
type commandContext struct {
	configPath string
	lookupEnv  func(string) (string, bool)

	cfg       *config.Config
	overrides []string
	logger    *zap.Logger
}

func newCommandContext() *commandContext {
	return &commandContext{lookupEnv: os.LookupEnv}
}

// loadConfig 加载并校验配置，结果会被缓存
func (c *commandContext) loadConfig() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	loader := config.NewLoader().WithLookupEnv(c.lookupEnv)
	if c.configPath != "" {
		loader = loader.WithConfigPath(c.configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c.cfg = cfg
	c.overrides = loader.Overrides()
	return cfg, nil
}

// loggerFor 按配置构建日志，日志写到 stderr 时以 stderr 判断终端
func (c *commandContext) loggerFor(cfg *config.Config) *zap.Logger {
	if c.logger == nil {
		c.logger = initLogger(cfg.Log, os.Stderr)
		if len(c.overrides) > 0 {
			c.logger.Debug("environment overrides applied", zap.Strings("keys", c.overrides))
		}
	}
	return c.logger
}

func (c *commandContext) syncLogger() {
	if c.logger != nil {
		_ = c.logger.Sync()
	}
}

func newRootCommand() *cobra.Command {
	return newRootCommandWith(newCommandContext())
}

func newRootCommandWith(ctx *commandContext) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "agentrelay",
		Short:         "AgentRelay 多阶段任务流水线",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&ctx.configPath, "config", "c", "", "Configuration file path (YAML or TOML)")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newOriginCommand(ctx))
	rootCmd.AddCommand(newSubmitCommand(ctx))
	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newDiscoverCommand(ctx))
	rootCmd.AddCommand(newMigrateCommand(ctx))
	rootCmd.AddCommand(newHealthCommand())
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

// =============================================================================
// 📋 版本
// =============================================================================

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion(cmd.OutOrStdout())
			return nil
		},
	}
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "AgentRelay %s\n", Version)
	fmt.Fprintf(w, "  Build Time: %s\n", BuildTime)
	fmt.Fprintf(w, "  Git Commit: %s\n", GitCommit)
}

package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/any-hub/any-fetch/internal/config"
	"github.com/any-hub/any-fetch/internal/logging"
)

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

// exitError 携带子命令希望返回的退出码，错误信息已由子命令自行输出。
type exitError struct {
	code int
}

func (e exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	os.Exit(execute(os.Args[1:]))
}

// execute 构建命令树并执行，返回退出码，方便测试。
func execute(args []string) int {
	root := newRootCommand()
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			return exit.code
		}
		fmt.Fprintln(stdErr, err.Error())
		return 1
	}
	return 0
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "any-fetch",
		Short:         "Concurrent fetch-and-cache engine",
		Long:          "any-fetch coalesces concurrent downloads of the same resource and keeps results in a memory + disk cache.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdOut)
	root.SetErr(stdErr)
	root.PersistentFlags().String("config", "", "配置文件路径（默认 ./config.toml，可被 "+config.EnvConfigPath+" 覆盖）")

	root.AddCommand(
		newServeCommand(),
		newFetchCommand(),
		newCacheCommand(),
		newCheckConfigCommand(),
		newVersionCommand(),
	)
	return root
}

// configPath 按 --config > 环境变量 > config.toml 的顺序计算配置路径。
func configPath(cmd *cobra.Command) string {
	flagValue, _ := cmd.Flags().GetString("config")
	return config.ResolvePath(flagValue)
}

// loadRuntime 加载配置并初始化日志，失败时直接输出到 stderr。
func loadRuntime(path string, opts ...logging.Option) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return nil, nil, exitError{code: 1}
	}

	logger, err := logging.InitLogger(cfg.Global, opts...)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return nil, nil, exitError{code: 1}
	}
	return cfg, logger, nil
}

// loadRuntimeOrDefault 用于 fetch/cache 子命令：未显式指定且默认文件不存在时使用内置默认配置。
// 控制台日志写到 stderr，stdout 留给命令输出。
func loadRuntimeOrDefault(cmd *cobra.Command, opts ...logging.Option) (*config.Config, *logrus.Logger, error) {
	opts = append([]logging.Option{logging.WithConsole(stdErr)}, opts...)
	path := configPath(cmd)
	flagValue, _ := cmd.Flags().GetString("config")
	if flagValue == "" && os.Getenv(config.EnvConfigPath) == "" {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			cfg := config.Default()
			cfg.Global.LogLevel = "warn"
			logger, err := logging.InitLogger(cfg.Global, opts...)
			if err != nil {
				return nil, nil, err
			}
			return cfg, logger, nil
		}
	}
	return loadRuntime(path, opts...)
}

func newCheckConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "仅校验配置后退出",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := configPath(cmd)
			cfg, logger, err := loadRuntime(path)
			if err != nil {
				return err
			}
			if _, err := newRegistry(cfg); err != nil {
				fmt.Fprintf(stdErr, "构建 Origin 注册表失败: %v\n", err)
				return exitError{code: 1}
			}

			fields := logging.BaseFields("check_config", path)
			fields["origins"] = len(cfg.Origins)
			fields["credentials"] = config.CredentialModes(cfg.Origins)
			fields["result"] = "ok"
			logger.WithFields(fields).Info("config_valid")
			fmt.Fprintln(stdOut, "配置校验通过")
			return nil
		},
	}
}

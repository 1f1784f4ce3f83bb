package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/any-hub/any-fetch/internal/cache"
	"github.com/any-hub/any-fetch/internal/transfer"
)

func newCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "查询或清理本地缓存",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "has <url|key>",
			Short: "判断资源是否已缓存，未缓存时退出码为 1",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withCache(cmd, func(ctx context.Context, m *cache.Manager) error {
					key, err := parseCacheKey(args[0])
					if err != nil {
						return err
					}
					if !m.Contains(key) {
						fmt.Fprintf(stdOut, "%s\tmissing\n", key.CacheKey())
						return exitError{code: 1}
					}
					fmt.Fprintf(stdOut, "%s\tcached\n", key.CacheKey())
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "rm <url|key>...",
			Short: "删除指定资源",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withCache(cmd, func(ctx context.Context, m *cache.Manager) error {
					for _, arg := range args {
						key, err := parseCacheKey(arg)
						if err != nil {
							return err
						}
						if err := m.Remove(ctx, key); err != nil {
							return fmt.Errorf("删除 %s 失败: %w", arg, err)
						}
						fmt.Fprintf(stdOut, "%s\tremoved\n", key.CacheKey())
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "清空磁盘缓存",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withCache(cmd, func(ctx context.Context, m *cache.Manager) error {
					if err := m.RemoveAll(ctx); err != nil {
						return fmt.Errorf("清空缓存失败: %w", err)
					}
					fmt.Fprintln(stdOut, "cache cleared")
					return nil
				})
			},
		},
	)
	return cmd
}

func withCache(cmd *cobra.Command, fn func(context.Context, *cache.Manager) error) error {
	cfg, logger, err := loadRuntimeOrDefault(cmd)
	if err != nil {
		return err
	}
	manager, err := newCacheManager(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer manager.Wait()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, manager)
}

// parseCacheKey 接受 64 位十六进制摘要或 URL。
func parseCacheKey(arg string) (cache.Key, error) {
	arg = strings.TrimSpace(arg)
	if len(arg) == 64 {
		if _, err := hex.DecodeString(arg); err == nil {
			return cache.StringKey(strings.ToLower(arg)), nil
		}
	}
	req, err := transfer.NewRequest(arg)
	if err != nil {
		return nil, fmt.Errorf("无法解析 %q: %w", arg, err)
	}
	return req.CacheKey(), nil
}

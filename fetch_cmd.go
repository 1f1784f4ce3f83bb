package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"

	"github.com/any-hub/any-fetch/internal/fetch"
	"github.com/any-hub/any-fetch/internal/logging"
	"github.com/any-hub/any-fetch/internal/transfer"
)

type fetchOptions struct {
	output   string
	options  []string
	quiet    bool
	parallel int
}

func newFetchCommand() *cobra.Command {
	var opts fetchOptions
	cmd := &cobra.Command{
		Use:   "fetch <url>...",
		Short: "下载一个或多个资源，重复 URL 合并为一次传输",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runFetch(ctx, cmd, args, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.output, "output", "o", ".", "保存目录")
	cmd.Flags().StringSliceVar(&opts.options, "option", nil, "加载选项，可重复或逗号分隔: "+fmt.Sprint(fetch.OptionNames()))
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "不输出进度")
	cmd.Flags().IntVar(&opts.parallel, "parallel", 0, "同时发起的请求数（默认等于 URL 数）")
	return cmd
}

func runFetch(ctx context.Context, cmd *cobra.Command, urls []string, opts fetchOptions) error {
	loadOpts, err := fetch.ParseOptions(opts.options...)
	if err != nil {
		return fmt.Errorf("解析 --option 失败: %w", err)
	}

	requests := make([]*transfer.Request, len(urls))
	for i, raw := range urls {
		req, err := transfer.NewRequest(raw)
		if err != nil {
			return fmt.Errorf("无效 URL %q: %w", raw, err)
		}
		requests[i] = req
	}
	if err := os.MkdirAll(opts.output, 0o755); err != nil {
		return fmt.Errorf("创建输出目录失败: %w", err)
	}

	sessionID := uuid.NewString()
	cfg, logger, err := loadRuntimeOrDefault(cmd, logging.WithFields(logrus.Fields{"session_id": sessionID}))
	if err != nil {
		return err
	}
	eng, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer eng.loader.Close()

	logger.WithFields(logrus.Fields{"action": "fetch", "urls": len(urls), "options": loadOpts.String()}).Info("fetch_started")

	parallel := opts.parallel
	if parallel <= 0 {
		parallel = len(requests)
	}
	progress := newProgressPrinter(opts.quiet)
	p := pool.New().WithMaxGoroutines(parallel).WithContext(ctx)
	for _, req := range requests {
		p.Go(func(ctx context.Context) error {
			name := outputName(req)
			resp, err := eng.loader.LoadWait(ctx, req, loadOpts, progress.track(name))
			if err != nil {
				logger.WithFields(logrus.Fields{"action": "fetch", "url": req.URL.String()}).WithError(err).Warn("fetch_failed")
				return fmt.Errorf("%s: %w", req.URL, err)
			}
			dest := filepath.Join(opts.output, name)
			if err := os.WriteFile(dest, resp.Data, 0o644); err != nil {
				return fmt.Errorf("%s: 写入 %s 失败: %w", req.URL, dest, err)
			}
			fmt.Fprintf(stdOut, "%s\t%s\t%d\t%s\n", resp.Source, req.URL, len(resp.Data), dest)
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		fmt.Fprintln(stdErr, err.Error())
		return exitError{code: 1}
	}
	return nil
}

// outputName 取 URL 路径的最后一段；为空时退回缓存 key。
func outputName(req *transfer.Request) string {
	base := path.Base(req.URL.Path)
	if base == "." || base == "/" || base == "" {
		return req.CacheKey().CacheKey()
	}
	return base
}

// progressPrinter 将各下载的进度以 10% 为步长写到 stderr。
type progressPrinter struct {
	quiet bool
	mu    sync.Mutex
}

func newProgressPrinter(quiet bool) *progressPrinter {
	return &progressPrinter{quiet: quiet}
}

func (p *progressPrinter) track(name string) transfer.ProgressFunc {
	if p.quiet {
		return nil
	}
	last := int64(-1)
	return func(completed, total int64) {
		if total <= 0 {
			return
		}
		step := completed * 10 / total
		if step == last {
			return
		}
		last = step
		p.mu.Lock()
		fmt.Fprintf(stdErr, "%s %3d%% (%d/%d)\n", name, step*10, completed, total)
		p.mu.Unlock()
	}
}

// Package main runs the OliveYoung product collector.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/websfactory/oliveyoung-product-collector/internal/app"
	"github.com/websfactory/oliveyoung-product-collector/internal/config"
	"github.com/websfactory/oliveyoung-product-collector/internal/model"
	"github.com/websfactory/oliveyoung-product-collector/pkg/logger"
)

// exitUsage flags a bad invocation. Kept away from 2, which reports a
// PARTIAL run, so alerting can tell a typo from a degraded collection.
const exitUsage = 64

const usage = `Usage: collector <command> [flags]

Commands:
  collect   run a collection pass (default; -category to restrict)
  retry     reconcile the failure backlog (-run to restrict to one run)
  discover  crawl the store navigation and refresh the category tree
  schedule  run as a daemon, collecting categories on their scheduled days
`

func main() {
	os.Exit(run())
}

func run() int {
	log := logger.New()
	defer func() { _ = log.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		log.Error("Failed to load configuration", zap.Error(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	command := "collect"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command = args[0]
		args = args[1:]
	}

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to start", zap.Error(err))
		return 1
	}
	defer func() { _ = a.Close() }()

	switch command {
	case "collect":
		return collect(ctx, a, args, log)
	case "retry":
		return retry(ctx, a, args, log)
	case "discover":
		return discover(ctx, a, log)
	case "schedule":
		return schedule(ctx, a, log)
	default:
		fmt.Fprint(os.Stderr, usage)
		return exitUsage
	}
}

// collect runs one collection pass. The exit code mirrors the run status:
// 0 COMPLETE, 1 FAILED, 2 PARTIAL.
func collect(ctx context.Context, a *app.App, args []string, log *zap.Logger) int {
	fs := flag.NewFlagSet("collect", flag.ContinueOnError)
	categoryList := fs.String("category", "", "comma-separated category ids (default: configured set, or all known)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	categoryIDs := a.Config.CategoryIDs
	if *categoryList != "" {
		categoryIDs = nil
		for _, id := range strings.Split(*categoryList, ",") {
			if trimmed := strings.TrimSpace(id); trimmed != "" {
				categoryIDs = append(categoryIDs, trimmed)
			}
		}
	}

	run, err := a.Coordinator.Run(ctx, categoryIDs)
	if err != nil {
		log.Error("Collection run failed to start", zap.Error(err))
		return 1
	}

	switch run.Status {
	case model.RunComplete:
		return 0
	case model.RunFailed:
		return 1
	default:
		return 2
	}
}

// retry reconciles the open failure backlog.
func retry(ctx context.Context, a *app.App, args []string, log *zap.Logger) int {
	fs := flag.NewFlagSet("retry", flag.ContinueOnError)
	runID := fs.Int64("run", 0, "restrict to failures from one run (0 = whole backlog)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	report, err := a.Reconciler.Reconcile(ctx, *runID)
	if err != nil {
		log.Error("Reconciliation failed", zap.Error(err))
		return 1
	}

	if report.StillOpen > 0 {
		return 2
	}
	return 0
}

// discover refreshes the category tree from the store navigation.
func discover(ctx context.Context, a *app.App, log *zap.Logger) int {
	stored, err := a.Discovery.Discover(ctx)
	if err != nil {
		log.Error("Category discovery failed", zap.Error(err))
		return 1
	}

	log.Info("Category tree refreshed", zap.Int("categories", stored))
	return 0
}

// schedule runs the cron daemon until interrupted.
func schedule(ctx context.Context, a *app.App, log *zap.Logger) int {
	err := a.Scheduler.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Scheduler stopped with error", zap.Error(err))
		return 1
	}

	log.Info("Scheduler shut down")
	return 0
}

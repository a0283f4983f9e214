package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lgreene/gravix-files/internal/config"
	"github.com/lgreene/gravix-files/pkg/filestore"
)

// lister is the slice of a storage backend the purge needs to enumerate keys.
type lister interface {
	List(ctx context.Context, prefix string) ([]string, error)
}

func main() {
	var retentionDays int
	var dryRun bool
	var prefix string
	var configPath string

	flag.IntVar(&retentionDays, "retention-days", 30, "Delete files older than this many days")
	flag.BoolVar(&dryRun, "dry-run", false, "Print files that would be deleted without actually deleting")
	flag.StringVar(&prefix, "prefix", "", "Only consider keys under this prefix")
	flag.StringVar(&configPath, "config", "", "Path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := config.NewLogger(cfg.LogLevel, cfg.LogFormat, nil)
	slog.SetDefault(logger)

	ctx := context.Background()
	provider, err := filestore.New(ctx, cfg.Storage, filestore.WithLogger(logger))
	if err != nil {
		logger.Error("failed to open storage", "error", err)
		os.Exit(1)
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	logger.Info("purging files", "provider", provider.Name(), "retention_days", retentionDays,
		"cutoff", cutoff.Format(time.RFC3339), "dry_run", dryRun)

	res, err := purgeOldFiles(ctx, logger, provider.Backend(), provider, prefix, cutoff, dryRun)
	if err != nil {
		logger.Error("purge failed", "error", err)
		os.Exit(1)
	}

	action := "deleted"
	if dryRun {
		action = "would delete"
	}
	logger.Info("purge complete", "action", action, "count", res.Deleted,
		"skipped", res.Skipped, "failed", res.Failed)
	if res.Failed > 0 {
		os.Exit(1)
	}
}

type purgeResult struct {
	Deleted int
	Skipped int
	Failed  int
}

// purgeOldFiles lists keys under prefix and deletes those whose embedded
// creation time is before cutoff. Keys that were not produced by the key
// generator are skipped.
func purgeOldFiles(ctx context.Context, logger *slog.Logger, store lister, files filestore.FileProvider, prefix string, cutoff time.Time, dryRun bool) (purgeResult, error) {
	var res purgeResult

	keys, err := store.List(ctx, prefix)
	if err != nil {
		return res, fmt.Errorf("list %q: %w", prefix, err)
	}

	for _, key := range keys {
		created, err := filestore.KeyTime(key)
		if err != nil {
			logger.Debug("skipping key without timestamp", "key", key)
			res.Skipped++
			continue
		}
		if !created.Before(cutoff) {
			continue
		}
		if dryRun {
			logger.Info("[dry-run] would delete", "key", key, "created", created)
			res.Deleted++
			continue
		}
		if err := files.Delete(ctx, key); err != nil {
			res.Failed++
			continue
		}
		logger.Info("deleted", "key", key, "created", created)
		res.Deleted++
	}
	return res, nil
}

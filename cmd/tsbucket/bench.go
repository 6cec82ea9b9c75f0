package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/devrev/pairdb/tsbucket/internal/config"
	"github.com/devrev/pairdb/tsbucket/internal/model"
	"github.com/devrev/pairdb/tsbucket/internal/service"
	"github.com/spf13/cobra"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type benchOptions struct {
	workers        int
	requests       int
	docsPerRequest int
	series         int
	bucketMaxCount int
	dataDir        string
}

func newBenchCmd(load loader) *cobra.Command {
	opts := benchOptions{}

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run an in-process insert load against a fresh catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			benchCfg := *cfg
			benchCfg.Metrics.Enabled = false
			benchCfg.Idempotency.Store = "none"
			if opts.dataDir == "" {
				dir, err := os.MkdirTemp("", "tsbucket-bench-")
				if err != nil {
					return err
				}
				defer os.RemoveAll(dir)
				opts.dataDir = dir
			}
			benchCfg.Storage.DataDir = opts.dataDir

			return runBench(cmd, &benchCfg, opts, logger)
		},
	}

	cmd.Flags().IntVar(&opts.workers, "workers", 8, "concurrent inserters")
	cmd.Flags().IntVar(&opts.requests, "requests", 100, "insert requests per worker")
	cmd.Flags().IntVar(&opts.docsPerRequest, "docs", 10, "documents per insert request")
	cmd.Flags().IntVar(&opts.series, "series", 16, "distinct meta field values")
	cmd.Flags().IntVar(&opts.bucketMaxCount, "bucket-max-count", model.DefaultBucketMaxCount, "measurements per bucket")
	cmd.Flags().StringVar(&opts.dataDir, "data-dir", "", "bucket store directory (default: a temporary directory)")
	return cmd
}

func runBench(cmd *cobra.Command, cfg *config.Config, opts benchOptions, logger *zap.Logger) error {
	ctx := cmd.Context()

	n, err := openNode(ctx, cfg, nil, logger)
	if err != nil {
		return err
	}
	defer n.close()

	ns := model.NewNamespace("bench", "measurements")
	if _, err := n.service.CreateCollection(ctx, ns, model.TimeseriesOptions{
		TimeField:      "ts",
		MetaField:      "series",
		BucketMaxCount: opts.bucketMaxCount,
	}); err != nil {
		return err
	}

	var retries atomic.Int64
	start := time.Now()
	base := start.UTC()

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < opts.workers; w++ {
		g.Go(func() error {
			for r := 0; r < opts.requests; r++ {
				docs := make([]model.Document, opts.docsPerRequest)
				for d := range docs {
					i := (w*opts.requests+r)*opts.docsPerRequest + d
					docs[d] = model.Document{
						{Name: "ts", Value: base.Add(time.Duration(i) * time.Millisecond)},
						{Name: "series", Value: int64(i % opts.series)},
						{Name: "value", Value: float64(i)},
					}
				}
				result, err := n.service.Insert(gctx, &service.InsertRequest{Namespace: ns, Documents: docs})
				if err != nil {
					return err
				}
				retries.Add(int64(result.Retries))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	stats, err := n.service.Stats(ns)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	total := opts.workers * opts.requests * opts.docsPerRequest
	fmt.Fprintf(out, "inserted %d measurements in %v (%.0f/s), retries %d, last seq %d\n",
		total, elapsed.Round(time.Millisecond), float64(total)/elapsed.Seconds(), retries.Load(), n.store.LastSeq())

	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "  %-32s %d\n", name, stats[name])
	}
	return nil
}

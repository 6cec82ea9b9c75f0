package main

import (
	"fmt"
	"sort"

	"github.com/devrev/pairdb/tsbucket/internal/model"
	"github.com/devrev/pairdb/tsbucket/internal/store"
	"github.com/spf13/cobra"
)

type namespaceSummary struct {
	buckets      map[string]struct{}
	inserts      int
	updates      int
	measurements int
}

func newReplayCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Summarize the committed batches in the bucket store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			s, err := store.Open(cmd.Context(), &store.Config{
				DataDir:     cfg.Storage.DataDir,
				SegmentSize: cfg.Storage.SegmentSize,
			}, nil, nil, logger)
			if err != nil {
				return err
			}
			defer s.Close()

			summaries := make(map[string]*namespaceSummary)
			stats, err := s.Replay(cmd.Context(), func(rec *store.Record) error {
				ns := rec.Namespace.String()
				sum, ok := summaries[ns]
				if !ok {
					sum = &namespaceSummary{buckets: make(map[string]struct{})}
					summaries[ns] = sum
				}
				sum.buckets[rec.BucketID] = struct{}{}
				if rec.Op == model.WriteOpInsert {
					sum.inserts++
				} else {
					sum.updates++
				}
				sum.measurements += len(rec.Measurements)
				return nil
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "segments %d, records %d, corrupted %d\n", stats.Segments, stats.Records, stats.Corrupted)

			names := make([]string, 0, len(summaries))
			for ns := range summaries {
				names = append(names, ns)
			}
			sort.Strings(names)
			for _, ns := range names {
				sum := summaries[ns]
				fmt.Fprintf(out, "  %s: buckets %d, inserts %d, updates %d, measurements %d\n",
					ns, len(sum.buckets), sum.inserts, sum.updates, sum.measurements)
			}
			return nil
		},
	}
}

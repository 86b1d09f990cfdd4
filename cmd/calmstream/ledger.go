package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/hxnx/calmstream/internal/music"
	"github.com/hxnx/calmstream/internal/redis"
	"github.com/spf13/cobra"
)

func newLedgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect or clear the persisted failure ledger",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "List tracks with recorded failures",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ledgerStore()
			if err != nil {
				return err
			}
			defer closeStores()

			counts, err := store.Load(cmd.Context())
			if err != nil {
				return err
			}

			ids := make([]string, 0, len(counts))
			for id := range counts {
				ids = append(ids, id)
			}
			sort.Slice(ids, func(i, j int) bool {
				if counts[ids[i]] != counts[ids[j]] {
					return counts[ids[i]] > counts[ids[j]]
				}
				return ids[i] < ids[j]
			})

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TRACK\tFAILURES\tEXHAUSTED")
			for _, id := range ids {
				fmt.Fprintf(w, "%s\t%d\t%t\n", id, counts[id], counts[id] >= cfg.Tuning.FailureCeiling)
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Forget every recorded failure",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ledgerStore()
			if err != nil {
				return err
			}
			defer closeStores()

			ledger := music.NewFailureLedger(cfg.Tuning.FailureCeiling, cfg.Tuning.LedgerGCSize, logger).WithStore(store)
			if err := ledger.Clear(cmd.Context()); err != nil {
				return err
			}
			logger.Info().Msg("failure ledger cleared")
			return nil
		},
	})

	return cmd
}

func ledgerStore() (*music.RedisLedgerStore, error) {
	if !cfg.IsRedisEnabled() {
		return nil, fmt.Errorf("the failure ledger is only persisted when REDIS_HOST is set")
	}
	connectStores()
	if redis.Client() == nil {
		closeStores()
		return nil, fmt.Errorf("redis is unavailable")
	}
	return music.NewRedisLedgerStoreFromDefault(), nil
}

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/hxnx/calmstream/internal/music"
	"github.com/spf13/cobra"
)

func newProbeCmd() *cobra.Command {
	var (
		title     string
		bucket    string
		key       string
		streamURL string
	)

	cmd := &cobra.Command{
		Use:   "probe [track-id]",
		Short: "Resolve one track and print every URL attempt",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			connectStores()
			defer closeStores()

			t := music.Track{Title: title, Bucket: bucket, Key: key, StreamURL: streamURL}
			if len(args) == 1 {
				t.ID = args[0]
				if cat := newCatalog(); cat != nil {
					found, ok, err := cat.GetTrack(ctx, t.ID)
					if err != nil {
						return err
					}
					if ok {
						t = found
					}
				}
			}
			if t.ID == "" && t.Title == "" && t.StreamURL == "" && t.Key == "" {
				return fmt.Errorf("nothing to resolve: pass a track id or --title/--key/--url")
			}

			resolver, err := newResolver(newTokenSource())
			if err != nil {
				return err
			}
			resolver.Invalidate(ctx, t)
			res := resolver.Resolve(ctx, t)

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("track %q did not resolve", t.ID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&title, "title", "", "track title used for slug routing")
	cmd.Flags().StringVar(&bucket, "bucket", "", "storage bucket hint")
	cmd.Flags().StringVar(&key, "key", "", "storage object key hint")
	cmd.Flags().StringVar(&streamURL, "url", "", "absolute stream url")
	return cmd
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/bmksync/internal/bookmarks"
)

func newResetCmd() *cobra.Command {
	var disconnect bool
	var globalID, collID string

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Forget sync state, preserving local content for reupload",
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())
			assoc := bookmarks.SyncAssoc{Connected: !disconnect, GlobalSyncID: globalID, CollSyncID: collID}
			if err := cc.Store.Reset(cmd.Context(), assoc); err != nil {
				return err
			}
			cc.Logger.Info("reset complete", "connected", assoc.Connected)
			return nil
		},
	}
	cmd.Flags().BoolVar(&disconnect, "disconnect", false, "reset as fully disconnected rather than reconnecting")
	cmd.Flags().StringVar(&globalID, "global-sync-id", "", "new global sync id (when reconnecting)")
	cmd.Flags().StringVar(&collID, "coll-sync-id", "", "new collection sync id (when reconnecting)")
	return cmd
}

func newWipeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wipe",
		Short: "Delete local content, retaining tombstones for upload",
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())
			if err := cc.Store.Wipe(cmd.Context(), time.Now()); err != nil {
				return err
			}
			cc.Logger.Info("wipe complete")
			return nil
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print consecutive-reupload telemetry",
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())
			streaks, err := cc.Store.ConsecutiveReuploads(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(streaks)
		},
	}
}

func newStageCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "stage",
		Short: "Stage an incoming changeset from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())
			changeset, err := readChangesetFile(path)
			if err != nil {
				return err
			}
			ts, err := cc.Store.StageIncoming(cmd.Context(), bookmarks.Interruptee(cmd.Context()), changeset)
			if err != nil {
				return err
			}
			cc.Logger.Info("staged incoming changeset", "records", len(changeset.Changes), "timestamp", ts)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "file", "", "path to a JSON changeset file")
	cmd.MarkFlagRequired("file") //nolint:errcheck
	return cmd
}

func newApplyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apply",
		Short: "Run the merge driver and local applier for one sync cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())
			interruptee := bookmarks.Interruptee(cmd.Context())
			now := time.Now()

			root, err := cc.Store.RunMerge(cmd.Context(), interruptee, nil, now)
			if err != nil {
				return err
			}
			if err := cc.Store.Apply(cmd.Context(), interruptee, root, now, nil); err != nil {
				return err
			}
			changeset, err := cc.Store.FetchOutgoingRecords(cmd.Context(), interruptee, now)
			if err != nil {
				return err
			}
			cc.Logger.Info("merge applied", "descendants", len(root.Descendants), "deletions", len(root.Deletions), "outgoing", len(changeset.Records))

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(changeset)
		},
	}
}

func newFinalizeCmd() *cobra.Command {
	var guidsCSV string
	cmd := &cobra.Command{
		Use:   "finalize",
		Short: "Run the post-sync finalizer for an uploaded changeset",
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())
			guids := splitCSV(guidsCSV)
			err := cc.Store.SyncFinished(cmd.Context(), bookmarks.Interruptee(cmd.Context()), time.Now(), guids, noopScorer{})
			if err != nil {
				return err
			}
			cc.Logger.Info("sync finished", "guids", len(guids))
			return nil
		},
	}
	cmd.Flags().StringVar(&guidsCSV, "guids", "", "comma-separated guids that were successfully uploaded")
	return cmd
}

// noopScorer is a placeholder FrecencyScorer for the CLI's finalize command;
// the real scoring formula lives outside this module's scope.
type noopScorer struct{}

func (noopScorer) Score(ctx context.Context, placeID int64, url string) (int, error) {
	return 0, nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func readChangesetFile(path string) (bookmarks.IncomingChangeset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return bookmarks.IncomingChangeset{}, fmt.Errorf("read changeset file: %w", err)
	}
	var changeset bookmarks.IncomingChangeset
	if err := json.Unmarshal(data, &changeset); err != nil {
		return bookmarks.IncomingChangeset{}, fmt.Errorf("parse changeset file: %w", err)
	}
	return changeset, nil
}

package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "Maintain pricing snapshots",
}

// -- snapshots prune --

var snapshotsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete expired pricing snapshots from the store",
	Long:  "Removes store-backed snapshots past their expiry. Redis-backed snapshots expire on their own.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("maintenance"); err != nil {
			return err
		}
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.DeleteExpiredSnapshots(ctx)
		if err != nil {
			return eris.Wrap(err, "snapshots prune")
		}
		fmt.Fprintf(os.Stdout, "Pruned %d expired snapshots.\n", n)
		return nil
	},
}

func init() {
	snapshotsCmd.AddCommand(snapshotsPruneCmd)
	rootCmd.AddCommand(snapshotsCmd)
}

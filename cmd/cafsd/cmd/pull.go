package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aweris/cafsd/internal/model"
)

var pullCmd = &cobra.Command{
	Use:   "pull <namespace> <blob>...",
	Short: "Pull blobs from the remote region",
	Long: "Fetch blobs from the replication registry and store them in the local blob backend.\n" +
		"Up to replication.concurrency blobs are fetched in parallel.",
	Args: cobra.MinimumNArgs(2),
	RunE:  runPull,
}

func init() {
	rootCmd.AddCommand(pullCmd)
}

func runPull(cmd *cobra.Command, args []string) (err error) {
	ns, err := model.ParseNamespace(args[0])
	if err != nil {
		return err
	}
	ids := make([]model.BlobID, 0, len(args)-1)
	for _, arg := range args[1:] {
		id, err := model.ParseBlobID(arg)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	d, err := openDaemon(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer closeInto(d, &err)

	fmt.Fprintf(cmd.ErrOrStderr(), "Pulling %d blob(s) of %s from %s...\n", len(ids), ns, cfg.Replication.Registry)
	missing, err := d.Pull(cmd.Context(), ns, ids...)
	if err != nil {
		return fmt.Errorf("pull failed: %w", err)
	}
	for _, id := range missing {
		fmt.Fprintf(cmd.OutOrStdout(), "missing %s\n", id)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%d blob(s) not found in %s", len(missing), cfg.Replication.Registry)
	}
	fmt.Fprintln(cmd.ErrOrStderr(), "Done.")
	return nil
}

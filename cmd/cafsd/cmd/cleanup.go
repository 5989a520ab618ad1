package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aweris/cafsd/internal/model"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup <namespace>",
	Short: "Evict stale ref records of a namespace once",
	Long:  "Run a single cleanup sweep against the configured ref store and report how many records were evicted.",
	Args:  cobra.ExactArgs(1),
	RunE:  runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) (err error) {
	ns, err := model.ParseNamespace(args[0])
	if err != nil {
		return err
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

	n, err := d.Sweep(cmd.Context(), ns)
	if err != nil {
		return fmt.Errorf("cleanup %s: %w", ns, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "evicted %d records from %s\n", n, ns)
	return nil
}

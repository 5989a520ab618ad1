package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aweris/cafsd/internal/client"
	"github.com/aweris/cafsd/internal/model"
)

var listCmd = &cobra.Command{
	Use:   "list <namespace> <bucket>",
	Short: "List ref keys in a bucket",
	Long: "List the record keys of a bucket, either from the configured ref store or,\n" +
		"with --server, from a running cafsd.",
	Args: cobra.ExactArgs(2),
	RunE: runList,
}

func init() {
	listCmd.Flags().String("server", "", "cafsd base url (e.g. http://localhost:8080)")
	listCmd.Flags().String("token", "", "bearer token for --server")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) (err error) {
	ns, err := model.ParseNamespace(args[0])
	if err != nil {
		return err
	}
	bucket, err := model.ParseBucket(args[1])
	if err != nil {
		return err
	}

	var keys []model.KeyID
	if server, _ := cmd.Flags().GetString("server"); server != "" {
		token, _ := cmd.Flags().GetString("token")
		keys, err = client.New(server, client.WithToken(token)).List(cmd.Context(), ns, bucket)
	} else {
		cfg, cerr := loadConfig()
		if cerr != nil {
			return cerr
		}
		d, oerr := openDaemon(cmd.Context(), cfg)
		if oerr != nil {
			return oerr
		}
		defer closeInto(d, &err)
		keys, err = d.List(cmd.Context(), ns, bucket)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, k := range keys {
		fmt.Fprintln(out, k)
	}
	if len(keys) == 0 {
		fmt.Fprintln(out, "(no entries)")
	}
	return nil
}

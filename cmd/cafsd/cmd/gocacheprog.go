package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aweris/cafsd/internal/client"
	"github.com/aweris/cafsd/internal/gocache"
	"github.com/aweris/cafsd/internal/model"
)

var gocacheprogCmd = &cobra.Command{
	Use:   "gocacheprog",
	Short: "Serve the go command's GOCACHEPROG protocol from a cafsd server",
	Long: "Use as GOCACHEPROG=\"cafsd gocacheprog --server http://cache:8080\" to share\n" +
		"go build outputs through cafsd. Outputs are mirrored into --dir.",
	Args: cobra.NoArgs,
	RunE: runGocacheprog,
}

func init() {
	f := gocacheprogCmd.Flags()
	f.String("server", envOr("CAFSD_SERVER", "http://localhost:8080"), "cafsd base url")
	f.String("token", os.Getenv("CAFSD_TOKEN"), "bearer token")
	f.String("namespace", "gocache", "namespace of the cache records")
	f.String("bucket", "go", "bucket of the cache records")
	f.String("dir", defaultGoCacheDir(), "local output directory")
	rootCmd.AddCommand(gocacheprogCmd)
}

func runGocacheprog(cmd *cobra.Command, _ []string) error {
	f := cmd.Flags()
	server, _ := f.GetString("server")
	token, _ := f.GetString("token")
	nsFlag, _ := f.GetString("namespace")
	bucketFlag, _ := f.GetString("bucket")
	dir, _ := f.GetString("dir")

	ns, err := model.ParseNamespace(nsFlag)
	if err != nil {
		return err
	}
	bucket, err := model.ParseBucket(bucketFlag)
	if err != nil {
		return err
	}

	cache, err := gocache.New(client.New(server, client.WithToken(token)), ns, bucket, dir)
	if err != nil {
		return err
	}
	return cache.Run(cmd.Context(), os.Stdin, os.Stdout)
}

func envOr(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func defaultGoCacheDir() string {
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, "cafsd-gocache")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "cafsd-gocache")
	}
	return ".cafsd-gocache"
}

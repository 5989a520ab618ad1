package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/aweris/cafsd"
	"github.com/aweris/cafsd/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server with the rollup and cleanup loops",
	Long: "Serve the /api/v1 HTTP API. Last access times are rolled up and stale ref\n" +
		"records evicted in the background. Namespace policies are reloaded when the\n" +
		"config file changes.",
	Args: cobra.NoArgs,
	PreRunE: func(cmd *cobra.Command, _ []string) error {
		return bindFlags(cmd, map[string]string{
			"server.addr":  "addr",
			"blob.backend": "blob-backend",
			"blob.dir":     "blob-dir",
			"refs.backend": "refs-backend",
			"redis.url":    "redis-url",
		})
	},
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", ":8080", "listen address")
	serveCmd.Flags().String("blob-backend", config.BackendLocal, "blob backend (memory, local, s3, gcs)")
	serveCmd.Flags().String("blob-dir", "", "blob directory for the local backend")
	serveCmd.Flags().String("refs-backend", config.BackendMemory, "ref record backend (memory, redis)")
	serveCmd.Flags().String("redis-url", "", "redis url for redis backends")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) (err error) {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	policies := cfg.Registry()
	d, err := openDaemon(ctx, cfg, cafsd.WithPrometheus(reg), cafsd.WithPolicies(policies))
	if err != nil {
		return err
	}
	defer closeInto(d, &err)

	if v.ConfigFileUsed() != "" {
		config.Watch(v, policies)
	}

	log.Info().Str("addr", cfg.Server.Addr).Msg("starting cafsd")
	return d.Run(ctx)
}

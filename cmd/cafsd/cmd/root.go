package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aweris/cafsd"
	"github.com/aweris/cafsd/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "cafsd",
	Short: "Content-addressable build cache server",
	Long: "cafsd stores build outputs by content hash and serves them over HTTP.\n" +
		"Configuration is read from ~/.config/cafsd/config.yaml, CAFSD_* environment variables and flags.",
	SilenceUsage: true,
}

var v *viper.Viper

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default: ~/.config/cafsd/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
}

func initConfig() {
	v = config.New(rootCmd.PersistentFlags().Lookup("config").Value.String())
	v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

// bindFlags binds command flags to config keys. Called from the command's
// PreRunE since flags are per command.
func bindFlags(cmd *cobra.Command, keys map[string]string) error {
	for key, flag := range keys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("bind --%s: %w", flag, err)
		}
	}
	return nil
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Read(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Log.SetupLogging(os.Stderr); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openDaemon(ctx context.Context, cfg *config.Config, opts ...cafsd.Option) (*cafsd.Daemon, error) {
	return cafsd.Open(ctx, append([]cafsd.Option{cafsd.WithConfig(cfg)}, opts...)...)
}

// closeInto closes d and reports the error through err unless one is
// already set.
func closeInto(d *cafsd.Daemon, err *error) {
	if cerr := d.Close(); cerr != nil && *err == nil {
		*err = cerr
	}
}

// Napid - network provisioning service
//
// Napid is the authoritative bookkeeper for networks, addresses, MACs,
// and overlay mappings. It owns every allocation; API frontends and
// operator tooling go through its service layer.
//
//	napid serve   -c napid.yaml   # migrate buckets, then serve
//	napid migrate -c napid.yaml   # migrate buckets and exit
//	napid version
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/napi-network/napi/pkg/napi"
	"github.com/napi-network/napi/pkg/store"
	"github.com/napi-network/napi/pkg/util"
	"github.com/napi-network/napi/pkg/version"
)

var (
	configPath string
	verbose    bool

	cfg *napi.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "napid",
	Short:         "Network provisioning service",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if isVersionOrHelp(cmd) {
			return nil
		}

		var err error
		if configPath != "" {
			cfg, err = napi.LoadConfig(configPath)
			if err != nil {
				return err
			}
		} else {
			cfg = &napi.Config{}
			cfg.ApplyDefaults()
		}

		level := cfg.LogLevel
		if verbose {
			level = "debug"
		}
		if err := util.SetLogLevel(level); err != nil {
			return err
		}
		if cfg.LogFormat == "json" {
			util.SetJSONFormat()
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")

	rootCmd.AddCommand(serveCmd, migrateCmd, versionCmd)
}

// newService connects to the store and brings every bucket to the
// current schema.
func newService(ctx context.Context) (*napi.Service, error) {
	st := store.NewRedis(&redis.Options{
		Addr:     cfg.StoreAddr,
		Password: cfg.StorePassword,
		DB:       cfg.StoreDB,
	}, "napi:")

	svc, err := napi.New(cfg, st)
	if err != nil {
		return nil, err
	}
	if err := svc.Init(ctx); err != nil {
		return nil, fmt.Errorf("initializing buckets: %w", err)
	}
	return svc, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run bucket migrations and serve",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if _, err := newService(ctx); err != nil {
			return err
		}
		util.WithField("store", cfg.StoreAddr).Info("napid ready")

		<-ctx.Done()
		util.Info("shutting down")
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run bucket migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if _, err := newService(ctx); err != nil {
			return err
		}
		util.Info("migrations complete")
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("napid %s\n", version.Info())
	},
}

func isVersionOrHelp(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "help", "version":
			return true
		}
	}
	return false
}

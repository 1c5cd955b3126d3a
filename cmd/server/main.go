package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mama165/sdk-go/logs"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/Tyrowin/investor-relay/internal/server"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		port      string
		uploadDir string
		logLevel  string
	)

	serve := func(cmd *cobra.Command, _ []string) error {
		cfg, err := server.LoadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("port") {
			cfg.Port = port
		}
		if cmd.Flags().Changed("upload-dir") {
			cfg.UploadDir = uploadDir
		}
		if cmd.Flags().Changed("log-level") {
			cfg.LogLevel = logLevel
		}
		return runServer(cfg)
	}

	root := &cobra.Command{
		Use:          "relay",
		Short:        "Real-time investor chat and payment-proof relay",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE:         serve,
	}
	root.PersistentFlags().StringVarP(&port, "port", "p", ":3000", "listen address (overrides SERVER_PORT)")
	root.PersistentFlags().StringVar(&uploadDir, "upload-dir", "uploads", "directory for uploaded files (overrides UPLOAD_DIR)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "log level (overrides LOG_LEVEL)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Start the relay (default)",
			Args:  cobra.NoArgs,
			RunE:  serve,
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		},
	)
	return root
}

func runServer(cfg server.Config) error {
	log := logs.GetLoggerFromString(cfg.LogLevel)

	srv, err := server.New(cfg, afero.NewOsFs(), log)
	if err != nil {
		return fmt.Errorf("init relay: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return srv.Run(ctx)
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/nvr-ai/go-tensordecode/common"
	"github.com/nvr-ai/go-tensordecode/config"
)

// Version is the application version.
const Version = "0.1.0"

var (
	configPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:           "tensordecode",
	Short:         "Decode raw model output tensors into detections, landmarks and masks",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := zerolog.InfoLevel
		if debug {
			level = zerolog.DebugLevel
		}
		common.SetLogger(zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			Level(level).
			With().
			Timestamp().
			Logger())
	},
}

// Execute runs the root command until it finishes or the process is interrupted.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "decoder config file (default ./tensordecode.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "log decode summaries")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	common.Logger().Debug().Str("config", configPath).Msg("loaded config")
	return cfg, nil
}

package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/waybridge/waybridge/internal/bridge"
	"github.com/waybridge/waybridge/internal/comp"
	"github.com/waybridge/waybridge/internal/config"
	"github.com/waybridge/waybridge/internal/logger"
)

var logLevel string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bridge",
	Long:  `Connects to the X server and runs the bridge until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Init(); err != nil {
			return err
		}
		if logLevel != "" {
			logger.SetLevel(logLevel)
		} else {
			logger.SetLevel(config.Get().Logging.LogLevel)
		}

		cfg := config.Get()
		if cfg.Logging.FileLogging {
			logFile, err := logger.SetupFileLogging()
			if err != nil {
				return err
			}
			defer logFile.Close()
		}

		bridge.Version = Version

		b, err := bridge.New(cfg, comp.NewDataDeviceMap())
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(),
			syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		logger.Info("bridge starting", "version", Version)
		err = b.Run(ctx)
		if ctx.Err() != nil {
			logger.Info("bridge stopped")
			return nil
		}
		return err
	},
}

func init() {
	runCmd.Flags().StringVar(&logLevel, "log-level", "", "override configured log level (debug, info, warn, error)")
	rootCmd.AddCommand(runCmd)
}

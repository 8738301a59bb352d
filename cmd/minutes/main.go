package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/Honorable-Knights-of-the-Roundtable/minutes/cmd/config"
	"github.com/Honorable-Knights-of-the-Roundtable/minutes/internal/utils"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	configFilePath string
	logCloser      io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "minutes",
	Short: "Record both sides of a meeting to segmented audio",
	Long: `minutes captures the microphone and the machine's own audio output side by side,
encodes each into short WAV segments as it records, and assembles them into a
single mixed-down file once the recording stops.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadConfig(configFilePath); err != nil {
			return err
		}

		closer, err := utils.ConfigureDefaultLogger(
			viper.GetString("loglevel"),
			viper.GetString("logfile"),
			slog.HandlerOptions{},
		)
		if err != nil {
			return fmt.Errorf("error while configuring default logger: %w", err)
		}
		logCloser = closer
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
		}
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFilePath, "config", "config.yaml", "config file")
	flags.String("loglevel", "", "none, error, warn, info or debug")
	flags.String("logfile", "", "write JSON logs to this file instead of stdout")
	flags.String("datadir", "", "directory recordings are stored below")
	flags.String("ffmpeg", "", "path to the encoder binary")
	flags.String("backend", "", "audio backend, malgo or dummy")
	for _, key := range []string{"loglevel", "logfile", "datadir", "ffmpeg", "backend"} {
		viper.BindPFlag(key, flags.Lookup(key))
	}

	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(assembleCmd)
	rootCmd.AddCommand(deleteCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

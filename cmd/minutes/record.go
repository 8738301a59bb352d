package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/minutes/internal/recorder"
	"github.com/Honorable-Knights-of-the-Roundtable/minutes/pkg/audiodevice"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record until interrupted, then assemble the session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		sessionID, _ := flags.GetString("session")
		inputID, _ := flags.GetString("input-id")
		outputID, _ := flags.GetString("output-id")
		duration, _ := flags.GetDuration("duration")
		skipAssembly, _ := flags.GetBool("no-assemble")

		return record(cmd.Context(), sessionID, audiodevice.DeviceID(inputID), audiodevice.DeviceID(outputID), duration, !skipAssembly)
	},
}

func init() {
	flags := recordCmd.Flags()
	flags.String("session", "", "session id, generated if empty")
	flags.String("input", "", "input device name, \"None\" to skip the microphone")
	flags.String("output", "", "output device name, \"None\" to skip the loopback")
	flags.String("input-id", "", "input device id, takes precedence over the name")
	flags.String("output-id", "", "output device id, takes precedence over the name")
	flags.String("user", "", "user the recording belongs to")
	flags.Duration("duration", 0, "stop after this long instead of waiting for an interrupt")
	flags.Bool("no-assemble", false, "leave the segments as they are")
	flags.String("metricsaddr", "", "serve Prometheus metrics on this address while recording")

	viper.BindPFlag("inputdevice", flags.Lookup("input"))
	viper.BindPFlag("outputdevice", flags.Lookup("output"))
	viper.BindPFlag("userid", flags.Lookup("user"))
	viper.BindPFlag("metricsaddr", flags.Lookup("metricsaddr"))
}

func record(
	ctx context.Context,
	sessionID string,
	inputID audiodevice.DeviceID,
	outputID audiodevice.DeviceID,
	duration time.Duration,
	assemble bool,
) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.serveMetrics(ctx, viper.GetString("metricsaddr"))

	session, err := a.orchestrator.Start(ctx, sessionID, recorder.RecordingOptions{
		UserID:           viper.GetString("userid"),
		InputDeviceName:  viper.GetString("inputdevice"),
		OutputDeviceName: viper.GetString("outputdevice"),
	}, inputID, outputID)
	if err != nil {
		return err
	}

	fmt.Printf("Recording session %s into %s\n", session.ID, session.Dir)
	for _, s := range session.Streams() {
		fmt.Printf("  %-7s %s (%s)\n", s.Direction(), s.Device().Name, s.Format())
	}

	// --------------------------------------------------------------------------------

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	var timeout <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case sig := <-signals:
		slog.Info("stopping on signal", "signal", sig)
	case <-timeout:
		slog.Info("stopping after duration", "duration", duration)
	}

	// A second interrupt abandons the drain, teardown still runs
	stopCtx, stopCancel := context.WithCancel(context.Background())
	defer stopCancel()
	go func() {
		select {
		case <-signals:
			stopCancel()
		case <-stopCtx.Done():
		}
	}()

	fmt.Println("Stopping, waiting for the encoders to flush...")
	report, err := a.orchestrator.Stop(stopCtx)
	if report != nil {
		for _, s := range report.Streams {
			fmt.Printf("  %-7s %d segments, %d chunks dropped\n", s.Direction, s.Segments, s.Dropped)
		}
	}
	if err != nil {
		return err
	}
	if !assemble {
		return nil
	}

	combined, err := a.assembler.Assemble(context.Background(), session.Dir)
	if err != nil {
		return err
	}
	fmt.Println("Wrote", combined)
	return nil
}

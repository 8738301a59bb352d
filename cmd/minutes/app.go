package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/minutes/internal/assembly"
	"github.com/Honorable-Knights-of-the-Roundtable/minutes/internal/audioapi"
	"github.com/Honorable-Knights-of-the-Roundtable/minutes/internal/encoder"
	"github.com/Honorable-Knights-of-the-Roundtable/minutes/internal/metrics"
	"github.com/Honorable-Knights-of-the-Roundtable/minutes/internal/recorder"
	"github.com/spf13/viper"
)

// Everything a command needs, built from the loaded configuration.
type app struct {
	api          audioapi.AudioIODeviceAPI
	registry     *audioapi.Registry
	metrics      *metrics.Metrics
	orchestrator *recorder.Orchestrator
	assembler    *assembly.Assembler
}

func newApp() (*app, error) {
	api, err := audioapi.NewAudioIODeviceAPI(audioapi.BackendConfig{
		Name:                 viper.GetString("backend"),
		LivenessPollInterval: viper.GetDuration("livenesspollinterval"),
	})
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	encoderConfig := encoderConfig(m)

	registry := audioapi.NewRegistry(api)
	return &app{
		api:      api,
		registry: registry,
		metrics:  m,
		orchestrator: recorder.NewOrchestrator(registry, recorder.Config{
			DataDir:           viper.GetString("datadir"),
			Encoder:           encoderConfig,
			DrainTimeout:      viper.GetDuration("draintimeout"),
			DrainPollInterval: viper.GetDuration("drainpollinterval"),
			EncoderGrace:      viper.GetDuration("encodergrace"),
			Metrics:           m,
		}),
		assembler: assembly.New(encoderConfig),
	}, nil
}

func encoderConfig(m *metrics.Metrics) encoder.Config {
	return encoder.Config{
		Binary:  encoder.ResolveBinary(viper.GetString("ffmpeg")),
		Metrics: m,
	}
}

func (a *app) Close() error {
	return a.api.Close()
}

// Serve /metrics on addr until ctx is done. A blank addr serves nothing.
func (a *app) serveMetrics(ctx context.Context, addr string) {
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("serving metrics", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()
}

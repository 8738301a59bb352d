package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/Honorable-Knights-of-the-Roundtable/minutes/internal/utils"
	"github.com/spf13/viper"
)

// Load defaults, then the config file at configFilePath on top.
//
// A missing file is not an error, the defaults (and any bound flags) are used.
// A file that exists but cannot be parsed is.
func LoadConfig(configFilePath string) error {
	utils.SetViperDefaults()

	if configFilePath == "" {
		return nil
	}

	viper.SetConfigFile(configFilePath)
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			slog.Info("no config file found", "configFilePath", configFilePath)
			return nil
		}
		slog.Error("error during config read", "err", err)
		return fmt.Errorf("reading %s: %w", configFilePath, err)
	}
	return nil
}

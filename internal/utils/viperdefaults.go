package utils

import (
	"time"

	"github.com/spf13/viper"
)

// Set the viper defaults for the recorder.
// For use in cmd/config, as well as in tests.
func SetViperDefaults() {
	viper.SetDefault("loglevel", "info")
	viper.SetDefault("logfile", "")
	viper.SetDefault("datadir", "minutes-data")
	viper.SetDefault("ffmpeg", "")
	viper.SetDefault("backend", "malgo")
	viper.SetDefault("inputdevice", "")
	viper.SetDefault("outputdevice", "")
	viper.SetDefault("userid", "")
	viper.SetDefault("draintimeout", 2*time.Minute)
	viper.SetDefault("drainpollinterval", 300*time.Millisecond)
	viper.SetDefault("encodergrace", 5*time.Second)
	viper.SetDefault("livenesspollinterval", time.Second)
	viper.SetDefault("metricsaddr", "")
}

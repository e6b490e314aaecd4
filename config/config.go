// mediafetch/config/config.go
package config

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	Port                string        `mapstructure:"PORT"`
	BaseURL             string        `mapstructure:"BASE"`
	MaxConcurrency      int           `mapstructure:"MAX_CONCURRENCY"`
	DownloadDir         string        `mapstructure:"DOWNLOAD_DIR"`
	ChunkSize           int64         `mapstructure:"CHUNK_SIZE"`
	ProgressInterval    time.Duration `mapstructure:"PROGRESS_INTERVAL"`
	ProgressBuffer      int           `mapstructure:"PROGRESS_BUFFER"`
	FallbackTotalSize   int64         `mapstructure:"FALLBACK_TOTAL_SIZE"`
	JobTimeout          time.Duration `mapstructure:"JOB_TIMEOUT"`
	OutputLocalLifetime time.Duration `mapstructure:"OUTPUT_LOCAL_LIFETIME"`
	YTDLPBin            string        `mapstructure:"YTDLP_BIN"`
	YTDLPArgs           string        `mapstructure:"YTDLP_ARGS"`
	FFBin               string        `mapstructure:"FF_BIN"`
	FFArgs              string        `mapstructure:"FFMPEG_ARGS"`
	ThrottleCPU         float64       `mapstructure:"THROTTLE_CPU"`
	ThrottleFreeMem     int64         `mapstructure:"THROTTLE_FREEMEM"`
	ThrottleFreeDisk    int64         `mapstructure:"THROTTLE_FREEDISK"`
	SubmitRate          float64       `mapstructure:"SUBMIT_RATE"`
	SubmitBurst         int           `mapstructure:"SUBMIT_BURST"`
	LogLevel            string        `mapstructure:"LOG_LEVEL"`
	LogFormat           string        `mapstructure:"LOG_FORMAT"`
}

// stringToDurationHookFunc parses Go duration strings such as "500ms".
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc parses human-readable size strings such as "64KB".
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		err := size.UnmarshalText([]byte(data.(string)))
		if err != nil {
			// Not a size string, let the default decoder try.
			return data, nil
		}

		return int64(size.Bytes()), nil
	}
}

func Load() (*Config, error) {
	vp := viper.New()

	vp.SetDefault("PORT", "3000")
	vp.SetDefault("BASE", "")
	vp.SetDefault("MAX_CONCURRENCY", 2)
	vp.SetDefault("DOWNLOAD_DIR", "downloads")
	vp.SetDefault("CHUNK_SIZE", "64KB")
	vp.SetDefault("PROGRESS_INTERVAL", "500ms")
	vp.SetDefault("PROGRESS_BUFFER", 64)
	vp.SetDefault("FALLBACK_TOTAL_SIZE", "10MB")
	vp.SetDefault("JOB_TIMEOUT", "0s")
	vp.SetDefault("OUTPUT_LOCAL_LIFETIME", "1h23m")
	vp.SetDefault("YTDLP_BIN", "yt-dlp")
	vp.SetDefault("YTDLP_ARGS", "")
	vp.SetDefault("FF_BIN", "ffmpeg")
	vp.SetDefault("FFMPEG_ARGS", "")
	vp.SetDefault("THROTTLE_CPU", 50.0)
	vp.SetDefault("THROTTLE_FREEMEM", "200MB")
	vp.SetDefault("THROTTLE_FREEDISK", "200MB")
	vp.SetDefault("SUBMIT_RATE", 10.0)
	vp.SetDefault("SUBMIT_BURST", 20)
	vp.SetDefault("LOG_LEVEL", "info")
	vp.SetDefault("LOG_FORMAT", "json")

	vp.SetConfigName("mediafetch_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/mediafetch/")

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	vp.SetEnvPrefix("MEDIAFETCH")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	// The first hook that converts the value wins.
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the scheduler cannot run with.
func (c *Config) Validate() error {
	if c.MaxConcurrency < 1 {
		return errors.New("MAX_CONCURRENCY must be at least 1")
	}
	if c.ChunkSize <= 0 {
		return errors.New("CHUNK_SIZE must be positive")
	}
	if c.ProgressInterval <= 0 {
		return errors.New("PROGRESS_INTERVAL must be positive")
	}
	if c.ProgressBuffer < 1 {
		return errors.New("PROGRESS_BUFFER must be at least 1")
	}
	if c.JobTimeout < 0 {
		return errors.New("JOB_TIMEOUT must not be negative")
	}
	return nil
}

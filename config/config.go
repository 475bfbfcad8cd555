// Package config loads the runtime configuration, from defaults, an
// optional config file, and TASKWRAP_ prefixed environment variables, in
// increasing order of precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joeycumines/logiface"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables, e.g. TASKWRAP_LOG_LEVEL,
// or TASKWRAP_REPORT_URL.
const EnvPrefix = `TASKWRAP`

type (
	// Config holds all runtime configuration.
	Config struct {
		Report ReportConfig `mapstructure:"report" validate:"required"`
		// LogLevel is a logiface level name, e.g. info, or disabled.
		LogLevel string `mapstructure:"log_level" validate:"required,oneof=disabled emerg alert crit err warning notice info debug trace"`
		// Debug surfaces the first critical error to the user.
		Debug bool `mapstructure:"debug"`
		// StackCapture records the stack of each pending callback.
		StackCapture bool `mapstructure:"stack_capture"`
	}

	// ReportConfig configures the delivery of error reports.
	ReportConfig struct {
		// URL is where reports are POSTed, reports are not delivered if empty.
		URL           string        `mapstructure:"url" validate:"omitempty,url"`
		BatchSize     int           `mapstructure:"batch_size" validate:"gte=1,lte=1000"`
		FlushInterval time.Duration `mapstructure:"flush_interval" validate:"gt=0"`
		// FollowUpPerHour is the number of reports, per kind, delivered after
		// the first, critical, report. Zero disables follow-up reports.
		FollowUpPerHour int `mapstructure:"followup_per_hour" validate:"gte=0"`
	}
)

// Level parses LogLevel, defaulting to informational.
func (x *Config) Level() logiface.Level {
	for level := logiface.LevelDisabled; level <= logiface.LevelTrace; level++ {
		if level.String() == x.LogLevel {
			return level
		}
	}
	return logiface.LevelInformational
}

// SetDefaults registers the default values, which also makes every key
// available via environment variables.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(`debug`, false)
	v.SetDefault(`log_level`, `info`)
	v.SetDefault(`stack_capture`, true)
	v.SetDefault(`report.url`, ``)
	v.SetDefault(`report.batch_size`, 16)
	v.SetDefault(`report.flush_interval`, time.Second)
	v.SetDefault(`report.followup_per_hour`, 0)
}

// Load reads and validates the configuration. The file is optional, an empty
// path skips it.
func Load(file string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if file != `` {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", file, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(`.`, `_`))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cfg against its validation tags.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}
	return nil
}

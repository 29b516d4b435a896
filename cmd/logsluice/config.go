package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/logsluice/logsluice/config"
)

// loadConfig layers the effective configuration: built-in defaults, then the
// YAML file, then LOGSLUICE_* environment variables (dots become
// underscores, so output.batch_size is LOGSLUICE_OUTPUT_BATCH_SIZE).
func loadConfig(path string) (config.Config, error) {
	cfg := config.Default()

	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("logsluice")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/logsluice")
	}
	v.SetEnvPrefix("LOGSLUICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// Running on defaults plus environment is fine; a file named
		// explicitly must exist.
		if path != "" || !errors.As(err, &notFound) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

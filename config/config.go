// Package config loads the query cache service's configuration from a
// .env file and environment variables, the same two-source pattern the
// rest of the monorepo uses.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds every setting the service needs outside of what's
// passed on the command line for day-one bootstrapping (listen
// address, TLS cert paths — see cmd/querycached).
type Config struct {
	LogLevel  string `mapstructure:"log.level"`  // DEBUG, INFO, WARN, ERROR
	LogFormat string `mapstructure:"log.format"` // json, text

	MaxOpenTokensPerConn int `mapstructure:"limits.max_open_tokens_per_conn"`
	MaxBatchSize         int `mapstructure:"limits.max_batch_size"`

	ReturnEmptyNormalBatches bool `mapstructure:"query.return_empty_normal_batches"`

	AuditLogPath string `mapstructure:"security.audit_log_path"`
	AdminEnabled bool   `mapstructure:"admin.enabled"`
}

// Default returns the configuration a freshly installed service should
// start with if nothing else is supplied.
func Default() Config {
	return Config{
		LogLevel:             "INFO",
		LogFormat:            "json",
		MaxOpenTokensPerConn: 1000,
		MaxBatchSize:         10000,
		AdminEnabled:         true,
	}
}

// Load reads prefix-scoped environment variables (and an optional
// .env file) on top of Default(), the same convention as the rest of
// the monorepo's services: QUERYCACHE_LOG_LEVEL=DEBUG sets
// Config.LogLevel, QUERYCACHE_LIMITS_MAX_BATCH_SIZE=500 sets
// Config.MaxBatchSize, and so on.
func Load(prefix string) (Config, error) {
	cfg := Default()

	v := viper.NewWithOptions(viper.KeyDelimiter("\x00"))
	v.SetConfigFile(".env")
	if err := v.ReadInConfig(); err != nil {
		_, isNotFound := err.(viper.ConfigFileNotFoundError)
		if !isNotFound && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("reading .env: %w", err)
		}
	}

	prefixUpper := strings.ToUpper(prefix)
	for _, envStr := range os.Environ() {
		pair := strings.SplitN(envStr, "=", 2)
		if len(pair) != 2 {
			continue
		}
		key, value := pair[0], pair[1]
		if !strings.HasPrefix(key, prefixUpper) {
			continue
		}
		propKey := strings.TrimPrefix(key, prefixUpper)
		propKey = strings.ToLower(propKey)
		parts := strings.SplitN(propKey, "_", 2)
		if len(parts) == 2 {
			propKey = parts[0] + "." + parts[1]
		}
		v.Set(propKey, value)
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

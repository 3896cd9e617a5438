// Package config provides a reusable loader for entropy-core configuration
// files and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.1.0
package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/entropynet/entropy-core/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for an entropy-core process: the
// connection manager's capacity and default transport tuning, the session
// manager's capacity, and logging. It mirrors the structure of the YAML
// files under config/.
type Config struct {
	Network struct {
		Backend           string `mapstructure:"backend" json:"backend"`
		Endpoint          string `mapstructure:"endpoint" json:"endpoint"`
		ConnectTimeoutMS  int    `mapstructure:"connect_timeout_ms" json:"connect_timeout_ms"`
		MaxMessageSize    int    `mapstructure:"max_message_size" json:"max_message_size"`
		ConnectionCapacity uint32 `mapstructure:"connection_capacity" json:"connection_capacity"`
		SessionCapacity   uint32 `mapstructure:"session_capacity" json:"session_capacity"`
	} `mapstructure:"network" json:"network"`

	Schema struct {
		AppID string `mapstructure:"app_id" json:"app_id"`
	} `mapstructure:"schema" json:"schema"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

func setDefaults() {
	viper.SetDefault("network.backend", "auto")
	viper.SetDefault("network.endpoint", "/tmp/entropy.sock")
	viper.SetDefault("network.connect_timeout_ms", 5000)
	viper.SetDefault("network.max_message_size", 16*1024*1024)
	viper.SetDefault("network.connection_capacity", 256)
	viper.SetDefault("network.session_capacity", 256)
	viper.SetDefault("schema.app_id", "entropy")
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.file", "")
}

// Load reads configuration files and merges any environment specific
// overrides. A .env file in the working directory, if present, is loaded
// into the process environment first so ENTROPY_* overrides below are
// visible to viper's AutomaticEnv. The resulting configuration is stored in
// AppConfig and returned.
//
// The function uses the provided environment name to merge additional
// config files (e.g. env="production" merges config/production.yaml over
// config/default.yaml). If env is empty, only the default configuration is
// loaded. A file already set with viper.SetConfigFile is read in place of
// config/default.yaml.
func Load(env string) (*Config, error) {
	_ = godotenv.Load() // optional; missing .env is not an error

	setDefaults()

	if viper.ConfigFileUsed() == "" {
		viper.SetConfigName("default")
		viper.AddConfigPath("config")
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
	}
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, utils.Wrap(err, "load config")
		}
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.SetEnvPrefix("ENTROPY")
	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the ENTROPY_ENV environment variable
// to select which overlay config file (if any) to merge over the default.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("ENTROPY_ENV", ""))
}

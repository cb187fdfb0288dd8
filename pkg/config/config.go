// Package config provides a reusable loader for meshrund configuration files
// and environment variables.
//
// Version: v0.1.0
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"meshrund/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for a meshrund endpoint runtime. Load
// fills it from default.yaml and an optional <env>.yaml overlay under
// cmd/config or config, when those files exist.
type Config struct {
	Identity struct {
		Name          string `mapstructure:"name" json:"name"`
		PrivateKeyDir string `mapstructure:"private_key_dir" json:"private_key_dir"`
	} `mapstructure:"identity" json:"identity"`

	Ratchet struct {
		Enabled      bool          `mapstructure:"enabled" json:"enabled"`
		Enforce      bool          `mapstructure:"enforce" json:"enforce"`
		Interval     time.Duration `mapstructure:"interval" json:"interval"`
		Retained     int           `mapstructure:"retained" json:"retained"`
		PersistPath  string        `mapstructure:"persist_path" json:"persist_path"`
	} `mapstructure:"ratchet" json:"ratchet"`

	Interfaces []InterfaceConfig `mapstructure:"interfaces" json:"interfaces"`

	Propagation struct {
		Enabled      bool   `mapstructure:"enabled" json:"enabled"`
		SelectedRelay string `mapstructure:"selected_relay" json:"selected_relay"`
	} `mapstructure:"propagation" json:"propagation"`

	Store struct {
		Path string `mapstructure:"path" json:"path"`
	} `mapstructure:"store" json:"store"`

	RPC struct {
		ListenAddr    string `mapstructure:"listen_addr" json:"listen_addr"`
		HTTPAddr      string `mapstructure:"http_addr" json:"http_addr"`
		BindMode      string `mapstructure:"bind_mode" json:"bind_mode"`
		AuthMode      string `mapstructure:"auth_mode" json:"auth_mode"`
		SharedSecret  string `mapstructure:"shared_secret" json:"shared_secret"`
		Issuer        string `mapstructure:"issuer" json:"issuer"`
		Audience      string `mapstructure:"audience" json:"audience"`
		TrustedProxy  bool   `mapstructure:"trusted_proxy" json:"trusted_proxy"`
	} `mapstructure:"rpc" json:"rpc"`

	Metrics struct {
		Enabled bool   `mapstructure:"enabled" json:"enabled"`
		Addr    string `mapstructure:"addr" json:"addr"`
	} `mapstructure:"metrics" json:"metrics"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// InterfaceConfig describes one pluggable byte-pipe interface (spec.md §4.1).
type InterfaceConfig struct {
	Name string `mapstructure:"name" json:"name"`
	Type string `mapstructure:"type" json:"type"` // tcp_client|tcp_server|udp|gossip
	Host string `mapstructure:"host" json:"host"`
	Port int    `mapstructure:"port" json:"port"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment-specific
// overrides. The resulting configuration is stored in AppConfig and returned.
func Load(env string) (*Config, error) {
	_ = godotenv.Load() // best-effort; absence of .env is not an error

	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	setDefaults()
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, utils.Wrap(err, "load config")
		}
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
			}
		}
	}

	viper.SetEnvPrefix("MESHRUND")
	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the MESHRUND_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("MESHRUND_ENV", ""))
}

func setDefaults() {
	viper.SetDefault("ratchet.interval", "30m")
	viper.SetDefault("ratchet.retained", 512)
	viper.SetDefault("store.path", "meshrund.db")
	viper.SetDefault("rpc.listen_addr", "127.0.0.1:4242")
	viper.SetDefault("rpc.bind_mode", "local_only")
	viper.SetDefault("rpc.auth_mode", "local_trusted")
	viper.SetDefault("logging.level", "info")
}

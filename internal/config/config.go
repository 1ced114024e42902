package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	LLM     LLMConfig
	Server  ServerConfig
	Storage StorageConfig `mapstructure:"storage"`
	Log     LogConfig     `mapstructure:"log"`
}

// LLMConfig holds the LLM configuration
type LLMConfig struct {
	Provider         string `mapstructure:"provider"`
	BaseURL          string `mapstructure:"base_url"`
	APIKey           string `mapstructure:"api_key"`
	Model            string `mapstructure:"model"`
	SystemPrompt     string `mapstructure:"system_prompt"`
	DisableStreaming bool   `mapstructure:"disable_streaming"`
}

// ServerConfig holds the server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
	// RateLimit bounds reply-starting requests per client per second. Zero
	// disables it.
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

// StorageConfig says where conversation logs and the catalog live.
type StorageConfig struct {
	Dir         string `mapstructure:"dir"`
	CatalogPath string `mapstructure:"catalog_path"`
}

// LogConfig holds the logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

const envPrefix = "CHATTREE"

func newViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.disable_streaming", false)
	v.SetDefault("llm.system_prompt", "You are a helpful AI assistant. Please respond to the user's request accurately and concisely.")
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.rate_limit", 2)
	v.SetDefault("server.rate_burst", 5)
	v.SetDefault("storage.dir", "data/conversations")
	v.SetDefault("storage.catalog_path", "data/catalog.db")
	v.SetDefault("log.level", "info")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		v.SetConfigFile(path)
		if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext == "" {
			v.SetConfigType("yaml")
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	return v
}

func read(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// Load loads the configuration from CONFIG_PATH, or config.yaml in the
// working directory. A missing config.yaml leaves the defaults in place;
// a missing CONFIG_PATH file is an error.
func Load() (*Config, error) {
	return read(newViper())
}

// Watch loads the configuration and calls onChange every time the config file
// changes, with either the new value or the error that kept it from loading.
// After an error the previous configuration stays in effect.
func Watch(onChange func(*Config, error)) (*Config, error) {
	v := newViper()
	cfg, err := read(v)
	if err != nil {
		return nil, err
	}
	if v.ConfigFileUsed() == "" {
		return cfg, nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		// viper only logs a failed re-read, so read again to see the error.
		if err := v.ReadInConfig(); err != nil {
			onChange(nil, fmt.Errorf("reload %s: %w", e.Name, err))
			return
		}
		var next Config
		if err := v.Unmarshal(&next); err != nil {
			onChange(nil, fmt.Errorf("reload %s: %w", e.Name, err))
			return
		}
		onChange(&next, nil)
	})
	v.WatchConfig()
	return cfg, nil
}

package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/swapdesk/chatserver/internal/database"
)

// Config represents the runtime configuration for the chat delivery server.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Files     FileConfig      `mapstructure:"files"`
	Retention RetentionConfig `mapstructure:"retention"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	LogLevel        string        `mapstructure:"log_level"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RateLimit       RateLimit     `mapstructure:"rate_limit"`
}

// RateLimit bounds requests per client IP and route within a window.
type RateLimit struct {
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

// DatabaseConfig describes connection options for the supported databases.
type DatabaseConfig struct {
	Driver   string   `mapstructure:"driver"`
	Path     string   `mapstructure:"path"`
	DSN      string   `mapstructure:"dsn"`
	Host     string   `mapstructure:"host"`
	Port     int      `mapstructure:"port"`
	Name     string   `mapstructure:"name"`
	User     string   `mapstructure:"user"`
	Password string   `mapstructure:"password"`
}

// AuthConfig captures the signed-challenge authentication settings.
type AuthConfig struct {
	ReplayWindow time.Duration `mapstructure:"replay_window"`
}

// FileConfig bounds the encrypted file transfer path.
type FileConfig struct {
	UploadRateLimit RateLimit `mapstructure:"upload_rate_limit"`
}

// RetentionConfig drives the background sweepers.
type RetentionConfig struct {
	Schedule          string        `mapstructure:"schedule"`
	OfflineDays       int           `mapstructure:"offline_days"`
	StatusDays        int           `mapstructure:"status_days"`
	ResponseTimeDays  int           `mapstructure:"response_time_days"`
	FileDownloadGrace time.Duration `mapstructure:"file_download_grace"`
}

// ToDatabaseConfig converts the loaded section into the database package's
// connection options.
func (c DatabaseConfig) ToDatabaseConfig() database.Config {
	return database.Config{
		Driver:   c.Driver,
		Path:     c.Path,
		DSN:      c.DSN,
		Host:     c.Host,
		Port:     c.Port,
		Name:     c.Name,
		User:     c.User,
		Password: c.Password,
	}
}

// LoadConfig initialises application configuration using Viper with sensible
// defaults. Extra paths are searched for config.yaml before the defaults win.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("CHATSERVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.rate_limit.requests", 100)
	v.SetDefault("server.rate_limit.window", "1m")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/chatserver.sqlite")

	v.SetDefault("auth.replay_window", "5m")

	v.SetDefault("files.upload_rate_limit.requests", 20)
	v.SetDefault("files.upload_rate_limit.window", "1m")

	v.SetDefault("retention.schedule", "0 3 * * *")
	v.SetDefault("retention.offline_days", 7)
	v.SetDefault("retention.status_days", 30)
	v.SetDefault("retention.response_time_days", 90)
	v.SetDefault("retention.file_download_grace", "24h")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

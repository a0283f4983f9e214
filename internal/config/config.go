// Package config loads runtime configuration from an optional .env file, an
// optional YAML file and FILESTORE_* environment variables, in rising priority.
// Other variables in .env (OTEL_*, for instance) are exported to the process
// environment unless already set.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/lgreene/gravix-files/pkg/filestore"
)

// EnvPrefix namespaces every environment variable, e.g. FILESTORE_CONTAINER_NAME.
const EnvPrefix = "FILESTORE"

// Config holds all runtime configuration shared by the binaries.
type Config struct {
	Storage filestore.Options

	Port           int
	APIKey         string
	MaxUploadBytes int64

	LogLevel  string
	LogFormat string

	OTLPEndpoint string
}

var defaults = map[string]any{
	"provider":            filestore.DefaultProvider,
	"container_name":      "",
	"connection_string":   "",
	"presign_ttl":         filestore.DefaultPresignTTL,
	"operation_timeout":   "0s",
	"allow_unsigned_urls": false,
	"port":                8080,
	"api_key":             "",
	"max_upload_bytes":    int64(32 << 20),
	"log_level":           "info",
	"log_format":          "text",
	"otlp_endpoint":       "",
}

// Load reads configuration. path names a YAML file; when empty, ./filestore.yaml
// is used if present.
func Load(path string) (*Config, error) {
	dotenv, err := godotenv.Read()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	// .env only overrides built-in defaults; the YAML file and the real
	// environment both rank above it.
	for name, val := range dotenv {
		key, ok := strings.CutPrefix(name, EnvPrefix+"_")
		if !ok {
			if _, set := os.LookupEnv(name); !set {
				os.Setenv(name, val)
			}
			continue
		}
		v.SetDefault(strings.ToLower(key), val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("filestore")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := &Config{
		Storage: filestore.Options{
			Provider:          v.GetString("provider"),
			ContainerName:     v.GetString("container_name"),
			ConnectionString:  v.GetString("connection_string"),
			PresignTTL:        v.GetDuration("presign_ttl"),
			OperationTimeout:  v.GetDuration("operation_timeout"),
			AllowUnsignedURLs: v.GetBool("allow_unsigned_urls"),
		},
		Port:           v.GetInt("port"),
		APIKey:         v.GetString("api_key"),
		MaxUploadBytes: v.GetInt64("max_upload_bytes"),
		LogLevel:       v.GetString("log_level"),
		LogFormat:      v.GetString("log_format"),
		OTLPEndpoint:   v.GetString("otlp_endpoint"),
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("port out of range: %d", cfg.Port)
	}
	if cfg.MaxUploadBytes <= 0 {
		return nil, fmt.Errorf("max_upload_bytes must be positive, got %d", cfg.MaxUploadBytes)
	}
	return cfg, nil
}

// NewLogger builds a slog logger. format is "json" or "text"; w defaults to stderr.
func NewLogger(level, format string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

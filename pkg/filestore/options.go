package filestore

import (
	"strings"
	"time"

	"github.com/lgreene/gravix-files/pkg/storage"
)

const (
	DefaultProvider   = "azure"
	DefaultPresignTTL = 15 * time.Minute
	// MaxPresignTTL is the longest validity any supported backend accepts (S3 SigV4).
	MaxPresignTTL = 7 * 24 * time.Hour
)

// Options configures a Provider. ContainerName and ConnectionString are required.
type Options struct {
	Provider         string        `mapstructure:"provider"`
	ContainerName    string        `mapstructure:"container_name"`
	ConnectionString string        `mapstructure:"connection_string"`
	PresignTTL       time.Duration `mapstructure:"presign_ttl"`
	// OperationTimeout bounds each operation. Zero disables it.
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	// AllowUnsignedURLs lets GetPresignedDownloadURL fall back to the plain
	// object URL on backends that cannot sign.
	AllowUnsignedURLs bool `mapstructure:"allow_unsigned_urls"`
}

// Validate checks the options without touching the network.
func (o Options) Validate() error {
	if strings.TrimSpace(o.ContainerName) == "" {
		return configError("containerName is required in the provider's options")
	}
	if strings.TrimSpace(o.ConnectionString) == "" {
		return configError("connectionString is required in the provider's options")
	}
	if _, err := storage.Lookup(o.provider()); err != nil {
		return configError("provider: %w", err)
	}
	if o.PresignTTL < 0 || o.PresignTTL > MaxPresignTTL {
		return configError("presignTTL must be between 0 and %s, got %s", MaxPresignTTL, o.PresignTTL)
	}
	if o.OperationTimeout < 0 {
		return configError("operationTimeout must not be negative, got %s", o.OperationTimeout)
	}
	return nil
}

func (o Options) provider() string {
	if o.Provider == "" {
		return DefaultProvider
	}
	return o.Provider
}

func (o Options) presignTTL() time.Duration {
	if o.PresignTTL == 0 {
		return DefaultPresignTTL
	}
	return o.PresignTTL
}

// Package settings resolves the cache's effective configuration. Each setting
// is read from a persistent config store, validated, and replaced by a
// hard-coded default when it is missing or malformed; defaults are written
// back so the next run sees an explicit value. Resolution never fails.
package settings

import (
	"os"
	"path/filepath"
	"time"
)

// Section is the config store section holding every cache setting.
const Section = "cache"

// Setting names as they appear in the config store.
const (
	NameDirectory        = "path"
	NameExpirationLength = "expiration_length"
	NameMaxSize          = "max_size"
	NameCompression      = "compression"
)

// Names lists every setting in resolution order.
var Names = []string{NameDirectory, NameExpirationLength, NameMaxSize, NameCompression}

// Unbounded is the stored form of a max_size without a limit.
const Unbounded = "unbounded"

const (
	DefaultExpirationLength = 7 * 24 * time.Hour
	DefaultMaxSizeBytes     = 0
	DefaultCompression      = true
)

// Settings is the resolved, immutable cache configuration.
type Settings struct {
	Directory          string
	ExpirationLength   time.Duration
	MaxSizeBytes       int64 // 0 means unbounded
	CompressionEnabled bool
}

// Bounded reports whether a size budget applies.
func (s Settings) Bounded() bool {
	return s.MaxSizeBytes > 0
}

// Defaults returns the settings used when nothing is configured.
func Defaults() Settings {
	return Settings{
		Directory:          DefaultDirectory(),
		ExpirationLength:   DefaultExpirationLength,
		MaxSizeBytes:       DefaultMaxSizeBytes,
		CompressionEnabled: DefaultCompression,
	}
}

// DefaultDirectory returns the user-scoped cache folder.
func DefaultDirectory() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "respcache")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".respcache")
	}
	return filepath.Join(os.TempDir(), "respcache")
}

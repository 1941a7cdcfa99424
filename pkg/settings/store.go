package settings

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/jmgilman/go/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Store is the persistent config store settings are read from and repaired in.
type Store interface {
	// Get returns the raw value for key ("section.name") and whether it is set.
	Get(key string) (interface{}, bool)

	// Set records value for key in memory.
	Set(key string, value interface{})

	// Persist writes the store back to its backing file.
	Persist() error
}

// ViperStore is a Store backed by an INI config file read through viper.
type ViperStore struct {
	v    *viper.Viper
	path string
}

// DefaultConfigPath returns the user-scoped config file location.
func DefaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "respcache", "config.cnf")
}

// OpenViperStore loads the config file at path. A missing file is an empty
// store; an unreadable or unparsable one is logged and treated as empty, so
// every setting falls back to its default.
func OpenViperStore(path string, logger logrus.FieldLogger) *ViperStore {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("ini")

	if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.WithFields(logrus.Fields{
			"action": "settings_load",
			"path":   path,
			"error":  err,
		}).Warn("config store unreadable, using defaults")
		v = viper.New()
		v.SetConfigFile(path)
		v.SetConfigType("ini")
	}

	return &ViperStore{v: v, path: path}
}

func (s *ViperStore) Get(key string) (interface{}, bool) {
	if !s.v.IsSet(key) {
		return nil, false
	}
	return s.v.Get(key), true
}

func (s *ViperStore) Set(key string, value interface{}) {
	s.v.Set(key, value)
}

func (s *ViperStore) Persist() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := s.v.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("failed to write config %s: %w", s.path, err)
	}
	return nil
}

// Path returns the backing file.
func (s *ViperStore) Path() string {
	return s.path
}

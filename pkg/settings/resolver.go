package settings

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmgilman/go/errors"
	"github.com/jmgilman/go/fs/core"
	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"
)

// Resolution is the outcome of resolving one setting. Err explains why the
// stored value was rejected: errors.CodeNotFound when it was missing,
// errors.CodeInvalidConfig when it was malformed. Value then holds the default.
type Resolution struct {
	Name  string
	Value interface{}
	Err   error
}

// Defaulted reports whether the default replaced the stored value.
func (r Resolution) Defaulted() bool {
	return r.Err != nil
}

// IsMissing reports whether err marks an unset setting.
func IsMissing(err error) bool {
	return errors.GetCode(err) == errors.CodeNotFound
}

// IsMalformed reports whether err marks a setting that failed validation.
func IsMalformed(err error) bool {
	return errors.GetCode(err) == errors.CodeInvalidConfig
}

// Resolver derives Settings from a Store. The full Settings value is computed
// once and reused for the life of the Resolver.
type Resolver struct {
	store    Store
	fs       core.FS
	logger   logrus.FieldLogger
	defaults Settings

	once     sync.Once
	settings Settings
}

// NewResolver creates a resolver. fsys is used to check that the cache directory is writable.
func NewResolver(store Store, fsys core.FS, logger logrus.FieldLogger) *Resolver {
	return &Resolver{
		store:    store,
		fs:       fsys,
		logger:   logger,
		defaults: Defaults(),
	}
}

// WithDefaults overrides the fallback values, mostly for tests and for
// callers that want a different default location.
func (r *Resolver) WithDefaults(d Settings) *Resolver {
	r.defaults = d
	return r
}

// Settings resolves every setting on first use and returns the memoized result.
func (r *Resolver) Settings() Settings {
	r.once.Do(func() {
		s := r.defaults
		for _, name := range Names {
			res := r.Resolve(name)
			switch name {
			case NameDirectory:
				s.Directory = res.Value.(string)
			case NameExpirationLength:
				s.ExpirationLength = res.Value.(time.Duration)
			case NameMaxSize:
				s.MaxSizeBytes = res.Value.(int64)
			case NameCompression:
				s.CompressionEnabled = res.Value.(bool)
			}
		}
		r.settings = s
	})
	return r.settings
}

// Resolve reads, validates, and if necessary repairs a single setting.
func (r *Resolver) Resolve(name string) Resolution {
	key := Section + "." + name
	res := Resolution{Name: name}

	raw, ok := r.store.Get(key)
	if !ok || isBlank(raw) {
		res.Err = errors.Newf(errors.CodeNotFound, "setting %s is not set", key)
	} else {
		value, err := r.parse(name, raw)
		if err == nil {
			res.Value = value
			return res
		}
		res.Err = errors.Wrapf(err, errors.CodeInvalidConfig, "setting %s is invalid", key)
	}

	res.Value = r.defaultValue(name)
	fields := logrus.Fields{
		"action":  "settings_default",
		"setting": key,
		"default": storedForm(res.Value),
	}
	if IsMalformed(res.Err) {
		r.logger.WithFields(fields).WithField("error", res.Err).Warn("replacing invalid setting with default")
	} else {
		r.logger.WithFields(fields).Info("setting missing, persisting default")
	}

	r.store.Set(key, storedForm(res.Value))
	if err := r.store.Persist(); err != nil {
		r.logger.WithFields(logrus.Fields{
			"action":  "settings_persist",
			"setting": key,
			"error":   err,
		}).Warn("failed to persist default setting")
	}
	return res
}

func (r *Resolver) parse(name string, raw interface{}) (interface{}, error) {
	switch name {
	case NameDirectory:
		return r.parseDirectory(raw)
	case NameExpirationLength:
		return parseExpirationLength(raw)
	case NameMaxSize:
		return parseMaxSize(raw)
	case NameCompression:
		var enabled bool
		if err := decode(raw, &enabled); err != nil {
			return nil, err
		}
		return enabled, nil
	default:
		return nil, fmt.Errorf("unknown setting %q", name)
	}
}

func (r *Resolver) defaultValue(name string) interface{} {
	switch name {
	case NameDirectory:
		return r.defaults.Directory
	case NameExpirationLength:
		return r.defaults.ExpirationLength
	case NameMaxSize:
		return r.defaults.MaxSizeBytes
	default:
		return r.defaults.CompressionEnabled
	}
}

// parseDirectory accepts a directory only if a file can be created in it.
func (r *Resolver) parseDirectory(raw interface{}) (string, error) {
	var dir string
	if err := decode(raw, &dir); err != nil {
		return "", err
	}
	if strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to expand %q: %w", dir, err)
		}
		dir = filepath.Join(home, dir[2:])
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %q: %w", dir, err)
	}
	if err := r.checkWritable(dir); err != nil {
		return "", err
	}
	return dir, nil
}

func (r *Resolver) checkWritable(dir string) error {
	if err := r.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	name := filepath.Join(dir, ".writable-"+uuid.NewString())
	f, err := r.fs.Create(name)
	if err != nil {
		return fmt.Errorf("directory %s is not writable: %w", dir, err)
	}
	_ = f.Close()
	if err := r.fs.Remove(name); err != nil {
		return fmt.Errorf("failed to remove writability check file: %w", err)
	}
	return nil
}

func parseExpirationLength(raw interface{}) (time.Duration, error) {
	var d time.Duration
	if err := decode(raw, &d, durationDecodeHook()); err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("expiration length must be positive, got %s", d)
	}
	return d, nil
}

func parseMaxSize(raw interface{}) (int64, error) {
	if s, ok := raw.(string); ok && strings.EqualFold(strings.TrimSpace(s), Unbounded) {
		return 0, nil
	}
	var size int64
	if err := decode(raw, &size); err != nil {
		return 0, err
	}
	if size <= 0 {
		return 0, fmt.Errorf("max size must be greater than zero, got %d", size)
	}
	return size, nil
}

func decode(raw interface{}, target interface{}, hooks ...mapstructure.DecodeHookFunc) error {
	cfg := &mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           target,
	}
	if len(hooks) > 0 {
		cfg.DecodeHook = mapstructure.ComposeDecodeHookFunc(hooks...)
	}
	dec, err := mapstructure.NewDecoder(cfg)
	if err != nil {
		return err
	}
	if s, ok := raw.(string); ok {
		raw = strings.TrimSpace(s)
	}
	return dec.Decode(raw)
}

// durationDecodeHook accepts Go duration strings ("36h", "90m") and bare
// numbers, which count hours.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(time.Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if parsed, err := time.ParseDuration(v); err == nil {
				return parsed, nil
			}
			if hours, err := strconv.ParseFloat(v, 64); err == nil {
				return time.Duration(hours * float64(time.Hour)), nil
			}
			return nil, fmt.Errorf("cannot parse duration %q", v)
		case int:
			return time.Duration(v) * time.Hour, nil
		case int64:
			return time.Duration(v) * time.Hour, nil
		case float64:
			return time.Duration(v * float64(time.Hour)), nil
		case time.Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("unsupported duration type %T", v)
		}
	}
}

func isBlank(raw interface{}) bool {
	if raw == nil {
		return true
	}
	s, ok := raw.(string)
	return ok && strings.TrimSpace(s) == ""
}

// storedForm is how a resolved value is written back to the store.
func storedForm(v interface{}) interface{} {
	switch value := v.(type) {
	case time.Duration:
		return value.String()
	case int64:
		if value <= 0 {
			return Unbounded
		}
		return strconv.FormatInt(value, 10)
	case bool:
		return strconv.FormatBool(value)
	default:
		return value
	}
}

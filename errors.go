package respcache

import (
	"github.com/jmgilman/go/errors"
)

// IsInvalidInput reports whether err was caused by a bad key, path or payload.
func IsInvalidInput(err error) bool {
	return errors.GetCode(err) == errors.CodeInvalidInput
}

// IsInternal reports whether err was caused by a failing filesystem.
func IsInternal(err error) bool {
	return errors.GetCode(err) == errors.CodeInternal
}

func invalidKey(err error, category, id string) error {
	return errors.WithContextMap(
		errors.Wrap(err, errors.CodeInvalidInput, "invalid cache key"),
		map[string]interface{}{"category": category, "id": id},
	)
}

func internal(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, errors.CodeInternal, format, args...)
}

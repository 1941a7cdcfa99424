package catalog

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// ExpiryLayout is the on-disk form of expiry instants (strftime
// `%Y-%m-%d:%H:%M:%S.%f`). Instants are stored in UTC.
const ExpiryLayout = "2006-01-02:15:04:05.000000"

// expiryParseLayout omits the fraction: Go accepts an optional fractional
// second after the seconds field, so both forms parse.
const expiryParseLayout = "2006-01-02:15:04:05"

// ID stringifies an identifier so that numeric and string ids with the same
// string form address the same entry.
func ID(id interface{}) string {
	switch v := id.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// ValidateKey reports whether category and id can be stored in a catalog
// without colliding with the file syntax. Both parts also name a path element
// below the cache root, so separators and dot segments are rejected.
func ValidateKey(category, id string) error {
	if err := validatePart("category", category); err != nil {
		return err
	}
	if category == ini.DefaultSection {
		return fmt.Errorf("category %q is reserved", category)
	}
	return validatePart("id", id)
}

func validatePart(name, value string) error {
	if value == "" {
		return fmt.Errorf("%s must not be empty", name)
	}
	if strings.TrimSpace(value) != value {
		return fmt.Errorf("%s %q must not have surrounding whitespace", name, value)
	}
	if strings.ContainsAny(value, "=:[]\r\n`\"") {
		return fmt.Errorf("%s %q contains a reserved character", name, value)
	}
	if strings.HasPrefix(value, "#") || strings.HasPrefix(value, ";") {
		return fmt.Errorf("%s %q must not start with a comment marker", name, value)
	}
	if strings.ContainsAny(value, `/\`) {
		return fmt.Errorf("%s %q must not contain a path separator", name, value)
	}
	if value == "." || value == ".." {
		return fmt.Errorf("%s %q is not a valid path element", name, value)
	}
	return nil
}

// FormatExpiry renders t in ExpiryLayout.
func FormatExpiry(t time.Time) string {
	return t.UTC().Format(ExpiryLayout)
}

// ParseExpiry parses a value written by FormatExpiry, with or without the
// fractional seconds.
func ParseExpiry(s string) (time.Time, error) {
	t, err := time.Parse(expiryParseLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse expiry %q: %w", s, err)
	}
	return t, nil
}

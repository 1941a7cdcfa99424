// Package codec persists cache payloads to files, either raw or as a gzip
// stream, and reads them back without relying on the current compression
// setting: the stored format is sniffed, so a cache populated with compression
// on stays readable after it is switched off and vice versa.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/jmgilman/go/fs/core"
	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
)

// CompressionLevel is the fixed gzip level used for every compressed entry.
const CompressionLevel = gzip.BestSpeed

// Format identifies how a payload is laid out on disk.
type Format int

const (
	FormatRaw Format = iota
	FormatGzip
)

func (f Format) String() string {
	if f == FormatGzip {
		return "gzip"
	}
	return "raw"
}

var (
	// ErrCorrupt is returned by Decode when the data fails both formats.
	ErrCorrupt = errors.New("cache entry is corrupt")

	// errWrongFormat marks a structural mismatch that warrants trying the
	// other format.
	errWrongFormat = errors.New("payload is not in the attempted format")
)

var gzipMagic = []byte{0x1f, 0x8b}

// Codec reads and writes entry files through a core.FS.
type Codec struct {
	fs     core.FS
	logger logrus.FieldLogger
}

// New creates a codec over fsys.
func New(fsys core.FS, logger logrus.FieldLogger) *Codec {
	return &Codec{
		fs:     fsys,
		logger: logger,
	}
}

// Write stores payload at path, compressing it when compressed is set.
// Parent directories are created as needed and the file is replaced
// atomically. Returns the number of bytes written to disk.
func (c *Codec) Write(path string, payload []byte, compressed bool) (int64, error) {
	data, err := Encode(payload, compressed)
	if err != nil {
		return 0, err
	}

	dir := filepath.Dir(path)
	if err := c.fs.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create entry directory: %w", err)
	}

	// Write to temp file first for atomic operation. A crash leaves at most a
	// stray temp file, which the orphan sweep removes.
	tmpPath := filepath.Join(dir, ".tmp-"+filepath.Base(path)+"-"+uuid.NewString())
	if err := c.fs.WriteFile(tmpPath, data, 0o644); err != nil {
		_ = c.fs.Remove(tmpPath)
		return 0, fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := c.fs.Rename(tmpPath, path); err != nil {
		_ = c.fs.Remove(tmpPath)
		return 0, fmt.Errorf("failed to rename entry file: %w", err)
	}

	return int64(len(data)), nil
}

// Read returns the payload stored at path. compressedHint selects the format
// tried first. A missing or corrupt file is reported as a miss.
func (c *Codec) Read(path string, compressedHint bool) ([]byte, bool) {
	data, err := c.fs.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			c.logger.WithFields(logrus.Fields{
				"action": "codec_read",
				"path":   path,
				"error":  err,
			}).Warn("failed to read cache entry")
		}
		return nil, false
	}

	payload, format, err := Decode(data, compressedHint)
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"action": "codec_read",
			"path":   path,
			"error":  err,
		}).Warn("discarding unreadable cache entry")
		return nil, false
	}

	if (format == FormatGzip) != compressedHint {
		c.logger.WithFields(logrus.Fields{
			"action": "codec_fallback",
			"path":   path,
			"format": format.String(),
		}).Debug("cache entry stored in the other format")
	}
	return payload, true
}

// Encode returns the on-disk form of payload. A payload that itself starts
// with the gzip magic is compressed even when compressed is false, so a raw
// file never starts with the magic and sniffing stays unambiguous.
func Encode(payload []byte, compressed bool) ([]byte, error) {
	if !compressed && !bytes.HasPrefix(payload, gzipMagic) {
		return payload, nil
	}

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, CompressionLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}
	if _, err := zw.Write(payload); err != nil {
		return nil, fmt.Errorf("failed to compress payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish compressed payload: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode turns the on-disk form back into the payload. The hinted format is
// attempted first and the other one second; ErrCorrupt is returned when both
// fail.
func Decode(data []byte, compressedHint bool) ([]byte, Format, error) {
	if len(data) == 0 {
		return nil, FormatRaw, ErrCorrupt
	}

	order := []Format{FormatRaw, FormatGzip}
	if compressedHint {
		order = []Format{FormatGzip, FormatRaw}
	}

	for _, format := range order {
		var (
			payload []byte
			err     error
		)
		if format == FormatGzip {
			payload, err = decodeGzip(data)
		} else {
			payload, err = decodeRaw(data)
		}
		if err == nil {
			return payload, format, nil
		}
		if !errors.Is(err, errWrongFormat) {
			return nil, format, err
		}
	}
	return nil, FormatRaw, ErrCorrupt
}

// decodeRaw rejects data carrying the gzip magic, which Encode never writes
// raw.
func decodeRaw(data []byte) ([]byte, error) {
	if bytes.HasPrefix(data, gzipMagic) {
		return nil, errWrongFormat
	}
	return data, nil
}

func decodeGzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errWrongFormat, err)
	}
	defer zr.Close()

	payload, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errWrongFormat, err)
	}
	return payload, nil
}

package bytecask

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
	"github.com/tailscale/hujson"
	"go.uber.org/zap"
)

// DefaultMaxConcurrentReaders is the reader pool's default idle
// capacity (spec.md §6).
const DefaultMaxConcurrentReaders = 10

// DefaultMaxFileSize is the default rotation threshold (spec.md §6):
// 2^31 - 1 bytes.
const DefaultMaxFileSize int64 = 1<<31 - 1

// Options configures an Engine at Open.
type Options struct {
	// MaxConcurrentReaders bounds the reader pool's idle handle
	// capacity. Zero means DefaultMaxConcurrentReaders.
	MaxConcurrentReaders int

	// MaxFileSize is the size in bytes past which an append triggers a
	// rotation. Zero means DefaultMaxFileSize.
	MaxFileSize int64

	// PrefixedKeys enables the optional on-disk key-prefix transform
	// described in spec.md §4.5. The index always stores logical keys;
	// this only changes what's written to the data file.
	PrefixedKeys bool

	// Logger receives structured events (open, rotation, merge,
	// recovery, scan corruption). Defaults to a no-op logger.
	Logger *zap.Logger
}

// withDefaults returns a copy of o with zero-valued fields replaced by
// their defaults.
func (o Options) withDefaults() Options {
	if o.MaxConcurrentReaders <= 0 {
		o.MaxConcurrentReaders = DefaultMaxConcurrentReaders
	}
	if o.MaxFileSize <= 0 {
		o.MaxFileSize = DefaultMaxFileSize
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// fileOptions is the JSON shape LoadOptionsFile accepts. Logger is not
// configurable from a file — it's a host-side concern, not a
// persisted/config one.
type fileOptions struct {
	MaxConcurrentReaders int   `json:"maxConcurrentReaders"`
	MaxFileSize          int64 `json:"maxFileSize"`
	PrefixedKeys         bool  `json:"prefixedKeys"`
}

// LoadOptionsFile reads Options from a JWCC (JSON-with-comments) file at
// path, the same config shape calvinalkan-agent-task loads its own
// settings from. Comments and trailing commas are stripped before
// unmarshaling; an absent field keeps its Options zero value (and so
// picks up withDefaults' default when Open is called).
func LoadOptionsFile(path string) (Options, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Options{}, errors.Wrap(err, "bytecask: read options file")
	}

	standardized, err := hujson.Standardize(raw)
	if err != nil {
		return Options{}, errors.Wrap(err, "bytecask: parse options file")
	}

	var fo fileOptions
	if err := json.Unmarshal(standardized, &fo); err != nil {
		return Options{}, errors.Wrap(err, "bytecask: decode options file")
	}

	return Options{
		MaxConcurrentReaders: fo.MaxConcurrentReaders,
		MaxFileSize:          fo.MaxFileSize,
		PrefixedKeys:         fo.PrefixedKeys,
	}, nil
}

// Package archive deals with the backup archive formats: zip and tar, plus
// tar archives split into numbered parts for transport. The format of an
// archive is decided by sniffing its content, never by its file extension,
// because remote sources are allowed to mislabel what they serve.
package archive

import (
	"fmt"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/supervisely-ecosystem/restore-archived-project/internal/ui/progress"
)

// Format is an archive format detected from file content.
type Format int

const (
	FormatUnknown Format = iota
	FormatTar
	FormatZip
)

func (f Format) String() string {
	switch f {
	case FormatTar:
		return "tar"
	case FormatZip:
		return "zip"
	default:
		return "unknown"
	}
}

// IntegrityError reports unrecognized or corrupt archive content. It is
// fatal: a broken archive cannot be restored from.
type IntegrityError struct {
	Path string
	Err  error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("archive %v is not restorable: %v", e.Path, e.Err)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// CounterFunc returns a progress counter for one extraction or packing pass.
// description names the pass, total is the number of bytes it will process.
type CounterFunc func(description string, total uint64) *progress.Counter

// An Extractor unpacks and packs backup archives on a filesystem.
type Extractor struct {
	fs         afero.Fs
	log        *zap.Logger
	newCounter CounterFunc
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithFS sets the filesystem archives are read from and extracted to.
func WithFS(fs afero.Fs) Option {
	return func(e *Extractor) { e.fs = fs }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(e *Extractor) { e.log = log }
}

// WithCounterFunc sets the factory for per-pass progress counters.
func WithCounterFunc(fn CounterFunc) Option {
	return func(e *Extractor) { e.newCounter = fn }
}

// NewExtractor returns an Extractor operating on the OS filesystem unless
// overridden.
func NewExtractor(opts ...Option) *Extractor {
	e := &Extractor{
		fs:  afero.NewOsFs(),
		log: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Extractor) counter(description string, total uint64) *progress.Counter {
	if e.newCounter == nil {
		return nil
	}
	return e.newCounter(description, total)
}

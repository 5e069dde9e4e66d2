// Package fsutil holds the filesystem-level helpers of the restore pipeline:
// the disk-space preflight guard and bulk tree operations.
package fsutil

import (
	"fmt"
	"os"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/supervisely-ecosystem/restore-archived-project/internal/errors"
)

// CapacityError reports that the destination filesystem cannot hold the data
// about to be written to it. It is raised before any destructive work begins.
type CapacityError struct {
	Dest     string
	Required uint64
	Free     uint64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("not enough disk space at %v: %d bytes required, %d free", e.Dest, e.Required, e.Free)
}

// A Guard performs disk-capacity preflight checks.
type Guard struct {
	fs        afero.Fs
	log       *zap.Logger
	freeSpace func(dir string) (uint64, error)
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithFS sets the filesystem source sizes are computed on.
func WithFS(fs afero.Fs) GuardOption {
	return func(g *Guard) { g.fs = fs }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) GuardOption {
	return func(g *Guard) { g.log = log }
}

// WithFreeSpaceFunc overrides the free-space probe, used by tests.
func WithFreeSpaceFunc(fn func(dir string) (uint64, error)) GuardOption {
	return func(g *Guard) { g.freeSpace = fn }
}

// NewGuard returns a Guard probing the OS filesystem unless overridden.
func NewGuard(opts ...GuardOption) *Guard {
	g := &Guard{
		fs:        afero.NewOsFs(),
		log:       zap.NewNop(),
		freeSpace: freeSpace,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check verifies that destDir has room for the file or directory tree at
// sourcePath. Equal size is a failure: extraction must not be able to fill
// the filesystem to the last byte. A missing or empty destination resolves
// to the current directory, so the check always runs against something.
func (g *Guard) Check(sourcePath, destDir string) error {
	fi, err := g.fs.Stat(sourcePath)
	if err != nil {
		return errors.Wrapf(err, "stat %v", sourcePath)
	}

	var required uint64
	if fi.IsDir() {
		required, err = DirSize(g.fs, sourcePath)
		if err != nil {
			return err
		}
	} else {
		required = uint64(fi.Size())
	}

	dest := destDir
	if dest == "" {
		dest = "."
	} else if ok, derr := afero.DirExists(g.fs, dest); derr != nil || !ok {
		dest = "."
	}

	free, err := g.freeSpace(dest)
	if err != nil {
		return errors.Wrapf(err, "querying free space at %v", dest)
	}

	g.log.Debug("disk space preflight",
		zap.String("source", sourcePath), zap.String("dest", dest),
		zap.Uint64("required", required), zap.Uint64("free", free))

	if free <= required {
		return &CapacityError{Dest: dest, Required: required, Free: free}
	}
	return nil
}

// DirSize returns the total size in bytes of all regular files below dir.
func DirSize(fs afero.Fs, dir string) (uint64, error) {
	var total uint64
	err := afero.Walk(fs, dir, func(_ string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.Mode().IsRegular() {
			total += uint64(fi.Size())
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrapf(err, "sizing %v", dir)
	}
	return total, nil
}

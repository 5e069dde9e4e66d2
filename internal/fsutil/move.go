package fsutil

import (
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/supervisely-ecosystem/restore-archived-project/internal/errors"
)

// MovePool moves every entry of poolDir into destDir and removes the then
// empty pool. Rename is attempted first; entries that cannot be renamed
// (cross-device pools) are copied and deleted.
func MovePool(fs afero.Fs, poolDir, destDir string) error {
	infos, err := afero.ReadDir(fs, poolDir)
	if err != nil {
		return errors.Wrapf(err, "listing pool %v", poolDir)
	}
	if err := fs.MkdirAll(destDir, 0o755); err != nil {
		return errors.Wrapf(err, "creating %v", destDir)
	}

	for _, fi := range infos {
		src := filepath.Join(poolDir, fi.Name())
		dst := filepath.Join(destDir, fi.Name())
		if err := fs.Rename(src, dst); err == nil {
			continue
		}
		if err := copyAll(fs, src, dst); err != nil {
			return err
		}
		if err := fs.RemoveAll(src); err != nil {
			return errors.Wrapf(err, "removing %v", src)
		}
	}

	return errors.Wrapf(fs.RemoveAll(poolDir), "removing pool %v", poolDir)
}

func copyAll(fs afero.Fs, src, dst string) error {
	fi, err := fs.Stat(src)
	if err != nil {
		return errors.Wrapf(err, "stat %v", src)
	}

	if !fi.IsDir() {
		return copyFile(fs, src, dst, fi.Mode())
	}

	if err := fs.MkdirAll(dst, 0o755); err != nil {
		return errors.Wrapf(err, "creating %v", dst)
	}
	infos, err := afero.ReadDir(fs, src)
	if err != nil {
		return errors.Wrapf(err, "listing %v", src)
	}
	for _, child := range infos {
		if err := copyAll(fs, filepath.Join(src, child.Name()), filepath.Join(dst, child.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(fs afero.Fs, src, dst string, mode os.FileMode) error {
	in, err := fs.Open(src)
	if err != nil {
		return errors.Wrapf(err, "opening %v", src)
	}
	defer func() { _ = in.Close() }()

	if err := fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrapf(err, "creating %v", filepath.Dir(dst))
	}
	out, err := fs.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return errors.Wrapf(err, "creating %v", dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return errors.Wrapf(err, "copying %v", src)
	}
	return errors.Wrapf(out.Close(), "closing %v", dst)
}

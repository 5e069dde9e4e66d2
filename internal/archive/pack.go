package archive

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/supervisely-ecosystem/restore-archived-project/internal/errors"
)

// Pack writes the directory tree rooted at dir into a tar archive at
// tarPath. Member names are slash-separated paths relative to dir.
func (e *Extractor) Pack(dir, tarPath string) error {
	var total uint64
	err := afero.Walk(e.fs, dir, func(_ string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.Mode().IsRegular() {
			total += uint64(fi.Size())
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "sizing %v", dir)
	}

	e.log.Info("packing directory",
		zap.String("dir", dir), zap.String("archive", tarPath), zap.Uint64("bytes", total))

	out, err := e.fs.Create(tarPath)
	if err != nil {
		return errors.Wrapf(err, "creating %v", tarPath)
	}

	counter := e.counter("packing "+filepath.Base(dir), total)
	defer counter.Done()

	tw := tar.NewWriter(out)
	err = afero.Walk(e.fs, dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		hdr, err := tar.FileInfoHeader(fi, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if fi.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !fi.Mode().IsRegular() {
			return nil
		}

		file, err := e.fs.Open(path)
		if err != nil {
			return err
		}
		n, err := io.Copy(tw, file)
		_ = file.Close()
		counter.Add(uint64(n))
		return err
	})
	if err != nil {
		_ = tw.Close()
		_ = out.Close()
		return errors.Wrapf(err, "packing %v", dir)
	}

	if err := tw.Close(); err != nil {
		_ = out.Close()
		return errors.Wrapf(err, "finalizing %v", tarPath)
	}
	return out.Close()
}

package archive

import (
	"archive/tar"
	"archive/zip"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/supervisely-ecosystem/restore-archived-project/internal/errors"
)

// Extract unpacks the archive at path into dest, deciding the format by
// content. The archive file is removed once extraction fully succeeded, and
// any split-archive parts revealed by the extraction are reassembled and
// extracted the same way. Decode failures are fatal IntegrityErrors.
func (e *Extractor) Extract(path, dest string) error {
	format, err := Sniff(e.fs, path)
	if err != nil {
		return err
	}

	e.log.Info("extracting archive",
		zap.String("archive", path), zap.String("format", format.String()), zap.String("dest", dest))

	switch format {
	case FormatTar:
		err = e.extractTar(path, dest)
	case FormatZip:
		err = e.extractZip(path, dest)
	default:
		return &IntegrityError{Path: path, Err: errors.Errorf("unsupported format %v", format)}
	}
	if err != nil {
		return err
	}

	if err := e.fs.Remove(path); err != nil {
		return errors.Wrapf(err, "removing extracted archive %v", path)
	}

	// Extraction may have revealed nested split parts, one level down.
	combined, err := e.Reassemble(dest)
	if err != nil {
		return err
	}
	if combined != "" {
		return e.Extract(combined, dest)
	}
	return nil
}

func (e *Extractor) extractTar(path, dest string) error {
	// First pass sums member sizes so progress is proportional to
	// cumulative decompressed bytes.
	var total uint64
	if err := e.walkTar(path, func(hdr *tar.Header, _ *tar.Reader) error {
		if hdr.Typeflag == tar.TypeReg {
			total += uint64(hdr.Size)
		}
		return nil
	}); err != nil {
		return err
	}

	counter := e.counter("extracting "+filepath.Base(path), total)
	defer counter.Done()

	return e.walkTar(path, func(hdr *tar.Header, tr *tar.Reader) error {
		target, err := memberPath(dest, hdr.Name)
		if err != nil {
			return &IntegrityError{Path: path, Err: err}
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			return e.fs.MkdirAll(target, 0o755)
		case tar.TypeReg:
			if err := e.writeMember(target, tr, hdr.Size); err != nil {
				return err
			}
			counter.Add(uint64(hdr.Size))
			return nil
		default:
			// symlinks and special files do not occur in backups
			e.log.Debug("skipping archive member",
				zap.String("name", hdr.Name), zap.Uint8("type", hdr.Typeflag))
			return nil
		}
	})
}

func (e *Extractor) walkTar(path string, fn func(*tar.Header, *tar.Reader) error) error {
	file, err := e.fs.Open(path)
	if err != nil {
		return errors.Wrapf(err, "opening %v", path)
	}
	defer func() { _ = file.Close() }()

	tr := tar.NewReader(file)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return &IntegrityError{Path: path, Err: err}
		}
		if err := fn(hdr, tr); err != nil {
			return err
		}
	}
}

func (e *Extractor) extractZip(path, dest string) error {
	file, err := e.fs.Open(path)
	if err != nil {
		return errors.Wrapf(err, "opening %v", path)
	}
	defer func() { _ = file.Close() }()

	fi, err := file.Stat()
	if err != nil {
		return errors.Wrapf(err, "stat %v", path)
	}

	zr, err := zip.NewReader(file, fi.Size())
	if err != nil {
		return &IntegrityError{Path: path, Err: err}
	}

	var total uint64
	for _, member := range zr.File {
		if !member.FileInfo().IsDir() {
			total += member.UncompressedSize64
		}
	}

	counter := e.counter("extracting "+filepath.Base(path), total)
	defer counter.Done()

	for _, member := range zr.File {
		target, err := memberPath(dest, member.Name)
		if err != nil {
			return &IntegrityError{Path: path, Err: err}
		}
		if member.FileInfo().IsDir() {
			if err := e.fs.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}

		rc, err := member.Open()
		if err != nil {
			return &IntegrityError{Path: path, Err: err}
		}
		err = e.writeMember(target, rc, int64(member.UncompressedSize64))
		_ = rc.Close()
		if err != nil {
			var integrity *IntegrityError
			if errors.As(err, &integrity) {
				return err
			}
			// decompression errors surface while copying
			return &IntegrityError{Path: path, Err: err}
		}
		counter.Add(member.UncompressedSize64)
	}
	return nil
}

func (e *Extractor) writeMember(target string, r io.Reader, size int64) error {
	if err := e.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := e.fs.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, io.LimitReader(r, size)); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// memberPath joins an archive member name onto dest, rejecting names that
// would escape it.
func memberPath(dest, name string) (string, error) {
	name = filepath.FromSlash(name)
	if !filepath.IsLocal(name) {
		return "", errors.Errorf("archive member %q escapes the destination directory", name)
	}
	return filepath.Join(dest, name), nil
}

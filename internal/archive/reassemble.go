package archive

import (
	"io"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/supervisely-ecosystem/restore-archived-project/internal/errors"
)

// CombinedName is the file name a reassembled split archive is written under.
const CombinedName = "combined_parts.tar"

// Split parts carry a fixed-width numeric suffix, e.g. backup.tar.000, so a
// lexical sort equals numeric order.
var partPattern = regexp.MustCompile(`.+\.tar\.\d{3}$`)

// Reassemble scans dir for split-archive parts, concatenates them in order
// into a single archive in dir and returns its path. Each part is deleted
// right after its bytes have been consumed. If dir holds no parts,
// Reassemble returns "" and does nothing.
func (e *Extractor) Reassemble(dir string) (string, error) {
	infos, err := afero.ReadDir(e.fs, dir)
	if err != nil {
		return "", errors.Wrapf(err, "listing %v", dir)
	}

	var parts []string
	for _, fi := range infos {
		if fi.Mode().IsRegular() && partPattern.MatchString(fi.Name()) {
			parts = append(parts, fi.Name())
		}
	}
	if len(parts) == 0 {
		return "", nil
	}
	sort.Strings(parts)

	combined := filepath.Join(dir, CombinedName)
	out, err := e.fs.Create(combined)
	if err != nil {
		return "", errors.Wrapf(err, "creating %v", combined)
	}

	e.log.Info("combining split archive parts",
		zap.Int("parts", len(parts)), zap.String("output", combined))

	for _, name := range parts {
		path := filepath.Join(dir, name)
		if err := appendPart(e, out, path); err != nil {
			_ = out.Close()
			return "", err
		}
		if err := e.fs.Remove(path); err != nil {
			_ = out.Close()
			return "", errors.Wrapf(err, "removing consumed part %v", path)
		}
	}

	if err := out.Close(); err != nil {
		return "", errors.Wrapf(err, "closing %v", combined)
	}
	return combined, nil
}

func appendPart(e *Extractor, out io.Writer, path string) error {
	part, err := e.fs.Open(path)
	if err != nil {
		return errors.Wrapf(err, "opening part %v", path)
	}
	defer func() { _ = part.Close() }()

	if _, err := io.Copy(out, part); err != nil {
		return errors.Wrapf(err, "appending part %v", path)
	}
	return nil
}

package backup

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/supervisely-ecosystem/restore-archived-project/internal/errors"
)

// Content hashes may contain path separators; on disk every blob lives as a
// single flat file, so separators are substituted with dashes. The encoding
// is ambiguous for hashes that legitimately contain a dash: such a name
// decodes to a different key than it was encoded from. The resolver keeps
// both spellings in its index instead of inventing a richer encoding.

// EncodeBlobName derives the on-disk pool name for a content hash.
func EncodeBlobName(hash string) string {
	return strings.ReplaceAll(hash, "/", "-")
}

// DecodeBlobName recovers the logical key from an on-disk pool name. The
// extension is kept as is; only the base name is decoded.
func DecodeBlobName(name string) string {
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	return strings.ReplaceAll(base, "-", "/") + ext
}

// Index maps logical keys to the pool file names that hold their content.
type Index map[string]string

// BuildIndex scans the top level of poolDir and indexes every regular file
// under its decoded logical key. The raw on-disk name is added as a fallback
// key where it does not collide, so hashes that never contained a separator
// still resolve.
func BuildIndex(fs afero.Fs, poolDir string) (Index, error) {
	infos, err := afero.ReadDir(fs, poolDir)
	if err != nil {
		return nil, errors.Wrapf(err, "listing pool %v", poolDir)
	}

	idx := make(Index, 2*len(infos))
	for _, fi := range infos {
		if fi.Mode().IsRegular() {
			idx[DecodeBlobName(fi.Name())] = fi.Name()
		}
	}
	for _, fi := range infos {
		if fi.Mode().IsRegular() {
			if _, ok := idx[fi.Name()]; !ok {
				idx[fi.Name()] = fi.Name()
			}
		}
	}
	return idx, nil
}

// Resolve returns the pool path holding the blob for hash, or "" when no
// local blob matches. A miss is not an error at this layer; the reconciler
// decides what to do about it.
func (idx Index) Resolve(poolDir, hash string) string {
	if name, ok := idx[hash]; ok {
		return filepath.Join(poolDir, name)
	}
	return ""
}

// Package backup models the archived-project backup format: the manifest
// that pairs logical image names with content hashes, and the encoding that
// maps those hashes onto flat on-disk blob names.
package backup

import (
	"encoding/json"

	"github.com/spf13/afero"

	"github.com/supervisely-ecosystem/restore-archived-project/internal/errors"
)

// ManifestName is the file name the backup manifest is stored under inside
// the annotations archive.
const ManifestName = "hash_name_map.json"

// ImageRef pairs the content hash a blob is stored under with the logical
// filename to materialize it as.
type ImageRef struct {
	Hash string `json:"hash"`
	Name string `json:"name"`
}

// Dataset is one dataset's worth of image references.
type Dataset struct {
	Name   string     `json:"name"`
	Images []ImageRef `json:"images"`
}

// Manifest is the backup manifest. It is read once per run and never
// modified.
type Manifest struct {
	Datasets []Dataset `json:"datasets"`
}

// LoadManifest reads and decodes the manifest at path.
func LoadManifest(fs afero.Fs, path string) (*Manifest, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading manifest %v", path)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrapf(err, "decoding manifest %v", path)
	}
	return &m, nil
}

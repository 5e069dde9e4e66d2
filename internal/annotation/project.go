package annotation

import (
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/supervisely-ecosystem/restore-archived-project/internal/errors"
)

// FilterProject repairs every annotation below projDir and removes classes
// with an unsupported geometry from the meta and from every record. Items
// whose record cannot be reconstructed are logged and left as they are;
// siblings are not affected.
func (r *Repairer) FilterProject(projDir string, unsupported ...Geometry) error {
	metaPath := filepath.Join(projDir, MetaName)
	meta, err := LoadMeta(r.fs, metaPath)
	if err != nil {
		return err
	}

	keep, removed := KeepClasses(meta, unsupported...)
	for _, title := range removed {
		class, _ := meta.Class(title)
		r.log.Warn("class has an unsupported geometry and will be removed from the meta and all annotations",
			zap.String("class", title), zap.String("geometry", string(class.Geometry)))
	}

	datasets, err := afero.ReadDir(r.fs, projDir)
	if err != nil {
		return errors.Wrapf(err, "listing %v", projDir)
	}
	for _, ds := range datasets {
		if !ds.IsDir() {
			continue
		}
		if err := r.filterDataset(filepath.Join(projDir, ds.Name()), meta, keep); err != nil {
			return err
		}
	}

	return meta.WithoutClasses(removed).Write(r.fs, metaPath)
}

func (r *Repairer) filterDataset(dsDir string, meta *Meta, keep []string) error {
	annDir := filepath.Join(dsDir, "ann")
	exists, err := afero.DirExists(r.fs, annDir)
	if err != nil || !exists {
		return err
	}

	items, err := afero.ReadDir(r.fs, annDir)
	if err != nil {
		return errors.Wrapf(err, "listing %v", annDir)
	}
	for _, item := range items {
		if item.IsDir() || !strings.HasSuffix(item.Name(), ".json") {
			continue
		}
		annPath := filepath.Join(annDir, item.Name())
		imgPath := filepath.Join(dsDir, "img", strings.TrimSuffix(item.Name(), ".json"))
		if _, err := r.Item(annPath, imgPath, meta, keep); err != nil {
			// one broken item must not abort its siblings
			r.log.Error("annotation cannot be repaired, leaving it as is",
				zap.String("annotation", annPath), zap.Error(err))
		}
	}
	return nil
}

package annotation

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/afero"

	"github.com/supervisely-ecosystem/restore-archived-project/internal/errors"
)

// Size is the pixel size of the annotated image. It is the one mandatory
// field of a record: without it the record cannot be reconstructed.
type Size struct {
	Height int `json:"height"`
	Width  int `json:"width"`
}

// Label is one annotated object. The raw JSON entry is retained so valid
// labels survive a rewrite byte-identically.
type Label struct {
	ClassTitle string
	Geometry   Geometry

	raw json.RawMessage
}

func (l *Label) UnmarshalJSON(b []byte) error {
	var shadow struct {
		ClassTitle string   `json:"classTitle"`
		Geometry   Geometry `json:"geometryType"`
	}
	if err := json.Unmarshal(b, &shadow); err != nil {
		return err
	}
	l.ClassTitle = shadow.ClassTitle
	l.Geometry = shadow.Geometry
	l.raw = append(json.RawMessage(nil), b...)
	return nil
}

func (l Label) MarshalJSON() ([]byte, error) {
	return l.raw, nil
}

// Validate checks that the label can be constructed against the declared
// classes: its class must exist and, when the entry names a geometry, it must
// match the declared one.
func (l Label) Validate(meta *Meta) error {
	class, ok := meta.Class(l.ClassTitle)
	if !ok {
		return errors.Errorf("object references undeclared class %q", l.ClassTitle)
	}
	if l.Geometry != "" && class.Geometry != GeometryAny && l.Geometry != class.Geometry {
		return errors.Errorf("object geometry %q does not match class %q geometry %q",
			l.Geometry, l.ClassTitle, class.Geometry)
	}
	return nil
}

// Tag is one image tag, raw-preserving like Label.
type Tag struct {
	Name string

	raw json.RawMessage
}

func (t *Tag) UnmarshalJSON(b []byte) error {
	var shadow struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(b, &shadow); err != nil {
		return err
	}
	t.Name = shadow.Name
	t.raw = append(json.RawMessage(nil), b...)
	return nil
}

func (t Tag) MarshalJSON() ([]byte, error) {
	return t.raw, nil
}

// Validate checks that the tag can be constructed against the declared tag
// metas.
func (t Tag) Validate(meta *Meta) error {
	if !meta.HasTag(t.Name) {
		return errors.Errorf("tag references undeclared tag meta %q", t.Name)
	}
	return nil
}

// Record is one item's annotation.
type Record struct {
	Size        *Size   `json:"size"`
	Description string  `json:"description"`
	Labels      []Label `json:"objects"`
	Tags        []Tag   `json:"tags"`
}

// FilterClasses drops labels whose class is not in keep.
func (r *Record) FilterClasses(keep []string) {
	kept := make(map[string]struct{}, len(keep))
	for _, title := range keep {
		kept[title] = struct{}{}
	}
	out := r.Labels[:0]
	for _, l := range r.Labels {
		if _, ok := kept[l.ClassTitle]; ok {
			out = append(out, l)
		}
	}
	r.Labels = out
}

// Write stores the record at path.
func (r *Record) Write(fs afero.Fs, path string) error {
	if r.Labels == nil {
		r.Labels = []Label{}
	}
	if r.Tags == nil {
		r.Tags = []Tag{}
	}
	data, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "encoding annotation")
	}
	return errors.Wrapf(afero.WriteFile(fs, path, data, 0o644), "writing annotation %v", path)
}

// CorruptAnnotationError reports a record that could not be repaired because
// its mandatory image size is missing. There is no further fallback for such
// an item.
type CorruptAnnotationError struct {
	Path string
}

func (e *CorruptAnnotationError) Error() string {
	return fmt.Sprintf("annotation %v has no image size, cannot be reconstructed", e.Path)
}

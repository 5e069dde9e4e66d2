// Package annotation models per-item metadata records and the project meta
// that declares classes and tags, and repairs records that arrive corrupted
// from a backup.
package annotation

import (
	"encoding/json"

	"github.com/spf13/afero"

	"github.com/supervisely-ecosystem/restore-archived-project/internal/errors"
)

// MetaName is the file name the project meta is stored under in the project
// root.
const MetaName = "meta.json"

// Geometry is the shape kind of a declared object class.
type Geometry string

const (
	GeometryRectangle Geometry = "rectangle"
	GeometryPolygon   Geometry = "polygon"
	GeometryPolyline  Geometry = "line"
	GeometryPoint     Geometry = "point"
	GeometryBitmap    Geometry = "bitmap"
	GeometryGraph     Geometry = "graph"
	GeometryCuboid    Geometry = "cuboid"
	// GeometryAny accepts labels of every shape.
	GeometryAny Geometry = "any"
)

// ObjectClass is one declared class. The raw JSON entry is retained so that
// rewriting the meta never loses fields this package does not model.
type ObjectClass struct {
	Title    string
	Geometry Geometry

	raw json.RawMessage
}

func (c *ObjectClass) UnmarshalJSON(b []byte) error {
	var shadow struct {
		Title string   `json:"title"`
		Shape Geometry `json:"shape"`
	}
	if err := json.Unmarshal(b, &shadow); err != nil {
		return err
	}
	c.Title = shadow.Title
	c.Geometry = shadow.Shape
	c.raw = append(json.RawMessage(nil), b...)
	return nil
}

func (c ObjectClass) MarshalJSON() ([]byte, error) {
	return c.raw, nil
}

// TagMeta is one declared tag.
type TagMeta struct {
	Name string

	raw json.RawMessage
}

func (t *TagMeta) UnmarshalJSON(b []byte) error {
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

func (t TagMeta) MarshalJSON() ([]byte, error) {
	return t.raw, nil
}

// Meta is the project meta: declared classes and tags. Fields other than the
// two lists are carried through rewrites untouched.
type Meta struct {
	Classes  []ObjectClass
	TagMetas []TagMeta

	extra map[string]json.RawMessage
}

func (m *Meta) UnmarshalJSON(b []byte) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	if raw, ok := doc["classes"]; ok {
		if err := json.Unmarshal(raw, &m.Classes); err != nil {
			return err
		}
	}
	if raw, ok := doc["tags"]; ok {
		if err := json.Unmarshal(raw, &m.TagMetas); err != nil {
			return err
		}
	}
	delete(doc, "classes")
	delete(doc, "tags")
	m.extra = doc
	return nil
}

func (m Meta) MarshalJSON() ([]byte, error) {
	doc := make(map[string]json.RawMessage, len(m.extra)+2)
	for k, v := range m.extra {
		doc[k] = v
	}
	classes, err := json.Marshal(m.Classes)
	if err != nil {
		return nil, err
	}
	tags, err := json.Marshal(m.TagMetas)
	if err != nil {
		return nil, err
	}
	doc["classes"] = classes
	doc["tags"] = tags
	return json.Marshal(doc)
}

// LoadMeta reads the project meta at path.
func LoadMeta(fs afero.Fs, path string) (*Meta, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading project meta %v", path)
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrapf(err, "decoding project meta %v", path)
	}
	return &m, nil
}

// Write stores the meta at path.
func (m *Meta) Write(fs afero.Fs, path string) error {
	data, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "encoding project meta")
	}
	return errors.Wrapf(afero.WriteFile(fs, path, data, 0o644), "writing project meta %v", path)
}

// Class returns the declared class with the given title.
func (m *Meta) Class(title string) (ObjectClass, bool) {
	for _, c := range m.Classes {
		if c.Title == title {
			return c, true
		}
	}
	return ObjectClass{}, false
}

// HasTag reports whether a tag with the given name is declared.
func (m *Meta) HasTag(name string) bool {
	for _, t := range m.TagMetas {
		if t.Name == name {
			return true
		}
	}
	return false
}

// WithoutClasses returns a copy of m with the named classes removed.
func (m *Meta) WithoutClasses(titles []string) *Meta {
	drop := make(map[string]struct{}, len(titles))
	for _, t := range titles {
		drop[t] = struct{}{}
	}
	out := &Meta{TagMetas: m.TagMetas, extra: m.extra}
	for _, c := range m.Classes {
		if _, ok := drop[c.Title]; !ok {
			out.Classes = append(out.Classes, c)
		}
	}
	return out
}

// KeepClasses splits the declared classes into those whose geometry the
// destination project kind supports and those to remove globally.
func KeepClasses(m *Meta, unsupported ...Geometry) (keep, removed []string) {
	bad := make(map[Geometry]struct{}, len(unsupported))
	for _, g := range unsupported {
		bad[g] = struct{}{}
	}
	for _, c := range m.Classes {
		if _, ok := bad[c.Geometry]; ok {
			removed = append(removed, c.Title)
		} else {
			keep = append(keep, c.Title)
		}
	}
	return keep, removed
}

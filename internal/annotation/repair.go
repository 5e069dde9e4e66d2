package annotation

import (
	"encoding/json"
	"image"

	// decoders for sizing placeholder records from image files
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/supervisely-ecosystem/restore-archived-project/internal/errors"
)

// A Repairer loads annotation records, falling back through repair tiers
// until every item has a structurally valid record again.
type Repairer struct {
	fs  afero.Fs
	log *zap.Logger
}

// Option configures a Repairer.
type Option func(*Repairer)

// WithFS sets the filesystem annotations are read from and written to.
func WithFS(fs afero.Fs) Option {
	return func(r *Repairer) { r.fs = fs }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(r *Repairer) { r.log = log }
}

// NewRepairer returns a Repairer operating on the OS filesystem unless
// overridden.
func NewRepairer(opts ...Option) *Repairer {
	r := &Repairer{
		fs:  afero.NewOsFs(),
		log: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Item produces a valid record for one annotation file and writes it back:
//
//  1. a standard load filtered by keep;
//  2. on failure, a field-by-field reconstruction that keeps every label and
//     tag that still constructs against meta — unless the image size is
//     missing, which is unrecoverable for the item;
//  3. if the file is not JSON at all, an empty placeholder sized from the
//     image file itself.
func (r *Repairer) Item(annPath, imgPath string, meta *Meta, keep []string) (*Record, error) {
	rec, err := r.loadStrict(annPath, meta)
	if err == nil {
		rec.FilterClasses(keep)
		return rec, rec.Write(r.fs, annPath)
	}

	rec, err = r.repairLenient(annPath, meta, keep)
	if err == nil {
		return rec, rec.Write(r.fs, annPath)
	}
	var corrupt *CorruptAnnotationError
	if errors.As(err, &corrupt) {
		return nil, err
	}

	r.log.Warn("annotation is not valid JSON, writing an empty placeholder",
		zap.String("annotation", annPath), zap.Error(err))
	rec, err = r.placeholder(imgPath)
	if err != nil {
		return nil, err
	}
	return rec, rec.Write(r.fs, annPath)
}

// loadStrict is the first tier: the whole document must decode and every
// label and tag must construct against the meta.
func (r *Repairer) loadStrict(path string, meta *Meta) (*Record, error) {
	data, err := afero.ReadFile(r.fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading annotation %v", path)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrapf(err, "decoding annotation %v", path)
	}
	if rec.Size == nil {
		return nil, errors.Errorf("annotation %v has no image size", path)
	}
	for _, l := range rec.Labels {
		if err := l.Validate(meta); err != nil {
			return nil, err
		}
	}
	for _, t := range rec.Tags {
		if err := t.Validate(meta); err != nil {
			return nil, err
		}
	}
	return &rec, nil
}

// repairLenient is the second tier: parse the document loosely and keep the
// entries that survive.
func (r *Repairer) repairLenient(path string, meta *Meta, keep []string) (*Record, error) {
	data, err := afero.ReadFile(r.fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading annotation %v", path)
	}

	var doc struct {
		Size        *Size             `json:"size"`
		Description string            `json:"description"`
		Objects     []json.RawMessage `json:"objects"`
		Tags        []json.RawMessage `json:"tags"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrapf(err, "decoding annotation %v", path)
	}
	if doc.Size == nil {
		return nil, &CorruptAnnotationError{Path: path}
	}

	kept := make(map[string]struct{}, len(keep))
	for _, title := range keep {
		kept[title] = struct{}{}
	}

	rec := &Record{Size: doc.Size, Description: doc.Description, Labels: []Label{}, Tags: []Tag{}}
	for _, raw := range doc.Objects {
		var l Label
		if err := json.Unmarshal(raw, &l); err != nil {
			r.log.Warn("skipping invalid object",
				zap.String("annotation", path), zap.Error(err))
			continue
		}
		if _, ok := kept[l.ClassTitle]; !ok {
			continue
		}
		if err := l.Validate(meta); err != nil {
			r.log.Warn("skipping invalid object",
				zap.String("annotation", path), zap.Error(err))
			continue
		}
		rec.Labels = append(rec.Labels, l)
	}
	for _, raw := range doc.Tags {
		var t Tag
		if err := json.Unmarshal(raw, &t); err != nil {
			r.log.Error("skipping invalid tag",
				zap.String("annotation", path), zap.Error(err))
			continue
		}
		if err := t.Validate(meta); err != nil {
			r.log.Error("skipping invalid tag",
				zap.String("annotation", path), zap.Error(err))
			continue
		}
		rec.Tags = append(rec.Tags, t)
	}
	return rec, nil
}

// placeholder is the last tier: an empty record sized from the image file.
func (r *Repairer) placeholder(imgPath string) (*Record, error) {
	file, err := r.fs.Open(imgPath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening image %v", imgPath)
	}
	defer func() { _ = file.Close() }()

	cfg, _, err := image.DecodeConfig(file)
	if err != nil {
		return nil, errors.Wrapf(err, "sizing image %v", imgPath)
	}
	return &Record{
		Size:   &Size{Height: cfg.Height, Width: cfg.Width},
		Labels: []Label{},
		Tags:   []Tag{},
	}, nil
}

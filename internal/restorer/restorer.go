// Package restorer sequences the restore pipeline: download the backup
// archives, extract them, reconcile the extracted pool against the manifest,
// repair annotations, and either package the result for download or hand it
// to the project importer.
package restorer

import (
	"context"
	"fmt"
	"path"
	"path/filepath"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/supervisely-ecosystem/restore-archived-project/internal/annotation"
	"github.com/supervisely-ecosystem/restore-archived-project/internal/archive"
	"github.com/supervisely-ecosystem/restore-archived-project/internal/backup"
	"github.com/supervisely-ecosystem/restore-archived-project/internal/errors"
	"github.com/supervisely-ecosystem/restore-archived-project/internal/fetch"
	"github.com/supervisely-ecosystem/restore-archived-project/internal/fsutil"
	"github.com/supervisely-ecosystem/restore-archived-project/internal/reconcile"
)

// troubleshootingURL is attached to fatal errors surfaced to the user.
const troubleshootingURL = "https://ecosystem.supervisely.com/apps/restore-archived-project?id=283#troubleshooting"

// StoredFile identifies an uploaded output archive.
type StoredFile struct {
	ID   int
	Path string
}

// Importer uploads a restored local tree as a structured project.
type Importer interface {
	Import(ctx context.Context, kind Kind, projDir string) error
}

// FileStorage stores a packaged output archive.
type FileStorage interface {
	Upload(ctx context.Context, localPath, remotePath string) (StoredFile, error)
}

// TaskOutput records the run's outcome with the platform.
type TaskOutput interface {
	SetArchive(ctx context.Context, file StoredFile) error
	SetExpiredNotice(ctx context.Context) error
}

// Config is the explicit per-run configuration. It is built once by the
// caller; no component reads ambient global state.
type Config struct {
	ProjectDir     string
	FilesURL       string
	AnnotationsURL string
	Kind           Kind
	DownloadMode   bool
	TaskID         int
	TeamFilesDir   string
}

// filenames inside the project directory, fixed by the backup format
const (
	poolDirName  = "files"
	filesArchive = "files.tar"
	annArchive   = "annotations.tar"
	imgDirName   = "img"
	annDirName   = "ann"

	defaultTeamFilesDir = "/tmp/supervisely/export/restore-archived-project"
)

// A Restorer runs the restore pipeline for one archived project.
type Restorer struct {
	cfg Config
	fs  afero.Fs
	log *zap.Logger

	fetchFn    func(ctx context.Context, url, dest string) error
	extractor  *archive.Extractor
	guard      *fsutil.Guard
	reconciler *reconcile.Reconciler
	repairer   *annotation.Repairer

	importer Importer
	storage  FileStorage
	output   TaskOutput
}

// Option configures a Restorer.
type Option func(*Restorer)

// WithLogger sets the logger shared by the pipeline components.
func WithLogger(log *zap.Logger) Option {
	return func(r *Restorer) { r.log = log }
}

// WithFS sets the filesystem the pipeline operates on.
func WithFS(fs afero.Fs) Option {
	return func(r *Restorer) { r.fs = fs }
}

// WithFetchFunc replaces the retrying fetcher, used by tests.
func WithFetchFunc(fn func(ctx context.Context, url, dest string) error) Option {
	return func(r *Restorer) { r.fetchFn = fn }
}

// WithFreeSpaceFunc overrides the disk guard's free-space probe.
func WithFreeSpaceFunc(fn func(dir string) (uint64, error)) Option {
	return func(r *Restorer) {
		r.guard = fsutil.NewGuard(fsutil.WithFS(r.fs), fsutil.WithLogger(r.log), fsutil.WithFreeSpaceFunc(fn))
	}
}

// WithCounterFunc sets the factory for extraction and packing progress
// counters.
func WithCounterFunc(fn archive.CounterFunc) Option {
	return func(r *Restorer) {
		r.extractor = archive.NewExtractor(archive.WithFS(r.fs), archive.WithLogger(r.log), archive.WithCounterFunc(fn))
	}
}

// New builds a Restorer from its configuration and external collaborators.
func New(cfg Config, store reconcile.ContentStore, importer Importer, storage FileStorage, output TaskOutput, opts ...Option) *Restorer {
	if cfg.TeamFilesDir == "" {
		cfg.TeamFilesDir = defaultTeamFilesDir
	}
	r := &Restorer{
		cfg:      cfg,
		fs:       afero.NewOsFs(),
		log:      zap.NewNop(),
		importer: importer,
		storage:  storage,
		output:   output,
	}
	// options may replace fs and log, derive the components afterwards
	for _, opt := range opts {
		opt(r)
	}
	if r.fetchFn == nil {
		fetcher := fetch.New(fetch.WithFS(r.fs), fetch.WithLogger(r.log))
		r.fetchFn = func(ctx context.Context, url, dest string) error {
			return fetcher.Fetch(ctx, url, dest, nil)
		}
	}
	if r.extractor == nil {
		r.extractor = archive.NewExtractor(archive.WithFS(r.fs), archive.WithLogger(r.log))
	}
	if r.guard == nil {
		r.guard = fsutil.NewGuard(fsutil.WithFS(r.fs), fsutil.WithLogger(r.log))
	}
	r.reconciler = reconcile.New(store, reconcile.WithFS(r.fs), reconcile.WithLogger(r.log))
	r.repairer = annotation.NewRepairer(annotation.WithFS(r.fs), annotation.WithLogger(r.log))
	return r
}

// Run executes the pipeline. ErrExpiredSource is returned as is after the
// expired-access notice has been recorded; every other failure is fatal and
// carries remediation guidance.
func (r *Restorer) Run(ctx context.Context) error {
	err := r.run(ctx)
	if err == nil {
		r.log.Info("project successfully restored")
		return nil
	}

	if errors.Is(err, fetch.ErrExpiredSource) {
		r.log.Warn("downloading has failed: data access expired due to inactivity")
		if r.output != nil {
			if nerr := r.output.SetExpiredNotice(ctx); nerr != nil {
				r.log.Warn("recording the expired-access notice failed", zap.Error(nerr))
			}
		}
		return err
	}

	if errors.IsFatal(err) {
		return err
	}
	return errors.Fatalf("something went wrong, read the Troubleshooting Instructions at %s; if this does not help, please contact support: %v",
		troubleshootingURL, err)
}

func (r *Restorer) run(ctx context.Context) error {
	proj := r.cfg.ProjectDir
	pool := filepath.Join(proj, poolDirName)
	filesTar := filepath.Join(proj, filesArchive)
	annTar := filepath.Join(proj, annArchive)

	if err := r.fs.MkdirAll(proj, 0o755); err != nil {
		return errors.Wrapf(err, "creating project dir %v", proj)
	}

	if r.cfg.FilesURL == "" {
		return errors.Fatal("the project backup carries no files archive URL")
	}
	r.log.Info("started downloading backup files")
	if err := r.fetchFn(ctx, r.cfg.FilesURL, filesTar); err != nil {
		return err
	}
	if r.cfg.AnnotationsURL != "" {
		r.log.Info("started downloading backup annotations")
		if err := r.fetchFn(ctx, r.cfg.AnnotationsURL, annTar); err != nil {
			return err
		}
	}

	if err := r.extractInto(filesTar, pool); err != nil {
		return err
	}

	annPresent, err := afero.Exists(r.fs, annTar)
	if err != nil {
		return errors.Wrapf(err, "checking for %v", annTar)
	}

	switch r.cfg.Kind {
	case ImageProject:
		if annPresent {
			if err := r.extractInto(annTar, proj); err != nil {
				return err
			}
			if err := r.reconcileDatasets(ctx, proj, pool); err != nil {
				return err
			}
		} else {
			r.log.Debug("restoring an images project from an old archive format")
			if err := r.validateLegacyPool(pool); err != nil {
				return err
			}
			if err := fsutil.MovePool(r.fs, pool, proj); err != nil {
				return err
			}
		}
		if err := r.repairer.FilterProject(proj, annotation.GeometryCuboid); err != nil {
			return err
		}
	case VideoProject, VolumeProject, PointCloudProject, PointCloudEpisodeProject:
		if err := fsutil.MovePool(r.fs, pool, proj); err != nil {
			return err
		}
	default:
		return errors.Errorf("unhandled project kind %v", r.cfg.Kind)
	}

	if r.cfg.DownloadMode {
		return r.packAndUpload(ctx, proj)
	}
	return r.importProject(ctx, proj)
}

// extractInto runs the capacity preflight, then extracts the archive along
// with any split parts it reveals.
func (r *Restorer) extractInto(archivePath, dest string) error {
	if err := r.guard.Check(archivePath, dest); err != nil {
		return err
	}
	return r.extractor.Extract(archivePath, dest)
}

// reconcileDatasets materializes every manifest dataset from the pool and
// the remote store, then drops the pool and the manifest.
func (r *Restorer) reconcileDatasets(ctx context.Context, proj, pool string) error {
	manifestPath := filepath.Join(proj, backup.ManifestName)
	manifest, err := backup.LoadManifest(r.fs, manifestPath)
	if err != nil {
		return err
	}
	index, err := backup.BuildIndex(r.fs, pool)
	if err != nil {
		return err
	}

	for _, ds := range manifest.Datasets {
		dest := filepath.Join(proj, ds.Name, imgDirName)
		summary, err := r.reconciler.Dataset(ctx, ds, index, pool, dest)
		if err != nil {
			return err
		}
		r.log.Info("dataset reconciled",
			zap.String("dataset", ds.Name),
			zap.Int("copied", summary.Copied),
			zap.Int("fetched", summary.Fetched),
			zap.Int("skipped", len(summary.Skipped)))
	}

	if err := r.fs.RemoveAll(pool); err != nil {
		return errors.Wrapf(err, "removing pool %v", pool)
	}
	return errors.Wrapf(r.fs.Remove(manifestPath), "removing manifest %v", manifestPath)
}

// validateLegacyPool requires every dataset of an old-format backup to carry
// its annotations inline.
func (r *Restorer) validateLegacyPool(pool string) error {
	infos, err := afero.ReadDir(r.fs, pool)
	if err != nil {
		return errors.Wrapf(err, "listing pool %v", pool)
	}
	for _, fi := range infos {
		if !fi.IsDir() {
			continue
		}
		annDir := filepath.Join(pool, fi.Name(), annDirName)
		entries, err := afero.ReadDir(r.fs, annDir)
		if err != nil || len(entries) == 0 {
			return errors.Fatalf("no annotation files were found in dataset %q of the old-format archive", fi.Name())
		}
	}
	return nil
}

// packAndUpload archives the restored tree, stores it and records the
// output reference.
func (r *Restorer) packAndUpload(ctx context.Context, proj string) error {
	if err := r.guard.Check(proj, filepath.Dir(proj)); err != nil {
		return err
	}

	tarPath := proj + ".tar"
	if err := r.extractor.Pack(proj, tarPath); err != nil {
		return err
	}
	if err := r.fs.RemoveAll(proj); err != nil {
		return errors.Wrapf(err, "removing %v", proj)
	}

	remotePath := path.Join(r.cfg.TeamFilesDir, fmt.Sprintf("%d_%s", r.cfg.TaskID, filepath.Base(tarPath)))
	stored, err := r.storage.Upload(ctx, tarPath, remotePath)
	if err != nil {
		return err
	}
	if err := r.output.SetArchive(ctx, stored); err != nil {
		return err
	}
	return errors.Wrapf(r.fs.Remove(tarPath), "removing %v", tarPath)
}

// importProject hands the tree to the external importer and removes the
// local copy on success.
func (r *Restorer) importProject(ctx context.Context, proj string) error {
	r.log.Info("uploading project to the platform",
		zap.String("project", filepath.Base(proj)), zap.String("kind", r.cfg.Kind.String()))
	if err := r.importer.Import(ctx, r.cfg.Kind, proj); err != nil {
		return err
	}
	return errors.Wrapf(r.fs.RemoveAll(proj), "removing %v", proj)
}

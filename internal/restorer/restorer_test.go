package restorer_test

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"github.com/supervisely-ecosystem/restore-archived-project/internal/errors"
	"github.com/supervisely-ecosystem/restore-archived-project/internal/fetch"
	"github.com/supervisely-ecosystem/restore-archived-project/internal/restorer"
	"github.com/supervisely-ecosystem/restore-archived-project/internal/test"
)

const (
	emptyMeta = `{"classes": [], "tags": []}`
	emptyAnn  = `{"size": {"height": 3, "width": 3}, "objects": [], "tags": []}`
)

func makeTar(t *testing.T, files map[string]string) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		body := files[name]
		test.OK(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(body)),
		}))
		_, err := tw.Write([]byte(body))
		test.OK(t, err)
	}
	test.OK(t, tw.Close())
	return buf.Bytes()
}

// urlFetch serves canned archive bytes per URL in place of the HTTP fetcher.
func urlFetch(fs afero.Fs, bodies map[string][]byte) func(ctx context.Context, url, dest string) error {
	return func(_ context.Context, url, dest string) error {
		body, ok := bodies[url]
		if !ok {
			return errors.Errorf("unexpected url %v", url)
		}
		return afero.WriteFile(fs, dest, body, 0o644)
	}
}

type stubStore struct {
	fs    afero.Fs
	calls int
}

func (s *stubStore) DownloadByHashes(_ context.Context, hashes, dests []string) error {
	s.calls++
	for i, hash := range hashes {
		if err := afero.WriteFile(s.fs, dests[i], []byte("remote:"+hash), 0o644); err != nil {
			return err
		}
	}
	return nil
}

// captureImporter records the restored tree at import time, before the
// pipeline removes the local copy.
type captureImporter struct {
	fs   afero.Fs
	kind restorer.Kind
	tree map[string]string
}

func (c *captureImporter) Import(_ context.Context, kind restorer.Kind, projDir string) error {
	c.kind = kind
	c.tree = map[string]string{}
	return afero.Walk(c.fs, projDir, func(path string, fi os.FileInfo, err error) error {
		if err != nil || fi.IsDir() {
			return err
		}
		data, rerr := afero.ReadFile(c.fs, path)
		if rerr != nil {
			return rerr
		}
		rel, rerr := filepath.Rel(projDir, path)
		if rerr != nil {
			return rerr
		}
		c.tree[filepath.ToSlash(rel)] = string(data)
		return nil
	})
}

type stubStorage struct {
	fs         afero.Fs
	remotePath string
	uploaded   bool
}

func (s *stubStorage) Upload(_ context.Context, localPath, remotePath string) (restorer.StoredFile, error) {
	exists, err := afero.Exists(s.fs, localPath)
	if err != nil || !exists {
		return restorer.StoredFile{}, errors.Errorf("upload source %v is missing", localPath)
	}
	s.remotePath = remotePath
	s.uploaded = true
	return restorer.StoredFile{ID: 7, Path: remotePath}, nil
}

type stubOutput struct {
	archive *restorer.StoredFile
	expired bool
}

func (o *stubOutput) SetArchive(_ context.Context, file restorer.StoredFile) error {
	o.archive = &file
	return nil
}

func (o *stubOutput) SetExpiredNotice(context.Context) error {
	o.expired = true
	return nil
}

func TestParseKind(t *testing.T) {
	for _, name := range []string{"images", "videos", "volumes", "point_clouds", "point_cloud_episodes"} {
		kind, err := restorer.ParseKind(name)
		test.OK(t, err)
		test.Equals(t, name, kind.String())
	}
	_, err := restorer.ParseKind("slides")
	test.Assert(t, err != nil, "unknown kinds must be rejected")
}

func TestRunImagesWithManifest(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := &stubStore{fs: fs}
	imp := &captureImporter{fs: fs}
	out := &stubOutput{}

	filesTar := makeTar(t, map[string]string{
		"ab-cd.png": "local blob",
	})
	annTar := makeTar(t, map[string]string{
		"meta.json": emptyMeta,
		"hash_name_map.json": `{"datasets": [{"name": "ds1", "images": [
			{"hash": "ab/cd.png", "name": "one.png"},
			{"hash": "ee-ff.png", "name": "two.png"}
		]}]}`,
		"ds1/ann/one.png.json": emptyAnn,
		"ds1/ann/two.png.json": emptyAnn,
	})

	cfg := restorer.Config{
		ProjectDir:     "/work/proj",
		FilesURL:       "https://backup/files",
		AnnotationsURL: "https://backup/ann",
		Kind:           restorer.ImageProject,
	}
	r := restorer.New(cfg, store, imp, nil, out,
		restorer.WithFS(fs),
		restorer.WithFreeSpaceFunc(func(string) (uint64, error) { return 1 << 40, nil }),
		restorer.WithFetchFunc(urlFetch(fs, map[string][]byte{
			"https://backup/files": filesTar,
			"https://backup/ann":   annTar,
		})))

	test.OK(t, r.Run(context.Background()))

	test.Equals(t, restorer.ImageProject, imp.kind)
	test.Equals(t, "local blob", imp.tree["ds1/img/one.png"])
	test.Equals(t, "remote:ee-ff.png", imp.tree["ds1/img/two.png"])
	test.Equals(t, 1, store.calls)

	// the pool and the manifest must be gone before import
	for name := range imp.tree {
		test.Assert(t, !strings.HasPrefix(name, "files/"), "the pool leaked into the import: %v", name)
		test.Assert(t, name != "hash_name_map.json", "the manifest leaked into the import")
	}

	// the local copy is removed once imported
	exists, err := afero.DirExists(fs, "/work/proj")
	test.OK(t, err)
	test.Assert(t, !exists, "the project dir must be removed after import")
}

func TestRunLegacyImagesProject(t *testing.T) {
	fs := afero.NewMemMapFs()
	imp := &captureImporter{fs: fs}

	filesTar := makeTar(t, map[string]string{
		"meta.json":          emptyMeta,
		"ds1/ann/a.png.json": emptyAnn,
		"ds1/img/a.png":      "pixels",
		"ds2/ann/b.jpg.json": emptyAnn,
		"ds2/img/b.jpg":      "pixels",
	})

	cfg := restorer.Config{
		ProjectDir: "/work/proj",
		FilesURL:   "https://backup/files",
		Kind:       restorer.ImageProject,
	}
	r := restorer.New(cfg, &stubStore{fs: fs}, imp, nil, &stubOutput{},
		restorer.WithFS(fs),
		restorer.WithFreeSpaceFunc(func(string) (uint64, error) { return 1 << 40, nil }),
		restorer.WithFetchFunc(urlFetch(fs, map[string][]byte{
			"https://backup/files": filesTar,
		})))

	test.OK(t, r.Run(context.Background()))
	test.Equals(t, restorer.ImageProject, imp.kind)
	test.Equals(t, "pixels", imp.tree["ds1/img/a.png"])
	test.Equals(t, "pixels", imp.tree["ds2/img/b.jpg"])
	_, hasMeta := imp.tree["meta.json"]
	test.Assert(t, hasMeta, "the meta must move out of the pool with the datasets")
}

func TestRunLegacyMissingAnnotationsFails(t *testing.T) {
	fs := afero.NewMemMapFs()

	filesTar := makeTar(t, map[string]string{
		"meta.json":     emptyMeta,
		"ds1/img/a.png": "pixels",
	})

	cfg := restorer.Config{
		ProjectDir: "/work/proj",
		FilesURL:   "https://backup/files",
		Kind:       restorer.ImageProject,
	}
	r := restorer.New(cfg, &stubStore{fs: fs}, &captureImporter{fs: fs}, nil, &stubOutput{},
		restorer.WithFS(fs),
		restorer.WithFreeSpaceFunc(func(string) (uint64, error) { return 1 << 40, nil }),
		restorer.WithFetchFunc(urlFetch(fs, map[string][]byte{
			"https://backup/files": filesTar,
		})))

	err := r.Run(context.Background())
	test.Assert(t, err != nil, "a dataset without annotations must fail the run")
	test.Assert(t, errors.IsFatal(err), "expected a fatal error, got %v", err)
	test.Assert(t, strings.Contains(err.Error(), "ds1"),
		"the error must name the offending dataset: %v", err)
}

func TestRunVideoDownloadMode(t *testing.T) {
	fs := afero.NewMemMapFs()
	storage := &stubStorage{fs: fs}
	out := &stubOutput{}

	filesTar := makeTar(t, map[string]string{
		"ds1/video/v.mp4": "frames",
	})

	cfg := restorer.Config{
		ProjectDir:   "/work/proj",
		FilesURL:     "https://backup/files",
		Kind:         restorer.VideoProject,
		DownloadMode: true,
		TaskID:       42,
		TeamFilesDir: "/teamfiles/export",
	}
	r := restorer.New(cfg, &stubStore{fs: fs}, nil, storage, out,
		restorer.WithFS(fs),
		restorer.WithFreeSpaceFunc(func(string) (uint64, error) { return 1 << 40, nil }),
		restorer.WithFetchFunc(urlFetch(fs, map[string][]byte{
			"https://backup/files": filesTar,
		})))

	test.OK(t, r.Run(context.Background()))

	test.Assert(t, storage.uploaded, "download mode must upload the packed archive")
	test.Equals(t, "/teamfiles/export/42_proj.tar", storage.remotePath)
	test.Assert(t, out.archive != nil, "the task output must reference the archive")
	test.Equals(t, storage.remotePath, out.archive.Path)

	// neither the project tree nor the local tar survive the run
	for _, gone := range []string{"/work/proj", "/work/proj.tar"} {
		exists, err := afero.Exists(fs, gone)
		test.OK(t, err)
		test.Assert(t, !exists, "%v must be cleaned up", gone)
	}
}

func TestRunExpiredSource(t *testing.T) {
	fs := afero.NewMemMapFs()
	out := &stubOutput{}

	cfg := restorer.Config{
		ProjectDir: "/work/proj",
		FilesURL:   "https://backup/files",
		Kind:       restorer.ImageProject,
	}
	r := restorer.New(cfg, &stubStore{fs: fs}, &captureImporter{fs: fs}, nil, out,
		restorer.WithFS(fs),
		restorer.WithFetchFunc(func(context.Context, string, string) error {
			return fetch.ErrExpiredSource
		}))

	err := r.Run(context.Background())
	test.Assert(t, errors.Is(err, fetch.ErrExpiredSource), "expected ErrExpiredSource, got %v", err)
	test.Assert(t, out.expired, "the expired-access notice must be recorded")
	test.Assert(t, !errors.IsFatal(err), "an expired source is an expected outcome, not a fatal error")
}

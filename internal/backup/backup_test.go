package backup_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"

	"github.com/supervisely-ecosystem/restore-archived-project/internal/backup"
	"github.com/supervisely-ecosystem/restore-archived-project/internal/test"
)

func TestBlobNameRoundTrip(t *testing.T) {
	for _, key := range []string{
		"abc.png",
		"ab/cd/ef.png",
		"deep/nested/key/blob.jpg",
		"noextension",
		"with/slash",
	} {
		encoded := backup.EncodeBlobName(key)
		test.Assert(t, !containsSlash(encoded), "encoded name %q contains a separator", encoded)
		test.Equals(t, key, backup.DecodeBlobName(encoded))
	}
}

func containsSlash(s string) bool {
	for _, r := range s {
		if r == '/' {
			return true
		}
	}
	return false
}

func TestBuildIndexAndResolve(t *testing.T) {
	fs := afero.NewMemMapFs()
	// a blob whose hash contained separators
	test.OK(t, afero.WriteFile(fs, "pool/ab-cd.png", []byte("x"), 0o644))
	// a blob whose hash legitimately contains a dash (documented ambiguity)
	test.OK(t, afero.WriteFile(fs, "pool/a-b.png", []byte("y"), 0o644))
	test.OK(t, fs.MkdirAll("pool/subdir", 0o755))

	idx, err := backup.BuildIndex(fs, "pool")
	test.OK(t, err)

	// decoded key resolves
	test.Equals(t, "pool/ab-cd.png", idx.Resolve("pool", "ab/cd.png"))
	// raw on-disk spelling resolves too
	test.Equals(t, "pool/a-b.png", idx.Resolve("pool", "a-b.png"))
	// unknown hash is a miss, not an error
	test.Equals(t, "", idx.Resolve("pool", "never/stored.png"))
}

func TestLoadManifest(t *testing.T) {
	fs := afero.NewMemMapFs()
	doc := `{"datasets": [{"name": "ds1", "images": [
		{"hash": "a-b.png", "name": "img1.png"},
		{"hash": "c-d.png", "name": "img2.png"}
	]}]}`
	test.OK(t, afero.WriteFile(fs, backup.ManifestName, []byte(doc), 0o644))

	m, err := backup.LoadManifest(fs, backup.ManifestName)
	test.OK(t, err)

	want := &backup.Manifest{Datasets: []backup.Dataset{{
		Name: "ds1",
		Images: []backup.ImageRef{
			{Hash: "a-b.png", Name: "img1.png"},
			{Hash: "c-d.png", Name: "img2.png"},
		},
	}}}
	if diff := cmp.Diff(want, m); diff != "" {
		t.Fatalf("manifest mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadManifestBadJSON(t *testing.T) {
	fs := afero.NewMemMapFs()
	test.OK(t, afero.WriteFile(fs, backup.ManifestName, []byte("not json"), 0o644))
	_, err := backup.LoadManifest(fs, backup.ManifestName)
	test.Assert(t, err != nil, "expected decode error")
}

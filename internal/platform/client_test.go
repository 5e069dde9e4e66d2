package platform_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sort"
	"testing"

	"github.com/spf13/afero"

	"github.com/supervisely-ecosystem/restore-archived-project/internal/errors"
	"github.com/supervisely-ecosystem/restore-archived-project/internal/platform"
	"github.com/supervisely-ecosystem/restore-archived-project/internal/reconcile"
	"github.com/supervisely-ecosystem/restore-archived-project/internal/restorer"
	"github.com/supervisely-ecosystem/restore-archived-project/internal/test"
)

func newClient(t *testing.T, fs afero.Fs, handler http.Handler) (*platform.Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := platform.NewClient(srv.URL, "secret-token", 11, 42, platform.WithFS(fs))
	test.OK(t, err)
	return c, srv
}

// writeBlobs streams blobs as a multipart response, each part tagged with its
// hash like the real bulk-download endpoint does.
func writeBlobs(t *testing.T, w http.ResponseWriter, blobs map[string]string) {
	t.Helper()
	mw := multipart.NewWriter(w)
	w.Header().Set("Content-Type", "multipart/mixed; boundary="+mw.Boundary())

	hashes := make([]string, 0, len(blobs))
	for hash := range blobs {
		hashes = append(hashes, hash)
	}
	sort.Strings(hashes)
	for _, hash := range hashes {
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Id": []string{hash},
		})
		test.OK(t, err)
		_, err = io.WriteString(part, blobs[hash])
		test.OK(t, err)
	}
	test.OK(t, mw.Close())
}

func TestDownloadByHashes(t *testing.T) {
	fs := afero.NewMemMapFs()
	var gotToken string
	var gotHashes []string

	c, _ := newClient(t, fs, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		test.Equals(t, "/public/api/v3/images.bulk.download-by-hash", r.URL.Path)
		gotToken = r.Header.Get("x-api-token")

		var req struct {
			Hashes []string `json:"hashes"`
		}
		test.OK(t, json.NewDecoder(r.Body).Decode(&req))
		gotHashes = req.Hashes

		writeBlobs(t, w, map[string]string{
			"aa/bb": "first blob",
			"cc/dd": "second blob",
		})
	}))

	err := c.DownloadByHashes(context.Background(),
		[]string{"aa/bb", "cc/dd"}, []string{"/dst/one.png", "/dst/two.png"})
	test.OK(t, err)
	test.Equals(t, "secret-token", gotToken)
	test.Equals(t, []string{"aa/bb", "cc/dd"}, gotHashes)

	for path, want := range map[string]string{
		"/dst/one.png": "first blob",
		"/dst/two.png": "second blob",
	} {
		data, err := afero.ReadFile(fs, path)
		test.OK(t, err)
		test.Equals(t, want, string(data))
	}
}

func TestDownloadByHashesNotFound(t *testing.T) {
	fs := afero.NewMemMapFs()
	c, _ := newClient(t, fs, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error": "not found", "details": {"message": "Hashes not found", "hashes": ["cc/dd"]}}`)
	}))

	err := c.DownloadByHashes(context.Background(),
		[]string{"aa/bb", "cc/dd"}, []string{"/dst/one.png", "/dst/two.png"})
	var notFound *reconcile.HashesNotFoundError
	test.Assert(t, errors.As(err, &notFound), "expected HashesNotFoundError, got %v", err)
	test.Equals(t, []string{"cc/dd"}, notFound.Hashes)
}

func TestDownloadByHashesSilentOmission(t *testing.T) {
	fs := afero.NewMemMapFs()
	c, _ := newClient(t, fs, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// the server only returns one of the two requested blobs
		writeBlobs(t, w, map[string]string{"aa/bb": "first blob"})
	}))

	err := c.DownloadByHashes(context.Background(),
		[]string{"aa/bb", "cc/dd"}, []string{"/dst/one.png", "/dst/two.png"})
	var notFound *reconcile.HashesNotFoundError
	test.Assert(t, errors.As(err, &notFound), "expected HashesNotFoundError, got %v", err)
	test.Equals(t, []string{"cc/dd"}, notFound.Hashes)

	data, err := afero.ReadFile(fs, "/dst/one.png")
	test.OK(t, err)
	test.Equals(t, "first blob", string(data))
}

func TestUpload(t *testing.T) {
	fs := afero.NewMemMapFs()
	test.OK(t, afero.WriteFile(fs, "/work/out.tar", []byte("tar bytes"), 0o644))

	var gotTeam, gotName, gotBody string
	c, _ := newClient(t, fs, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		test.Equals(t, "/public/api/v3/file-storage.upload", r.URL.Path)
		gotTeam = r.URL.Query().Get("teamId")

		test.OK(t, r.ParseMultipartForm(1<<20))
		file, header, err := r.FormFile("files")
		test.OK(t, err)
		defer func() { _ = file.Close() }()
		gotName = header.Filename
		body, err := io.ReadAll(file)
		test.OK(t, err)
		gotBody = string(body)

		fmt.Fprint(w, `[{"id": 9, "path": "/export/42_out.tar"}]`)
	}))

	stored, err := c.Upload(context.Background(), "/work/out.tar", "/export/42_out.tar")
	test.OK(t, err)
	test.Equals(t, "11", gotTeam)
	test.Equals(t, "/export/42_out.tar", gotName)
	test.Equals(t, "tar bytes", gotBody)
	test.Equals(t, 9, stored.ID)
	test.Equals(t, "/export/42_out.tar", stored.Path)
}

func TestSetArchiveAndExpiredNotice(t *testing.T) {
	fs := afero.NewMemMapFs()
	var payloads []map[string]interface{}
	c, _ := newClient(t, fs, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		test.Equals(t, "/public/api/v3/tasks.output.set", r.URL.Path)
		var payload map[string]interface{}
		test.OK(t, json.NewDecoder(r.Body).Decode(&payload))
		payloads = append(payloads, payload)
		fmt.Fprint(w, `{}`)
	}))

	test.OK(t, c.SetArchive(context.Background(), restorer.StoredFile{ID: 9, Path: "/export/42_out.tar"}))
	test.OK(t, c.SetExpiredNotice(context.Background()))

	test.Equals(t, 2, len(payloads))
	for _, payload := range payloads {
		test.Equals(t, float64(42), payload["taskId"])
	}
	general := payloads[0]["output"].(map[string]interface{})["general"].(map[string]interface{})
	test.Equals(t, "42_out.tar", general["title"])
	general = payloads[1]["output"].(map[string]interface{})["general"].(map[string]interface{})
	test.Equals(t, "zmdi-alert-triangle", general["zmdiIcon"])
}

// Package platform is the HTTP client for the Supervisely public API. It
// backs the three remote roles the pipeline needs: the content-addressed
// image store, the team-files storage and the task output.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/supervisely-ecosystem/restore-archived-project/internal/errors"
	"github.com/supervisely-ecosystem/restore-archived-project/internal/reconcile"
	"github.com/supervisely-ecosystem/restore-archived-project/internal/restorer"
)

const (
	apiPrefix      = "/public/api/v3/"
	tokenHeader    = "x-api-token"
	defaultTimeout = 5 * time.Minute
)

// the one client serves all three remote roles of the pipeline
var (
	_ reconcile.ContentStore = (*Client)(nil)
	_ restorer.FileStorage   = (*Client)(nil)
	_ restorer.TaskOutput    = (*Client)(nil)
	_ restorer.Importer      = (*Client)(nil)
)

// A Client talks to one Supervisely instance on behalf of one team.
type Client struct {
	base   *url.URL
	token  string
	teamID int
	taskID int

	fs   afero.Fs
	log  *zap.Logger
	http *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithFS sets the filesystem downloaded blobs and upload sources live on.
func WithFS(fs afero.Fs) Option {
	return func(c *Client) { c.fs = fs }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// NewClient builds a client for the instance at server, authenticating every
// request with token. The team and task identify where uploads and outputs
// land.
func NewClient(server, token string, teamID, taskID int, opts ...Option) (*Client, error) {
	base, err := url.Parse(server)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing server address %v", server)
	}
	c := &Client{
		base:   base,
		token:  token,
		teamID: teamID,
		taskID: taskID,
		fs:     afero.NewOsFs(),
		log:    zap.NewNop(),
		http:   &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) endpoint(method string) string {
	u := *c.base
	u.Path = path.Join(u.Path, apiPrefix, method)
	return u.String()
}

// apiError is the structured error payload the API attaches to non-2xx
// responses.
type apiError struct {
	Error   string `json:"error"`
	Details struct {
		Message string   `json:"message"`
		Hashes  []string `json:"hashes"`
	} `json:"details"`
}

// decodeError turns a non-2xx response into an error, preserving the
// hashes-not-found shape the reconciler narrows batches on.
func decodeError(method string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var payload apiError
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Details.Message == "Hashes not found" {
			return &reconcile.HashesNotFoundError{Hashes: payload.Details.Hashes}
		}
		if payload.Error != "" {
			return errors.Errorf("%v: %v (status %v)", method, payload.Error, resp.StatusCode)
		}
	}
	return errors.Errorf("%v: unexpected status %v", method, resp.StatusCode)
}

func (c *Client) postJSON(ctx context.Context, method string, payload interface{}) (*http.Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "encoding request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(method), bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "building request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(tokenHeader, c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "calling %v", method)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer func() { _ = resp.Body.Close() }()
		return nil, decodeError(method, resp)
	}
	return resp, nil
}

// DownloadByHashes fetches the blobs for hashes in one call and writes each
// to its positionally paired destination. The response is a multipart stream
// whose parts carry the blob hash in the Content-ID header.
func (c *Client) DownloadByHashes(ctx context.Context, hashes, dests []string) error {
	if len(hashes) != len(dests) {
		return errors.Errorf("got %v hashes for %v destinations", len(hashes), len(dests))
	}

	resp, err := c.postJSON(ctx, "images.bulk.download-by-hash", map[string]interface{}{
		"hashes": hashes,
	})
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	destByHash := make(map[string]string, len(hashes))
	for i, hash := range hashes {
		destByHash[hash] = dests[i]
	}

	_, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return errors.Wrap(err, "parsing response content type")
	}
	mr := multipart.NewReader(resp.Body, params["boundary"])
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "reading download stream")
		}
		hash := part.Header.Get("Content-Id")
		dest, ok := destByHash[hash]
		if !ok {
			c.log.Warn("server sent a blob that was not requested", zap.String("hash", hash))
			continue
		}
		if err := c.writePart(part, dest); err != nil {
			return err
		}
		delete(destByHash, hash)
	}

	if len(destByHash) != 0 {
		missing := make([]string, 0, len(destByHash))
		for hash := range destByHash {
			missing = append(missing, hash)
		}
		return &reconcile.HashesNotFoundError{Hashes: missing}
	}
	return nil
}

func (c *Client) writePart(part *multipart.Part, dest string) error {
	f, err := c.fs.Create(dest)
	if err != nil {
		return errors.Wrapf(err, "creating %v", dest)
	}
	_, err = io.Copy(f, part)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return errors.Wrapf(err, "writing %v", dest)
}

// fileInfo is one entry of the file-storage.upload response.
type fileInfo struct {
	ID   int    `json:"id"`
	Path string `json:"path"`
}

// Upload stores the file at localPath under remotePath in the team files.
func (c *Client) Upload(ctx context.Context, localPath, remotePath string) (restorer.StoredFile, error) {
	src, err := c.fs.Open(localPath)
	if err != nil {
		return restorer.StoredFile{}, errors.Wrapf(err, "opening %v", localPath)
	}
	defer func() { _ = src.Close() }()

	// the body is streamed through a pipe so large archives never load into
	// memory at once
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("files", remotePath)
		if err == nil {
			_, err = io.Copy(part, src)
		}
		if err == nil {
			err = mw.Close()
		}
		_ = pw.CloseWithError(err)
	}()

	endpoint := c.endpoint("file-storage.upload") + "?teamId=" + strconv.Itoa(c.teamID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, pr)
	if err != nil {
		return restorer.StoredFile{}, errors.Wrap(err, "building request")
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(tokenHeader, c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return restorer.StoredFile{}, errors.Wrap(err, "calling file-storage.upload")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return restorer.StoredFile{}, decodeError("file-storage.upload", resp)
	}

	var infos []fileInfo
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		return restorer.StoredFile{}, errors.Wrap(err, "decoding upload response")
	}
	if len(infos) == 0 {
		return restorer.StoredFile{}, errors.New("upload response lists no files")
	}
	c.log.Info("archive uploaded to team files",
		zap.String("path", infos[0].Path), zap.Int("id", infos[0].ID))
	return restorer.StoredFile{ID: infos[0].ID, Path: infos[0].Path}, nil
}

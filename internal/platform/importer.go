package platform

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"github.com/supervisely-ecosystem/restore-archived-project/internal/archive"
	"github.com/supervisely-ecosystem/restore-archived-project/internal/errors"
	"github.com/supervisely-ecosystem/restore-archived-project/internal/restorer"
)

// Import uploads the restored tree as a new project. The tree is packed into
// a temporary archive and streamed to the import endpoint, which recreates
// the project under its original name.
func (c *Client) Import(ctx context.Context, kind restorer.Kind, projDir string) error {
	tarPath := projDir + ".import.tar"
	packer := archive.NewExtractor(archive.WithFS(c.fs), archive.WithLogger(c.log))
	if err := packer.Pack(projDir, tarPath); err != nil {
		return err
	}
	defer func() { _ = c.fs.Remove(tarPath) }()

	src, err := c.fs.Open(tarPath)
	if err != nil {
		return errors.Wrapf(err, "opening %v", tarPath)
	}
	defer func() { _ = src.Close() }()

	endpoint := c.endpoint("projects.import") +
		"?teamId=" + strconv.Itoa(c.teamID) +
		"&type=" + kind.String()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, src)
	if err != nil {
		return errors.Wrap(err, "building request")
	}
	req.Header.Set("Content-Type", "application/x-tar")
	req.Header.Set(tokenHeader, c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "calling projects.import")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError("projects.import", resp)
	}

	var result struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&result); err != nil {
		return errors.Wrap(err, "decoding import response")
	}
	c.log.Info("project imported",
		zap.Int("id", result.ID),
		zap.String("name", result.Name),
		zap.String("project", filepath.Base(projDir)))
	return nil
}

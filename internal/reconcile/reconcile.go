// Package reconcile ensures every manifest-declared image ends up present in
// the destination tree: blobs available in the extracted pool are copied,
// the rest are batch-fetched from the remote content-addressed store.
package reconcile

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/supervisely-ecosystem/restore-archived-project/internal/backup"
	"github.com/supervisely-ecosystem/restore-archived-project/internal/errors"
)

// ContentStore is the remote content-addressed store blobs are fetched from
// when they are missing locally. Hashes and destination paths are positionally
// paired and of equal length.
type ContentStore interface {
	DownloadByHashes(ctx context.Context, hashes, dests []string) error
}

// HashesNotFoundError is the structured store response naming the subset of a
// requested batch the store does not hold.
type HashesNotFoundError struct {
	Hashes []string
}

func (e *HashesNotFoundError) Error() string {
	return fmt.Sprintf("hashes not found: %v", strings.Join(e.Hashes, ", "))
}

// MissingBlob is a manifest entry with no matching local blob.
type MissingBlob struct {
	Name     string
	Hash     string
	DestPath string
}

// Summary reports the outcome of one dataset's reconciliation. Items that
// could not be restored from either source are listed in Skipped, never
// silently dropped.
type Summary struct {
	Copied  int
	Fetched int
	Skipped []MissingBlob
}

// narrowingRetries bounds how often a batch fetch is retried after the store
// reported part of it as not found.
const narrowingRetries = 5

// A Reconciler materializes datasets from the local pool and the remote
// store.
type Reconciler struct {
	fs    afero.Fs
	log   *zap.Logger
	store ContentStore
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithFS sets the filesystem blobs are copied on.
func WithFS(fs afero.Fs) Option {
	return func(r *Reconciler) { r.fs = fs }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(r *Reconciler) { r.log = log }
}

// New returns a Reconciler fetching gaps from store.
func New(store ContentStore, opts ...Option) *Reconciler {
	r := &Reconciler{
		fs:    afero.NewOsFs(),
		log:   zap.NewNop(),
		store: store,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dataset reconciles one dataset: every image resolvable in the pool is
// copied to destFolder under its logical name, the remainder is fetched from
// the store in one narrowing batch call. The returned summary lists what was
// copied, fetched and given up on.
func (r *Reconciler) Dataset(ctx context.Context, ds backup.Dataset, idx backup.Index, poolDir, destFolder string) (*Summary, error) {
	if err := r.fs.MkdirAll(destFolder, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating %v", destFolder)
	}

	summary := &Summary{}
	var missing []MissingBlob

	for _, img := range ds.Images {
		src := idx.Resolve(poolDir, img.Hash)
		if src == "" {
			missing = append(missing, MissingBlob{
				Name:     img.Name,
				Hash:     img.Hash,
				DestPath: filepath.Join(destFolder, img.Name),
			})
			continue
		}
		if err := r.copyBlob(src, filepath.Join(destFolder, img.Name)); err != nil {
			return nil, err
		}
		summary.Copied++
	}

	if len(missing) == 0 {
		return summary, nil
	}

	fetched, skipped, err := r.fetchMissing(ctx, ds.Name, missing)
	if err != nil {
		return nil, err
	}
	summary.Fetched = fetched
	summary.Skipped = skipped
	return summary, nil
}

// fetchMissing issues the batch fetch, narrowing the batch each time the
// store names hashes it does not hold. Exhausting the narrowing budget leaves
// the remaining items absent instead of failing the run; any unstructured
// store error escalates immediately.
func (r *Reconciler) fetchMissing(ctx context.Context, dataset string, missing []MissingBlob) (fetched int, skipped []MissingBlob, err error) {
	batch := missing

	operation := func() error {
		if len(batch) == 0 {
			return nil
		}
		hashes := make([]string, len(batch))
		dests := make([]string, len(batch))
		for i, m := range batch {
			hashes[i] = m.Hash
			dests[i] = m.DestPath
		}

		err := r.store.DownloadByHashes(ctx, hashes, dests)
		if err == nil {
			return nil
		}

		var notFound *HashesNotFoundError
		if !errors.As(err, &notFound) {
			return backoff.Permanent(err)
		}

		var dropped []MissingBlob
		batch, dropped = excludeHashes(batch, notFound.Hashes)
		skipped = append(skipped, dropped...)
		if len(dropped) > 0 {
			r.log.Warn("skipping blobs the remote store does not hold",
				zap.String("dataset", dataset), zap.Int("count", len(dropped)))
		}
		if len(batch) == 0 {
			return nil
		}
		return err
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, narrowingRetries), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		var notFound *HashesNotFoundError
		if !errors.As(err, &notFound) {
			return 0, nil, errors.Wrapf(err, "batch fetch for dataset %v", dataset)
		}
		// narrowing budget exhausted, leave the rest absent
		r.log.Warn("giving up on batch fetch retries for dataset",
			zap.String("dataset", dataset), zap.Int("left", len(batch)))
		skipped = append(skipped, batch...)
		batch = nil
	}

	return len(missing) - len(skipped), skipped, nil
}

func excludeHashes(batch []MissingBlob, hashes []string) (kept, dropped []MissingBlob) {
	drop := make(map[string]struct{}, len(hashes))
	for _, h := range hashes {
		drop[h] = struct{}{}
	}
	for _, m := range batch {
		if _, ok := drop[m.Hash]; ok {
			dropped = append(dropped, m)
		} else {
			kept = append(kept, m)
		}
	}
	return kept, dropped
}

func (r *Reconciler) copyBlob(src, dst string) error {
	in, err := r.fs.Open(src)
	if err != nil {
		return errors.Wrapf(err, "opening blob %v", src)
	}
	defer func() { _ = in.Close() }()

	out, err := r.fs.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(err, "creating %v", dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return errors.Wrapf(err, "copying blob to %v", dst)
	}
	return errors.Wrapf(out.Close(), "closing %v", dst)
}

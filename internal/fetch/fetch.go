// Package fetch downloads remote backup objects into local files. Downloads
// are resumable: every attempt continues at the current length of the
// destination file using an HTTP range request, so an interrupted transfer is
// never restarted from scratch.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/supervisely-ecosystem/restore-archived-project/internal/errors"
	"github.com/supervisely-ecosystem/restore-archived-project/internal/ui/progress"
)

// ErrExpiredSource reports that the backup store stopped answering for long
// enough that the backup link has most likely expired. It is terminal, but
// callers are expected to handle it as a clean stop, not as a crash.
var ErrExpiredSource = errors.New("access to the project backup has expired")

// TransferError is a download failure that is not explained by an unreliable
// link and was not resolved by retrying.
type TransferError struct {
	URL string
	Err error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("downloading %v failed: %v", e.URL, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

const (
	chunkSize = 32 * 1024

	// Transient failures are retried transientRetries times before the
	// source is declared expired. Any other failure is retried
	// unexpectedRetries times before it escalates as a TransferError.
	transientRetries  = 8
	unexpectedRetries = 2
)

// Content types the backup store is allowed to answer with. Anything else is
// an interstitial page or an error document and is treated as a transient
// failure.
var acceptedContentTypes = map[string]struct{}{
	"application/binary": {},
	"application/zip":    {},
	"application/x-tar":  {},
}

// DirectURL rewrites a share-style URL into its direct-download form.
func DirectURL(shared string) string {
	return strings.Replace(shared, "dl=0", "dl=1", 1)
}

// A Fetcher downloads remote objects with retries and resume.
type Fetcher struct {
	fs  afero.Fs
	log *zap.Logger

	baseTimeout time.Duration
	timeoutStep time.Duration
	timeoutCap  time.Duration
	shortSleep  time.Duration
	longSleep   time.Duration

	newClient func(timeout time.Duration) *http.Client
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(log *zap.Logger) Option {
	return func(f *Fetcher) { f.log = log }
}

// WithFS sets the filesystem destination files are written to.
func WithFS(fs afero.Fs) Option {
	return func(f *Fetcher) { f.fs = fs }
}

// WithSleepSchedule overrides the backoff sleeps between transient retries.
func WithSleepSchedule(short, long time.Duration) Option {
	return func(f *Fetcher) {
		f.shortSleep = short
		f.longSleep = long
	}
}

// WithAttemptTimeouts overrides the per-attempt timeout schedule.
func WithAttemptTimeouts(base, step, limit time.Duration) Option {
	return func(f *Fetcher) {
		f.baseTimeout = base
		f.timeoutStep = step
		f.timeoutCap = limit
	}
}

// WithClientFunc overrides HTTP client construction, used by tests.
func WithClientFunc(fn func(timeout time.Duration) *http.Client) Option {
	return func(f *Fetcher) { f.newClient = fn }
}

// New returns a Fetcher with the production retry schedule.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		fs:          afero.NewOsFs(),
		log:         zap.NewNop(),
		baseTimeout: 10 * time.Second,
		timeoutStep: 10 * time.Second,
		timeoutCap:  90 * time.Second,
		shortSleep:  5 * time.Second,
		longSleep:   10 * time.Second,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// transientError marks failures attributable to an unreliable link: connect
// and read errors, unexpected statuses and content types.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// sleepSchedule is the backoff between attempts: 5s for the first four
// transient retries, 10s after that, no sleep after unexpected errors.
type sleepSchedule struct {
	f         *Fetcher
	transient *int
}

func (s *sleepSchedule) NextBackOff() time.Duration {
	switch n := *s.transient; {
	case n == 0:
		return 0
	case n <= transientRetries/2:
		return s.f.shortSleep
	default:
		return s.f.longSleep
	}
}

func (s *sleepSchedule) Reset() {}

// Fetch downloads rawURL into dest. The destination file persists across
// retries and is resumed, not restarted; removing it after completion or
// final failure is up to the caller. Progress is reported per chunk to
// counter, which may be nil.
//
// A transient failure past the retry budget yields ErrExpiredSource. Any
// other repeated failure yields a *TransferError.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, dest string, counter *progress.Counter) error {
	directURL := DirectURL(rawURL)

	var transient, unexpected int
	timeout := f.baseTimeout

	operation := func() error {
		n, err := f.attempt(ctx, directURL, dest, counter, timeout)
		if n > 0 {
			// Data arrived, the link is alive: reset the transient
			// failure budget.
			transient = 0
		}
		if err == nil {
			return nil
		}

		var te *transientError
		if errors.As(err, &te) {
			transient++
			if timeout < f.timeoutCap {
				timeout += f.timeoutStep
			}
			if transient > transientRetries {
				return backoff.Permanent(ErrExpiredSource)
			}
			return err
		}

		unexpected++
		if unexpected > unexpectedRetries {
			return backoff.Permanent(&TransferError{URL: rawURL, Err: err})
		}
		return err
	}

	notify := func(err error, sleep time.Duration) {
		f.log.Warn("download request error, retrying",
			zap.String("url", rawURL),
			zap.Int("attempt", transient),
			zap.Int("max_attempts", transientRetries),
			zap.Duration("sleep", sleep),
			zap.Error(err))
	}

	sched := &sleepSchedule{f: f, transient: &transient}
	if err := backoff.RetryNotify(operation, backoff.WithContext(sched, ctx), notify); err != nil {
		return err
	}

	f.log.Debug("download finished", zap.String("url", rawURL), zap.String("dest", dest))
	return nil
}

// attempt performs a single download attempt and returns the number of bytes
// it appended to dest.
func (f *Fetcher) attempt(ctx context.Context, url, dest string, counter *progress.Counter, timeout time.Duration) (int64, error) {
	file, err := f.fs.OpenFile(dest, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	defer func() { _ = file.Close() }()

	offset, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))

	resp, err := f.client(timeout).Do(req)
	if err != nil {
		return 0, &transientError{err}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	contentType := resp.Header.Get("Content-Type")
	if resp.StatusCode != http.StatusPartialContent && !acceptedContentType(contentType) {
		return 0, &transientError{errors.Errorf("unexpected response: status %v, content type %q", resp.Status, contentType)}
	}

	if resp.StatusCode == http.StatusOK && offset > 0 {
		// The server ignored the range request. Start the file over so a
		// full response cannot be appended to a partial one.
		if err := file.Truncate(0); err != nil {
			return 0, err
		}
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return 0, err
		}
		offset = 0
	}

	if resp.ContentLength > 0 {
		counter.SetMax(uint64(offset) + uint64(resp.ContentLength))
	}

	var written int64
	buf := make([]byte, chunkSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := file.Write(buf[:n]); werr != nil {
				return written, werr
			}
			written += int64(n)
			counter.Add(uint64(n))
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, &transientError{rerr}
		}
	}
}

func (f *Fetcher) client(timeout time.Duration) *http.Client {
	if f.newClient != nil {
		return f.newClient(timeout)
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: timeout,
			}).DialContext,
			ResponseHeaderTimeout: timeout,
		},
	}
}

func acceptedContentType(contentType string) bool {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	_, ok := acceptedContentTypes[strings.TrimSpace(contentType)]
	return ok
}

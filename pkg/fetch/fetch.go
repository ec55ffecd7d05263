// Package fetch downloads build artifacts and verifies their checksum.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"
)

// chunkSize is the read size used while streaming a download.
const chunkSize = 4096

var (
	// ErrChecksumMismatch matches any *ChecksumError.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrReadStalled is returned when no data arrives for a whole read timeout.
	ErrReadStalled = errors.New("download stalled")
)

// ChecksumError is returned when the downloaded bytes do not hash to the
// expected value.
type ChecksumError struct {
	URL      string
	Expected string
	Got      string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("%s: expected %s, got %s", e.URL, e.Expected, e.Got)
}

func (e *ChecksumError) Is(target error) bool {
	return target == ErrChecksumMismatch
}

// StatusError is returned for a non-success HTTP response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.URL, e.StatusCode)
}

// Fetcher downloads artifacts over HTTP(S).
type Fetcher interface {
	// Fetch streams url into dest and verifies its SHA-256 digest against
	// expectedSHA256 (hex encoded).
	Fetch(ctx context.Context, url, dest, expectedSHA256 string) error
}

// Options configures the HTTP client used by the fetcher.
type Options struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

type fetcher struct {
	log         logrus.FieldLogger
	client      *http.Client
	readTimeout time.Duration
}

// Ensure interface compliance.
var _ Fetcher = (*fetcher)(nil)

// NewFetcher creates a Fetcher. The connect timeout bounds dialing and the
// TLS handshake. The read timeout bounds waiting for response headers and
// each wait for body data, so a large artifact on a slow but steady link
// still completes.
func NewFetcher(log logrus.FieldLogger, opts Options) Fetcher {
	dialer := &net.Dialer{Timeout: opts.ConnectTimeout}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ResponseHeaderTimeout: opts.ReadTimeout,
	}

	return &fetcher{
		log:         log.WithField("component", "fetch"),
		client:      &http.Client{Transport: transport},
		readTimeout: opts.ReadTimeout,
	}
}

// Fetch implements Fetcher.
func (f *fetcher) Fetch(ctx context.Context, url, dest, expectedSHA256 string) error {
	log := f.log.WithField("url", url)
	log.WithField("dest", dest).Debug("Downloading artifact")

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var timer *time.Timer
	if f.readTimeout > 0 {
		timer = time.AfterFunc(f.readTimeout, func() { cancel(ErrReadStalled) })
		defer timer.Stop()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}
	defer func() { _ = out.Close() }()

	var src io.Reader = resp.Body
	if timer != nil {
		src = &stallReader{r: resp.Body, timer: timer, timeout: f.readTimeout}
	}

	digest, n, err := copyAndHash(out, src)
	if err != nil {
		if cause := context.Cause(ctx); errors.Is(cause, ErrReadStalled) {
			err = cause
		}

		return fmt.Errorf("downloading %s: %w", url, err)
	}

	if err := out.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", dest, err)
	}

	if digest != expectedSHA256 {
		return &ChecksumError{URL: url, Expected: expectedSHA256, Got: digest}
	}

	log.WithField("size", units.HumanSize(float64(n))).Info("Downloaded artifact")

	return nil
}

// stallReader re-arms timer after every read that returns.
type stallReader struct {
	r       io.Reader
	timer   *time.Timer
	timeout time.Duration
}

func (s *stallReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	s.timer.Reset(s.timeout)

	return n, err
}

// copyAndHash copies src to dst chunk by chunk, feeding every chunk to a
// SHA-256 hasher. It returns the hex digest and the number of bytes copied.
func copyAndHash(dst io.Writer, src io.Reader) (string, int64, error) {
	h := sha256.New()
	buf := make([]byte, chunkSize)

	n, err := io.CopyBuffer(io.MultiWriter(dst, h), src, buf)
	if err != nil {
		return "", n, err
	}

	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// HashFile returns the hex SHA-256 digest of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	digest, _, err := copyAndHash(io.Discard, f)
	if err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}

	return digest, nil
}

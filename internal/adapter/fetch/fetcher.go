// Package fetch downloads job sources over HTTP.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/cwygoda/optimizer/internal/domain"
)

const chunkSize = 32 * 1024

// Options configures an HTTPFetcher.
type Options struct {
	// Client defaults to a client with a traced transport.
	Client *http.Client
	// Retries is the number of extra attempts for transient failures.
	Retries int
	// RetryBackoff is multiplied by attempt² between attempts.
	RetryBackoff time.Duration
	// ProgressInterval bounds how often progress is reported.
	ProgressInterval time.Duration
	Logger           zerolog.Logger
}

// HTTPFetcher streams a remote resource into a local file.
type HTTPFetcher struct {
	client   *http.Client
	retries  int
	backoff  time.Duration
	interval time.Duration
	log      zerolog.Logger
}

var _ domain.Fetcher = (*HTTPFetcher)(nil)

// New creates a new HTTPFetcher.
func New(opts Options) *HTTPFetcher {
	client := opts.Client
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	backoff := opts.RetryBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	interval := opts.ProgressInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &HTTPFetcher{
		client:   client,
		retries:  max(opts.Retries, 0),
		backoff:  backoff,
		interval: interval,
		log:      opts.Logger,
	}
}

// Fetch downloads rawURL into dest. dest holds either the complete body or
// nothing. Cancellation returns the cause of ctx; every other failure is a
// *domain.TransferError.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL, dest string, progress domain.ProgressFunc) (int64, error) {
	if progress == nil {
		progress = func(domain.Progress) {}
	}

	var lastErr error
	for attempt := 0; attempt <= f.retries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(attempt*attempt) * f.backoff
			f.log.Warn().Err(lastErr).Int("attempt", attempt).Dur("backoff", wait).Msg("retrying fetch")
			select {
			case <-ctx.Done():
				return 0, aborted(ctx)
			case <-time.After(wait):
			}
		}

		n, err := f.fetchOnce(ctx, rawURL, dest, progress)
		if err == nil {
			return n, nil
		}
		if ctx.Err() != nil {
			return 0, aborted(ctx)
		}
		if !retryable(err) {
			return 0, err
		}
		lastErr = err
	}
	return 0, lastErr
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, rawURL, dest string, progress domain.ProgressFunc) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, &domain.TransferError{URL: rawURL, Err: err}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, aborted(ctx)
		}
		return 0, &domain.TransferError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, &domain.TransferError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	total := max(resp.ContentLength, 0)

	pf, err := newPendingFile(dest)
	if err != nil {
		return 0, &domain.TransferError{URL: rawURL, Err: fmt.Errorf("create destination: %w", err)}
	}
	defer func() {
		if err := pf.Cleanup(); err != nil {
			f.log.Debug().Err(err).Str("dest", dest).Msg("cleanup pending download")
		}
	}()

	report := rate.Sometimes{Interval: f.interval}
	buf := make([]byte, chunkSize)
	var done int64
	for {
		if ctx.Err() != nil {
			return done, aborted(ctx)
		}

		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := pf.Write(buf[:n]); werr != nil {
				return done, &domain.TransferError{URL: rawURL, Err: fmt.Errorf("write destination: %w", werr)}
			}
			done += int64(n)
			report.Do(func() { progress(progressOf(done, total)) })
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return done, aborted(ctx)
			}
			return done, &domain.TransferError{URL: rawURL, Err: rerr}
		}
	}

	if total > 0 && done != total {
		return done, &domain.TransferError{URL: rawURL, Err: io.ErrUnexpectedEOF}
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return done, &domain.TransferError{URL: rawURL, Err: fmt.Errorf("commit destination: %w", err)}
	}

	if total == 0 {
		total = done
	}
	progress(progressOf(done, total))
	return done, nil
}

func progressOf(done, total int64) domain.Progress {
	p := domain.Progress{BytesDone: done, BytesTotal: total}
	if total > 0 {
		p.Percent = float64(done) * 100 / float64(total)
	}
	return p
}

func aborted(ctx context.Context) error {
	return fmt.Errorf("fetch aborted: %w", context.Cause(ctx))
}

// retryable reports whether err is worth another attempt: network errors,
// truncated bodies, server errors and rate limiting.
func retryable(err error) bool {
	var te *domain.TransferError
	if !errors.As(err, &te) {
		return false
	}
	switch {
	case te.StatusCode >= 500, te.StatusCode == http.StatusTooManyRequests:
		return true
	case te.StatusCode != 0:
		return false
	}

	var urlErr *url.Error
	var netErr net.Error
	return errors.As(err, &urlErr) || errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF)
}

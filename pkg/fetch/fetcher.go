package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/vx-mirror/pkg/utils"
)

// Fetcher issues rate-limited HTTP requests through a Retrier
type Fetcher struct {
	client    *http.Client
	retrier   *Retrier
	limiter   *RateLimiter
	rateLimit time.Duration
	userAgent string
	log       *logrus.Entry
}

// NewFetcher creates a Fetcher. limiter may be nil when rateLimit is zero.
func NewFetcher(client *http.Client, retrier *Retrier, limiter *RateLimiter, rateLimit time.Duration, userAgent string, log *logrus.Entry) *Fetcher {
	if limiter == nil {
		limiter = NewRateLimiter(log)
	}
	return &Fetcher{
		client:    client,
		retrier:   retrier,
		limiter:   limiter,
		rateLimit: rateLimit,
		userAgent: userAgent,
		log:       log,
	}
}

// Client returns the underlying HTTP client
func (f *Fetcher) Client() *http.Client {
	return f.client
}

// Retrier returns the retry policy the fetcher applies
func (f *Fetcher) Retrier() *Retrier {
	return f.retrier
}

// Do performs exactly one rate-limited request attempt.
// A non-2xx response is drained, closed and reported as *utils.HTTPStatusError;
// any other failure to get a response is utils.ErrTransport.
// On success the caller must close the response body.
func (f *Fetcher) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	f.limiter.ApplyDelay(ctx, req.URL.Host, f.rateLimit)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if req.Header.Get("User-Agent") == "" && f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req.WithContext(ctx))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		// %v keeps client timeouts from matching context.DeadlineExceeded, so they stay retryable
		return nil, fmt.Errorf("%w: %s %s: %v", utils.ErrTransport, req.Method, req.URL, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil, &utils.HTTPStatusError{Code: resp.StatusCode, URL: req.URL.String()}
	}
	return resp, nil
}

// FetchWithRetry performs the request built by newReq, retrying transient failures.
// newReq is called once per attempt so every attempt gets a fresh request.
// The caller must close the body of the returned response.
func (f *Fetcher) FetchWithRetry(ctx context.Context, newReq func() (*http.Request, error)) (*http.Response, error) {
	var resp *http.Response
	var reqURL string
	err := f.retrier.Do(ctx, f.log, func(ctx context.Context, attempt int) error {
		req, err := newReq()
		if err != nil {
			return fmt.Errorf("%w: %w", utils.ErrRequestCreation, err)
		}
		reqURL = req.URL.String()
		resp, err = f.Do(ctx, req)
		return err
	})
	if err != nil {
		f.log.WithField("url", reqURL).Debugf("FetchWithRetry failed: %v", err)
		return nil, err
	}
	return resp, nil
}

// FetchPage GETs pageURL and reads the whole body, retrying request and body read together
func (f *Fetcher) FetchPage(ctx context.Context, pageURL string) ([]byte, error) {
	var body []byte
	pageLog := f.log.WithField("url", pageURL)
	err := f.retrier.Do(ctx, pageLog, func(ctx context.Context, attempt int) error {
		req, err := http.NewRequest(http.MethodGet, pageURL, nil)
		if err != nil {
			return fmt.Errorf("%w: %w", utils.ErrRequestCreation, err)
		}
		resp, err := f.Do(ctx, req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("%w: %s: %v", utils.ErrResponseBodyRead, pageURL, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// ProbeSize issues a single HEAD request and returns the advertised size in bytes,
// or -1 when the server does not report one.
func (f *Fetcher) ProbeSize(ctx context.Context, fileURL string) (int64, error) {
	req, err := http.NewRequest(http.MethodHead, fileURL, nil)
	if err != nil {
		return -1, fmt.Errorf("%w: %w", utils.ErrRequestCreation, err)
	}
	req.Header.Set("Accept-Encoding", "identity")
	resp, err := f.Do(ctx, req)
	if err != nil {
		return -1, err
	}
	resp.Body.Close()
	return resp.ContentLength, nil
}

// CheckReachable issues a single GET without retries and reports whether it answered 2xx
func (f *Fetcher) CheckReachable(ctx context.Context, targetURL string) (bool, error) {
	req, err := http.NewRequest(http.MethodGet, targetURL, nil)
	if err != nil {
		return false, fmt.Errorf("%w: %w", utils.ErrRequestCreation, err)
	}
	resp, err := f.Do(ctx, req)
	if err != nil {
		return false, err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return true, nil
}

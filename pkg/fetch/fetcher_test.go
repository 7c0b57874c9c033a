package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/vx-mirror/pkg/config"
	"github.com/Sriram-PR/vx-mirror/pkg/utils"
)

// testLogger returns a logger that discards output
func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

// testFetcher returns a Fetcher with instant retries and no rate limit
func testFetcher(maxAttempts int) *Fetcher {
	client := NewClient(config.Default().HTTPClientSettings, testLogger())
	return NewFetcher(client, NewRetrier(maxAttempts, NoBackoff{}), nil, 0, "vx-test/1.0", testLogger())
}

// mockServer creates an httptest.Server that returns status codes in sequence.
// Returns the server and an atomic counter tracking request attempts.
func mockServer(t *testing.T, statusCodes []int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	attemptCount := &atomic.Int32{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idx := int(attemptCount.Add(1)) - 1
		if idx >= len(statusCodes) {
			idx = len(statusCodes) - 1 // repeat last status
		}
		w.WriteHeader(statusCodes[idx])
		io.WriteString(w, "body")
	}))
	t.Cleanup(server.Close)
	return server, attemptCount
}

func getReq(url string) func() (*http.Request, error) {
	return func() (*http.Request, error) { return http.NewRequest(http.MethodGet, url, nil) }
}

func TestFetchWithRetry_Success(t *testing.T) {
	for _, code := range []int{http.StatusOK, http.StatusPartialContent, http.StatusNoContent} {
		t.Run(strconv.Itoa(code), func(t *testing.T) {
			server, attempts := mockServer(t, []int{code})
			resp, err := testFetcher(3).FetchWithRetry(context.Background(), getReq(server.URL))
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, code, resp.StatusCode)
			assert.Equal(t, int32(1), attempts.Load())
		})
	}
}

func TestFetchWithRetry_AlwaysFailingStopsAtMaxAttempts(t *testing.T) {
	for _, code := range []int{http.StatusNotFound, http.StatusForbidden, http.StatusTooManyRequests, http.StatusServiceUnavailable} {
		t.Run(strconv.Itoa(code), func(t *testing.T) {
			server, attempts := mockServer(t, []int{code})
			_, err := testFetcher(3).FetchWithRetry(context.Background(), getReq(server.URL))
			require.Error(t, err)
			assert.ErrorIs(t, err, utils.ErrRetryFailed)
			assert.ErrorIs(t, err, utils.ErrHTTPStatus)
			assert.Equal(t, int32(3), attempts.Load(), "exactly max_attempts requests")
			assert.Equal(t, "RetryFailed_HTTP_"+strconv.Itoa(code), utils.CategorizeError(err))
		})
	}
}

func TestFetchWithRetry_RecoversAfterTransientFailures(t *testing.T) {
	server, attempts := mockServer(t, []int{503, 500, 200})
	resp, err := testFetcher(3).FetchWithRetry(context.Background(), getReq(server.URL))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, int32(3), attempts.Load())
}

func TestFetchWithRetry_TransportErrorIsRetried(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close() // nothing listens anymore

	var built atomic.Int32
	_, err := testFetcher(3).FetchWithRetry(context.Background(), func() (*http.Request, error) {
		built.Add(1)
		return http.NewRequest(http.MethodGet, url, nil)
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrRetryFailed)
	assert.ErrorIs(t, err, utils.ErrTransport)
	assert.Equal(t, int32(3), built.Load())
}

func TestFetchWithRetry_RequestCreationNotRetried(t *testing.T) {
	var built atomic.Int32
	_, err := testFetcher(3).FetchWithRetry(context.Background(), func() (*http.Request, error) {
		built.Add(1)
		return nil, errors.New("bad request")
	})
	assert.ErrorIs(t, err, utils.ErrRequestCreation)
	assert.NotErrorIs(t, err, utils.ErrRetryFailed)
	assert.Equal(t, int32(1), built.Load())
}

func TestFetchWithRetry_ContextCancelled(t *testing.T) {
	server, attempts := mockServer(t, []int{200})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := testFetcher(3).FetchWithRetry(ctx, getReq(server.URL))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(0), attempts.Load())
}

func TestFetchWithRetry_SetsUserAgent(t *testing.T) {
	var ua atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua.Store(r.UserAgent())
	}))
	t.Cleanup(server.Close)

	resp, err := testFetcher(1).FetchWithRetry(context.Background(), getReq(server.URL))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "vx-test/1.0", ua.Load())
}

func TestFetchPage(t *testing.T) {
	server, attempts := mockServer(t, []int{502, 200})
	body, err := testFetcher(3).FetchPage(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, "body", string(body))
	assert.Equal(t, int32(2), attempts.Load())
}

func TestFetchPage_BodyReadErrorIsRetried(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			// Promise more than we send, then hang up
			w.Header().Set("Content-Length", "100")
			io.WriteString(w, "short")
			return
		}
		io.WriteString(w, "complete")
	}))
	t.Cleanup(server.Close)

	body, err := testFetcher(3).FetchPage(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, "complete", string(body))
	assert.Equal(t, int32(2), attempts.Load())
}

func TestProbeSize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		assert.Equal(t, "identity", r.Header.Get("Accept-Encoding"))
		if r.URL.Path == "/unknown" {
			return // HEAD without a Content-Length
		}
		w.Header().Set("Content-Length", "123456")
	}))
	t.Cleanup(server.Close)

	f := testFetcher(3)
	size, err := f.ProbeSize(context.Background(), server.URL+"/known")
	require.NoError(t, err)
	assert.Equal(t, int64(123456), size)

	size, err = f.ProbeSize(context.Background(), server.URL+"/unknown")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), size)
}

func TestProbeSize_SingleAttempt(t *testing.T) {
	server, attempts := mockServer(t, []int{500})
	size, err := testFetcher(3).ProbeSize(context.Background(), server.URL)
	assert.ErrorIs(t, err, utils.ErrHTTPStatus)
	assert.Equal(t, int64(-1), size)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestCheckReachable(t *testing.T) {
	ok200, _ := mockServer(t, []int{200})
	ok, err := testFetcher(3).CheckReachable(context.Background(), ok200.URL)
	require.NoError(t, err)
	assert.True(t, ok)

	down, attempts := mockServer(t, []int{503})
	ok, err = testFetcher(3).CheckReachable(context.Background(), down.URL)
	assert.Error(t, err)
	assert.False(t, ok)
	assert.Equal(t, int32(1), attempts.Load(), "reachability is never retried")
}

func TestFetcher_RateLimitSpacesRequests(t *testing.T) {
	server, attempts := mockServer(t, []int{200})
	client := NewClient(config.Default().HTTPClientSettings, testLogger())
	f := NewFetcher(client, NewRetrier(1, nil), nil, 60*time.Millisecond, "", testLogger())

	start := time.Now()
	for range 3 {
		_, err := f.FetchPage(context.Background(), server.URL)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), attempts.Load())
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

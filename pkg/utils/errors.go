package utils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

// --- Sentinel Errors for Categorization ---
var (
	ErrRetryFailed        = errors.New("operation failed after all attempts") // Wraps the last underlying error
	ErrHTTPStatus         = errors.New("non-2xx HTTP status")                 // Wraps original status
	ErrTransport          = errors.New("transport error")                     // DNS, TCP, TLS, timeouts
	ErrResponseBodyRead   = errors.New("failed to read response body")
	ErrParsing            = errors.New("parsing error") // Unexpected page shape, bad URL
	ErrFilesystem         = errors.New("filesystem error")
	ErrDatabase           = errors.New("database error") // Wraps badger errors
	ErrSemaphoreTimeout   = errors.New("timeout acquiring semaphore")
	ErrRequestCreation    = errors.New("failed to create HTTP request")
	ErrConfigValidation   = errors.New("configuration validation error")
	ErrExternalDownloader = errors.New("external downloader failed")
	ErrControlRecord      = errors.New("invalid transfer control record")
)

// HTTPStatusError reports a non-2xx response. errors.Is matches it against ErrHTTPStatus.
type HTTPStatusError struct {
	Code int
	URL  string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("%v: status %d from %s", ErrHTTPStatus, e.Code, e.URL)
}

func (e *HTTPStatusError) Unwrap() error { return ErrHTTPStatus }

// StatusCode returns the HTTP status carried by err, if any
func StatusCode(err error) (int, bool) {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code, true
	}
	return 0, false
}

// WrapErrorf wraps a sentinel with a formatted message, keeping it matchable via errors.Is.
func WrapErrorf(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

// IsTransient reports whether err belongs to the retryable class: any non-2xx status,
// transport failure, body read failure or external downloader failure.
// Context cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, ErrHTTPStatus) ||
		errors.Is(err, ErrTransport) ||
		errors.Is(err, ErrResponseBodyRead) ||
		errors.Is(err, ErrExternalDownloader)
}

// retryCause digs the last attempt's error out of an ErrRetryFailed chain.
// Errors built with two %w verbs unwrap to a slice, so errors.Unwrap alone is not enough.
func retryCause(err error) error {
	for err != nil {
		if multi, ok := err.(interface{ Unwrap() []error }); ok {
			for _, e := range multi.Unwrap() {
				if e != ErrRetryFailed {
					return e
				}
			}
			return nil
		}
		next := errors.Unwrap(err)
		if next == ErrRetryFailed {
			return nil
		}
		err = next
	}
	return nil
}

// CategorizeError maps an error to a predefined category string for logging/metrics.
func CategorizeError(err error) string {
	if err == nil {
		return "None"
	}

	switch {
	case errors.Is(err, ErrRetryFailed):
		underlying := retryCause(err)
		if underlying == nil {
			return "RetryFailed_Unknown"
		}
		inner := CategorizeError(underlying)
		if strings.HasPrefix(inner, "RetryFailed_") {
			return inner
		}
		return "RetryFailed_" + inner
	case errors.Is(err, ErrHTTPStatus):
		code, _ := StatusCode(err)
		switch {
		case code == 403, code == 404, code == 429, code == 500, code == 502, code == 503:
			return fmt.Sprintf("HTTP_%d", code)
		case code >= 500 && code < 600:
			return "HTTP_5xx"
		case code >= 400 && code < 500:
			return "HTTP_4xx"
		}
		return "HTTP_OtherStatus"
	case errors.Is(err, ErrResponseBodyRead):
		return "Network_BodyRead"
	case errors.Is(err, ErrExternalDownloader):
		return "External_Downloader"
	case errors.Is(err, ErrParsing):
		errMsg := err.Error()
		if strings.Contains(errMsg, "URL") {
			return "Content_ParsingURL"
		}
		if strings.Contains(errMsg, "HTML") {
			return "Content_ParsingHTML"
		}
		return "Content_ParsingOther"
	case errors.Is(err, ErrControlRecord):
		return "Content_ControlRecord"
	case errors.Is(err, ErrFilesystem):
		if errors.Is(err, os.ErrPermission) {
			return "Filesystem_Permission"
		}
		if errors.Is(err, os.ErrNotExist) {
			return "Filesystem_NotExist"
		}
		if errors.Is(err, os.ErrExist) {
			return "Filesystem_Exist"
		}
		return "Filesystem_Other"
	case errors.Is(err, ErrDatabase):
		return "Database_Other"
	case errors.Is(err, ErrSemaphoreTimeout):
		return "Resource_SemaphoreTimeout"
	case errors.Is(err, ErrRequestCreation):
		return "Internal_RequestCreation"
	case errors.Is(err, ErrConfigValidation):
		return "Config_Validation"
	}

	// --- Fallback checks for common underlying error types/strings ---
	if errors.Is(err, context.Canceled) {
		return "System_ContextCanceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		if strings.Contains(err.Error(), "semaphore") {
			return "Resource_SemaphoreTimeout"
		}
		return "System_ContextDeadlineExceeded"
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "Network_Timeout"
	}
	lowerErrMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lowerErrMsg, "timeout"):
		return "Network_TimeoutGeneric"
	case strings.Contains(lowerErrMsg, "connection refused"):
		return "Network_ConnectionRefused"
	case strings.Contains(lowerErrMsg, "no such host"):
		return "Network_DNSLookup"
	case strings.Contains(lowerErrMsg, "tls") || strings.Contains(lowerErrMsg, "certificate"):
		return "Network_TLS"
	case strings.Contains(lowerErrMsg, "reset by peer"):
		return "Network_ConnectionReset"
	case strings.Contains(lowerErrMsg, "broken pipe"):
		return "Network_BrokenPipe"
	}
	if errors.Is(err, ErrTransport) {
		return "Network_Other"
	}

	return "Unknown"
}

package fetch

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/vx-mirror/pkg/config"
)

// NewClient creates an HTTP client for page requests. cfg.Timeout bounds each whole request.
func NewClient(cfg config.HTTPClientConfig, log *logrus.Entry) *http.Client {
	return newClient(cfg, cfg.Timeout, false, log)
}

// NewDownloadClient creates an HTTP client for file transfers. Bodies may take arbitrarily
// long to stream, so only dialing, TLS and response headers are bounded.
func NewDownloadClient(cfg config.HTTPClientConfig, log *logrus.Entry) *http.Client {
	return newClient(cfg, 0, true, log)
}

func newClient(cfg config.HTTPClientConfig, overall time.Duration, identityOnly bool, log *logrus.Entry) *http.Client {
	dialer := &net.Dialer{
		Timeout:   cfg.DialerTimeout,
		KeepAlive: cfg.DialerKeepAlive,
	}

	transport := &http.Transport{
		Proxy:                  http.ProxyFromEnvironment,
		DialContext:            dialer.DialContext,
		ForceAttemptHTTP2:      true,
		MaxIdleConns:           cfg.MaxIdleConns,
		MaxIdleConnsPerHost:    cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:        cfg.IdleConnTimeout,
		TLSHandshakeTimeout:    cfg.TLSHandshakeTimeout,
		ExpectContinueTimeout:  cfg.ExpectContinueTimeout,
		ResponseHeaderTimeout:  cfg.ResponseHeaderTimeout,
		MaxResponseHeaderBytes: 1 << 20,
		// Transfers ask for identity encoding so byte offsets match the file on disk
		DisableCompression: identityOnly,
	}
	if cfg.ForceAttemptHTTP2 != nil {
		transport.ForceAttemptHTTP2 = *cfg.ForceAttemptHTTP2
	}

	return &http.Client{
		Timeout:   overall,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return errors.New("stopped after 10 redirects")
			}
			log.Debugf("Redirecting: %s -> %s (hop %d)", via[len(via)-1].URL, req.URL, len(via))
			return nil
		},
	}
}

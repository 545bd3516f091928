package netutil

import (
	"crypto/tls"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// NewTransport creates an HTTP transport with sane keep-alive and handshake
// limits for long-running cloud polling.
func NewTransport(logger *logrus.Logger) *http.Transport {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		TLSHandshakeTimeout:   10 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
	}
	logger.Debug("HTTP transport configured")
	return transport
}

// NewHTTPClient creates an HTTP client backed by NewTransport.
func NewHTTPClient(timeout time.Duration, logger *logrus.Logger) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: NewTransport(logger),
	}
}

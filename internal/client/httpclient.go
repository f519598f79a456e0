package client

import (
	"net"
	"net/http"
	"time"
)

// sharedHTTPClient returns a pooled HTTP client sized for one backend
// talked to by every surface of the process. Streaming responses ride
// the same pool; the response-header timeout bounds how long the
// backend may think before the first byte, not the stream itself.
func sharedHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	transport := &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	// No overall client timeout: it would sever long streams mid-answer.
	return &http.Client{Transport: transport}
}

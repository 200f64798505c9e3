package clients

import (
	"net"
	"net/http"
	"time"
)

// DefaultTransport returns an HTTP transport with per-host connection caps,
// so a stalled platform API cannot pile up unbounded dials.
func DefaultTransport() *http.Transport {
	return &http.Transport{
		MaxConnsPerHost:     64,
		MaxIdleConnsPerHost: 16,
		MaxIdleConns:        64,
		IdleConnTimeout:     90 * time.Second,

		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,

		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

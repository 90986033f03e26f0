package client

import (
	"net/http"
	"time"

	"iptv-sync/work/config"
)

// AuthClient wraps http.Client to automatically attach the service bearer
// token and identifying headers to every request. All traffic to the external
// transcription/thumbnail service goes through this client; the token itself
// is treated as an opaque string supplied by configuration.
type AuthClient struct {
	Client *http.Client
	config *config.Config
}

// NewAuthClient builds the shared service client. Individual operations bound
// their own lifetimes with request contexts; the transport-level header
// timeout is the only blanket limit, matching the polling cadence's need to
// fail fast on a dead service without cutting off slow SRT downloads.
func NewAuthClient(config *config.Config) *AuthClient {
	client := &http.Client{
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			DisableKeepAlives:     false,
			ResponseHeaderTimeout: 30 * time.Second,
		},
	}

	return &AuthClient{
		Client: client,
		config: config,
	}
}

func (ac *AuthClient) Do(req *http.Request) (*http.Response, error) {
	ac.setHeaders(req)
	return ac.Client.Do(req)
}

func (ac *AuthClient) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", ac.config.UserAgent)
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Accept", "*/*")

	if ac.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+ac.config.AuthToken)
	}
}

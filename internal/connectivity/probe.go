package connectivity

import (
	"context"
	"net/http"
	"time"
)

// Prober reports whether the network can actually reach the backend.
type Prober interface {
	Probe(ctx context.Context) bool
}

// HTTPProber validates connectivity with a no-content HTTP probe. A captive
// portal intercepts the request and answers with its own login page, so only
// an exact 204 counts as a usable network.
type HTTPProber struct {
	url    string
	client *http.Client
}

// NewHTTPProber creates a prober against the given probe endpoint.
func NewHTTPProber(url string, timeout time.Duration) *HTTPProber {
	return &HTTPProber{
		url: url,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        2,
				IdleConnTimeout:     30 * time.Second,
				DisableCompression:  true,
				TLSHandshakeTimeout: timeout,
			},
			// Portals redirect to a login page; following the redirect
			// would turn a hijacked network into a false positive.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Probe performs a single connectivity check.
func (p *HTTPProber) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusNoContent
}

package nodeapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"bespoke/pkg/routerapi"
)

// hopHeaders are connection-scoped and never replayed against the target.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Transfer-Encoding",
	"Upgrade",
	"Te",
	"Trailer",
}

// HTTPTarget replays forwarded requests against a local HTTP service.
type HTTPTarget struct {
	base   *url.URL
	client *http.Client
}

// NewHTTPTarget creates a target rooted at base, e.g. http://localhost:3000.
func NewHTTPTarget(base string) (*HTTPTarget, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid target url %q: %w", base, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("target url %q must be http or https", base)
	}
	return &HTTPTarget{
		base: u,
		client: &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

// ServeForward implements Handler. Transport failures become 502 responses.
func (t *HTTPTarget) ServeForward(ctx context.Context, req *routerapi.ForwardRequest) *routerapi.ForwardResponse {
	u := *t.base
	u.Path = strings.TrimSuffix(t.base.Path, "/") + req.Path
	u.RawPath = ""
	u.RawQuery = req.RawQuery

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), bytes.NewReader(req.Body))
	if err != nil {
		return errorResponse(http.StatusBadRequest, err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		httpReq.Header.Del(h)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return errorResponse(http.StatusBadGateway, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errorResponse(http.StatusBadGateway, fmt.Errorf("failed to read target response: %w", err))
	}
	header := resp.Header.Clone()
	for _, h := range hopHeaders {
		header.Del(h)
	}
	return &routerapi.ForwardResponse{
		Status: resp.StatusCode,
		Header: header,
		Body:   body,
	}
}

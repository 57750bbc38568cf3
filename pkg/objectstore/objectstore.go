// Package objectstore turns normalized object paths into durable download
// URLs.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/trybe-app/trybesync/pkg/constants"
)

type Resolver interface {
	DownloadURL(ctx context.Context, path string) (string, error)
}

// Func adapts a function to Resolver.
type Func func(ctx context.Context, path string) (string, error)

func (f Func) DownloadURL(ctx context.Context, path string) (string, error) { return f(ctx, path) }

// Static builds URLs by joining a public base URL with the escaped path, for
// buckets served directly by a CDN.
type Static struct {
	BaseURL string
}

func (s Static) DownloadURL(_ context.Context, path string) (string, error) {
	if s.BaseURL == "" {
		return "", fmt.Errorf("%w: static resolver has no base url", constants.ErrResolutionFailure)
	}
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.TrimRight(s.BaseURL, "/") + "/" + strings.Join(segments, "/"), nil
}

// HTTP asks a signing endpoint for a download URL:
//
//	GET {BaseURL}/download-url?path=<path>  ->  {"url": "..."}
type HTTP struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

type Option func(*HTTP)

func WithHTTPClient(c *http.Client) Option { return func(h *HTTP) { h.httpClient = c } }

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option { return func(h *HTTP) { h.token = token } }

func NewHTTP(baseURL string, opts ...Option) *HTTP {
	h := &HTTP{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

type downloadURLResponse struct {
	URL   string `json:"url"`
	Error string `json:"error,omitempty"`
}

func (h *HTTP) DownloadURL(ctx context.Context, path string) (string, error) {
	u := h.baseURL + "/download-url?" + url.Values{"path": {path}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %w", constants.ErrNetworkFailure, err)
		}
		return "", fmt.Errorf("%w: request failed: %w", constants.ErrResolutionFailure, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: %w", constants.ErrNetworkFailure, err)
	}
	var out downloadURLResponse
	_ = json.Unmarshal(body, &out)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", fmt.Errorf("%w: %s: %w", constants.ErrResolutionFailure, path, constants.ErrNotFound)
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		return "", fmt.Errorf("%w: %s: %w", constants.ErrResolutionFailure, path, constants.ErrPermissionDenied)
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("%w: status %d", constants.ErrNetworkFailure, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("%w: status %d %s", constants.ErrResolutionFailure, resp.StatusCode, out.Error)
	}
	if out.URL == "" {
		return "", fmt.Errorf("%w: empty url for %s", constants.ErrResolutionFailure, path)
	}
	return out.URL, nil
}

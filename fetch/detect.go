// Package fetch decides whether a remote dataset changed, downloads it and
// archives the untouched bytes.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"seller_radar/config"
	"seller_radar/httputil"
	"seller_radar/models"
)

// TransportError reports an unusable HTTP response: a non-2xx status, or a
// redirect probe that did not redirect.
type TransportError struct {
	URL        string
	StatusCode int
	Msg        string
}

func (e *TransportError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s (status %d)", e.URL, e.Msg, e.StatusCode)
	}
	return fmt.Sprintf("%s: unexpected status %d", e.URL, e.StatusCode)
}

type Detector struct {
	client *http.Client
}

// NewDetector expects a client that does not follow redirects.
func NewDetector(clients *httputil.Clients) *Detector {
	return &Detector{client: clients.Metadata}
}

// Detect returns the current fingerprint of ds without downloading it.
func (d *Detector) Detect(ctx context.Context, ds *config.DatasetConfig) (models.Fingerprint, error) {
	switch ds.Detect {
	case config.DetectRedirect:
		return d.detectRedirect(ctx, ds.URL)
	default:
		return d.detectHeaders(ctx, ds.URL)
	}
}

func (d *Detector) detectHeaders(ctx context.Context, rawURL string) (models.Fingerprint, error) {
	resp, err := d.do(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return models.Fingerprint{}, err
	}
	resp.Body.Close()

	if resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented {
		resp, err = d.do(ctx, http.MethodGet, rawURL, map[string]string{"Range": "bytes=0-0"})
		if err != nil {
			return models.Fingerprint{}, err
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return models.Fingerprint{}, &TransportError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	return models.Fingerprint{
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}, nil
}

func (d *Detector) detectRedirect(ctx context.Context, rawURL string) (models.Fingerprint, error) {
	resp, err := d.do(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return models.Fingerprint{}, err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	location := resp.Header.Get("Location")
	if resp.StatusCode < 300 || resp.StatusCode > 399 || location == "" {
		return models.Fingerprint{}, &TransportError{URL: rawURL, StatusCode: resp.StatusCode, Msg: "expected redirect"}
	}

	base, _ := url.Parse(rawURL)
	loc, err := url.Parse(location)
	if err != nil {
		return models.Fingerprint{}, fmt.Errorf("parse location %q: %w", location, err)
	}
	if base != nil {
		loc = base.ResolveReference(loc)
	}

	return models.Fingerprint{
		DocumentID:  DocumentID(loc),
		ResolvedURL: loc.String(),
	}, nil
}

func (d *Detector) do(ctx context.Context, method, rawURL string, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	httputil.SetHeaders(req)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, rawURL, err)
	}
	return resp, nil
}

// DocumentID extracts a stable document identifier from a resolved download
// location: the id query parameter, else the path segment after /d/, else the
// location without its query.
func DocumentID(loc *url.URL) string {
	if id := loc.Query().Get("id"); id != "" {
		return id
	}
	segments := strings.Split(strings.Trim(loc.Path, "/"), "/")
	for i := 0; i+1 < len(segments); i++ {
		if segments[i] == "d" && segments[i+1] != "" {
			return segments[i+1]
		}
	}
	stripped := *loc
	stripped.RawQuery = ""
	stripped.Fragment = ""
	return stripped.String()
}

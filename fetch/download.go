package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"seller_radar/httputil"
)

var ErrNoDownloadForm = errors.New("html response without a download form")

// Download is a dataset file written to local disk. The caller removes Path.
type Download struct {
	Path        string
	Filename    string
	ContentType string
	Bytes       int64
}

type Downloader struct {
	client *http.Client
	dir    string
}

func NewDownloader(clients *httputil.Clients, dir string) *Downloader {
	return &Downloader{client: clients.Download, dir: dir}
}

// Fetch streams rawURL to a temp file. Shared-drive hosts answer large files
// with an HTML confirmation page; its download form is submitted once.
func (d *Downloader) Fetch(ctx context.Context, rawURL string) (*Download, error) {
	resp, err := d.get(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	if isHTML(resp.Header.Get("Content-Type")) {
		confirmURL, err := confirmationURL(resp)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", rawURL, err)
		}
		resp, err = d.get(ctx, confirmURL)
		if err != nil {
			return nil, err
		}
		if isHTML(resp.Header.Get("Content-Type")) {
			resp.Body.Close()
			return nil, fmt.Errorf("%s: confirmation returned html again", rawURL)
		}
	}
	defer resp.Body.Close()

	f, err := os.CreateTemp(d.dir, "dataset-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return nil, fmt.Errorf("download %s: %w", rawURL, err)
	}

	return &Download{
		Path:        f.Name(),
		Filename:    responseFilename(resp),
		ContentType: resp.Header.Get("Content-Type"),
		Bytes:       n,
	}, nil
}

func (d *Downloader) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	httputil.SetHeaders(req)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", rawURL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, &TransportError{URL: rawURL, StatusCode: resp.StatusCode}
	}
	return resp, nil
}

// confirmationURL builds the GET target of the page's download form from its
// action and input fields.
func confirmationURL(resp *http.Response) (string, error) {
	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	form := doc.Find("form#download-form").First()
	if form.Length() == 0 {
		doc.Find("form").EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if action, _ := s.Attr("action"); strings.Contains(action, "download") {
				form = s
				return false
			}
			return true
		})
	}
	if form.Length() == 0 {
		return "", ErrNoDownloadForm
	}

	action, _ := form.Attr("action")
	target, err := resp.Request.URL.Parse(action)
	if err != nil {
		return "", fmt.Errorf("form action %q: %w", action, err)
	}

	q := target.Query()
	form.Find("input").Each(func(_ int, s *goquery.Selection) {
		name, ok := s.Attr("name")
		if !ok || name == "" {
			return
		}
		value, _ := s.Attr("value")
		q.Set(name, value)
	})
	target.RawQuery = q.Encode()
	return target.String(), nil
}

func isHTML(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "text/html"
}

func responseFilename(resp *http.Response) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil && params["filename"] != "" {
			return path.Base(params["filename"])
		}
	}
	if resp.Request != nil {
		if base := path.Base(resp.Request.URL.Path); path.Ext(base) != "" {
			if unescaped, err := url.PathUnescape(base); err == nil {
				return unescaped
			}
			return base
		}
	}
	return ""
}

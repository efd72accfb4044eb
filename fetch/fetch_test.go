package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"seller_radar/config"
	"seller_radar/httputil"
	"seller_radar/models"
)

func TestDetectHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.Header().Set("ETag", `"abc"`)
		w.Header().Set("Last-Modified", "Mon, 02 Jan 2026 15:04:05 GMT")
	}))
	defer srv.Close()

	d := NewDetector(httputil.Default())
	fp, err := d.Detect(context.Background(), &config.DatasetConfig{URL: srv.URL, Detect: config.DetectHeaders})
	require.NoError(t, err)
	assert.Equal(t, `"abc"`, fp.ETag)
	assert.Equal(t, "Mon, 02 Jan 2026 15:04:05 GMT", fp.LastModified)
}

func TestDetectHeadersFallsBackToRangedGet(t *testing.T) {
	var gotRange string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		gotRange = r.Header.Get("Range")
		w.Header().Set("ETag", `"v2"`)
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("P"))
	}))
	defer srv.Close()

	d := NewDetector(httputil.Default())
	fp, err := d.Detect(context.Background(), &config.DatasetConfig{URL: srv.URL, Detect: config.DetectHeaders})
	require.NoError(t, err)
	assert.Equal(t, "bytes=0-0", gotRange)
	assert.Equal(t, `"v2"`, fp.ETag)
}

func TestDetectHeadersNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	d := NewDetector(httputil.Default())
	_, err := d.Detect(context.Background(), &config.DatasetConfig{URL: srv.URL, Detect: config.DetectHeaders})
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusForbidden, te.StatusCode)
}

func TestDetectRedirect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/uc?export=download&id=DOC123", http.StatusFound)
	}))
	defer srv.Close()

	d := NewDetector(httputil.Default())
	fp, err := d.Detect(context.Background(), &config.DatasetConfig{URL: srv.URL + "/open", Detect: config.DetectRedirect})
	require.NoError(t, err)
	assert.Equal(t, "DOC123", fp.DocumentID)
	assert.Equal(t, srv.URL+"/uc?export=download&id=DOC123", fp.ResolvedURL)
}

func TestDetectRedirectRequiresLocation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("no redirect here"))
	}))
	defer srv.Close()

	d := NewDetector(httputil.Default())
	_, err := d.Detect(context.Background(), &config.DatasetConfig{URL: srv.URL, Detect: config.DetectRedirect})
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusOK, te.StatusCode)
}

func TestDocumentID(t *testing.T) {
	cases := map[string]string{
		"https://drive.example.com/uc?id=abc&export=download": "abc",
		"https://drive.example.com/file/d/XYZ789/view":        "XYZ789",
		"https://cdn.example.com/files/roll.zip?sig=123":      "https://cdn.example.com/files/roll.zip",
	}
	for raw, want := range cases {
		u, err := url.Parse(raw)
		require.NoError(t, err)
		assert.Equal(t, want, DocumentID(u), raw)
	}
}

func TestFingerprintMatchesAfterDetect(t *testing.T) {
	etag := `"one"`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", etag)
	}))
	defer srv.Close()

	d := NewDetector(httputil.Default())
	ds := &config.DatasetConfig{URL: srv.URL, Detect: config.DetectHeaders}
	first, err := d.Detect(context.Background(), ds)
	require.NoError(t, err)
	second, err := d.Detect(context.Background(), ds)
	require.NoError(t, err)
	assert.True(t, second.Matches(first))

	etag = `"two"`
	third, err := d.Detect(context.Background(), ds)
	require.NoError(t, err)
	assert.False(t, third.Matches(first))
}

func TestDownloaderConfirmationPage(t *testing.T) {
	payload := []byte("PK fake archive bytes")
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/uc":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			fmt.Fprintf(w, `<html><body>
<form id="download-form" action="%s/download" method="get">
<input type="hidden" name="id" value="DOC1">
<input type="hidden" name="confirm" value="t">
<input type="submit" value="Download anyway">
</form></body></html>`, srv.URL)
		case "/download":
			assert.Equal(t, "DOC1", r.URL.Query().Get("id"))
			assert.Equal(t, "t", r.URL.Query().Get("confirm"))
			w.Header().Set("Content-Type", "application/zip")
			w.Header().Set("Content-Disposition", `attachment; filename="pao_2026.zip"`)
			w.Write(payload)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	dl := NewDownloader(httputil.Default(), t.TempDir())
	got, err := dl.Fetch(context.Background(), srv.URL+"/uc?id=DOC1")
	require.NoError(t, err)
	defer os.Remove(got.Path)

	assert.Equal(t, "pao_2026.zip", got.Filename)
	assert.Equal(t, int64(len(payload)), got.Bytes)
	data, err := os.ReadFile(got.Path)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestDownloaderHTMLWithoutForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><body>quota exceeded</body></html>"))
	}))
	defer srv.Close()

	dl := NewDownloader(httputil.Default(), t.TempDir())
	_, err := dl.Fetch(context.Background(), srv.URL)
	assert.ErrorIs(t, err, ErrNoDownloadForm)
}

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func (m *memStore) Upload(ctx context.Context, key string, data io.Reader, contentType string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = map[string][]byte{}
		m.types = map[string]string{}
	}
	m.objects[key] = b
	m.types[key] = contentType
	return nil
}

func TestArchiverUploadsUnmodifiedBytes(t *testing.T) {
	payload := bytes.Repeat([]byte("row\n"), 1000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		w.Write(payload)
	}))
	defer srv.Close()

	store := &memStore{}
	a := NewArchiver(NewDownloader(httputil.Default(), t.TempDir()), store, "public-records/", zap.NewNop())
	a.now = func() time.Time { return time.Date(2026, 3, 4, 23, 30, 0, 0, time.FixedZone("EST", -5*3600)) }

	ds := &config.DatasetConfig{Key: "broward_nal", Provider: "fdor_nal", Region: "fl", ArchiveName: "nal.zip"}
	ds.URL = srv.URL + "/nal.zip"
	got, err := a.Archive(context.Background(), ds, models.Fingerprint{ETag: "x"})
	require.NoError(t, err)
	defer os.Remove(got.LocalPath)

	assert.Equal(t, "public-records/fl/fdor_nal/broward_nal/2026-03-05/nal.zip", got.ArchiveKey)
	assert.Equal(t, payload, store.objects[got.ArchiveKey])
	assert.Equal(t, "application/zip", store.types[got.ArchiveKey])
	assert.Equal(t, int64(len(payload)), got.Bytes)
}

func TestArchiverUsesResolvedURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/resolved/roll.csv" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("a,b\n"))
	}))
	defer srv.Close()

	store := &memStore{}
	a := NewArchiver(NewDownloader(httputil.Default(), t.TempDir()), store, "p", zap.NewNop())
	ds := &config.DatasetConfig{Key: "k", Provider: "generic_csv", Region: "fl", URL: srv.URL + "/original"}
	got, err := a.Archive(context.Background(), ds, models.Fingerprint{DocumentID: "d", ResolvedURL: srv.URL + "/resolved/roll.csv"})
	require.NoError(t, err)
	defer os.Remove(got.LocalPath)
	assert.Contains(t, got.ArchiveKey, "/roll.csv")
}

package httputil

import (
	"net/http"
	"net/url"
	"time"

	"seller_radar/config"
)

const UserAgent = "seller-radar/1.0 (+public-records-sync)"

type Clients struct {
	Metadata *http.Client // HEAD and redirect probes, never follows redirects
	Download *http.Client // archive downloads, follows redirects
}

func NewClients(cfg *config.HTTPConfig) *Clients {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.ProxyURL != "" {
		if proxyURL, err := url.Parse(cfg.ProxyURL); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}

	metadata := &http.Client{
		Timeout:   cfg.MetadataTimeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	download := &http.Client{
		Timeout:   cfg.DownloadTimeout,
		Transport: transport,
	}

	return &Clients{
		Metadata: metadata,
		Download: download,
	}
}

// Default returns clients with the stock timeouts, used by tests and tools.
func Default() *Clients {
	return NewClients(&config.HTTPConfig{
		MetadataTimeout: 30 * time.Second,
		DownloadTimeout: 30 * time.Minute,
	})
}

func SetHeaders(req *http.Request) {
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "*/*")
}

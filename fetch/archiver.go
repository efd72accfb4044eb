package fetch

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"seller_radar/config"
	"seller_radar/models"
)

// ObjectStore is the durable archive target.
type ObjectStore interface {
	Upload(ctx context.Context, key string, data io.Reader, contentType string) error
}

// Archived is a downloaded dataset that has been stored under ArchiveKey.
// LocalPath stays on disk for the parser; the caller removes it.
type Archived struct {
	LocalPath   string
	ArchiveKey  string
	ContentType string
	Bytes       int64
}

type Archiver struct {
	downloader *Downloader
	store      ObjectStore
	prefix     string
	logger     *zap.Logger
	now        func() time.Time
}

func NewArchiver(downloader *Downloader, store ObjectStore, prefix string, logger *zap.Logger) *Archiver {
	return &Archiver{
		downloader: downloader,
		store:      store,
		prefix:     strings.Trim(prefix, "/"),
		logger:     logger,
		now:        time.Now,
	}
}

// Archive downloads ds (from the resolved location when detection produced
// one) and uploads the unmodified bytes.
func (a *Archiver) Archive(ctx context.Context, ds *config.DatasetConfig, fp models.Fingerprint) (*Archived, error) {
	src := ds.URL
	if fp.ResolvedURL != "" {
		src = fp.ResolvedURL
	}

	dl, err := a.downloader.Fetch(ctx, src)
	if err != nil {
		return nil, err
	}

	contentType := ds.ContentType
	if contentType == "" {
		contentType = dl.ContentType
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	key := ArchiveKey(a.prefix, ds, archiveFilename(ds, dl), a.now())

	f, err := os.Open(dl.Path)
	if err != nil {
		os.Remove(dl.Path)
		return nil, err
	}
	err = a.store.Upload(ctx, key, f, contentType)
	f.Close()
	if err != nil {
		os.Remove(dl.Path)
		return nil, fmt.Errorf("archive %s: %w", key, err)
	}

	a.logger.Info("archived dataset",
		zap.String("dataset", ds.Key),
		zap.String("key", key),
		zap.Int64("bytes", dl.Bytes))

	return &Archived{
		LocalPath:   dl.Path,
		ArchiveKey:  key,
		ContentType: contentType,
		Bytes:       dl.Bytes,
	}, nil
}

// ArchiveKey is <prefix>/<region>/<provider>/<dataset>/<YYYY-MM-DD>/<filename>
// with the date taken in UTC.
func ArchiveKey(prefix string, ds *config.DatasetConfig, filename string, at time.Time) string {
	parts := []string{
		strings.Trim(prefix, "/"),
		ds.Region,
		ds.Provider,
		ds.Key,
		at.UTC().Format("2006-01-02"),
		filename,
	}
	return path.Join(parts...)
}

func archiveFilename(ds *config.DatasetConfig, dl *Download) string {
	if ds.ArchiveName != "" {
		return ds.ArchiveName
	}
	if dl.Filename != "" {
		return dl.Filename
	}
	return ds.Key + ".bin"
}

// Package parser opens dataset archives and streams their delimited rows.
package parser

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
)

var ErrEntryNotFound = errors.New("no matching archive entry")

var zipMagic = []byte("PK\x03\x04")

var defaultExclude = []string{"field", "layout"}

// EntrySelector picks the data file inside a multi-file archive.
type EntrySelector struct {
	Extensions []string // allowed extensions, ".csv" style; empty allows any
	Markers    []string // preferred name tokens
	Exclude    []string // rejected name tokens; nil means field and layout docs
}

// Entry is an opened data file. Close releases the underlying archive.
type Entry struct {
	Name string
	Size int64
	io.ReadCloser
	closers []io.Closer
}

func (e *Entry) Close() error {
	err := e.ReadCloser.Close()
	for _, c := range e.closers {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// OpenEntry opens path. A zip archive is searched with sel; any other file is
// treated as the single entry.
func OpenEntry(filePath string, sel EntrySelector) (*Entry, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}

	head := make([]byte, len(zipMagic))
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		f.Close()
		return nil, err
	}
	if n < len(zipMagic) || !bytes.Equal(head, zipMagic) {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, err
		}
		return &Entry{Name: path.Base(filePath), Size: info.Size(), ReadCloser: f}, nil
	}
	f.Close()

	zr, err := zip.OpenReader(filePath)
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	zf, err := sel.Pick(zr.File)
	if err != nil {
		zr.Close()
		return nil, err
	}
	rc, err := zf.Open()
	if err != nil {
		zr.Close()
		return nil, fmt.Errorf("open %s: %w", zf.Name, err)
	}
	return &Entry{
		Name:       zf.Name,
		Size:       int64(zf.UncompressedSize64),
		ReadCloser: rc,
		closers:    []io.Closer{zr},
	}, nil
}

// Pick selects an entry. Marker matches win over plain candidates; when
// markers are set and nothing matches, ErrEntryNotFound lists every entry.
// Among equals the largest file wins.
func (s EntrySelector) Pick(files []*zip.File) (*zip.File, error) {
	exclude := s.Exclude
	if exclude == nil {
		exclude = defaultExclude
	}

	var candidates, marked []*zip.File
	for _, f := range files {
		if f.FileInfo().IsDir() {
			continue
		}
		name := strings.ToLower(path.Base(f.Name))
		if !s.allowedExt(name) || containsAny(name, exclude) {
			continue
		}
		candidates = append(candidates, f)
		if containsAny(name, s.Markers) {
			marked = append(marked, f)
		}
	}

	pool := candidates
	if len(s.Markers) > 0 {
		pool = marked
	}
	if len(pool) == 0 {
		names := make([]string, 0, len(files))
		for _, f := range files {
			names = append(names, f.Name)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("%w (entries: %s)", ErrEntryNotFound, strings.Join(names, ", "))
	}

	best := pool[0]
	for _, f := range pool[1:] {
		if f.UncompressedSize64 > best.UncompressedSize64 {
			best = f
		}
	}
	return best, nil
}

func (s EntrySelector) allowedExt(name string) bool {
	if len(s.Extensions) == 0 {
		return true
	}
	ext := path.Ext(name)
	for _, e := range s.Extensions {
		if strings.EqualFold(ext, e) {
			return true
		}
	}
	return false
}

func containsAny(name string, tokens []string) bool {
	for _, t := range tokens {
		if t != "" && strings.Contains(name, strings.ToLower(t)) {
			return true
		}
	}
	return false
}

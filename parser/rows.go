package parser

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
)

const maxLineSize = 4 * 1024 * 1024

const bom = "\ufeff"

// RowError is a malformed row. It is yielded in place of the row and
// iteration continues.
type RowError struct {
	Line int
	Err  error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

// Rows lazily yields the fields of every non-blank line of r. A tab delimiter
// is split line by line; any other delimiter goes through a quote-aware CSV
// reader. A non-RowError error ends the sequence.
func Rows(r io.Reader, delim rune) iter.Seq2[[]string, error] {
	if delim == '\t' {
		return tsvRows(r)
	}
	return csvRows(r, delim)
}

func tsvRows(r io.Reader) iter.Seq2[[]string, error] {
	return func(yield func([]string, error) bool) {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		line := 0
		for sc.Scan() {
			line++
			text := strings.TrimRight(sc.Text(), "\r")
			if line == 1 {
				text = strings.TrimPrefix(text, bom)
			}
			if strings.TrimSpace(text) == "" {
				continue
			}
			if !yield(strings.Split(text, "\t"), nil) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			yield(nil, fmt.Errorf("read line %d: %w", line+1, err))
		}
	}
}

func csvRows(r io.Reader, delim rune) iter.Seq2[[]string, error] {
	return func(yield func([]string, error) bool) {
		br := bufio.NewReader(r)
		if head, err := br.Peek(len(bom)); err == nil && string(head) == bom {
			br.Discard(len(bom))
		}

		cr := csv.NewReader(br)
		cr.Comma = delim
		cr.FieldsPerRecord = -1

		for {
			rec, err := cr.Read()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				var perr *csv.ParseError
				if errors.As(err, &perr) {
					if !yield(nil, &RowError{Line: perr.StartLine, Err: perr.Err}) {
						return
					}
					continue
				}
				yield(nil, err)
				return
			}
			if blank(rec) {
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func blank(rec []string) bool {
	for _, f := range rec {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

// Delimiter maps a descriptor value to a rune. Empty means comma.
func Delimiter(s string) rune {
	switch strings.ToLower(s) {
	case "tab", `\t`, "\t", "tsv":
		return '\t'
	case "pipe", "|":
		return '|'
	case "semicolon", ";":
		return ';'
	default:
		return ','
	}
}

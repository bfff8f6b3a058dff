package ingest

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"

	billy "github.com/go-git/go-billy/v5"
	"github.com/klauspost/compress/gzip"
	"github.com/ohler55/ojg/oj"
)

// recordReader streams the JSON objects of one gzip-compressed JSONL file
// and hashes the raw bytes as it goes.
type recordReader struct {
	path string
	raw  billy.File
	tee  io.Reader
	hash hash.Hash
	size int64
	gz   *gzip.Reader
	br   *bufio.Reader
	line int
	p    oj.Parser
}

func openRecords(fsys billy.Filesystem, rel string) (*recordReader, error) {
	f, err := fsys.Open(rel)
	if err != nil {
		return nil, &ConversionError{Path: rel, Err: fmt.Errorf("open: %w", err)}
	}
	r := &recordReader{path: rel, raw: f, hash: sha256.New()}
	r.tee = io.TeeReader(f, countWriter{r})

	gz, err := gzip.NewReader(r.tee)
	if err != nil {
		_ = f.Close()
		return nil, &ConversionError{Path: rel, Err: fmt.Errorf("gzip: %w", err)}
	}
	r.gz = gz
	r.br = bufio.NewReaderSize(gz, 1<<20)
	return r, nil
}

type countWriter struct{ r *recordReader }

func (c countWriter) Write(p []byte) (int, error) {
	c.r.size += int64(len(p))
	return c.r.hash.Write(p)
}

// Next returns the next record, or io.EOF after the last one. Blank lines
// are skipped. A line that is not a JSON object is a ConversionError.
func (r *recordReader) Next() (map[string]any, error) {
	for {
		line, err := r.br.ReadBytes('\n')
		if len(line) > 0 {
			r.line++
			trimmed := bytes.TrimSpace(line)
			if len(trimmed) > 0 {
				return r.decode(trimmed)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, &ConversionError{Path: r.path, Line: r.line + 1, Err: fmt.Errorf("read: %w", err)}
		}
	}
}

func (r *recordReader) decode(line []byte) (map[string]any, error) {
	v, err := r.p.Parse(line)
	if err != nil {
		return nil, &ConversionError{Path: r.path, Line: r.line, Err: fmt.Errorf("malformed JSON: %w", err)}
	}
	rec, ok := v.(map[string]any)
	if !ok {
		return nil, &ConversionError{Path: r.path, Line: r.line, Err: fmt.Errorf("record is %T, not an object", v)}
	}
	return rec, nil
}

// Line is the number of the last line read.
func (r *recordReader) Line() int { return r.line }

// Finish drains the raw file so the fingerprint covers every byte, then
// returns it with the raw size.
func (r *recordReader) Finish() (string, int64, error) {
	if _, err := io.Copy(io.Discard, r.tee); err != nil {
		return "", 0, &ConversionError{Path: r.path, Err: fmt.Errorf("read: %w", err)}
	}
	return hex.EncodeToString(r.hash.Sum(nil)), r.size, nil
}

func (r *recordReader) Close() error {
	_ = r.gz.Close()
	return r.raw.Close()
}

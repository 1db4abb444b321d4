// Package export streams usage records as newline-delimited JSON to local files or
// S3-compatible object storage, optionally zstd-compressed.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/router-for-me/usagehub/internal/usagerecord"
)

const (
	FormatNDJSON = "ndjson"

	CompressionNone = "none"
	CompressionZstd = "zstd"

	s3Scheme = "s3://"
)

// ErrNoDestination is returned when a write is requested without a destination.
var ErrNoDestination = errors.New("export destination is required")

// Request selects records and describes where and how to write them.
type Request struct {
	usagerecord.Filter
	Format      string `json:"format,omitempty"`
	Compression string `json:"compression,omitempty"`
	// Destination is a file path or an s3://bucket/key URL. Empty means measure only.
	Destination string `json:"destination,omitempty"`
}

// Result describes a finished export.
type Result struct {
	Format      string `json:"format"`
	Compression string `json:"compression"`
	Destination string `json:"destination,omitempty"`
	Records     int    `json:"records"`
	Bytes       int64  `json:"bytes"`
	Written     bool   `json:"written"`
	ElapsedMs   int64  `json:"elapsed_ms"`
}

// Normalize fills defaults and rejects unknown formats or codecs.
func (r *Request) Normalize() error {
	r.Format = strings.ToLower(strings.TrimSpace(r.Format))
	if r.Format == "" {
		r.Format = FormatNDJSON
	}
	if r.Format != FormatNDJSON {
		return fmt.Errorf("%w: export format %q", usagerecord.ErrUnsupported, r.Format)
	}
	r.Compression = strings.ToLower(strings.TrimSpace(r.Compression))
	switch r.Compression {
	case "":
		r.Compression = CompressionNone
	case CompressionNone, CompressionZstd:
	default:
		return fmt.Errorf("%w: export compression %q", usagerecord.ErrUnsupported, r.Compression)
	}
	r.Destination = strings.TrimSpace(r.Destination)
	return nil
}

// ResolveDestination confines a local destination to dir. Absolute paths and paths
// escaping dir are rejected with usagerecord.ErrInvalidQuery; s3:// URLs pass through.
func ResolveDestination(dir, dest string) (string, error) {
	if dest == "" || strings.HasPrefix(dest, s3Scheme) {
		return dest, nil
	}
	if filepath.IsAbs(dest) || !filepath.IsLocal(dest) {
		return "", fmt.Errorf("%w: export destination %q must be a relative path inside the export directory", usagerecord.ErrInvalidQuery, dest)
	}
	return filepath.Join(dir, dest), nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Encode writes one JSON object per line and returns the number of bytes that reached w.
func Encode(w io.Writer, records []usagerecord.Record, compression string) (int64, error) {
	cw := &countingWriter{w: w}
	var out io.Writer = cw
	var enc *zstd.Encoder
	if compression == CompressionZstd {
		var err error
		enc, err = zstd.NewWriter(cw)
		if err != nil {
			return 0, fmt.Errorf("create zstd encoder: %w", err)
		}
		out = enc
	}

	jw := json.NewEncoder(out)
	for i := range records {
		if err := jw.Encode(&records[i]); err != nil {
			if enc != nil {
				_ = enc.Close()
			}
			return cw.n, fmt.Errorf("encode usage record: %w", err)
		}
	}
	if enc != nil {
		if err := enc.Close(); err != nil {
			return cw.n, fmt.Errorf("flush zstd encoder: %w", err)
		}
	}
	return cw.n, nil
}

// Measure reports the size an export would have without writing it anywhere.
func Measure(records []usagerecord.Record, req Request) (Result, error) {
	start := time.Now()
	if err := req.Normalize(); err != nil {
		return Result{}, err
	}
	n, err := Encode(io.Discard, records, req.Compression)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Format:      req.Format,
		Compression: req.Compression,
		Records:     len(records),
		Bytes:       n,
		ElapsedMs:   time.Since(start).Milliseconds(),
	}, nil
}

// Writer delivers exports to their destination.
type Writer struct {
	s3 *S3Config
}

// NewWriter creates a writer. s3 may be nil when only local destinations are used.
func NewWriter(s3 *S3Config) *Writer {
	return &Writer{s3: s3}
}

// Write encodes records to req.Destination.
func (w *Writer) Write(ctx context.Context, records []usagerecord.Record, req Request) (Result, error) {
	start := time.Now()
	if err := req.Normalize(); err != nil {
		return Result{}, err
	}
	if req.Destination == "" {
		return Result{}, ErrNoDestination
	}

	var (
		n   int64
		err error
	)
	if strings.HasPrefix(req.Destination, s3Scheme) {
		n, err = w.writeS3(ctx, records, req)
	} else {
		n, err = writeFile(req.Destination, records, req.Compression)
	}
	if err != nil {
		return Result{}, err
	}
	return Result{
		Format:      req.Format,
		Compression: req.Compression,
		Destination: req.Destination,
		Records:     len(records),
		Bytes:       n,
		Written:     true,
		ElapsedMs:   time.Since(start).Milliseconds(),
	}, nil
}

// writeFile writes to a temp file next to path and renames it into place.
func writeFile(path string, records []usagerecord.Record, compression string) (int64, error) {
	path = filepath.Clean(path)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create export dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "usage-export-*.tmp")
	if err != nil {
		return 0, fmt.Errorf("create temp export: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	n, err := Encode(tmp, records, compression)
	if err != nil {
		cleanup()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return 0, fmt.Errorf("close temp export: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("replace export file: %w", err)
	}
	return n, nil
}

package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/router-for-me/usagehub/internal/usagerecord"
)

// S3Config points exports at an S3-compatible endpoint.
type S3Config struct {
	// Endpoint is host[:port] without scheme, e.g. "s3.amazonaws.com" or "minio:9000".
	Endpoint string `yaml:"endpoint" json:"endpoint"`

	AccessKey string `yaml:"access-key" json:"-"`
	SecretKey string `yaml:"secret-key" json:"-"`

	// UseSSL selects https.
	UseSSL bool `yaml:"use-ssl" json:"use_ssl"`

	Region string `yaml:"region,omitempty" json:"region,omitempty"`
}

// ParseS3URL splits s3://bucket/key into its parts.
func ParseS3URL(raw string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(raw, s3Scheme)
	if !ok {
		return "", "", fmt.Errorf("not an s3 url: %q", raw)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || strings.TrimSpace(key) == "" {
		return "", "", fmt.Errorf("s3 url must be s3://bucket/key: %q", raw)
	}
	return bucket, key, nil
}

func contentType(compression string) string {
	if compression == CompressionZstd {
		return "application/zstd"
	}
	return "application/x-ndjson"
}

func (w *Writer) writeS3(ctx context.Context, records []usagerecord.Record, req Request) (int64, error) {
	if w == nil || w.s3 == nil || w.s3.Endpoint == "" {
		return 0, errors.New("s3 export is not configured")
	}
	bucket, key, err := ParseS3URL(req.Destination)
	if err != nil {
		return 0, err
	}

	client, err := minio.New(w.s3.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(w.s3.AccessKey, w.s3.SecretKey, ""),
		Secure: w.s3.UseSSL,
		Region: w.s3.Region,
	})
	if err != nil {
		return 0, fmt.Errorf("create s3 client: %w", err)
	}

	var buf bytes.Buffer
	n, err := Encode(&buf, records, req.Compression)
	if err != nil {
		return 0, err
	}
	if _, err := client.PutObject(ctx, bucket, key, &buf, n, minio.PutObjectOptions{
		ContentType: contentType(req.Compression),
	}); err != nil {
		return 0, fmt.Errorf("upload export to s3://%s/%s: %w", bucket, key, err)
	}
	return n, nil
}

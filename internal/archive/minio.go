// Package archive keeps a copy of every digest email that was delivered, in
// an S3-compatible bucket.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	mclient "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
}

type Digest struct {
	To      string
	Subject string
	HTML    string
	SentAt  time.Time
}

type MinioArchive struct {
	client *mclient.Client
	bucket string
}

// New connects to the bucket endpoint and fails fast when the bucket is missing.
func New(ctx context.Context, cfg Config) (*MinioArchive, error) {
	endpoint := cfg.Endpoint
	secure := strings.HasPrefix(endpoint, "https://")
	if u, err := url.Parse(endpoint); err == nil && u.Scheme != "" {
		endpoint = u.Host
		secure = u.Scheme == "https"
	}

	client, err := mclient.New(endpoint, &mclient.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("archive: connect: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("archive: check bucket: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("archive: bucket %q does not exist", cfg.Bucket)
	}
	return &MinioArchive{client: client, bucket: cfg.Bucket}, nil
}

// Store uploads the rendered digest and returns its object key.
func (a *MinioArchive) Store(ctx context.Context, digest Digest) (string, error) {
	key := ObjectKey(digest.To, digest.SentAt, uuid.NewString())
	body := []byte(digest.HTML)
	_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(body), int64(len(body)), mclient.PutObjectOptions{
		ContentType: "text/html; charset=utf-8",
		UserMetadata: map[string]string{
			"subject": digest.Subject,
		},
	})
	if err != nil {
		return "", fmt.Errorf("archive: put %s: %w", key, err)
	}
	return key, nil
}

// ObjectKey lays digests out by day and by a hash of the recipient so that
// addresses never appear in object names.
func ObjectKey(to string, sentAt time.Time, id string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(to))))
	return path.Join(
		"digests",
		sentAt.UTC().Format("2006/01/02"),
		hex.EncodeToString(sum[:])[:16],
		id+".html",
	)
}

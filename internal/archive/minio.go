// Package archive stores raw snapshot payloads that could not be decoded so
// they can be inspected and replayed through the decoder later.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const basePath = "quarantine"

type Client struct {
	mc     *minio.Client
	bucket string
	now    func() time.Time
}

func NewMinIO(endpoint, access, secret string, useTLS bool, bucket string) (*Client, error) {
	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &Client{mc: mc, bucket: bucket, now: time.Now}, nil
}

func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.mc.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", c.bucket, err)
	}
	if !exists {
		if err := c.mc.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", c.bucket, err)
		}
	}
	return nil
}

func (c *Client) Upload(ctx context.Context, objectName string, r io.Reader, size int64, contentType string) error {
	_, err := c.mc.PutObject(ctx, c.bucket, objectName, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", objectName, err)
	}
	return nil
}

// Quarantine uploads one raw payload and returns its object name.
func (c *Client) Quarantine(ctx context.Context, sessionID string, raw []byte) (string, error) {
	name := BuildObjectPath(basePath, c.now(), ObjectName(sessionID))
	if err := c.Upload(ctx, name, bytes.NewReader(raw), int64(len(raw)), "application/json"); err != nil {
		return "", err
	}
	return name, nil
}

// ObjectName is unique per call; the session id prefix groups one
// session's payloads in listings.
func ObjectName(sessionID string) string {
	if sessionID == "" {
		sessionID = "unknown"
	}
	return fmt.Sprintf("%s-%s.json", sessionID, uuid.NewString())
}

func BuildObjectPath(basePath string, t time.Time, file string) string {
	return fmt.Sprintf("%s/year=%04d/month=%02d/day=%02d/%s",
		basePath, t.UTC().Year(), t.UTC().Month(), t.UTC().Day(), file)
}

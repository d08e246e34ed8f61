// Package archive stores every checkpoint in an S3-compatible bucket.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"chronicle/collab/internal/prosemirror"
	"chronicle/collab/internal/relay"
)

const (
	snapshotType = "application/vnd.chronicle.snapshot"
	jsonType     = "application/json"
)

// objectStore is the part of the minio client the archive uses.
type objectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Archive writes each checkpoint twice: the encoded snapshot under
// {doc}/{timestamp}.snapshot and the ProseMirror JSON under {doc}/latest.json.
type Archive struct {
	client objectStore
	bucket string
}

// New connects to the object store and creates the bucket if needed.
func New(ctx context.Context, cfg Config) (*Archive, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	a := &Archive{client: client, bucket: cfg.Bucket}
	if err := a.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Archive) ensureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("make bucket %s: %w", a.bucket, err)
	}
	return nil
}

var _ relay.Sink = (*Archive)(nil)

func (a *Archive) Name() string {
	return "archive"
}

func (a *Archive) Checkpoint(ctx context.Context, cp relay.Checkpoint) error {
	at := cp.At
	if at.IsZero() {
		at = time.Now()
	}
	meta := map[string]string{"document": cp.DocumentID}
	if cp.Author != "" {
		meta["author"] = cp.Author
	}

	key := SnapshotKey(cp.DocumentID, at)
	if err := a.put(ctx, key, cp.Snapshot, snapshotType, meta); err != nil {
		return err
	}
	doc, err := json.Marshal(prosemirror.FromDocument(cp.Document))
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	return a.put(ctx, cp.DocumentID+"/latest.json", doc, jsonType, meta)
}

func (a *Archive) put(ctx context.Context, key string, data []byte, contentType string, meta map[string]string) error {
	_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: meta,
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// SnapshotKey names the archived snapshot of a checkpoint. Keys sort by time.
func SnapshotKey(documentID string, at time.Time) string {
	return fmt.Sprintf("%s/%s.snapshot", documentID, at.UTC().Format("20060102T150405.000000000Z"))
}

package archive

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"

	"chronicle/collab/internal/crdt"
	"chronicle/collab/internal/relay"
)

type object struct {
	data        string
	contentType string
	meta        map[string]string
}

type fakeStore struct {
	buckets map[string]bool
	objects map[string]object
	failPut error
}

func newFakeStore() *fakeStore {
	return &fakeStore{buckets: map[string]bool{}, objects: map[string]object{}}
}

func (f *fakeStore) BucketExists(_ context.Context, bucket string) (bool, error) {
	return f.buckets[bucket], nil
}

func (f *fakeStore) MakeBucket(_ context.Context, bucket string, _ minio.MakeBucketOptions) error {
	f.buckets[bucket] = true
	return nil
}

func (f *fakeStore) PutObject(_ context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.failPut != nil {
		return minio.UploadInfo{}, f.failPut
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	if int64(len(data)) != size {
		return minio.UploadInfo{}, errors.New("size mismatch")
	}
	f.objects[bucket+"/"+key] = object{data: string(data), contentType: opts.ContentType, meta: opts.UserMetadata}
	return minio.UploadInfo{Bucket: bucket, Key: key, Size: size}, nil
}

func TestCheckpointWritesSnapshotAndDocument(t *testing.T) {
	fake := newFakeStore()
	a := &Archive{client: fake, bucket: "collab"}
	if err := a.ensureBucket(context.Background()); err != nil {
		t.Fatalf("ensureBucket() error = %v", err)
	}
	if !fake.buckets["collab"] {
		t.Fatalf("bucket not created")
	}

	store := crdt.NewStore(1, crdt.Options{})
	block, _, _ := store.InsertNode(crdt.Root, crdt.Root, "paragraph")
	if _, err := store.InsertTextAt(block, 0, "archived"); err != nil {
		t.Fatalf("InsertTextAt() error = %v", err)
	}
	at := time.Date(2026, 5, 6, 7, 8, 9, 10, time.UTC)
	cp := relay.Checkpoint{DocumentID: "doc-1", Snapshot: []byte("snap"), Document: store.Document(), Author: "alice", At: at}
	if err := a.Checkpoint(context.Background(), cp); err != nil {
		t.Fatalf("Checkpoint() error = %v", err)
	}

	snap, ok := fake.objects["collab/"+SnapshotKey("doc-1", at)]
	if !ok || snap.data != "snap" || snap.contentType != snapshotType || snap.meta["author"] != "alice" {
		t.Fatalf("snapshot object = %+v (found %v), objects = %v", snap, ok, fake.objects)
	}
	latest, ok := fake.objects["collab/doc-1/latest.json"]
	if !ok || !strings.Contains(latest.data, `"text":"archived"`) {
		t.Fatalf("latest.json = %+v", latest)
	}
}

func TestCheckpointReportsPutFailure(t *testing.T) {
	fake := newFakeStore()
	fake.failPut = errors.New("access denied")
	a := &Archive{client: fake, bucket: "collab"}
	err := a.Checkpoint(context.Background(), relay.Checkpoint{DocumentID: "doc-1"})
	if err == nil || !strings.Contains(err.Error(), "access denied") {
		t.Fatalf("Checkpoint() error = %v", err)
	}
}

func TestSnapshotKeysSortByTime(t *testing.T) {
	early := SnapshotKey("doc", time.Date(2026, 1, 1, 0, 0, 0, 5, time.UTC))
	late := SnapshotKey("doc", time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC))
	if !(early < late) {
		t.Fatalf("SnapshotKey order: %q >= %q", early, late)
	}
}

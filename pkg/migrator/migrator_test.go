package migrator

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davis166/snap-to-s3/pkg/awscloud"
	"github.com/davis166/snap-to-s3/pkg/config"
	"github.com/davis166/snap-to-s3/pkg/coordinator"
	"github.com/davis166/snap-to-s3/pkg/objstore"
)

// captureS3 records single-part uploads.
type captureS3 struct {
	mu       sync.Mutex
	objects  map[string][]byte
	metadata map[string]map[string]string
	tagging  map[string]string
}

func newCaptureS3() *captureS3 {
	return &captureS3{
		objects:  map[string][]byte{},
		metadata: map[string]map[string]string{},
		tagging:  map[string]string{},
	}
}

func (f *captureS3) PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*in.Key] = data
	f.metadata[*in.Key] = in.Metadata
	if in.Tagging != nil {
		f.tagging[*in.Key] = *in.Tagging
	}
	return &s3.PutObjectOutput{}, nil
}

func (f *captureS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	return nil, errors.New("not implemented")
}

func (f *captureS3) GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	return nil, errors.New("not implemented")
}

func (f *captureS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	return nil, errors.New("not implemented")
}

func (f *captureS3) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return nil, errors.New("not implemented")
}

func (f *captureS3) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return nil, errors.New("not implemented")
}

func (f *captureS3) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, opts ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return nil, errors.New("not implemented")
}

func (f *captureS3) UploadPart(ctx context.Context, in *s3.UploadPartInput, opts ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return nil, errors.New("not implemented")
}

func newTestMigrator(f *captureS3) *Migrator {
	log := logrus.New()
	opts := config.Defaults()
	opts.Tag = "backup"
	opts.MountPoint = "/mnt/snap/"
	opts.Bucket = "backups"

	return &Migrator{
		coord: coordinator.New(nil, "backup", log),
		store: objstore.New(f, "backups", 1, "", "", log),
		opts:  opts,
		log:   log,
	}
}

func testSnapshot() awscloud.Snapshot {
	return awscloud.Snapshot{
		ID:        "snap-A",
		VolumeID:  "vol-A",
		SizeGiB:   1,
		StartTime: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Tags: map[string]string{
			"Name":      "db (primary)",
			"backup":    "migrating",
			"backup-id": "deadbeef",
		},
	}
}

func TestUploadStreamRoundTrip(t *testing.T) {
	if _, err := exec.LookPath("lz4"); err != nil {
		t.Skip("lz4 not on PATH")
	}

	data := bytes.Repeat([]byte("the quick brown fox "), 32*1024)
	f := newCaptureS3()
	m := newTestMigrator(f)
	snap := testSnapshot()

	key := objstore.ImageKey(snap)
	err := m.uploadStream(context.Background(), snap, key, bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	compressed, ok := f.objects[key]
	require.True(t, ok, "object not uploaded")
	require.NotEmpty(t, compressed)
	assert.Less(t, len(compressed), len(data))

	// the stored bytes must decompress back to the source
	restored, err := io.ReadAll(lz4.NewReader(bytes.NewReader(compressed)))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, restored))

	md := f.metadata[key]
	assert.Equal(t, "snap-A", md["snapshot-snapshotid"])
	assert.Equal(t, "vol-A", md["snapshot-volumeid"])
	assert.Equal(t, "655360", md["uncompressed-size"])

	// coordination tags must not leak into object tags
	tagging := f.tagging[key]
	assert.NotContains(t, tagging, "backup")
	assert.Contains(t, tagging, "Name=")
}

func TestUploadStreamCompressorFailure(t *testing.T) {
	if _, err := exec.LookPath("lz4"); err != nil {
		t.Skip("lz4 not on PATH")
	}

	f := newCaptureS3()
	m := newTestMigrator(f)
	m.opts.CompressionLevel = 1
	snap := testSnapshot()

	// a reader that fails partway through kills the pipeline
	src := io.MultiReader(bytes.NewReader([]byte("start")), &failingReader{})
	err := m.uploadStream(context.Background(), snap, objstore.ImageKey(snap), src, 1024)
	require.Error(t, err)

	var perr *PipelineError
	require.ErrorAs(t, err, &perr)
}

type failingReader struct{}

func (r *failingReader) Read([]byte) (int, error) {
	return 0, errors.New("source went away")
}

func TestUploadStreamEstimateOvershoot(t *testing.T) {
	if _, err := exec.LookPath("lz4"); err != nil {
		t.Skip("lz4 not on PATH")
	}

	data := bytes.Repeat([]byte("x"), 128*1024)
	f := newCaptureS3()
	m := newTestMigrator(f)
	snap := testSnapshot()

	// actual bytes exceed the estimate; the upload must still complete
	key := objstore.ImageKey(snap)
	err := m.uploadStream(context.Background(), snap, key, bytes.NewReader(data), 1024)
	require.NoError(t, err)

	restored, err := io.ReadAll(lz4.NewReader(bytes.NewReader(f.objects[key])))
	require.NoError(t, err)
	assert.Len(t, restored, len(data))

	// metadata keeps the estimate used at upload start
	assert.Equal(t, "1024", f.metadata[key]["uncompressed-size"])
}

func TestErrorWrapping(t *testing.T) {
	inner := errors.New("disk on fire")
	err := &Error{SnapshotID: "snap-A", Err: &PipelineError{Op: "read", Err: inner}}

	assert.Contains(t, err.Error(), "snap-A")
	assert.Contains(t, err.Error(), "read")
	assert.ErrorIs(t, err, inner)

	var perr *PipelineError
	assert.ErrorAs(t, err, &perr)
	assert.Equal(t, "read", perr.Op)
}

func TestUploadImageRejectsMissingDisk(t *testing.T) {
	// sanity: uploadImage surfaces the raw-disk view's assertion
	m := newTestMigrator(newCaptureS3())
	err := m.uploadImage(context.Background(), testSnapshot(), nil)
	require.Error(t, err)
}

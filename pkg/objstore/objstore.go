// Package objstore derives object keys for migrated snapshots and moves
// bytes to and from the destination bucket.
package objstore

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/url"
	"regexp"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/davis166/snap-to-s3/pkg/awscloud"
)

const (
	// MaxUploadParts is the store's multipart part-count ceiling.
	MaxUploadParts = 10000
	// MinPartSize is the store's smallest allowed part.
	MinPartSize = 5 * 1024 * 1024
	// partSizeSlack is headroom for actual bytes exceeding the estimate.
	partSizeSlack = 10 * 1024 * 1024

	// ImageSuffix is the raw-image object suffix.
	ImageSuffix = ".img.lz4"
	// TarSuffix is the partition-archive object suffix.
	TarSuffix = ".tar.lz4"
)

// ErrNotExist is returned by Head for keys with no object behind them.
var ErrNotExist = errors.New("object does not exist")

var tagSanitizer = regexp.MustCompile(`[^A-Za-z0-9+=._:/\s-]`)

// API is the slice of the S3 client the store consumes.
type API interface {
	manager.UploadAPIClient

	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Store uploads to and reads back from one destination bucket.
type Store struct {
	api           API
	bucket        string
	uploadStreams int
	sse           string
	sseKMSKeyID   string
	log           logrus.FieldLogger
}

// New builds a store. uploadStreams is the multipart concurrency; sse and
// sseKMSKeyID may be empty.
func New(api API, bucket string, uploadStreams int, sse, sseKMSKeyID string, log logrus.FieldLogger) *Store {
	return &Store{
		api:           api,
		bucket:        bucket,
		uploadStreams: uploadStreams,
		sse:           sse,
		sseKMSKeyID:   sseKMSKeyID,
		log:           log,
	}
}

// Bucket returns the destination bucket name.
func (s *Store) Bucket() string {
	return s.bucket
}

func keyPrefix(snap awscloud.Snapshot) string {
	prefix := fmt.Sprintf("%s/%s %s",
		snap.VolumeID,
		snap.StartTime.UTC().Format("2006-01-02T15:04:05")+"+00:00",
		snap.ID)
	if snap.Description != "" {
		prefix += " - " + snap.Description
	}
	return prefix
}

// ImageKey derives the raw-image object key for a snapshot.
func ImageKey(snap awscloud.Snapshot) string {
	return keyPrefix(snap) + ImageSuffix
}

// TarKey derives the partition-archive object key for a snapshot. The
// partition name is empty for volumes without a partition table.
func TarKey(snap awscloud.Snapshot, partitionName string) string {
	key := keyPrefix(snap)
	if partitionName != "" {
		key += "." + partitionName
	}
	return key + TarSuffix
}

// UploadMetadata builds the metadata attached to every uploaded object.
// estimatedSize is the pre-compression byte count at upload start.
func UploadMetadata(snap awscloud.Snapshot, estimatedSize int64) map[string]string {
	return map[string]string{
		"snapshot-starttime":   snap.StartTime.UTC().Format("2006-01-02T15:04:05") + "+00:00",
		"snapshot-snapshotid":  snap.ID,
		"snapshot-volumesize":  strconv.FormatInt(snap.SizeGiB, 10),
		"snapshot-volumeid":    snap.VolumeID,
		"snapshot-description": snap.Description,
		"uncompressed-size":    strconv.FormatInt(estimatedSize, 10),
	}
}

// SanitizeTags filters out the excluded keys and replaces every
// character the object store rejects with an underscore, in both keys
// and values.
func SanitizeTags(tags map[string]string, exclude ...string) map[string]string {
	skip := map[string]bool{}
	for _, k := range exclude {
		skip[k] = true
	}

	out := map[string]string{}
	for k, v := range tags {
		if skip[k] {
			continue
		}
		out[tagSanitizer.ReplaceAllString(k, "_")] = tagSanitizer.ReplaceAllString(v, "_")
	}
	return out
}

// PartSize picks a multipart part size that keeps the whole stream under
// the part-count ceiling even when actual bytes exceed the estimate.
func PartSize(estimatedSize int64) int64 {
	size := int64(math.Ceil(float64(estimatedSize+partSizeSlack) / (MaxUploadParts * 0.9)))
	if size < MinPartSize {
		size = MinPartSize
	}
	return size
}

func encodeTags(tags map[string]string) string {
	vals := url.Values{}
	for k, v := range tags {
		vals.Set(k, v)
	}
	return vals.Encode()
}

// UploadInput describes one streaming multipart upload.
type UploadInput struct {
	Key           string
	Body          io.Reader
	EstimatedSize int64
	Metadata      map[string]string
	Tags          map[string]string
}

// Upload streams Body into the bucket as a multipart object. Part uploads
// that fail abort the whole upload; no orphaned parts are left behind.
func (s *Store) Upload(ctx context.Context, in *UploadInput) error {
	uploader := manager.NewUploader(s.api, func(u *manager.Uploader) {
		u.PartSize = PartSize(in.EstimatedSize)
		u.MaxUploadParts = MaxUploadParts
		u.Concurrency = s.uploadStreams
		u.LeavePartsOnError = false
	})

	// hide Seek/ReadAt: a pipe's *os.File advertises them but cannot seek,
	// and the uploader would try to size a seekable body by seeking it
	body := struct{ io.Reader }{in.Body}

	poi := &s3.PutObjectInput{
		Bucket:            aws.String(s.bucket),
		Key:               aws.String(in.Key),
		Body:              body,
		Metadata:          in.Metadata,
		ChecksumAlgorithm: s3types.ChecksumAlgorithmCrc32,
	}
	if len(in.Tags) != 0 {
		poi.Tagging = aws.String(encodeTags(in.Tags))
	}
	if s.sse != "" {
		poi.ServerSideEncryption = s3types.ServerSideEncryption(s.sse)
		if s.sseKMSKeyID != "" {
			poi.SSEKMSKeyId = aws.String(s.sseKMSKeyID)
		}
	}

	s.log.WithField("key", in.Key).WithField("partSize", PartSize(in.EstimatedSize)).Debug("starting multipart upload")
	if _, err := uploader.Upload(ctx, poi); err != nil {
		return errors.Wrapf(err, "failed to upload s3://%s/%s", s.bucket, in.Key)
	}
	return nil
}

// HeadInfo is the outcome of a head-object call.
type HeadInfo struct {
	Size     int64
	Metadata map[string]string
}

// Head returns the object's size and metadata, or ErrNotExist.
func (s *Store) Head(ctx context.Context, key string) (*HeadInfo, error) {
	out, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotExist
		}
		return nil, errors.Wrapf(err, "failed to head s3://%s/%s", s.bucket, key)
	}

	info := &HeadInfo{Metadata: out.Metadata}
	if out.ContentLength != nil {
		info.Size = *out.ContentLength
	}
	return info, nil
}

// Exists reports whether the key has an object behind it.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Head(ctx, key)
	if errors.Is(err, ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Open starts a ranged read of the object from offset to its end.
func (s *Store) Open(ctx context.Context, key string, offset int64) (io.ReadCloser, int64, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-", offset)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, 0, ErrNotExist
		}
		return nil, 0, errors.Wrapf(err, "failed to read s3://%s/%s", s.bucket, key)
	}

	size := int64(0)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return out.Body, size, nil
}

// ObjectInfo is one listed object.
type ObjectInfo struct {
	Key  string
	Size int64
}

// List returns every object under a key prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	objects := []ObjectInfo{}
	var continuation *string
	for {
		out, err := s.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: continuation,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list s3://%s/%s", s.bucket, prefix)
		}

		for _, obj := range out.Contents {
			info := ObjectInfo{}
			if obj.Key != nil {
				info.Key = *obj.Key
			}
			if obj.Size != nil {
				info.Size = *obj.Size
			}
			objects = append(objects, info)
		}

		if out.IsTruncated == nil || !*out.IsTruncated {
			return objects, nil
		}
		continuation = out.NextContinuationToken
	}
}

// KeyPrefix derives the common prefix of every object a snapshot maps to.
func KeyPrefix(snap awscloud.Snapshot) string {
	return keyPrefix(snap)
}

func isNotFound(err error) bool {
	var notFound *s3types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var noSuchKey *s3types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NotFound" || code == "NoSuchKey"
	}
	return false
}

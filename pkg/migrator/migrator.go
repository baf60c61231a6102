// Package migrator runs the per-snapshot migration pipeline: claim the
// snapshot, materialize its contents on a temporary volume, and stream
// them compressed into the bucket.
package migrator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/davis166/snap-to-s3/pkg/awscloud"
	"github.com/davis166/snap-to-s3/pkg/blockdev"
	"github.com/davis166/snap-to-s3/pkg/config"
	"github.com/davis166/snap-to-s3/pkg/coordinator"
	"github.com/davis166/snap-to-s3/pkg/objstore"
	"github.com/davis166/snap-to-s3/pkg/progress"
	"github.com/davis166/snap-to-s3/pkg/subproc"
	"github.com/davis166/snap-to-s3/pkg/validator"
	"github.com/davis166/snap-to-s3/pkg/volume"
)

// readBufferSize tunes raw device reads feeding the compressor.
const readBufferSize = 256 * 1024

// Error tags a migration failure with the snapshot it hit.
type Error struct {
	SnapshotID string
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("migration of %s failed: %v", e.SnapshotID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// PipelineError is a failure inside the upload byte pipeline: attach,
// mount, read, compress, upload, or a child's exit status.
type PipelineError struct {
	Op  string
	Err error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline failed during %s: %v", e.Op, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// Migrator runs the migration pipeline over a batch of snapshots.
type Migrator struct {
	coord *coordinator.Coordinator
	vols  *volume.Manager
	store *objstore.Store
	opts  *config.Options

	// inline re-validates each upload when the validate option is set
	inline *validator.Validator

	identity awscloud.Identity
	log      logrus.FieldLogger
}

// New builds a migrator from the shared components. inline may be nil
// when the validate option is off.
func New(coord *coordinator.Coordinator, vols *volume.Manager, store *objstore.Store, opts *config.Options, inline *validator.Validator, identity awscloud.Identity, log logrus.FieldLogger) *Migrator {
	return &Migrator{
		coord:    coord,
		vols:     vols,
		store:    store,
		opts:     opts,
		inline:   inline,
		identity: identity,
		log:      log,
	}
}

// MigrateAll migrates the requested snapshots, or every snapshot tagged
// migrate when ids is empty. Snapshots are processed one at a time and
// the eligible set is re-queried between iterations; the first failure
// halts the batch so its temporary volume can be inspected.
func (m *Migrator) MigrateAll(ctx context.Context, ids []string) error {
	if len(ids) != 0 {
		snaps, err := m.coord.ResolveSnapshots(ctx, ids)
		if err != nil {
			return err
		}
		for _, snap := range snaps {
			if err := m.migrateOne(ctx, snap); err != nil {
				return &Error{SnapshotID: snap.ID, Err: err}
			}
		}
		return nil
	}

	migrated := 0
	for {
		snaps, err := m.coord.EligibleSnapshots(ctx, m.identity.AccountID, coordinator.StateMigrate)
		if err != nil {
			return err
		}
		if len(snaps) == 0 {
			m.log.WithField("migrated", migrated).Info("No more snapshots tagged for migration")
			return nil
		}

		if err := m.migrateOne(ctx, snaps[0]); err != nil {
			return &Error{SnapshotID: snaps[0].ID, Err: err}
		}
		migrated++
	}
}

func (m *Migrator) migrateOne(ctx context.Context, snap awscloud.Snapshot) (err error) {
	log := m.log.WithField("snapshot", snap.ID)

	if err := m.coord.Claim(ctx, snap.ID, coordinator.StateMigrating); err != nil {
		var lost *coordinator.ClaimLostError
		if errors.As(err, &lost) {
			log.Info("Snapshot claimed by another worker, skipping")
			return nil
		}
		return err
	}

	released := false
	defer func() {
		if err == nil || released {
			return
		}
		if rerr := m.coord.Recover(context.WithoutCancel(ctx), snap.ID, coordinator.StateMigrate); rerr != nil {
			log.WithError(rerr).Warn("failed to roll back snapshot state")
		}
	}()

	log.WithField("size", humanize.IBytes(uint64(snap.SizeGiB)*humanize.GiByte)).Info("Migrating snapshot")

	vol, devs, err := m.vols.Materialize(ctx, snap)
	if err != nil {
		return err
	}

	if m.opts.DD {
		err = m.uploadImage(ctx, snap, devs)
	} else {
		err = m.uploadTars(ctx, snap, devs)
	}
	if err != nil {
		return err
	}

	if err = m.coord.Release(ctx, snap.ID, coordinator.StateMigrated); err != nil {
		return err
	}
	released = true

	if err := m.vols.Destroy(ctx, vol); err != nil {
		return err
	}

	log.Info("Snapshot migrated")
	return nil
}

// uploadImage streams the whole raw disk as one compressed image object.
func (m *Migrator) uploadImage(ctx context.Context, snap awscloud.Snapshot, devs []blockdev.Device) error {
	disk, err := blockdev.RawDisk(devs)
	if err != nil {
		return err
	}

	f, err := os.Open(disk.Path)
	if err != nil {
		return &PipelineError{Op: "read", Err: errors.Wrapf(err, "failed to open %s", disk.Path)}
	}
	defer f.Close()

	err = m.uploadStream(ctx, snap, objstore.ImageKey(snap), bufio.NewReaderSize(f, readBufferSize), disk.Size)
	if err != nil {
		return err
	}

	if m.inline != nil {
		return m.inline.ValidateImageObject(ctx, snap, disk)
	}
	return nil
}

// uploadTars mounts each filesystem in turn and streams it as a
// compressed tar object. No partition starts until the previous one has
// been uploaded and unmounted.
func (m *Migrator) uploadTars(ctx context.Context, snap awscloud.Snapshot, devs []blockdev.Device) error {
	parts, err := blockdev.Filesystems(devs)
	if err != nil {
		return err
	}

	for _, part := range parts {
		if m.opts.ShouldSkipPartition(part.Name) {
			m.log.WithField("partition", part.Name).Warn("Partition matches skip list, not uploading")
			continue
		}

		partitionName := ""
		if part.Type == blockdev.TypePart {
			partitionName = part.Name
		}

		if err := m.uploadPartition(ctx, snap, part, partitionName); err != nil {
			return err
		}
	}
	return nil
}

func (m *Migrator) uploadPartition(ctx context.Context, snap awscloud.Snapshot, part blockdev.Device, partitionName string) error {
	mountpoint, err := m.vols.Mount(ctx, part, snap.ID, partitionName)
	if err != nil {
		return &PipelineError{Op: "mount", Err: err}
	}

	err = func() error {
		size, err := volume.DiskUsage(ctx, mountpoint)
		if err != nil {
			return &PipelineError{Op: "measure", Err: err}
		}

		archiver := subproc.Command("tar", "-c", ".")
		archiver.SetDir(mountpoint)
		out, err := archiver.StdoutPipe()
		if err != nil {
			return &PipelineError{Op: "archive", Err: err}
		}
		if err := archiver.Start(); err != nil {
			return &PipelineError{Op: "archive", Err: err}
		}
		stop := archiver.TerminateOnDone(ctx)
		defer stop()

		uploadErr := m.uploadStream(ctx, snap, objstore.TarKey(snap, partitionName), out, size)
		if uploadErr != nil {
			archiver.Terminate()
		}
		if err := archiver.Wait(); err != nil && uploadErr == nil {
			uploadErr = &PipelineError{Op: "archive", Err: err}
		}
		if uploadErr != nil {
			return uploadErr
		}

		if m.inline != nil {
			return m.inline.ValidateTarObject(ctx, snap, partitionName, mountpoint)
		}
		return nil
	}()

	if uerr := m.vols.Unmount(ctx, mountpoint); uerr != nil && err == nil {
		err = &PipelineError{Op: "unmount", Err: uerr}
	}
	return err
}

// uploadStream pushes src through the progress counter and the
// compressor child into a multipart upload. estimatedSize is a lower
// bound; the part size leaves room for overshoot and the progress total
// is re-raised so the display never passes 100%.
func (m *Migrator) uploadStream(ctx context.Context, snap awscloud.Snapshot, key string, src io.Reader, estimatedSize int64) error {
	log := m.log.WithField("key", key)
	log.WithField("estimate", humanize.IBytes(uint64(estimatedSize))).Info("Uploading")

	// a crash after a finished upload leaves the object but not the
	// migrated tag; completing the multipart replaces it atomically
	if exists, err := m.store.Exists(ctx, key); err == nil && exists {
		log.Info("Object already exists, overwriting")
	}

	bar := progress.NewBar(estimatedSize, "uploading "+snap.ID)
	defer bar.Close() //nolint:errcheck // Why: rendering only
	counted := progress.NewReader(src, bar, true)

	compressor := subproc.Command("lz4", "-z", "-"+strconv.Itoa(m.opts.CompressionLevel))
	compressor.SetStdin(counted)
	compressed, err := compressor.StdoutPipe()
	if err != nil {
		return &PipelineError{Op: "compress", Err: err}
	}
	if err := compressor.Start(); err != nil {
		return &PipelineError{Op: "compress", Err: err}
	}
	stop := compressor.TerminateOnDone(ctx)
	defer stop()

	uploadErr := m.store.Upload(ctx, &objstore.UploadInput{
		Key:           key,
		Body:          compressed,
		EstimatedSize: estimatedSize,
		Metadata:      objstore.UploadMetadata(snap, estimatedSize),
		Tags:          objstore.SanitizeTags(snap.Tags, m.coord.TagKey(), m.coord.NonceTagKey()),
	})
	if uploadErr != nil {
		// abort settled by the uploader; tear the compressor down too
		compressor.Terminate()
	}

	waitErr := compressor.Wait()
	if uploadErr != nil {
		return &PipelineError{Op: "upload", Err: uploadErr}
	}
	if waitErr != nil {
		return &PipelineError{Op: "compress", Err: waitErr}
	}

	actual := counted.Count()
	entry := log.WithField("uncompressed", humanize.IBytes(uint64(actual)))
	if actual > estimatedSize {
		entry = entry.WithField("estimate", humanize.IBytes(uint64(estimatedSize)))
	}
	entry.Info("Upload complete")
	return nil
}

// Package validator proves that migrated objects exactly reproduce the
// snapshots they came from.
package validator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"

	"github.com/davis166/snap-to-s3/pkg/awscloud"
	"github.com/davis166/snap-to-s3/pkg/blockdev"
	"github.com/davis166/snap-to-s3/pkg/config"
	"github.com/davis166/snap-to-s3/pkg/coordinator"
	"github.com/davis166/snap-to-s3/pkg/hashset"
	"github.com/davis166/snap-to-s3/pkg/objstore"
	"github.com/davis166/snap-to-s3/pkg/progress"
	"github.com/davis166/snap-to-s3/pkg/subproc"
	"github.com/davis166/snap-to-s3/pkg/volume"
	"github.com/davis166/snap-to-s3/pkg/worker"
)

// readBufferSize tunes raw device reads.
const readBufferSize = 256 * 1024

// Error is a validation failure for one object.
type Error struct {
	SnapshotID string
	Key        string
	LocalHash  string
	RemoteHash string
	Diffs      []hashset.Diff
	Msg        string
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "":
		return fmt.Sprintf("validation of %s (%s) failed: %s", e.SnapshotID, e.Key, e.Msg)
	case len(e.Diffs) != 0:
		lines := make([]string, 0, len(e.Diffs))
		for _, d := range e.Diffs {
			lines = append(lines, d.String())
		}
		return fmt.Sprintf("validation of %s (%s) failed:\n  %s", e.SnapshotID, e.Key, strings.Join(lines, "\n  "))
	default:
		return fmt.Sprintf("validation of %s (%s) failed: local md5 %s, remote md5 %s",
			e.SnapshotID, e.Key, e.LocalHash, e.RemoteHash)
	}
}

// SummaryError aggregates validation failures across a batch while
// preserving the snapshots that passed.
type SummaryError struct {
	Failures  map[string]error
	Succeeded []string
}

func (e *SummaryError) Error() string {
	ids := make([]string, 0, len(e.Failures))
	for id := range e.Failures {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	lines := make([]string, 0, len(ids))
	for _, id := range ids {
		lines = append(lines, fmt.Sprintf("%s: %v", id, e.Failures[id]))
	}
	return fmt.Sprintf("%d of %d snapshots failed validation:\n%s",
		len(e.Failures), len(e.Failures)+len(e.Succeeded), strings.Join(lines, "\n"))
}

// Validator runs the per-snapshot validation pipeline.
type Validator struct {
	coord *coordinator.Coordinator
	vols  *volume.Manager
	store *objstore.Store
	opts  *config.Options

	identity awscloud.Identity
	log      logrus.FieldLogger
}

// New builds a validator from the shared components.
func New(coord *coordinator.Coordinator, vols *volume.Manager, store *objstore.Store, opts *config.Options, identity awscloud.Identity, log logrus.FieldLogger) *Validator {
	return &Validator{
		coord:    coord,
		vols:     vols,
		store:    store,
		opts:     opts,
		identity: identity,
		log:      log,
	}
}

// ValidateAll validates the requested snapshots, or every snapshot tagged
// migrated when ids is empty. Unlike migration it keeps going past
// failures and reports them all at the end.
func (v *Validator) ValidateAll(ctx context.Context, ids []string) error {
	var snaps []awscloud.Snapshot
	var err error
	if len(ids) != 0 {
		snaps, err = v.coord.ResolveSnapshots(ctx, ids)
	} else {
		snaps, err = v.coord.EligibleSnapshots(ctx, v.identity.AccountID, coordinator.StateMigrated)
	}
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		v.log.Info("No snapshots to validate")
		return nil
	}

	failures := map[string]error{}
	succeeded := []string{}
	for _, snap := range snaps {
		skipped, err := v.validateOne(ctx, snap)
		switch {
		case err != nil && ctx.Err() != nil:
			return err
		case err != nil:
			v.log.WithError(err).WithField("snapshot", snap.ID).Error("Validation failed")
			failures[snap.ID] = err
		case !skipped:
			succeeded = append(succeeded, snap.ID)
		}
	}

	v.log.WithField("succeeded", len(succeeded)).WithField("failed", len(failures)).Info("Validation finished")
	if len(failures) != 0 {
		return &SummaryError{Failures: failures, Succeeded: succeeded}
	}
	return nil
}

func (v *Validator) validateOne(ctx context.Context, snap awscloud.Snapshot) (skipped bool, err error) {
	log := v.log.WithField("snapshot", snap.ID)
	preClaim := snap.Tags[v.coord.TagKey()]

	if err := v.coord.Claim(ctx, snap.ID, coordinator.StateValidating); err != nil {
		var lost *coordinator.ClaimLostError
		if errors.As(err, &lost) {
			log.Info("Snapshot claimed by another worker, skipping")
			return true, nil
		}
		return false, err
	}

	released := false
	defer func() {
		if err == nil || released {
			return
		}
		recovery := coordinator.RecoveryState(preClaim)
		if rerr := v.coord.Recover(context.WithoutCancel(ctx), snap.ID, recovery); rerr != nil {
			log.WithError(rerr).Warn("failed to roll back snapshot state")
		}
	}()

	vol, devs, err := v.vols.Materialize(ctx, snap)
	if err != nil {
		return false, err
	}

	imageExists, err := v.store.Exists(ctx, objstore.ImageKey(snap))
	if err != nil {
		return false, err
	}

	if imageExists {
		disk, derr := blockdev.RawDisk(devs)
		if derr != nil {
			return false, derr
		}
		err = v.ValidateImageObject(ctx, snap, disk)
	} else {
		err = v.validateTars(ctx, snap, devs)
	}
	if err != nil {
		return false, err
	}

	if err = v.coord.Release(ctx, snap.ID, coordinator.StateValidated); err != nil {
		return false, err
	}
	released = true

	return false, v.vols.Destroy(ctx, vol)
}

func (v *Validator) validateTars(ctx context.Context, snap awscloud.Snapshot, devs []blockdev.Device) error {
	parts, err := blockdev.Filesystems(devs)
	if err != nil {
		return err
	}

	for _, part := range parts {
		if v.opts.ShouldSkipPartition(part.Name) {
			v.log.WithField("partition", part.Name).Warn("Partition matches skip list, not validating")
			continue
		}

		partitionName := ""
		if part.Type == blockdev.TypePart {
			partitionName = part.Name
		}

		mountpoint, err := v.vols.Mount(ctx, part, snap.ID, partitionName)
		if err != nil {
			return err
		}

		err = v.ValidateTarObject(ctx, snap, partitionName, mountpoint)
		if uerr := v.vols.Unmount(ctx, mountpoint); uerr != nil && err == nil {
			err = uerr
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// ValidateImageObject hash-compares a raw disk device against its
// uploaded image, streaming both sides concurrently under one progress
// view.
func (v *Validator) ValidateImageObject(ctx context.Context, snap awscloud.Snapshot, disk blockdev.Device) error {
	key := objstore.ImageKey(snap)
	head, err := v.store.Head(ctx, key)
	if errors.Is(err, objstore.ErrNotExist) {
		return &Error{SnapshotID: snap.ID, Key: key, Msg: "object missing from bucket"}
	}
	if err != nil {
		return err
	}

	bar := progress.NewBar(disk.Size+head.Size, "validating "+snap.ID)
	defer bar.Close() //nolint:errcheck // Why: rendering only

	type side struct {
		name string
		hash func(ctx context.Context) (string, error)
	}
	sides := []side{
		{name: "local", hash: func(ctx context.Context) (string, error) {
			return v.hashDevice(ctx, disk.Path, bar)
		}},
		{name: "remote", hash: func(ctx context.Context) (string, error) {
			return v.hashRemoteObject(ctx, key, bar)
		}},
	}

	hashes, err := worker.ProcessArray(ctx, sides, func(ctx context.Context, s side) (string, error) {
		hash, err := s.hash(ctx)
		return hash, errors.Wrapf(err, "%s hash pipeline", s.name)
	})
	if err != nil {
		return err
	}

	if hashes[0] != hashes[1] {
		return &Error{SnapshotID: snap.ID, Key: key, LocalHash: hashes[0], RemoteHash: hashes[1]}
	}

	v.log.WithField("snapshot", snap.ID).WithField("md5", hashes[0]).Info("Image validated")
	return nil
}

// hashDevice streams a block device through MD5.
func (v *Validator) hashDevice(ctx context.Context, path string, bar *progressbar.ProgressBar) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()

	stop := closeOnDone(ctx, f)
	defer stop()

	hash, _, err := hashset.StreamMD5(progress.NewReader(bufio.NewReaderSize(f, readBufferSize), bar, false))
	return hash, err
}

// hashRemoteObject streams an object through the decompressor child and
// MD5.
func (v *Validator) hashRemoteObject(ctx context.Context, key string, bar *progressbar.ProgressBar) (string, error) {
	body, _, err := v.store.Open(ctx, key, 0)
	if err != nil {
		return "", err
	}
	defer body.Close()

	unlz4 := subproc.Command("lz4", "-d")
	unlz4.SetStdin(progress.NewReader(body, bar, false))
	out, err := unlz4.StdoutPipe()
	if err != nil {
		return "", err
	}
	if err := unlz4.Start(); err != nil {
		return "", err
	}
	stop := unlz4.TerminateOnDone(ctx)
	defer stop()

	hash, _, hashErr := hashset.StreamMD5(out)
	if err := unlz4.Wait(); err != nil {
		return "", err
	}
	return hash, hashErr
}

// ValidateTarObject compares every file under a mounted partition against
// the uploaded tar using sorted per-file hash lists.
func (v *Validator) ValidateTarObject(ctx context.Context, snap awscloud.Snapshot, partitionName, mountpoint string) error {
	key := objstore.TarKey(snap, partitionName)
	log := v.log.WithField("snapshot", snap.ID).WithField("key", key)

	head, err := v.store.Head(ctx, key)
	if errors.Is(err, objstore.ErrNotExist) {
		return &Error{SnapshotID: snap.ID, Key: key, Msg: "object missing from bucket"}
	}
	if err != nil {
		return err
	}

	localSize, err := volume.DiskUsage(ctx, mountpoint)
	if err != nil {
		return err
	}

	scratch, err := os.MkdirTemp("", "snap-to-s3-validate-*")
	if err != nil {
		return errors.Wrap(err, "failed to create scratch directory")
	}
	defer os.RemoveAll(scratch) //nolint:errcheck // Why: best effort

	localList := filepath.Join(scratch, "local.md5")
	remoteList := filepath.Join(scratch, "remote.md5")

	bar := progress.NewBar(localSize+head.Size, "validating "+snap.ID)
	defer bar.Close() //nolint:errcheck // Why: rendering only

	type job func(ctx context.Context) (int, error)
	counts, err := worker.ProcessArray(ctx, []job{
		func(ctx context.Context) (int, error) {
			return v.localHashList(ctx, mountpoint, localList, bar)
		},
		func(ctx context.Context) (int, error) {
			return v.remoteHashList(ctx, key, remoteList, bar)
		},
	}, func(ctx context.Context, fn job) (int, error) {
		return fn(ctx)
	})
	if err != nil {
		return err
	}
	localCount, remoteCount := counts[0], counts[1]

	lf, err := os.Open(localList)
	if err != nil {
		return errors.Wrap(err, "failed to reopen local hash list")
	}
	defer lf.Close()
	rf, err := os.Open(remoteList)
	if err != nil {
		return errors.Wrap(err, "failed to reopen remote hash list")
	}
	defer rf.Close()

	matched, diffs, err := hashset.CompareLists(lf, rf)
	if err != nil {
		return err
	}
	if len(diffs) != 0 {
		return &Error{SnapshotID: snap.ID, Key: key, Diffs: diffs}
	}
	if matched != localCount || matched != remoteCount {
		return errors.Errorf("hash list comparator defect: matched %d lines but local list has %d and remote list has %d",
			matched, localCount, remoteCount)
	}

	log.WithField("files", matched).WithField("size", humanize.IBytes(uint64(localSize))).Info("Partition validated")
	return nil
}

func (v *Validator) localHashList(ctx context.Context, mountpoint, outPath string, bar *progressbar.ProgressBar) (int, error) {
	f, err := os.Create(outPath)
	if err != nil {
		return 0, errors.Wrap(err, "failed to create local hash list")
	}
	defer f.Close()

	count, err := hashset.DirMD5List(mountpoint, f, func(n int64) {
		if ctx.Err() == nil {
			bar.Add64(n) //nolint:errcheck // Why: rendering only
		}
	})
	if err != nil {
		return 0, err
	}
	return count, errors.Wrap(f.Sync(), "failed to flush local hash list")
}

func (v *Validator) remoteHashList(ctx context.Context, key, outPath string, bar *progressbar.ProgressBar) (int, error) {
	f, err := os.Create(outPath)
	if err != nil {
		return 0, errors.Wrap(err, "failed to create remote hash list")
	}
	defer f.Close()

	body, _, err := v.store.Open(ctx, key, 0)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	unlz4 := subproc.Command("lz4", "-d")
	unlz4.SetStdin(progress.NewReader(body, bar, false))
	out, err := unlz4.StdoutPipe()
	if err != nil {
		return 0, err
	}
	if err := unlz4.Start(); err != nil {
		return 0, err
	}
	stop := unlz4.TerminateOnDone(ctx)
	defer stop()

	count, listErr := hashset.TarMD5List(out, f)
	if err := unlz4.Wait(); err != nil {
		return 0, err
	}
	if listErr != nil {
		return 0, listErr
	}
	return count, errors.Wrap(f.Sync(), "failed to flush remote hash list")
}

// closeOnDone closes c when ctx is canceled, unblocking a stuck read.
func closeOnDone(ctx context.Context, c io.Closer) func() {
	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.Close() //nolint:errcheck // Why: unblocking a reader
		case <-stopped:
		}
	}()
	return func() { close(stopped) }
}

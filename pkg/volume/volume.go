// Package volume manages the temporary volumes that expose snapshot
// contents to this instance: find-or-create, find-or-attach, mount,
// and teardown.
package volume

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/davis166/snap-to-s3/pkg/awscloud"
	"github.com/davis166/snap-to-s3/pkg/blockdev"
	"github.com/davis166/snap-to-s3/pkg/config"
	"github.com/davis166/snap-to-s3/pkg/coordinator"
	"github.com/davis166/snap-to-s3/pkg/pollutil"
	"github.com/davis166/snap-to-s3/pkg/subproc"
)

const (
	// tempVolumeName names temporary volumes in the console.
	tempVolumeName = "Temp for snap-to-s3"

	// deviceLetters is the reserved attachment point range.
	deviceLetters = "fghijklmnop"

	attachPollInterval = 10 * time.Second
	attachPollAttempts = 60

	contentsPollInterval = 4 * time.Second
	contentsPollAttempts = 75
)

// Attachment is one instance this volume is attached to.
type Attachment struct {
	InstanceID string
	Device     string
	State      string
}

// Volume is the slice of an EBS volume the lifecycle cares about.
type Volume struct {
	ID               string
	AvailabilityZone string
	State            string
	SnapshotID       string
	Attachments      []Attachment
}

// FromEC2 converts the SDK shape.
func FromEC2(v ec2types.Volume) *Volume {
	vol := &Volume{State: string(v.State)}
	if v.VolumeId != nil {
		vol.ID = *v.VolumeId
	}
	if v.AvailabilityZone != nil {
		vol.AvailabilityZone = *v.AvailabilityZone
	}
	if v.SnapshotId != nil {
		vol.SnapshotID = *v.SnapshotId
	}
	for _, a := range v.Attachments {
		att := Attachment{State: string(a.State)}
		if a.InstanceId != nil {
			att.InstanceID = *a.InstanceId
		}
		if a.Device != nil {
			att.Device = *a.Device
		}
		vol.Attachments = append(vol.Attachments, att)
	}
	return vol
}

// AttachmentFor returns this instance's attachment, if any.
func (v *Volume) AttachmentFor(instanceID string) *Attachment {
	for i := range v.Attachments {
		if v.Attachments[i].InstanceID == instanceID {
			return &v.Attachments[i]
		}
	}
	return nil
}

// EC2API is the slice of the EC2 client the lifecycle consumes.
type EC2API interface {
	DescribeVolumes(ctx context.Context, in *ec2.DescribeVolumesInput, opts ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error)
	CreateVolume(ctx context.Context, in *ec2.CreateVolumeInput, opts ...func(*ec2.Options)) (*ec2.CreateVolumeOutput, error)
	AttachVolume(ctx context.Context, in *ec2.AttachVolumeInput, opts ...func(*ec2.Options)) (*ec2.AttachVolumeOutput, error)
	DetachVolume(ctx context.Context, in *ec2.DetachVolumeInput, opts ...func(*ec2.Options)) (*ec2.DetachVolumeOutput, error)
	DeleteVolume(ctx context.Context, in *ec2.DeleteVolumeInput, opts ...func(*ec2.Options)) (*ec2.DeleteVolumeOutput, error)
}

// Manager drives temporary volume lifecycles on this instance.
type Manager struct {
	api      EC2API
	identity awscloud.Identity

	tagKey     string
	volumeType string
	mountRoot  string
	keep       bool

	log logrus.FieldLogger
}

// NewManager builds a lifecycle manager from the shared options.
func NewManager(api EC2API, identity awscloud.Identity, opts *config.Options, log logrus.FieldLogger) *Manager {
	return &Manager{
		api:        api,
		identity:   identity,
		tagKey:     opts.Tag,
		volumeType: opts.VolumeType,
		mountRoot:  opts.MountPoint,
		keep:       opts.KeepTempVolumes,
		log:        log,
	}
}

// Keep reports whether teardown is disabled.
func (m *Manager) Keep() bool {
	return m.keep
}

func (m *Manager) describeVolume(ctx context.Context, id string) (*Volume, error) {
	out, err := m.api.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{VolumeIds: []string{id}})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to describe volume %s", id)
	}
	if len(out.Volumes) != 1 {
		return nil, errors.Errorf("volume %s not found", id)
	}
	return FromEC2(out.Volumes[0]), nil
}

func (m *Manager) waitVolumeState(ctx context.Context, id string, want ...ec2types.VolumeState) (*Volume, error) {
	var vol *Volume
	err := pollutil.Poll(ctx, "volume "+id+" state", attachPollInterval, attachPollAttempts, func() error {
		v, err := m.describeVolume(ctx, id)
		if err != nil {
			return err
		}
		for _, s := range want {
			if v.State == string(s) {
				vol = v
				return nil
			}
		}
		return pollutil.ErrNotReady
	}, m.log)
	return vol, err
}

// FindOrCreate adopts an existing temporary volume for the snapshot or
// creates a fresh one in this instance's availability zone.
func (m *Manager) FindOrCreate(ctx context.Context, snap awscloud.Snapshot) (*Volume, error) {
	log := m.log.WithField("snapshot", snap.ID)

	out, err := m.api.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("availability-zone"), Values: []string{m.identity.AvailabilityZone}},
			{Name: aws.String("tag-key"), Values: []string{m.tagKey}},
			{Name: aws.String("snapshot-id"), Values: []string{snap.ID}},
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to look up temporary volumes")
	}

	for _, v := range out.Volumes {
		vol := FromEC2(v)
		attachedElsewhere := false
		for _, att := range vol.Attachments {
			if att.InstanceID != m.identity.InstanceID {
				attachedElsewhere = true
				break
			}
		}
		if attachedElsewhere {
			continue
		}

		log.WithField("volume", vol.ID).Info("Adopting existing temporary volume")
		return m.waitVolumeState(ctx, vol.ID, ec2types.VolumeStateAvailable, ec2types.VolumeStateInUse)
	}

	log.Info("Creating temporary volume")
	created, err := m.api.CreateVolume(ctx, &ec2.CreateVolumeInput{
		AvailabilityZone: aws.String(m.identity.AvailabilityZone),
		SnapshotId:       aws.String(snap.ID),
		VolumeType:       ec2types.VolumeType(m.volumeType),
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeVolume,
			Tags: []ec2types.Tag{
				{Key: aws.String("Name"), Value: aws.String(tempVolumeName)},
				{Key: aws.String(m.tagKey), Value: aws.String(coordinator.VolumeInProgress)},
			},
		}},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create volume from snapshot %s", snap.ID)
	}

	return m.waitVolumeState(ctx, *created.VolumeId, ec2types.VolumeStateAvailable)
}

// usedDeviceLetters reports which reserved letters already have a volume
// attached on this instance.
func (m *Manager) usedDeviceLetters(ctx context.Context) (map[byte]bool, error) {
	out, err := m.api.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("attachment.instance-id"), Values: []string{m.identity.InstanceID}},
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list attached volumes")
	}

	used := map[byte]bool{}
	for _, v := range out.Volumes {
		for _, att := range v.Attachments {
			if att.Device == nil || *att.Device == "" {
				continue
			}
			dev := *att.Device
			used[dev[len(dev)-1]] = true
		}
	}
	return used, nil
}

// pickDeviceName chooses the first free attachment point in the reserved
// letter range.
func pickDeviceName(used map[byte]bool) (string, error) {
	for i := 0; i < len(deviceLetters); i++ {
		if !used[deviceLetters[i]] {
			return "/dev/sd" + string(deviceLetters[i]), nil
		}
	}
	return "", errors.Errorf("no attachment points free in /dev/sd[%c-%c]", deviceLetters[0], deviceLetters[len(deviceLetters)-1])
}

// kernelDevicePath maps a requested attachment device to the path the
// kernel actually exposes, which differs across virtualization stacks.
func kernelDevicePath(requested string) (string, bool) {
	letter := requested[len(requested)-1:]
	for _, candidate := range []string{requested, "/dev/xvd" + letter} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
	}
	return "", false
}

// FindOrAttach ensures the volume is attached to this instance and
// returns the kernel device path.
func (m *Manager) FindOrAttach(ctx context.Context, vol *Volume) (string, error) {
	log := m.log.WithField("volume", vol.ID)

	att := vol.AttachmentFor(m.identity.InstanceID)
	if att == nil {
		used, err := m.usedDeviceLetters(ctx)
		if err != nil {
			return "", err
		}
		device, err := pickDeviceName(used)
		if err != nil {
			return "", err
		}

		log.WithField("device", device).Info("Attaching temporary volume")
		_, err = m.api.AttachVolume(ctx, &ec2.AttachVolumeInput{
			VolumeId:   aws.String(vol.ID),
			InstanceId: aws.String(m.identity.InstanceID),
			Device:     aws.String(device),
		})
		if err != nil {
			return "", errors.Wrapf(err, "failed to attach volume %s at %s", vol.ID, device)
		}
	}

	var device string
	err := pollutil.Poll(ctx, "volume "+vol.ID+" attachment", attachPollInterval, attachPollAttempts, func() error {
		v, err := m.describeVolume(ctx, vol.ID)
		if err != nil {
			return err
		}
		att := v.AttachmentFor(m.identity.InstanceID)
		if att == nil || att.State != string(ec2types.VolumeAttachmentStateAttached) {
			return pollutil.ErrNotReady
		}

		path, ok := kernelDevicePath(att.Device)
		if !ok {
			return pollutil.ErrNotReady
		}
		device = path
		*vol = *v
		return nil
	}, m.log)
	if err != nil {
		return "", err
	}

	log.WithField("device", device).Info("Volume attached")
	return device, nil
}

// WaitForContents blocks until the kernel has enumerated the attached
// volume's partitions, or has shown the same partitionless disk on two
// consecutive polls (a volume with no partition table never grows one).
func (m *Manager) WaitForContents(ctx context.Context, devicePath string) ([]blockdev.Device, error) {
	var devs []blockdev.Device
	bareDiskPolls := 0

	err := pollutil.Poll(ctx, "partitions on "+devicePath, contentsPollInterval, contentsPollAttempts, func() error {
		probed, err := blockdev.Probe(ctx, devicePath)
		if err != nil {
			return err
		}
		if len(probed) == 0 {
			return pollutil.ErrNotReady
		}

		if blockdev.HasPartitions(probed) {
			devs = probed
			return nil
		}

		bareDiskPolls++
		if bareDiskPolls >= 2 || probed[0].FSType != "" {
			devs = probed
			return nil
		}
		return pollutil.ErrNotReady
	}, m.log)
	return devs, err
}

// Materialize brings a snapshot's contents onto this instance: temporary
// volume up, attached, and its block devices enumerated.
func (m *Manager) Materialize(ctx context.Context, snap awscloud.Snapshot) (*Volume, []blockdev.Device, error) {
	vol, err := m.FindOrCreate(ctx, snap)
	if err != nil {
		return nil, nil, err
	}

	device, err := m.FindOrAttach(ctx, vol)
	if err != nil {
		return nil, nil, err
	}

	devs, err := m.WaitForContents(ctx, device)
	if err != nil {
		return nil, nil, err
	}
	return vol, devs, nil
}

// Mountpoint derives the directory a snapshot (or one of its partitions)
// is mounted at.
func (m *Manager) Mountpoint(snapshotID, partitionName string) string {
	mp := m.mountRoot + snapshotID
	if partitionName != "" {
		mp += "-" + partitionName
	}
	return mp
}

// Mount mounts the device read-only at its derived mountpoint. A device
// already mounted at the expected mountpoint is left alone.
func (m *Manager) Mount(ctx context.Context, dev blockdev.Device, snapshotID, partitionName string) (string, error) {
	mp := m.Mountpoint(snapshotID, partitionName)

	if dev.Mountpoint == mp {
		m.log.WithField("mountpoint", mp).Debug("already mounted")
		return mp, nil
	}
	if dev.Mountpoint != "" {
		return "", errors.Errorf("%s is already mounted at %s", dev.Path, dev.Mountpoint)
	}

	if err := os.MkdirAll(mp, 0o755); err != nil {
		return "", errors.Wrapf(err, "failed to create mountpoint %s", mp)
	}
	entries, err := os.ReadDir(mp)
	if err != nil {
		return "", errors.Wrapf(err, "failed to inspect mountpoint %s", mp)
	}
	if len(entries) != 0 {
		return "", errors.Errorf("refusing to mount over nonempty directory %s", mp)
	}

	m.log.WithField("device", dev.Path).WithField("mountpoint", mp).Info("Mounting read-only")
	if _, err := subproc.Command("mount", "-o", "ro", dev.Path, mp).Output(ctx); err != nil {
		return "", errors.Wrapf(err, "failed to mount %s at %s", dev.Path, mp)
	}
	return mp, nil
}

// Unmount unmounts and removes a mountpoint, unless keep mode leaves the
// volume mounted for inspection.
func (m *Manager) Unmount(ctx context.Context, mountpoint string) error {
	if m.keep {
		m.log.WithField("mountpoint", mountpoint).Debug("keeping mount")
		return nil
	}

	if _, err := subproc.Command("umount", mountpoint).Output(ctx); err != nil {
		return errors.Wrapf(err, "failed to unmount %s", mountpoint)
	}
	if err := os.Remove(mountpoint); err != nil {
		m.log.WithError(err).WithField("mountpoint", mountpoint).Warn("failed to remove mountpoint directory")
	}
	return nil
}

// Destroy detaches and deletes a temporary volume. Keep mode leaves it
// attached and warns so the operator remembers to clean up.
func (m *Manager) Destroy(ctx context.Context, vol *Volume) error {
	if m.keep {
		m.log.WithField("volume", vol.ID).Warn("keep-temp-volumes is set; leaving temporary volume attached")
		return nil
	}

	log := m.log.WithField("volume", vol.ID)
	log.Info("Detaching temporary volume")
	if _, err := m.api.DetachVolume(ctx, &ec2.DetachVolumeInput{VolumeId: aws.String(vol.ID)}); err != nil {
		return errors.Wrapf(err, "failed to detach volume %s", vol.ID)
	}

	if _, err := m.waitVolumeState(ctx, vol.ID, ec2types.VolumeStateAvailable); err != nil {
		return err
	}

	log.Info("Deleting temporary volume")
	if _, err := m.api.DeleteVolume(ctx, &ec2.DeleteVolumeInput{VolumeId: aws.String(vol.ID)}); err != nil {
		return errors.Wrapf(err, "failed to delete volume %s", vol.ID)
	}
	return nil
}

// DiskUsage measures the recursive byte size of a directory's files,
// the same way the progress estimate for a tar upload is made.
func DiskUsage(ctx context.Context, dir string) (int64, error) {
	out, err := subproc.Command("du", "-sb", dir).Output(ctx)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to measure %s", dir)
	}

	fields := strings.Fields(string(out))
	if len(fields) < 1 {
		return 0, errors.Errorf("unparseable du output %q", string(out))
	}
	size, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "unparseable du output %q", string(out))
	}
	return size, nil
}

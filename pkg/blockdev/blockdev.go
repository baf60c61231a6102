// Package blockdev enumerates the kernel block devices behind an attached
// volume and offers the two views the pipelines consume: the raw disk for
// image uploads and the mountable filesystems for tar uploads.
package blockdev

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/davis166/snap-to-s3/pkg/subproc"
)

const (
	// TypeDisk is a whole disk as reported by lsblk.
	TypeDisk = "disk"
	// TypePart is a partition as reported by lsblk.
	TypePart = "part"
)

// Device is one kernel block device.
type Device struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Path       string `json:"path"`
	FSType     string `json:"fstype"`
	Mountpoint string `json:"mountpoint"`
	Size       int64  `json:"size"`

	Children []Device `json:"children,omitempty"`
}

type lsblkReport struct {
	BlockDevices []Device `json:"blockdevices"`
}

// Probe lists the block devices for an attached volume's device path,
// partitions included, as a flat list.
func Probe(ctx context.Context, devicePath string) ([]Device, error) {
	out, err := subproc.Command("lsblk",
		"--json", "--bytes",
		"--output", "NAME,TYPE,PATH,FSTYPE,MOUNTPOINT,SIZE",
		devicePath).Output(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list block devices for %s", devicePath)
	}

	return parseReport(out)
}

func parseReport(out []byte) ([]Device, error) {
	var report lsblkReport
	if err := json.Unmarshal(out, &report); err != nil {
		return nil, errors.Wrap(err, "failed to decode lsblk output")
	}

	return flatten(report.BlockDevices), nil
}

func flatten(devs []Device) []Device {
	flat := []Device{}
	for _, d := range devs {
		children := d.Children
		d.Children = nil
		flat = append(flat, d)
		flat = append(flat, flatten(children)...)
	}
	return flat
}

// RawDisk asserts the volume is a single whole disk and returns it. This
// is the dd-mode view.
func RawDisk(devs []Device) (Device, error) {
	disks := []Device{}
	for _, d := range devs {
		if d.Type == TypeDisk {
			disks = append(disks, d)
		}
	}

	if len(disks) != 1 {
		return Device{}, errors.Errorf("expected exactly one disk device, found %d of %d devices", len(disks), len(devs))
	}
	return disks[0], nil
}

// Filesystems returns the devices to mount: the lone device when the
// volume has no partition table, otherwise every partition. This is the
// tar-mode view.
func Filesystems(devs []Device) ([]Device, error) {
	if len(devs) == 0 {
		return nil, errors.New("no partitions")
	}
	if len(devs) == 1 {
		return devs, nil
	}

	parts := []Device{}
	disks := 0
	for _, d := range devs {
		switch d.Type {
		case TypeDisk:
			disks++
		case TypePart:
			parts = append(parts, d)
		default:
			return nil, errors.Errorf("unknown device type %q for %s", d.Type, d.Name)
		}
	}

	if disks != 1 || len(parts) != len(devs)-1 {
		return nil, errors.Errorf("expected one disk plus partitions, found %d disks and %d partitions", disks, len(parts))
	}
	return parts, nil
}

// HasPartitions reports whether the probe shows any partition.
func HasPartitions(devs []Device) bool {
	for _, d := range devs {
		if d.Type == TypePart {
			return true
		}
	}
	return false
}

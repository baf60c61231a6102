package blockdev

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleReport = `{
   "blockdevices": [
      {"name":"xvdf", "type":"disk", "path":"/dev/xvdf", "fstype":null, "mountpoint":null, "size":10737418240,
         "children": [
            {"name":"xvdf1", "type":"part", "path":"/dev/xvdf1", "fstype":"ext4", "mountpoint":null, "size":10736369664}
         ]
      }
   ]
}`

func TestParseReport(t *testing.T) {
	devs, err := parseReport([]byte(sampleReport))
	require.NoError(t, err)
	require.Len(t, devs, 2)

	assert.Equal(t, "xvdf", devs[0].Name)
	assert.Equal(t, TypeDisk, devs[0].Type)
	assert.Equal(t, int64(10737418240), devs[0].Size)
	assert.Empty(t, devs[0].Children)

	assert.Equal(t, "xvdf1", devs[1].Name)
	assert.Equal(t, TypePart, devs[1].Type)
	assert.Equal(t, "ext4", devs[1].FSType)
	assert.Equal(t, "/dev/xvdf1", devs[1].Path)
}

func disk(name string) Device { return Device{Name: name, Type: TypeDisk, Path: "/dev/" + name} }
func part(name string) Device { return Device{Name: name, Type: TypePart, Path: "/dev/" + name} }

func TestRawDisk(t *testing.T) {
	d, err := RawDisk([]Device{disk("xvdf")})
	require.NoError(t, err)
	assert.Equal(t, "xvdf", d.Name)

	d, err = RawDisk([]Device{disk("xvdf"), part("xvdf1"), part("xvdf2")})
	require.NoError(t, err)
	assert.Equal(t, "xvdf", d.Name)

	_, err = RawDisk([]Device{part("xvdf1")})
	assert.Error(t, err)

	_, err = RawDisk([]Device{disk("xvdf"), disk("xvdg")})
	assert.Error(t, err)
}

func TestFilesystemsSingleDevice(t *testing.T) {
	// a volume without a partition table mounts the disk itself
	fs, err := Filesystems([]Device{disk("xvdf")})
	require.NoError(t, err)
	require.Len(t, fs, 1)
	assert.Equal(t, "xvdf", fs[0].Name)
}

func TestFilesystemsDropsDisk(t *testing.T) {
	fs, err := Filesystems([]Device{disk("xvdf"), part("xvdf1"), part("xvdf2")})
	require.NoError(t, err)
	require.Len(t, fs, 2)
	assert.Equal(t, "xvdf1", fs[0].Name)
	assert.Equal(t, "xvdf2", fs[1].Name)
}

func TestFilesystemsRejectsUnknownType(t *testing.T) {
	_, err := Filesystems([]Device{disk("xvdf"), {Name: "xvdf1", Type: "rom"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown device type")
}

func TestFilesystemsRejectsEmpty(t *testing.T) {
	_, err := Filesystems(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no partitions")
}

func TestFilesystemsRejectsTwoDisks(t *testing.T) {
	_, err := Filesystems([]Device{disk("xvdf"), disk("xvdg"), part("xvdf1")})
	assert.Error(t, err)
}

func TestHasPartitions(t *testing.T) {
	assert.False(t, HasPartitions([]Device{disk("xvdf")}))
	assert.True(t, HasPartitions([]Device{disk("xvdf"), part("xvdf1")}))
}

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validOptions() *Options {
	o := Defaults()
	o.Tag = "snap-to-s3"
	o.MountPoint = "/mnt/snap"
	o.Bucket = "backups"
	return o
}

func TestNormalizeRequiredOptions(t *testing.T) {
	for _, clear := range []func(*Options){
		func(o *Options) { o.Tag = "" },
		func(o *Options) { o.MountPoint = "" },
		func(o *Options) { o.Bucket = "" },
	} {
		o := validOptions()
		clear(o)

		err := o.Normalize()
		require.Error(t, err)
		assert.IsType(t, &ConfigurationError{}, err)
	}
}

func TestNormalizeMountPoint(t *testing.T) {
	o := validOptions()
	o.MountPoint = "/"
	require.Error(t, o.Normalize())

	o = validOptions()
	o.MountPoint = "/mnt/snap"
	require.NoError(t, o.Normalize())
	assert.Equal(t, "/mnt/snap/", o.MountPoint)

	// already normalized stays put
	require.NoError(t, o.Normalize())
	assert.Equal(t, "/mnt/snap/", o.MountPoint)
}

func TestNormalizeClamping(t *testing.T) {
	o := validOptions()
	o.CompressionLevel = 0
	o.UploadStreams = -3
	require.NoError(t, o.Normalize())
	assert.Equal(t, 1, o.CompressionLevel)
	assert.Equal(t, 1, o.UploadStreams)

	o.CompressionLevel = 42
	require.NoError(t, o.Normalize())
	assert.Equal(t, 9, o.CompressionLevel)
}

func TestNormalizeKMSKeyRequiresKMS(t *testing.T) {
	o := validOptions()
	o.SSEKMSKeyID = "1234-abcd"
	err := o.Normalize()
	require.Error(t, err)
	assert.IsType(t, &ConfigurationError{}, err)

	o.SSE = SSEKMS
	require.NoError(t, o.Normalize())

	o = validOptions()
	o.SSE = "AES256"
	require.NoError(t, o.Normalize())
}

func TestShouldSkipPartition(t *testing.T) {
	o := validOptions()
	assert.False(t, o.ShouldSkipPartition("xvdf1"))

	o.SkipPartitions = []string{"128", "boot"}
	assert.True(t, o.ShouldSkipPartition("xvdf128"))
	assert.True(t, o.ShouldSkipPartition("nvme0n1p-boot"))
	assert.False(t, o.ShouldSkipPartition("xvdf1"))

	o.SkipPartitions = []string{""}
	assert.False(t, o.ShouldSkipPartition("xvdf1"))
}

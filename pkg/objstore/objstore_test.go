package objstore

import (
	"math"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/davis166/snap-to-s3/pkg/awscloud"
)

var startTime = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func snapA() awscloud.Snapshot {
	return awscloud.Snapshot{
		ID:        "snap-A",
		VolumeID:  "vol-A",
		SizeGiB:   8,
		StartTime: startTime,
	}
}

func TestImageKey(t *testing.T) {
	assert.Equal(t, "vol-A/2024-01-02T03:04:05+00:00 snap-A.img.lz4", ImageKey(snapA()))

	withDesc := snapA()
	withDesc.Description = "nightly"
	assert.Equal(t, "vol-A/2024-01-02T03:04:05+00:00 snap-A - nightly.img.lz4", ImageKey(withDesc))
}

func TestTarKey(t *testing.T) {
	snap := snapA()
	snap.ID = "snap-B"
	snap.VolumeID = "vol-B"
	snap.Description = "nightly"

	assert.Equal(t, "vol-B/2024-01-02T03:04:05+00:00 snap-B - nightly.tar.lz4", TarKey(snap, ""))
	assert.Equal(t, "vol-B/2024-01-02T03:04:05+00:00 snap-B - nightly.xvdf1.tar.lz4", TarKey(snap, "xvdf1"))
}

func TestKeyTimeIsUTC(t *testing.T) {
	snap := snapA()
	snap.StartTime = time.Date(2024, 1, 2, 4, 4, 5, 0, time.FixedZone("CET", 3600))
	assert.Equal(t, "vol-A/2024-01-02T03:04:05+00:00 snap-A.img.lz4", ImageKey(snap))
}

func TestUploadMetadata(t *testing.T) {
	snap := snapA()
	snap.Description = "weekly backup"

	md := UploadMetadata(snap, 12345)
	assert.Equal(t, map[string]string{
		"snapshot-starttime":   "2024-01-02T03:04:05+00:00",
		"snapshot-snapshotid":  "snap-A",
		"snapshot-volumesize":  "8",
		"snapshot-volumeid":    "vol-A",
		"snapshot-description": "weekly backup",
		"uncompressed-size":    "12345",
	}, md)
}

func TestSanitizeTags(t *testing.T) {
	clean := regexp.MustCompile(`^[A-Za-z0-9+=._:/\s\-_]*$`)

	out := SanitizeTags(map[string]string{
		"Name":         "db (primary)",
		"owner@email":  "ops&infra",
		"environment":  "prod",
		"backup":       "migrated",
		"backup-id":    "deadbeef",
		"path":         "a/b c.d:e=f+g_h-i",
		"snowman ☃": "☃",
	}, "backup", "backup-id")

	assert.NotContains(t, out, "backup")
	assert.NotContains(t, out, "backup-id")
	assert.Equal(t, "db _primary_", out["Name"])
	assert.Equal(t, "ops_infra", out["owner_email"])
	assert.Equal(t, "a/b c.d:e=f+g_h-i", out["path"])

	for k, v := range out {
		assert.Regexp(t, clean, k)
		assert.Regexp(t, clean, v)
	}
}

func TestPartSizeFloor(t *testing.T) {
	assert.Equal(t, int64(MinPartSize), PartSize(0))
	assert.Equal(t, int64(MinPartSize), PartSize(1024))
	assert.Equal(t, int64(MinPartSize), PartSize(40*1024*1024*1024))
}

func TestPartSizeCeiling(t *testing.T) {
	for _, estimate := range []int64{
		0,
		100 * 1024 * 1024,
		100 * 1024 * 1024 * 1024,
		16 * 1024 * 1024 * 1024 * 1024,
	} {
		size := PartSize(estimate)
		assert.GreaterOrEqual(t, size, int64(MinPartSize))
		assert.GreaterOrEqual(t, size*MaxUploadParts, estimate+10*1024*1024,
			"estimate %d must fit in %d parts", estimate, MaxUploadParts)
	}
}

func TestPartSizeLeavesHeadroom(t *testing.T) {
	// the 0.9 divisor keeps ~10% of the part budget free for overshoot
	estimate := int64(5 * 1024 * 1024 * 1024 * 1024)
	size := PartSize(estimate)
	used := int64(math.Ceil(float64(estimate) / float64(size)))
	assert.LessOrEqual(t, used, int64(MaxUploadParts*9/10)+1)
}

func TestEncodeTags(t *testing.T) {
	s := encodeTags(map[string]string{"Name": "db primary", "env": "prod"})
	assert.Equal(t, "Name=db+primary&env=prod", s)
}

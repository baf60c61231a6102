// Package config stores all snap-to-s3 configuration
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v2"
)

// SSEKMS is the only SSE algorithm that accepts a key id.
const SSEKMS = "aws:kms"

// ConfigurationError is a fatal problem with the supplied options.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Msg
}

func configErrorf(format string, args ...interface{}) error {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}

// Options is the full option set shared by the migrate and validate
// commands. YAML tags allow the same fields to be defaulted from the
// config file; flags win over file values.
type Options struct {
	// Tag is the user tag key driving the claim protocol.
	Tag string `yaml:"tag"`

	// MountPoint is the root under which per-partition mountpoints live.
	MountPoint string `yaml:"mountPoint"`

	// Bucket is the destination bucket.
	Bucket string `yaml:"bucket"`

	// VolumeType is the temporary volume type.
	VolumeType string `yaml:"volumeType"`

	// CompressionLevel is the lz4 level, clamped to 1..9.
	CompressionLevel int `yaml:"compressionLevel"`

	// UploadStreams is the multipart upload concurrency.
	UploadStreams int `yaml:"uploadStreams"`

	// KeepTempVolumes skips unmount/detach/delete of temporary volumes.
	KeepTempVolumes bool `yaml:"keepTempVolumes"`

	// DD uploads a whole-volume raw image instead of per-partition tars.
	DD bool `yaml:"dd"`

	// Validate hash-compares the upload against the source afterwards.
	Validate bool `yaml:"validate"`

	// SSE is the server-side encryption algorithm, empty for none.
	SSE string `yaml:"sse"`

	// SSEKMSKeyID is the KMS key id, only valid with SSE="aws:kms".
	SSEKMSKeyID string `yaml:"sseKmsKeyId"`

	// SkipPartitions is a deny list of partition-name substrings that
	// are skipped instead of uploaded or validated.
	SkipPartitions []string `yaml:"skipPartitions"`
}

// Defaults returns the option set with every defaultable field filled in.
func Defaults() *Options {
	return &Options{
		VolumeType:       "standard",
		CompressionLevel: 1,
		UploadStreams:    4,
	}
}

// getConfigFile returns the path to the snap-to-s3 config file
func getConfigFile() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "failed to read user's home dir")
	}

	return filepath.Join(homeDir, ".config", "snap-to-s3", "config.yaml"), nil
}

// LoadFile reads option defaults from disk. A missing file is not an
// error; it yields Defaults().
func LoadFile() (*Options, error) {
	confPath, err := getConfigFile()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get config file path")
	}

	f, err := os.Open(confPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Defaults(), nil
		}
		return nil, errors.Wrap(err, "failed to open config file for reading")
	}
	defer f.Close()

	conf := Defaults()
	if err := yaml.NewDecoder(f).Decode(conf); err != nil {
		return nil, errors.Wrap(err, "failed to decode config file")
	}
	return conf, nil
}

// CLIFlags returns the flag set shared by the migrate and validate
// commands. Defaults come from the config file via opts.
func CLIFlags(opts *Options) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "tag",
			Usage: "tag key that drives the claim protocol",
			Value: opts.Tag,
		},
		&cli.StringFlag{
			Name:  "mount-point",
			Usage: "root directory for temporary volume mountpoints",
			Value: opts.MountPoint,
		},
		&cli.StringFlag{
			Name:  "bucket",
			Usage: "destination S3 bucket",
			Value: opts.Bucket,
		},
		&cli.StringFlag{
			Name:  "volume-type",
			Usage: "type for temporary volumes",
			Value: opts.VolumeType,
		},
		&cli.IntFlag{
			Name:  "compression-level",
			Usage: "lz4 compression level (1-9)",
			Value: opts.CompressionLevel,
		},
		&cli.IntFlag{
			Name:  "upload-streams",
			Usage: "number of concurrent multipart upload streams",
			Value: opts.UploadStreams,
		},
		&cli.BoolFlag{
			Name:  "keep-temp-volumes",
			Usage: "leave temporary volumes attached and mounted",
			Value: opts.KeepTempVolumes,
		},
		&cli.BoolFlag{
			Name:  "dd",
			Usage: "upload whole-volume raw images instead of per-partition tars",
			Value: opts.DD,
		},
		&cli.BoolFlag{
			Name:  "validate",
			Usage: "hash-compare each upload against its source",
			Value: opts.Validate,
		},
		&cli.StringFlag{
			Name:  "sse",
			Usage: "server-side encryption algorithm (e.g. AES256, aws:kms)",
			Value: opts.SSE,
		},
		&cli.StringFlag{
			Name:  "sse-kms-key-id",
			Usage: "KMS key id, requires --sse=aws:kms",
			Value: opts.SSEKMSKeyID,
		},
		&cli.StringSliceFlag{
			Name:  "skip-partitions",
			Usage: "partition-name substrings to skip",
			Value: cli.NewStringSlice(opts.SkipPartitions...),
		},
	}
}

// FromCLI reads the option set back out of the parsed flags (whose
// defaults came from the config file) and validates it.
func FromCLI(c *cli.Context) (*Options, error) {
	opts := &Options{}

	opts.Tag = c.String("tag")
	opts.MountPoint = c.String("mount-point")
	opts.Bucket = c.String("bucket")
	opts.VolumeType = c.String("volume-type")
	opts.CompressionLevel = c.Int("compression-level")
	opts.UploadStreams = c.Int("upload-streams")
	opts.KeepTempVolumes = c.Bool("keep-temp-volumes")
	opts.DD = c.Bool("dd")
	opts.Validate = c.Bool("validate")
	opts.SSE = c.String("sse")
	opts.SSEKMSKeyID = c.String("sse-kms-key-id")
	opts.SkipPartitions = c.StringSlice("skip-partitions")

	if err := opts.Normalize(); err != nil {
		return nil, err
	}
	return opts, nil
}

// Normalize validates the option set and brings every field into its
// canonical form. It must be called before the options are consumed.
func (o *Options) Normalize() error {
	if o.Tag == "" {
		return configErrorf("--tag is required")
	}

	if o.MountPoint == "" {
		return configErrorf("--mount-point is required")
	}
	if filepath.Clean(o.MountPoint) == "/" {
		return configErrorf("--mount-point must not be the filesystem root")
	}
	if !strings.HasSuffix(o.MountPoint, "/") {
		o.MountPoint += "/"
	}

	if o.Bucket == "" {
		return configErrorf("--bucket is required")
	}

	if o.CompressionLevel < 1 {
		o.CompressionLevel = 1
	}
	if o.CompressionLevel > 9 {
		o.CompressionLevel = 9
	}

	if o.UploadStreams < 1 {
		o.UploadStreams = 1
	}

	if o.SSEKMSKeyID != "" && o.SSE != SSEKMS {
		return configErrorf("--sse-kms-key-id requires --sse=%s", SSEKMS)
	}

	return nil
}

// ShouldSkipPartition reports whether a partition name matches the
// configured deny list.
func (o *Options) ShouldSkipPartition(name string) bool {
	for _, frag := range o.SkipPartitions {
		if frag != "" && strings.Contains(name, frag) {
			return true
		}
	}
	return false
}

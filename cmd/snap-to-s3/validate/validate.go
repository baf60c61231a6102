package validate

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/davis166/snap-to-s3/pkg/awscloud"
	"github.com/davis166/snap-to-s3/pkg/cmdutil"
	"github.com/davis166/snap-to-s3/pkg/config"
	"github.com/davis166/snap-to-s3/pkg/coordinator"
	"github.com/davis166/snap-to-s3/pkg/objstore"
	"github.com/davis166/snap-to-s3/pkg/validator"
	"github.com/davis166/snap-to-s3/pkg/volume"
)

//nolint:gochecknoglobals
var (
	validateLongDesc = `
		Independently prove that uploaded objects reproduce their source
		snapshots, by hashing both sides. With snapshot ids, validates
		exactly those; without, validates everything tagged "migrated".
		Validation keeps going past failures and reports them all at the
		end.
	`
	validateExample = `
		# Validate everything tagged migrated
		snap-to-s3 validate --tag backup --mount-point /mnt/snap --bucket my-backups

		# Re-validate a snapshot that was validated before
		snap-to-s3 validate --tag backup --mount-point /mnt/snap --bucket my-backups snap-aaa
	`
)

// Tools that must be on PATH before a validation can start.
var requiredTools = []string{"lsblk", "lz4", "tar", "du", "mount", "umount"}

type Options struct {
	log  logrus.FieldLogger
	conf *config.Options

	SnapshotIDs []string
}

// NewCmdValidate returns the validate subcommand.
func NewCmdValidate(log logrus.FieldLogger) *cli.Command {
	fileConf, err := config.LoadFile()
	if err != nil {
		log.WithError(err).Warn("ignoring unreadable config file")
		fileConf = config.Defaults()
	}

	return &cli.Command{
		Name:        "validate",
		Usage:       "Hash-compare uploaded objects against their snapshots",
		ArgsUsage:   "[snapshot-id ...]",
		Description: cmdutil.NewDescription(validateLongDesc, validateExample),
		Flags:       config.CLIFlags(fileConf),
		Action: func(c *cli.Context) error {
			conf, err := config.FromCLI(c)
			if err != nil {
				return err
			}

			o := &Options{
				log:         log,
				conf:        conf,
				SnapshotIDs: c.Args().Slice(),
			}
			return o.Run(c.Context)
		},
	}
}

// Run performs the validation.
func (o *Options) Run(ctx context.Context) error {
	if err := cmdutil.EnsureTools(requiredTools...); err != nil {
		return err
	}

	clients, err := awscloud.New(ctx)
	if err != nil {
		return err
	}

	coord := coordinator.New(clients.EC2, o.conf.Tag, o.log)
	vols := volume.NewManager(clients.EC2, clients.Identity, o.conf, o.log)
	store := objstore.New(clients.S3, o.conf.Bucket, o.conf.UploadStreams, o.conf.SSE, o.conf.SSEKMSKeyID, o.log)

	v := validator.New(coord, vols, store, o.conf, clients.Identity, o.log)
	if err := v.ValidateAll(ctx, o.SnapshotIDs); err != nil {
		return err
	}

	if o.conf.KeepTempVolumes {
		o.log.Warn("keep-temp-volumes was set: temporary volumes are still attached and mounted")
	}
	return nil
}

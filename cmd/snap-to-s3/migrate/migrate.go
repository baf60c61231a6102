package migrate

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/davis166/snap-to-s3/pkg/awscloud"
	"github.com/davis166/snap-to-s3/pkg/cmdutil"
	"github.com/davis166/snap-to-s3/pkg/config"
	"github.com/davis166/snap-to-s3/pkg/coordinator"
	"github.com/davis166/snap-to-s3/pkg/migrator"
	"github.com/davis166/snap-to-s3/pkg/objstore"
	"github.com/davis166/snap-to-s3/pkg/validator"
	"github.com/davis166/snap-to-s3/pkg/volume"
)

//nolint:gochecknoglobals
var (
	migrateLongDesc = `
		Migrate EBS snapshots into S3. With snapshot ids, migrates exactly
		those; without, keeps migrating whichever snapshots are tagged
		"migrate" until none remain, re-checking between snapshots so other
		workers can share the backlog.
	`
	migrateExample = `
		# Migrate everything tagged migrate
		snap-to-s3 migrate --tag backup --mount-point /mnt/snap --bucket my-backups

		# Migrate two specific snapshots as raw images, then validate them
		snap-to-s3 migrate --dd --validate --tag backup --mount-point /mnt/snap --bucket my-backups snap-aaa snap-bbb
	`
)

// Tools that must be on PATH before a migration can start.
var requiredTools = []string{"lsblk", "lz4", "tar", "du", "mount", "umount"}

type Options struct {
	log  logrus.FieldLogger
	conf *config.Options

	SnapshotIDs []string
}

// NewCmdMigrate returns the migrate subcommand.
func NewCmdMigrate(log logrus.FieldLogger) *cli.Command {
	fileConf, err := config.LoadFile()
	if err != nil {
		log.WithError(err).Warn("ignoring unreadable config file")
		fileConf = config.Defaults()
	}

	return &cli.Command{
		Name:        "migrate",
		Usage:       "Upload snapshots to S3",
		ArgsUsage:   "[snapshot-id ...]",
		Description: cmdutil.NewDescription(migrateLongDesc, migrateExample),
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

// Run performs the migration.
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

	var inline *validator.Validator
	if o.conf.Validate {
		inline = validator.New(coord, vols, store, o.conf, clients.Identity, o.log)
	}

	m := migrator.New(coord, vols, store, o.conf, inline, clients.Identity, o.log)
	if err := m.MigrateAll(ctx, o.SnapshotIDs); err != nil {
		return errors.Wrap(err, "migration halted")
	}

	if o.conf.KeepTempVolumes {
		o.log.Warn("keep-temp-volumes was set: temporary volumes are still attached and mounted")
	}
	return nil
}

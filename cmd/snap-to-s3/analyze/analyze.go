package analyze

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/davis166/snap-to-s3/pkg/awscloud"
	"github.com/davis166/snap-to-s3/pkg/cmdutil"
	"github.com/davis166/snap-to-s3/pkg/config"
	"github.com/davis166/snap-to-s3/pkg/coordinator"
	"github.com/davis166/snap-to-s3/pkg/objstore"
)

//nolint:gochecknoglobals
var (
	analyzeLongDesc = `
		Read-only audit of migration state: for each snapshot, its current
		state tag and the objects the bucket holds for it. No tags are
		written and no volumes are touched.
	`
	analyzeExample = `
		# Audit every snapshot carrying the backup tag
		snap-to-s3 analyze --tag backup --mount-point /mnt/snap --bucket my-backups
	`
)

type Options struct {
	log  logrus.FieldLogger
	conf *config.Options

	SnapshotIDs []string
}

// NewCmdAnalyze returns the analyze subcommand.
func NewCmdAnalyze(log logrus.FieldLogger) *cli.Command {
	fileConf, err := config.LoadFile()
	if err != nil {
		log.WithError(err).Warn("ignoring unreadable config file")
		fileConf = config.Defaults()
	}

	return &cli.Command{
		Name:        "analyze",
		Usage:       "Report snapshot states and uploaded objects",
		ArgsUsage:   "[snapshot-id ...]",
		Description: cmdutil.NewDescription(analyzeLongDesc, analyzeExample),
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

// Run prints the audit table.
func (o *Options) Run(ctx context.Context) error {
	clients, err := awscloud.New(ctx)
	if err != nil {
		return err
	}

	coord := coordinator.New(clients.EC2, o.conf.Tag, o.log)
	store := objstore.New(clients.S3, o.conf.Bucket, o.conf.UploadStreams, o.conf.SSE, o.conf.SSEKMSKeyID, o.log)

	var snaps []awscloud.Snapshot
	if len(o.SnapshotIDs) != 0 {
		snaps, err = coord.ResolveSnapshots(ctx, o.SnapshotIDs)
	} else {
		snaps, err = coord.TaggedSnapshots(ctx, clients.Identity.AccountID)
	}
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 10, 2, 3, ' ', 0)
	fmt.Fprintln(w, "SNAPSHOT\tSTATE\tOBJECTS\tSIZE")
	for _, snap := range snaps {
		objects, err := store.List(ctx, snap.VolumeID+"/")
		if err != nil {
			return err
		}

		keys := []string{}
		total := int64(0)
		for _, obj := range objects {
			if !strings.Contains(obj.Key, snap.ID) {
				continue
			}
			keys = append(keys, obj.Key)
			total += obj.Size
		}

		state := snap.Tags[o.conf.Tag]
		if state == "" {
			state = "-"
		}
		size := "-"
		if total > 0 {
			size = humanize.IBytes(uint64(total))
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", snap.ID, state, len(keys), size)
	}
	return w.Flush()
}

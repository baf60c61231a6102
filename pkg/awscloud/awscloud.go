// Package awscloud builds the AWS clients snap-to-s3 talks to and reads
// the identity of the instance it runs on.
package awscloud

import (
	"context"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"

	"github.com/davis166/snap-to-s3/pkg/cmdutil"
)

// Identity is who and where we are, from the instance metadata service.
type Identity struct {
	Region           string
	AvailabilityZone string
	InstanceID       string
	AccountID        string
}

// Clients bundles the AWS service clients used across the pipelines.
type Clients struct {
	EC2      *ec2.Client
	S3       *s3.Client
	Identity Identity
}

// New reads the instance identity document and builds region-pinned
// EC2 and S3 clients from the default credential chain.
func New(ctx context.Context) (*Clients, error) {
	base, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load AWS configuration")
	}

	doc, err := imds.NewFromConfig(base).GetInstanceIdentityDocument(ctx, &imds.GetInstanceIdentityDocumentInput{})
	if err != nil {
		return nil, &cmdutil.PreflightError{
			Msg: "instance metadata service unreachable (are we running on an instance?): " + err.Error(),
		}
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(doc.Region))
	if err != nil {
		return nil, errors.Wrap(err, "failed to load AWS configuration for region "+doc.Region)
	}

	return &Clients{
		EC2: ec2.NewFromConfig(cfg),
		S3:  s3.NewFromConfig(cfg),
		Identity: Identity{
			Region:           doc.Region,
			AvailabilityZone: doc.AvailabilityZone,
			InstanceID:       doc.InstanceID,
			AccountID:        doc.AccountID,
		},
	}, nil
}

// Snapshot is the slice of an EBS snapshot the pipelines care about.
type Snapshot struct {
	ID          string
	VolumeID    string
	SizeGiB     int64
	StartTime   time.Time
	Description string
	Tags        map[string]string
}

// SnapshotFromEC2 converts the SDK shape.
func SnapshotFromEC2(s ec2types.Snapshot) Snapshot {
	snap := Snapshot{
		Tags: TagsToMap(s.Tags),
	}
	if s.SnapshotId != nil {
		snap.ID = *s.SnapshotId
	}
	if s.VolumeId != nil {
		snap.VolumeID = *s.VolumeId
	}
	if s.VolumeSize != nil {
		snap.SizeGiB = int64(*s.VolumeSize)
	}
	if s.StartTime != nil {
		snap.StartTime = *s.StartTime
	}
	if s.Description != nil {
		snap.Description = *s.Description
	}
	return snap
}

// TagsToMap flattens SDK tags.
func TagsToMap(tags []ec2types.Tag) map[string]string {
	m := map[string]string{}
	for _, t := range tags {
		if t.Key == nil {
			continue
		}
		v := ""
		if t.Value != nil {
			v = *t.Value
		}
		m[*t.Key] = v
	}
	return m
}

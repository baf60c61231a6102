// Package coordinator implements the tag-based claim protocol that gives
// at-most-one worker per snapshot per state transition.
//
// The tagging API has no compare-and-swap, so a claim is: write the state
// tag plus a random nonce, wait out the eventual-consistency window, read
// everything back, and proceed only if both survived. The settle interval
// must exceed the tag consistency window; do not shorten it.
package coordinator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/davis166/snap-to-s3/pkg/awscloud"
)

// Snapshot lifecycle states carried in the claim tag's value.
const (
	StateMigrate    = "migrate"
	StateMigrating  = "migrating"
	StateMigrated   = "migrated"
	StateValidating = "validating"
	StateValidated  = "validated"

	// VolumeInProgress marks a temporary volume as ours.
	VolumeInProgress = "in-progress"
)

// settleInterval is how long tag writes are given to reach consistency
// before the claim is read back.
const settleInterval = 4 * time.Second

// ClaimLostError means another worker claimed the snapshot first.
type ClaimLostError struct {
	SnapshotID string
	State      string
}

func (e *ClaimLostError) Error() string {
	return fmt.Sprintf("snapshot %s already marked %s by another worker", e.SnapshotID, e.State)
}

// SnapshotsMissingError lists requested snapshot ids that describe did
// not return.
type SnapshotsMissingError struct {
	Missing []string
}

func (e *SnapshotsMissingError) Error() string {
	return "snapshots not found: " + strings.Join(e.Missing, ", ")
}

// EC2API is the slice of the EC2 client the coordinator consumes.
type EC2API interface {
	DescribeSnapshots(ctx context.Context, in *ec2.DescribeSnapshotsInput, opts ...func(*ec2.Options)) (*ec2.DescribeSnapshotsOutput, error)
	CreateTags(ctx context.Context, in *ec2.CreateTagsInput, opts ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
	DeleteTags(ctx context.Context, in *ec2.DeleteTagsInput, opts ...func(*ec2.Options)) (*ec2.DeleteTagsOutput, error)
}

// Coordinator claims snapshots and walks them through their state tags.
type Coordinator struct {
	api    EC2API
	tagKey string
	settle time.Duration
	log    logrus.FieldLogger
}

// New builds a coordinator around the user-chosen tag key.
func New(api EC2API, tagKey string, log logrus.FieldLogger) *Coordinator {
	return &Coordinator{
		api:    api,
		tagKey: tagKey,
		settle: settleInterval,
		log:    log,
	}
}

// TagKey returns the claim tag key.
func (c *Coordinator) TagKey() string {
	return c.tagKey
}

// NonceTagKey returns the tag key carrying the claim nonce.
func (c *Coordinator) NonceTagKey() string {
	return c.tagKey + "-id"
}

func newNonce() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "failed to generate claim nonce")
	}
	return hex.EncodeToString(b), nil
}

func (c *Coordinator) sleep(ctx context.Context) error {
	t := time.NewTimer(c.settle)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Coordinator) describeByIDs(ctx context.Context, ids []string) ([]awscloud.Snapshot, error) {
	out, err := c.api.DescribeSnapshots(ctx, &ec2.DescribeSnapshotsInput{
		SnapshotIds: ids,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to describe snapshots")
	}

	snaps := make([]awscloud.Snapshot, 0, len(out.Snapshots))
	for _, s := range out.Snapshots {
		snaps = append(snaps, awscloud.SnapshotFromEC2(s))
	}
	return snaps, nil
}

// ResolveSnapshots describes the requested ids and fails with the missing
// set when any are absent. Describe rejects the whole request when any id
// is unknown, so an InvalidSnapshot.NotFound falls back to per-id probes
// to name every missing snapshot.
func (c *Coordinator) ResolveSnapshots(ctx context.Context, ids []string) ([]awscloud.Snapshot, error) {
	snaps, err := c.describeByIDs(ctx, ids)
	if err != nil {
		var apiErr smithy.APIError
		if !errors.As(err, &apiErr) || apiErr.ErrorCode() != "InvalidSnapshot.NotFound" {
			return nil, err
		}
		snaps = nil
		for _, id := range ids {
			found, err := c.describeByIDs(ctx, []string{id})
			if err != nil {
				if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidSnapshot.NotFound" {
					continue
				}
				return nil, err
			}
			snaps = append(snaps, found...)
		}
	}

	seen := map[string]bool{}
	for _, s := range snaps {
		seen[s.ID] = true
	}

	missing := []string{}
	for _, id := range ids {
		if !seen[id] {
			missing = append(missing, id)
		}
	}
	if len(missing) != 0 {
		return nil, &SnapshotsMissingError{Missing: missing}
	}

	// keep the caller's order
	byID := map[string]awscloud.Snapshot{}
	for _, s := range snaps {
		byID[s.ID] = s
	}
	ordered := make([]awscloud.Snapshot, 0, len(ids))
	for _, id := range ids {
		ordered = append(ordered, byID[id])
	}
	return ordered, nil
}

// EligibleSnapshots lists snapshots in our account whose claim tag equals
// state, oldest first.
func (c *Coordinator) EligibleSnapshots(ctx context.Context, accountID, state string) ([]awscloud.Snapshot, error) {
	out, err := c.api.DescribeSnapshots(ctx, &ec2.DescribeSnapshotsInput{
		OwnerIds: []string{accountID},
		Filters: []ec2types.Filter{
			{Name: aws.String("tag:" + c.tagKey), Values: []string{state}},
		},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list snapshots tagged %s=%s", c.tagKey, state)
	}

	snaps := make([]awscloud.Snapshot, 0, len(out.Snapshots))
	for _, s := range out.Snapshots {
		snaps = append(snaps, awscloud.SnapshotFromEC2(s))
	}
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].StartTime.Before(snaps[j].StartTime)
	})
	return snaps, nil
}

// TaggedSnapshots lists every snapshot in our account carrying the claim
// tag key, whatever its value, oldest first.
func (c *Coordinator) TaggedSnapshots(ctx context.Context, accountID string) ([]awscloud.Snapshot, error) {
	out, err := c.api.DescribeSnapshots(ctx, &ec2.DescribeSnapshotsInput{
		OwnerIds: []string{accountID},
		Filters: []ec2types.Filter{
			{Name: aws.String("tag-key"), Values: []string{c.tagKey}},
		},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list snapshots tagged %s", c.tagKey)
	}

	snaps := make([]awscloud.Snapshot, 0, len(out.Snapshots))
	for _, s := range out.Snapshots {
		snaps = append(snaps, awscloud.SnapshotFromEC2(s))
	}
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].StartTime.Before(snaps[j].StartTime)
	})
	return snaps, nil
}

// Claim transitions a snapshot's state tag to newState under mutual
// exclusion. A *ClaimLostError means another worker got there first and
// the snapshot should be skipped.
func (c *Coordinator) Claim(ctx context.Context, snapshotID, newState string) error {
	nonce, err := newNonce()
	if err != nil {
		return err
	}

	log := c.log.WithField("snapshot", snapshotID).WithField("state", newState)
	log.WithField("nonce", nonce).Debug("claiming snapshot")

	_, err = c.api.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{snapshotID},
		Tags: []ec2types.Tag{
			{Key: aws.String(c.tagKey), Value: aws.String(newState)},
			{Key: aws.String(c.NonceTagKey()), Value: aws.String(nonce)},
		},
	})
	if err != nil {
		return errors.Wrapf(err, "failed to tag snapshot %s", snapshotID)
	}

	// let every contender's write land before trusting the read-back
	if err := c.sleep(ctx); err != nil {
		return err
	}

	snaps, err := c.describeByIDs(ctx, []string{snapshotID})
	if err != nil {
		return err
	}
	if len(snaps) != 1 {
		return errors.Errorf("snapshot %s disappeared during claim", snapshotID)
	}

	tags := snaps[0].Tags
	if tags[c.tagKey] != newState || tags[c.NonceTagKey()] != nonce {
		return &ClaimLostError{SnapshotID: snapshotID, State: newState}
	}

	log.Debug("claim won")
	return nil
}

// Release writes the terminal state and removes the nonce after the work
// succeeded.
func (c *Coordinator) Release(ctx context.Context, snapshotID, terminalState string) error {
	if err := c.writeState(ctx, snapshotID, terminalState); err != nil {
		return err
	}
	c.log.WithField("snapshot", snapshotID).WithField("state", terminalState).Info("snapshot state updated")
	return nil
}

// Recover writes the failure recovery state and removes the nonce.
func (c *Coordinator) Recover(ctx context.Context, snapshotID, recoveryState string) error {
	if err := c.writeState(ctx, snapshotID, recoveryState); err != nil {
		return err
	}
	c.log.WithField("snapshot", snapshotID).WithField("state", recoveryState).Warn("snapshot state rolled back")
	return nil
}

func (c *Coordinator) writeState(ctx context.Context, snapshotID, state string) error {
	_, err := c.api.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{snapshotID},
		Tags:      []ec2types.Tag{{Key: aws.String(c.tagKey), Value: aws.String(state)}},
	})
	if err != nil {
		return errors.Wrapf(err, "failed to tag snapshot %s %s=%s", snapshotID, c.tagKey, state)
	}

	_, err = c.api.DeleteTags(ctx, &ec2.DeleteTagsInput{
		Resources: []string{snapshotID},
		Tags:      []ec2types.Tag{{Key: aws.String(c.NonceTagKey())}},
	})
	return errors.Wrapf(err, "failed to remove claim nonce from snapshot %s", snapshotID)
}

// RecoveryState maps a snapshot's pre-claim tag value to the state a
// failed validation rolls back to. A failed validation just proved
// "validated" wrong, so both validation states collapse to migrated.
func RecoveryState(preClaim string) string {
	switch preClaim {
	case StateValidated, StateValidating:
		return StateMigrated
	default:
		return preClaim
	}
}

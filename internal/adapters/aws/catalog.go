package aws

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"go.uber.org/zap"

	"github.com/melih/mlflow-ami/internal/core/domain"
)

// Catalog implements ports.ImageCatalog and ports.SourceLocator with
// DescribeImages.
type Catalog struct {
	Client ec2iface.EC2API
	log    *zap.Logger
}

func NewCatalog(client ec2iface.EC2API, log *zap.Logger) *Catalog {
	return &Catalog{Client: client, log: log}
}

func describeImagesRequest(f domain.ImageFilter) *ec2.DescribeImagesInput {
	input := &ec2.DescribeImagesInput{
		Filters: []*ec2.Filter{
			{Name: aws.String("state"), Values: []*string{aws.String(ec2.ImageStateAvailable)}},
		},
	}
	if len(f.Owners) > 0 {
		input.Owners = aws.StringSlice(f.Owners)
	}
	if f.NamePattern != "" {
		input.Filters = append(input.Filters, &ec2.Filter{Name: aws.String("name"), Values: []*string{aws.String(f.NamePattern)}})
	}
	if f.VirtualizationType != "" {
		input.Filters = append(input.Filters, &ec2.Filter{Name: aws.String("virtualization-type"), Values: []*string{aws.String(f.VirtualizationType)}})
	}
	if f.RootDeviceType != "" {
		input.Filters = append(input.Filters, &ec2.Filter{Name: aws.String("root-device-type"), Values: []*string{aws.String(f.RootDeviceType)}})
	}
	return input
}

// ListImages returns the available images matching f.
func (c *Catalog) ListImages(ctx context.Context, f domain.ImageFilter) ([]domain.MachineImage, error) {
	out, err := c.Client.DescribeImagesWithContext(ctx, describeImagesRequest(f))
	if err != nil {
		return nil, fmt.Errorf("failed to describe images: %w", err)
	}

	// Owners are resolved server side ("self" included); everything else is
	// checked again so a loose API match never slips through.
	local := f
	local.Owners = nil

	images := make([]domain.MachineImage, 0, len(out.Images))
	for _, img := range out.Images {
		m := toMachineImage(img)
		if local.Matches(m, "") {
			images = append(images, m)
		}
	}
	return images, nil
}

// LocateSources implements ports.SourceLocator.
func (c *Catalog) LocateSources(ctx context.Context, f domain.ImageFilter) ([]domain.MachineImage, error) {
	return c.ListImages(ctx, f)
}

// DeregisterImage removes img and then deletes the EBS snapshots behind it.
func (c *Catalog) DeregisterImage(ctx context.Context, img domain.MachineImage) error {
	if _, err := c.Client.DeregisterImageWithContext(ctx, &ec2.DeregisterImageInput{ImageId: aws.String(img.ID)}); err != nil {
		return fmt.Errorf("failed to deregister %s: %w", img.ID, err)
	}
	for _, snap := range img.SnapshotIDs {
		if _, err := c.Client.DeleteSnapshotWithContext(ctx, &ec2.DeleteSnapshotInput{SnapshotId: aws.String(snap)}); err != nil {
			return fmt.Errorf("failed to delete snapshot %s of %s: %w", snap, img.ID, err)
		}
		c.log.Debug("snapshot deleted", zap.String("image_id", img.ID), zap.String("snapshot_id", snap))
	}
	return nil
}

func toMachineImage(img *ec2.Image) domain.MachineImage {
	m := domain.MachineImage{
		ID:                 aws.StringValue(img.ImageId),
		Name:               aws.StringValue(img.Name),
		OwnerID:            aws.StringValue(img.OwnerId),
		VirtualizationType: aws.StringValue(img.VirtualizationType),
		RootDeviceType:     aws.StringValue(img.RootDeviceType),
		Public:             aws.BoolValue(img.Public),
		State:              aws.StringValue(img.State),
	}
	if created, err := time.Parse(time.RFC3339, aws.StringValue(img.CreationDate)); err == nil {
		m.CreatedAt = created.UTC()
	}
	for _, bdm := range img.BlockDeviceMappings {
		if bdm.Ebs != nil && bdm.Ebs.SnapshotId != nil {
			m.SnapshotIDs = append(m.SnapshotIDs, *bdm.Ebs.SnapshotId)
		}
	}
	if len(img.Tags) > 0 {
		m.Tags = make(map[string]string, len(img.Tags))
		for _, t := range img.Tags {
			m.Tags[aws.StringValue(t.Key)] = aws.StringValue(t.Value)
		}
	}
	return m
}

// toTags converts a map into EC2 tags. Keys are sorted to provide
// predictable tag order, which is particularly useful for tests.
func toTags(m map[string]string) []*ec2.Tag {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tags := make([]*ec2.Tag, 0, len(keys))
	for _, k := range keys {
		tags = append(tags, &ec2.Tag{Key: aws.String(k), Value: aws.String(m[k])})
	}
	return tags
}

package aws

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"go.uber.org/zap"

	"github.com/melih/mlflow-ami/internal/core/domain"
)

// BuilderTag marks build instances so stray ones can be found.
const BuilderTag = "mlflow-ami-builder"

// BuilderOptions configures the temporary build instance.
type BuilderOptions struct {
	InstanceType     string        `mapstructure:"instance_type"`
	SubnetID         string        `mapstructure:"subnet_id"`
	KeyName          string        `mapstructure:"key_name"`
	SecurityGroupIDs []string      `mapstructure:"security_group_ids"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

// Builder implements ports.ImageBuilder on EC2. The provisioning script runs
// as first-boot user data on an instance of the source image; the instance
// powers itself off when done and its console output tells how it went.
type Builder struct {
	Client ec2iface.EC2API
	opts   BuilderOptions
	log    *zap.Logger
}

func NewBuilder(client ec2iface.EC2API, opts BuilderOptions, log *zap.Logger) *Builder {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 15 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Hour
	}
	return &Builder{Client: client, opts: opts, log: log}
}

func (b *Builder) waiterOptions() []request.WaiterOption {
	attempts := int(b.opts.Timeout / b.opts.PollInterval)
	if attempts < 1 {
		attempts = 1
	}
	return []request.WaiterOption{
		request.WithWaiterDelay(request.ConstantWaiterDelay(b.opts.PollInterval)),
		request.WithWaiterMaxAttempts(attempts),
	}
}

// Provision launches the build instance and waits for the script to finish.
func (b *Builder) Provision(ctx context.Context, source domain.MachineImage, script string) (domain.BuildHost, error) {
	userData, err := BuildUserData(script)
	if err != nil {
		return domain.BuildHost{}, err
	}

	input := &ec2.RunInstancesInput{
		ImageId:                           aws.String(source.ID),
		InstanceType:                      aws.String(b.opts.InstanceType),
		MinCount:                          aws.Int64(1),
		MaxCount:                          aws.Int64(1),
		UserData:                          aws.String(encodeUserData(userData)),
		InstanceInitiatedShutdownBehavior: aws.String(ec2.ShutdownBehaviorStop),
		TagSpecifications: []*ec2.TagSpecification{{
			ResourceType: aws.String(ec2.ResourceTypeInstance),
			Tags: toTags(map[string]string{
				"Name":     "mlflow-ami build",
				BuilderTag: source.ID,
			}),
		}},
	}
	if b.opts.SubnetID != "" {
		input.SubnetId = aws.String(b.opts.SubnetID)
	}
	if b.opts.KeyName != "" {
		input.KeyName = aws.String(b.opts.KeyName)
	}
	if len(b.opts.SecurityGroupIDs) > 0 {
		input.SecurityGroupIds = aws.StringSlice(b.opts.SecurityGroupIDs)
	}

	reservation, err := b.Client.RunInstancesWithContext(ctx, input)
	if err != nil {
		return domain.BuildHost{}, fmt.Errorf("failed to launch build instance: %w", err)
	}
	if reservation == nil || len(reservation.Instances) != 1 {
		return domain.BuildHost{}, fmt.Errorf("unexpected RunInstances response")
	}
	host := domain.BuildHost{ID: aws.StringValue(reservation.Instances[0].InstanceId), SourceID: source.ID}
	b.log.Info("build instance launched", zap.String("instance_id", host.ID), zap.String("source_id", source.ID))

	err = b.Client.WaitUntilInstanceStoppedWithContext(ctx,
		&ec2.DescribeInstancesInput{InstanceIds: []*string{aws.String(host.ID)}},
		b.waiterOptions()...)
	if err != nil {
		return host, fmt.Errorf("build instance %s did not stop: %w", host.ID, err)
	}

	if err := b.checkConsole(ctx, host.ID); err != nil {
		return host, err
	}
	return host, nil
}

// checkConsole polls the console output until one of the markers shows up.
// Console output lags behind the instance state by a few minutes.
func (b *Builder) checkConsole(ctx context.Context, id string) error {
	deadline := time.Now().Add(b.opts.Timeout)
	for {
		out, err := b.Client.GetConsoleOutputWithContext(ctx, &ec2.GetConsoleOutputInput{
			InstanceId: aws.String(id),
			Latest:     aws.Bool(true),
		})
		if err != nil {
			return fmt.Errorf("failed to read console of %s: %w", id, err)
		}

		raw, err := base64.StdEncoding.DecodeString(aws.StringValue(out.Output))
		if err != nil {
			return fmt.Errorf("failed to decode console of %s: %w", id, err)
		}
		console := string(raw)
		switch {
		case strings.Contains(console, ProvisionFailedMarker):
			return fmt.Errorf("%w on %s: %s", domain.ErrProvisionFailed, id, tail(console, 20))
		case strings.Contains(console, ProvisionOKMarker):
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%w on %s: no completion marker in console output", domain.ErrProvisionFailed, id)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.opts.PollInterval):
		}
	}
}

// Capture registers the stopped build instance as an image and shares it.
func (b *Builder) Capture(ctx context.Context, host domain.BuildHost, spec domain.ImageSpec) (domain.MachineImage, error) {
	created, err := b.Client.CreateImageWithContext(ctx, &ec2.CreateImageInput{
		InstanceId:  aws.String(host.ID),
		Name:        aws.String(spec.Name),
		Description: aws.String(spec.Description),
	})
	if err != nil {
		return domain.MachineImage{}, fmt.Errorf("failed to create image from %s: %w", host.ID, err)
	}
	imageID := aws.StringValue(created.ImageId)
	b.log.Info("image registered, waiting until available", zap.String("image_id", imageID))

	describe := &ec2.DescribeImagesInput{ImageIds: []*string{aws.String(imageID)}}
	if err := b.Client.WaitUntilImageAvailableWithContext(ctx, describe, b.waiterOptions()...); err != nil {
		return domain.MachineImage{}, fmt.Errorf("image %s did not become available: %w", imageID, err)
	}

	if len(spec.Groups) > 0 {
		perms := make([]*ec2.LaunchPermission, 0, len(spec.Groups))
		for _, g := range spec.Groups {
			perms = append(perms, &ec2.LaunchPermission{Group: aws.String(g)})
		}
		_, err := b.Client.ModifyImageAttributeWithContext(ctx, &ec2.ModifyImageAttributeInput{
			ImageId:          aws.String(imageID),
			LaunchPermission: &ec2.LaunchPermissionModifications{Add: perms},
		})
		if err != nil {
			return domain.MachineImage{}, fmt.Errorf("failed to share image %s: %w", imageID, err)
		}
	}

	if len(spec.Tags) > 0 {
		_, err := b.Client.CreateTagsWithContext(ctx, &ec2.CreateTagsInput{
			Resources: []*string{aws.String(imageID)},
			Tags:      toTags(spec.Tags),
		})
		if err != nil {
			return domain.MachineImage{}, fmt.Errorf("failed to tag image %s: %w", imageID, err)
		}
	}

	out, err := b.Client.DescribeImagesWithContext(ctx, describe)
	if err != nil {
		return domain.MachineImage{}, fmt.Errorf("failed to describe image %s: %w", imageID, err)
	}
	if len(out.Images) != 1 {
		return domain.MachineImage{}, fmt.Errorf("image %s: %w", imageID, domain.ErrNotFound)
	}
	return toMachineImage(out.Images[0]), nil
}

// Cleanup terminates the build instance.
func (b *Builder) Cleanup(ctx context.Context, host domain.BuildHost) error {
	_, err := b.Client.TerminateInstancesWithContext(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []*string{aws.String(host.ID)},
	})
	if err != nil {
		return fmt.Errorf("failed to terminate build instance %s: %w", host.ID, err)
	}
	b.log.Info("build instance terminated", zap.String("instance_id", host.ID))
	return nil
}

func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

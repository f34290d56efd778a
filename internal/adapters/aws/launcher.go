package aws

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"go.uber.org/zap"

	"github.com/melih/mlflow-ami/internal/core/domain"
)

// Launcher implements ports.InstanceLauncher on EC2.
type Launcher struct {
	Client ec2iface.EC2API
	log    *zap.Logger
}

func NewLauncher(client ec2iface.EC2API, log *zap.Logger) *Launcher {
	return &Launcher{Client: client, log: log}
}

func runInstancesRequest(img domain.MachineImage, spec domain.LaunchSpec) *ec2.RunInstancesInput {
	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(img.ID),
		InstanceType: aws.String(spec.InstanceType),
		MinCount:     aws.Int64(1),
		MaxCount:     aws.Int64(1),
		UserData:     aws.String(encodeUserData(StartupUserData(spec.StartupCommand))),
		TagSpecifications: []*ec2.TagSpecification{{
			ResourceType: aws.String(ec2.ResourceTypeInstance),
			Tags:         toTags(map[string]string{"Name": spec.Name}),
		}},
	}
	if len(spec.SecurityGroupIDs) > 0 {
		input.SecurityGroupIds = aws.StringSlice(spec.SecurityGroupIDs)
	}
	if spec.KeyName != "" {
		input.KeyName = aws.String(spec.KeyName)
	}
	if spec.SubnetID != "" {
		input.SubnetId = aws.String(spec.SubnetID)
	}
	return input
}

// LaunchInstance starts exactly one instance of img.
func (l *Launcher) LaunchInstance(ctx context.Context, img domain.MachineImage, spec domain.LaunchSpec) (domain.Instance, error) {
	reservation, err := l.Client.RunInstancesWithContext(ctx, runInstancesRequest(img, spec))
	if err != nil {
		return domain.Instance{}, err
	}
	if reservation == nil || len(reservation.Instances) != 1 {
		return domain.Instance{}, fmt.Errorf("unexpected RunInstances response")
	}

	inst := toInstance(reservation.Instances[0])
	inst.StartupCommand = spec.StartupCommand
	if inst.Name == "" {
		inst.Name = spec.Name
	}
	return inst, nil
}

func describeByNameRequest(name string, nextToken *string) *ec2.DescribeInstancesInput {
	return &ec2.DescribeInstancesInput{
		NextToken: nextToken,
		Filters: []*ec2.Filter{
			{
				Name:   aws.String("tag:Name"),
				Values: []*string{aws.String(name)},
			},
			{
				Name: aws.String("instance-state-name"),
				Values: aws.StringSlice([]string{
					ec2.InstanceStateNamePending,
					ec2.InstanceStateNameRunning,
					ec2.InstanceStateNameStopping,
					ec2.InstanceStateNameStopped,
				}),
			},
		},
	}
}

// ListInstances returns the live instances tagged with name, following
// every result page.
func (l *Launcher) ListInstances(ctx context.Context, name string) ([]domain.Instance, error) {
	var (
		out       []domain.Instance
		nextToken *string
	)
	for {
		result, err := l.Client.DescribeInstancesWithContext(ctx, describeByNameRequest(name, nextToken))
		if err != nil {
			return nil, err
		}
		for _, reservation := range result.Reservations {
			for _, inst := range reservation.Instances {
				out = append(out, toInstance(inst))
			}
		}
		if result.NextToken == nil || *result.NextToken == "" {
			return out, nil
		}
		nextToken = result.NextToken
	}
}

// TerminateInstance terminates id.
func (l *Launcher) TerminateInstance(ctx context.Context, id string) error {
	result, err := l.Client.TerminateInstancesWithContext(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []*string{aws.String(id)},
	})
	if err != nil {
		var awsErr awserr.Error
		if errors.As(err, &awsErr) && (awsErr.Code() == "InvalidInstanceID.NotFound" || awsErr.Code() == "InvalidInstanceID.Malformed") {
			return domain.ErrInstanceNotFound
		}
		return err
	}
	if len(result.TerminatingInstances) != 1 {
		// There was no match for the instance ID.
		return domain.ErrInstanceNotFound
	}
	return nil
}

// InstanceOutput returns the most recent console output of id.
func (l *Launcher) InstanceOutput(ctx context.Context, id string) (string, error) {
	out, err := l.Client.GetConsoleOutputWithContext(ctx, &ec2.GetConsoleOutputInput{
		InstanceId: aws.String(id),
		Latest:     aws.Bool(true),
	})
	if err != nil {
		var awsErr awserr.Error
		if errors.As(err, &awsErr) && awsErr.Code() == "InvalidInstanceID.NotFound" {
			return "", domain.ErrInstanceNotFound
		}
		return "", err
	}
	raw, err := base64.StdEncoding.DecodeString(aws.StringValue(out.Output))
	if err != nil {
		return "", fmt.Errorf("failed to decode console of %s: %w", id, err)
	}
	return string(raw), nil
}

func toInstance(i *ec2.Instance) domain.Instance {
	inst := domain.Instance{
		ID:             aws.StringValue(i.InstanceId),
		ImageID:        aws.StringValue(i.ImageId),
		InstanceType:   aws.StringValue(i.InstanceType),
		PublicAddress:  aws.StringValue(i.PublicIpAddress),
		PrivateAddress: aws.StringValue(i.PrivateIpAddress),
		LaunchedAt:     aws.TimeValue(i.LaunchTime),
	}
	if i.State != nil {
		inst.State = aws.StringValue(i.State.Name)
	}
	for _, t := range i.Tags {
		if aws.StringValue(t.Key) == "Name" {
			inst.Name = aws.StringValue(t.Value)
		}
	}
	for _, g := range i.SecurityGroups {
		inst.SecurityGroups = append(inst.SecurityGroups, aws.StringValue(g.GroupId))
	}
	return inst
}

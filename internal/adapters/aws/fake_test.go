package aws

import (
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
)

// fakeEC2 implements the slice of the EC2 API the adapters use. Calls to
// anything else panic through the nil embedded interface.
type fakeEC2 struct {
	ec2iface.EC2API

	mu sync.Mutex

	images       []*ec2.Image
	describeIn   []*ec2.DescribeImagesInput
	deregistered []string
	deleted      []string

	runIn       []*ec2.RunInstancesInput
	runErr      error
	nextID      int
	console     string
	terminated  []string
	terminateFn func(*ec2.TerminateInstancesInput) (*ec2.TerminateInstancesOutput, error)

	created  []*ec2.CreateImageInput
	modified []*ec2.ModifyImageAttributeInput
	tagged   []*ec2.CreateTagsInput

	pages [][]*ec2.Reservation
}

func (f *fakeEC2) DescribeImagesWithContext(ctx aws.Context, in *ec2.DescribeImagesInput, _ ...request.Option) (*ec2.DescribeImagesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.describeIn = append(f.describeIn, in)
	if len(in.ImageIds) > 0 {
		var out []*ec2.Image
		for _, img := range f.images {
			for _, id := range in.ImageIds {
				if aws.StringValue(img.ImageId) == aws.StringValue(id) {
					out = append(out, img)
				}
			}
		}
		return &ec2.DescribeImagesOutput{Images: out}, nil
	}
	return &ec2.DescribeImagesOutput{Images: f.images}, nil
}

func (f *fakeEC2) DeregisterImageWithContext(ctx aws.Context, in *ec2.DeregisterImageInput, _ ...request.Option) (*ec2.DeregisterImageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deregistered = append(f.deregistered, aws.StringValue(in.ImageId))
	return &ec2.DeregisterImageOutput{}, nil
}

func (f *fakeEC2) DeleteSnapshotWithContext(ctx aws.Context, in *ec2.DeleteSnapshotInput, _ ...request.Option) (*ec2.DeleteSnapshotOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.StringValue(in.SnapshotId))
	return &ec2.DeleteSnapshotOutput{}, nil
}

func (f *fakeEC2) RunInstancesWithContext(ctx aws.Context, in *ec2.RunInstancesInput, _ ...request.Option) (*ec2.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runIn = append(f.runIn, in)
	if f.runErr != nil {
		return nil, f.runErr
	}
	f.nextID++
	id := fmt.Sprintf("i-%04d", f.nextID)
	return &ec2.Reservation{Instances: []*ec2.Instance{{
		InstanceId:   aws.String(id),
		ImageId:      in.ImageId,
		InstanceType: in.InstanceType,
		State:        &ec2.InstanceState{Name: aws.String(ec2.InstanceStateNamePending)},
	}}}, nil
}

func (f *fakeEC2) WaitUntilInstanceStoppedWithContext(ctx aws.Context, in *ec2.DescribeInstancesInput, _ ...request.WaiterOption) error {
	return nil
}

func (f *fakeEC2) GetConsoleOutputWithContext(ctx aws.Context, in *ec2.GetConsoleOutputInput, _ ...request.Option) (*ec2.GetConsoleOutputOutput, error) {
	return &ec2.GetConsoleOutputOutput{
		InstanceId: in.InstanceId,
		Output:     aws.String(base64.StdEncoding.EncodeToString([]byte(f.console))),
	}, nil
}

func (f *fakeEC2) CreateImageWithContext(ctx aws.Context, in *ec2.CreateImageInput, _ ...request.Option) (*ec2.CreateImageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, in)
	id := fmt.Sprintf("ami-%04d", len(f.created))
	f.images = append(f.images, &ec2.Image{
		ImageId:            aws.String(id),
		Name:               in.Name,
		OwnerId:            aws.String("899075777617"),
		VirtualizationType: aws.String("hvm"),
		RootDeviceType:     aws.String("ebs"),
		CreationDate:       aws.String("2019-11-24T10:20:30.000Z"),
		State:              aws.String(ec2.ImageStateAvailable),
		BlockDeviceMappings: []*ec2.BlockDeviceMapping{
			{DeviceName: aws.String("/dev/sda1"), Ebs: &ec2.EbsBlockDevice{SnapshotId: aws.String("snap-" + id)}},
		},
	})
	return &ec2.CreateImageOutput{ImageId: aws.String(id)}, nil
}

func (f *fakeEC2) WaitUntilImageAvailableWithContext(ctx aws.Context, in *ec2.DescribeImagesInput, _ ...request.WaiterOption) error {
	return nil
}

func (f *fakeEC2) ModifyImageAttributeWithContext(ctx aws.Context, in *ec2.ModifyImageAttributeInput, _ ...request.Option) (*ec2.ModifyImageAttributeOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modified = append(f.modified, in)
	return &ec2.ModifyImageAttributeOutput{}, nil
}

func (f *fakeEC2) CreateTagsWithContext(ctx aws.Context, in *ec2.CreateTagsInput, _ ...request.Option) (*ec2.CreateTagsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tagged = append(f.tagged, in)
	return &ec2.CreateTagsOutput{}, nil
}

func (f *fakeEC2) TerminateInstancesWithContext(ctx aws.Context, in *ec2.TerminateInstancesInput, _ ...request.Option) (*ec2.TerminateInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.terminateFn != nil {
		return f.terminateFn(in)
	}
	f.terminated = append(f.terminated, aws.StringValue(in.InstanceIds[0]))
	return &ec2.TerminateInstancesOutput{
		TerminatingInstances: []*ec2.InstanceStateChange{{InstanceId: in.InstanceIds[0]}},
	}, nil
}

func (f *fakeEC2) DescribeInstancesWithContext(ctx aws.Context, in *ec2.DescribeInstancesInput, _ ...request.Option) (*ec2.DescribeInstancesOutput, error) {
	page := 0
	if in.NextToken != nil {
		fmt.Sscanf(*in.NextToken, "page-%d", &page)
	}
	out := &ec2.DescribeInstancesOutput{Reservations: f.pages[page]}
	if page+1 < len(f.pages) {
		out.NextToken = aws.String(fmt.Sprintf("page-%d", page+1))
	}
	return out, nil
}

package domain

import "time"

// Instance states reported by backends.
const (
	InstancePending    = "pending"
	InstanceRunning    = "running"
	InstanceStopped    = "stopped"
	InstanceTerminated = "terminated"
)

// Instance represents a compute instance launched from a MachineImage.
// The image is bound at launch time; later rebuilds do not touch it.
type Instance struct {
	ID             string    `json:"id"`
	ImageID        string    `json:"image_id"`
	InstanceType   string    `json:"instance_type"`
	Name           string    `json:"name"`
	StartupCommand string    `json:"startup_command,omitempty"`
	State          string    `json:"state"`
	PublicAddress  string    `json:"public_address,omitempty"`
	PrivateAddress string    `json:"private_address,omitempty"`
	SecurityGroups []string  `json:"security_groups,omitempty"`
	LaunchedAt     time.Time `json:"launched_at"`
}

// LaunchSpec is what a launcher needs to start one instance.
type LaunchSpec struct {
	InstanceType     string
	Name             string
	StartupCommand   string
	ServicePort      int
	SecurityGroupIDs []string
	KeyName          string
	SubnetID         string
}

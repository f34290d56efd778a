// Package config loads mlflow-ami settings from defaults, an optional YAML
// file and MLFLOW_AMI_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/melih/mlflow-ami/internal/adapters/aws"
	"github.com/melih/mlflow-ami/internal/adapters/docker"
	"github.com/melih/mlflow-ami/internal/core/domain"
	"github.com/melih/mlflow-ami/internal/core/service"
	"github.com/melih/mlflow-ami/internal/provision"
)

const (
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "MLFLOW_AMI"
	// FileName is the config file looked up in the working directory.
	FileName = "mlflow-ami"
)

// Backends.
const (
	BackendAWS    = "aws"
	BackendDocker = "docker"
)

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type BuildConfig struct {
	ImageName       string             `mapstructure:"image_name"`
	Description     string             `mapstructure:"description"`
	ForceDeregister bool               `mapstructure:"force_deregister"`
	Groups          []string           `mapstructure:"groups"`
	Tags            map[string]string  `mapstructure:"tags"`
	Source          domain.ImageFilter `mapstructure:"source"`
	Instance        aws.BuilderOptions `mapstructure:"instance"`
}

type ProvisionConfig struct {
	provision.Options  `mapstructure:",squash"`
	service.ScriptRepo `mapstructure:",squash"`
}

type DeployConfig struct {
	Image            domain.ImageFilter `mapstructure:"image"`
	InstanceType     string             `mapstructure:"instance_type"`
	Name             string             `mapstructure:"name"`
	StartupCommand   string             `mapstructure:"startup_command"`
	ServicePort      int                `mapstructure:"service_port"`
	SecurityGroupIDs []string           `mapstructure:"security_group_ids"`
	KeyName          string             `mapstructure:"key_name"`
	SubnetID         string             `mapstructure:"subnet_id"`
}

type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type StoreConfig struct {
	Path     string `mapstructure:"path"`
	InMemory bool   `mapstructure:"in_memory"`
}

type NATSConfig struct {
	URL string `mapstructure:"url"`
}

type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Config is the full application configuration.
type Config struct {
	Backend   string          `mapstructure:"backend"`
	Region    string          `mapstructure:"region"`
	Log       LogConfig       `mapstructure:"log"`
	AWS       aws.Options     `mapstructure:"aws"`
	Docker    docker.Options  `mapstructure:"docker"`
	Build     BuildConfig     `mapstructure:"build"`
	Provision ProvisionConfig `mapstructure:"provision"`
	Deploy    DeployConfig    `mapstructure:"deploy"`
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

func setDefaults(v *viper.Viper) {
	prov := provision.DefaultOptions()

	v.SetDefault("backend", BackendAWS)
	v.SetDefault("region", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("aws.max_retries", 3)
	v.SetDefault("aws.access_key_id", "")
	v.SetDefault("aws.secret_access_key", "")
	v.SetDefault("aws.session_token", "")
	v.SetDefault("aws.profile", "")

	v.SetDefault("docker.host", "")
	v.SetDefault("docker.base_image", "ubuntu:20.04")
	v.SetDefault("docker.account_id", "899075777617")

	v.SetDefault("build.image_name", "jack20191124-mlflow")
	v.SetDefault("build.description", "MLflow tracking server on Ubuntu 20.04")
	v.SetDefault("build.force_deregister", true)
	v.SetDefault("build.groups", []string{domain.GroupAll})
	v.SetDefault("build.tags", map[string]string{})
	v.SetDefault("build.source.name_pattern", "ubuntu/images/*ubuntu-focal-20.04-amd64-server-*")
	v.SetDefault("build.source.owners", []string{"099720109477"})
	v.SetDefault("build.source.virtualization_type", "hvm")
	v.SetDefault("build.source.root_device_type", "ebs")
	v.SetDefault("build.source.most_recent", true)
	v.SetDefault("build.instance.instance_type", "t2.micro")
	v.SetDefault("build.instance.subnet_id", "")
	v.SetDefault("build.instance.key_name", "")
	v.SetDefault("build.instance.security_group_ids", []string{})
	v.SetDefault("build.instance.poll_interval", 15*time.Second)
	v.SetDefault("build.instance.timeout", time.Hour)

	v.SetDefault("provision.python_version", prov.PythonVersion)
	v.SetDefault("provision.package_repository", prov.PackageRepository)
	v.SetDefault("provision.application", prov.Application)
	v.SetDefault("provision.application_version", "")
	v.SetDefault("provision.pins", prov.Pins)
	v.SetDefault("provision.repo_url", "")
	v.SetDefault("provision.repo_ref", "")
	v.SetDefault("provision.script_path", "provision.sh")

	v.SetDefault("deploy.image.name_pattern", "jack20191124-mlflow")
	v.SetDefault("deploy.image.owners", []string{"899075777617"})
	v.SetDefault("deploy.image.virtualization_type", "hvm")
	v.SetDefault("deploy.image.root_device_type", "")
	v.SetDefault("deploy.image.most_recent", true)
	v.SetDefault("deploy.instance_type", "t2.micro")
	v.SetDefault("deploy.name", "MLflow UI & Tracking Server")
	v.SetDefault("deploy.startup_command", "mlflow server --host 0.0.0.0")
	v.SetDefault("deploy.service_port", 5000)
	v.SetDefault("deploy.security_group_ids", []string{})
	v.SetDefault("deploy.key_name", "")
	v.SetDefault("deploy.subnet_id", "")

	v.SetDefault("server.addr", ":3000")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 2*time.Hour)

	v.SetDefault("store.path", "mlflow-ami-data")
	v.SetDefault("store.in_memory", false)
	v.SetDefault("nats.url", "")
	v.SetDefault("tracing.enabled", false)
}

// Load reads the configuration. path names an explicit config file; when
// empty, ./mlflow-ami.yaml is used if present. flags, when given, override
// everything else for the keys they are bound to (see BindFlags).
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// flagKeys maps persistent CLI flags to config keys.
var flagKeys = map[string]string{
	"backend":   "backend",
	"region":    "region",
	"log-level": "log.level",
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Validate rejects settings the services cannot work with.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendAWS:
		if c.Region == "" && c.AWS.Region == "" {
			return errors.New("region is required for the aws backend (set region or MLFLOW_AMI_REGION)")
		}
	case BackendDocker:
		if c.Docker.BaseImage == "" {
			return errors.New("docker.base_image is required for the docker backend")
		}
	default:
		return fmt.Errorf("unknown backend %q (want %s or %s)", c.Backend, BackendAWS, BackendDocker)
	}

	if err := service.ValidateImageName(c.Build.ImageName); err != nil {
		return err
	}
	if c.Provision.URL == "" {
		if err := c.Provision.Options.Validate(); err != nil {
			return fmt.Errorf("invalid provision settings: %w", err)
		}
	}
	if c.Deploy.Image.NamePattern == "" {
		return errors.New("deploy.image.name_pattern is required")
	}
	if strings.TrimSpace(c.Deploy.StartupCommand) == "" {
		return errors.New("deploy.startup_command is required")
	}
	if c.Deploy.ServicePort <= 0 || c.Deploy.ServicePort > 65535 {
		return fmt.Errorf("deploy.service_port %d out of range", c.Deploy.ServicePort)
	}
	if c.Build.Instance.PollInterval <= 0 || c.Build.Instance.Timeout < c.Build.Instance.PollInterval {
		return errors.New("build.instance.timeout must be at least build.instance.poll_interval")
	}
	return nil
}

// AWSOptions returns the EC2 client settings, with the top level region
// taking precedence.
func (c *Config) AWSOptions() aws.Options {
	opts := c.AWS
	if c.Region != "" {
		opts.Region = c.Region
	}
	return opts
}

// BuildSpec converts the build settings for the build service.
func (c *Config) BuildSpec() service.BuildSpec {
	return service.BuildSpec{
		Region: c.AWSOptions().Region,
		Source: c.Build.Source,
		Image: domain.ImageSpec{
			Name:        c.Build.ImageName,
			Description: c.Build.Description,
			Groups:      c.Build.Groups,
			Tags:        c.Build.Tags,
		},
		ForceDeregister: c.Build.ForceDeregister,
		Provision:       c.Provision.Options,
		Repo:            c.Provision.ScriptRepo,
	}
}

// DeploySpec converts the deploy settings for the deploy service.
func (c *Config) DeploySpec() service.DeploySpec {
	return service.DeploySpec{
		Region: c.AWSOptions().Region,
		Image:  c.Deploy.Image,
		Launch: domain.LaunchSpec{
			InstanceType:     c.Deploy.InstanceType,
			Name:             c.Deploy.Name,
			StartupCommand:   c.Deploy.StartupCommand,
			ServicePort:      c.Deploy.ServicePort,
			SecurityGroupIDs: c.Deploy.SecurityGroupIDs,
			KeyName:          c.Deploy.KeyName,
			SubnetID:         c.Deploy.SubnetID,
		},
	}
}

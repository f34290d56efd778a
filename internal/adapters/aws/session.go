// Package aws implements the image and instance ports on Amazon EC2.
package aws

import (
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/credentials/ec2rolecreds"
	"github.com/aws/aws-sdk-go/aws/ec2metadata"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"go.uber.org/zap"
)

// Options configures API access.
type Options struct {
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token"`
	Profile         string `mapstructure:"profile"`
	MaxRetries      int    `mapstructure:"max_retries"`
}

// NewClient returns an EC2 client for opts.Region. Credentials come from,
// in order: the static keys in opts, the environment, the shared
// credentials file, and the EC2 instance role.
func NewClient(opts Options, log *zap.Logger) (ec2iface.EC2API, error) {
	if opts.Region == "" {
		return nil, errors.New("aws region required")
	}

	base, err := session.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create aws session: %w", err)
	}

	var providers []credentials.Provider
	if (opts.AccessKeyID != "" && opts.SecretAccessKey != "") || opts.SessionToken != "" {
		providers = append(providers, &credentials.StaticProvider{Value: credentials.Value{
			AccessKeyID:     opts.AccessKeyID,
			SecretAccessKey: opts.SecretAccessKey,
			SessionToken:    opts.SessionToken,
		}})
	}
	providers = append(providers,
		&credentials.EnvProvider{},
		&credentials.SharedCredentialsProvider{Profile: opts.Profile},
		&ec2rolecreds.EC2RoleProvider{Client: ec2metadata.New(base)},
	)

	sugar := log.Sugar()
	cfg := aws.NewConfig().
		WithRegion(opts.Region).
		WithCredentials(credentials.NewChainCredentials(providers)).
		WithMaxRetries(opts.MaxRetries).
		WithLogger(aws.LoggerFunc(func(args ...interface{}) { sugar.Debug(args...) }))

	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create aws session: %w", err)
	}
	return ec2.New(sess), nil
}

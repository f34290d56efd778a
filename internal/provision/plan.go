// Package provision builds the shell script that turns a stock Ubuntu 20.04
// image into an MLflow tracking server image.
package provision

import (
	"fmt"
	"regexp"
	"strings"
)

// PinCount is the number of auxiliary packages installed at exact versions
// to settle conflicts among the application's transitive dependencies.
const PinCount = 3

var (
	pythonVersionRe = regexp.MustCompile(`^[0-9]+\.[0-9]+$`)
	repositoryRe    = regexp.MustCompile(`^ppa:[a-z0-9.+-]+/[a-z0-9.+-]+$`)
	packageNameRe   = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*(\[[A-Za-z0-9,._-]+\])?$`)
	versionRe       = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9.+!_-]*$`)
)

// Options selects what the script installs.
type Options struct {
	PythonVersion      string   `mapstructure:"python_version"`
	PackageRepository  string   `mapstructure:"package_repository"`
	Application        string   `mapstructure:"application"`
	ApplicationVersion string   `mapstructure:"application_version"`
	Pins               []string `mapstructure:"pins"`
}

// DefaultOptions returns the stock MLflow image recipe.
func DefaultOptions() Options {
	return Options{
		PythonVersion:     "3.7",
		PackageRepository: "ppa:deadsnakes/ppa",
		Application:       "mlflow",
		Pins: []string{
			"protobuf==3.20.3",
			"SQLAlchemy==1.4.46",
			"alembic==1.8.1",
		},
	}
}

// Step is one named stage of the script.
type Step struct {
	Name     string
	Commands []string
}

// Plan is the ordered list of steps the script runs.
type Plan struct {
	Options Options
	Steps   []Step
}

// NewPlan validates opts and lays out the provisioning steps in order.
func NewPlan(opts Options) (*Plan, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	python := "python" + opts.PythonVersion
	app := opts.Application
	if opts.ApplicationVersion != "" {
		app += "==" + opts.ApplicationVersion
	}

	steps := []Step{
		{
			Name: "refresh and upgrade system packages",
			Commands: []string{
				"apt-get update -y",
				"apt-get upgrade -y",
			},
		},
		{
			Name: "add python package repository",
			Commands: []string{
				"apt-get install -y software-properties-common curl",
				"add-apt-repository -y " + opts.PackageRepository,
				"apt-get update -y",
			},
		},
		{
			Name: "install " + python,
			Commands: []string{
				fmt.Sprintf("apt-get install -y %s %s-dev %s-distutils", python, python, python),
			},
		},
		{
			Name: "install pip for " + python,
			Commands: []string{
				fmt.Sprintf("curl -sSfL https://bootstrap.pypa.io/pip/%s/get-pip.py -o /tmp/get-pip.py", opts.PythonVersion),
				python + " /tmp/get-pip.py",
				"rm -f /tmp/get-pip.py",
			},
		},
		{
			Name: "install " + opts.Application,
			Commands: []string{
				python + " -m pip install " + app,
			},
		},
		{
			Name: "pin conflicting dependencies",
			Commands: []string{
				python + " -m pip install " + strings.Join(opts.Pins, " "),
			},
		},
	}

	return &Plan{Options: opts, Steps: steps}, nil
}

// Validate checks every option that ends up on a command line.
func (o Options) Validate() error {
	if !pythonVersionRe.MatchString(o.PythonVersion) {
		return fmt.Errorf("invalid python version %q: want MAJOR.MINOR", o.PythonVersion)
	}
	if !repositoryRe.MatchString(o.PackageRepository) {
		return fmt.Errorf("invalid package repository %q: want ppa:owner/name", o.PackageRepository)
	}
	if !packageNameRe.MatchString(o.Application) {
		return fmt.Errorf("invalid application package %q", o.Application)
	}
	if o.ApplicationVersion != "" && !versionRe.MatchString(o.ApplicationVersion) {
		return fmt.Errorf("invalid application version %q", o.ApplicationVersion)
	}
	if len(o.Pins) != PinCount {
		return fmt.Errorf("expected %d pinned packages, got %d", PinCount, len(o.Pins))
	}
	seen := make(map[string]bool, len(o.Pins))
	for _, pin := range o.Pins {
		name, version, ok := strings.Cut(pin, "==")
		if !ok || !packageNameRe.MatchString(name) || !versionRe.MatchString(version) {
			return fmt.Errorf("invalid pin %q: want name==version", pin)
		}
		key := strings.ToLower(name)
		if seen[key] {
			return fmt.Errorf("package %q pinned twice", name)
		}
		seen[key] = true
	}
	return nil
}

// Package config holds the recognized bootstrap options, their defaults,
// and the optional YAML defaults file that can override the built-ins.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
	sigsyaml "sigs.k8s.io/yaml"

	"github.com/open-edge-platform/apt-bootstrap/internal/config/schema"
	"github.com/open-edge-platform/apt-bootstrap/internal/utils/logger"
)

// ErrConfig reports options that cannot describe a runnable bootstrap.
var ErrConfig = errors.New("invalid configuration")

const (
	// DefaultMirror is used when no mirror argument is given.
	DefaultMirror = "http://deb.debian.org/debian"

	// DefaultKeyring is consulted when no keyring flag is given; if the
	// file does not exist, fetches proceed unauthenticated.
	DefaultKeyring = "/usr/share/keyrings/debian-archive-keyring.gpg"

	// DefaultWorkers bounds concurrent archive downloads.
	DefaultWorkers = 4
)

// Options is the full recognized option set of one bootstrap.
type Options struct {
	Suite  string
	Target string
	Mirror string

	Arch       string
	Keyring    string
	Components []string
	Packages   []string

	Required   bool
	Important  bool
	Recommends bool

	DryRun  bool
	Verbose bool
	Debug   bool
	Workers int
}

// NewOptions returns the built-in defaults.
func NewOptions() *Options {
	return &Options{
		Mirror:     DefaultMirror,
		Components: []string{"main"},
		Required:   true,
		Important:  true,
		Recommends: true,
		Workers:    DefaultWorkers,
	}
}

// Finish fills derived defaults and validates. Architecture falls back to
// the host installer's first configured architecture, keyring to the
// well-known path when present.
func (o *Options) Finish() error {
	log := logger.Logger()

	if o.Suite == "" {
		return fmt.Errorf("suite is required: %w", ErrConfig)
	}
	if o.Target == "" {
		return fmt.Errorf("target is required: %w", ErrConfig)
	}
	if o.Mirror == "" {
		o.Mirror = DefaultMirror
	}
	if len(o.Components) == 0 {
		o.Components = []string{"main"}
	}
	if o.Workers < 1 {
		o.Workers = DefaultWorkers
	}

	if o.Arch == "" {
		o.Arch = HostArch()
		log.Debugf("architecture defaulted to %s", o.Arch)
	}

	if o.Keyring == "" {
		if _, err := os.Stat(DefaultKeyring); err == nil {
			o.Keyring = DefaultKeyring
		} else {
			log.Warnf("no keyring found at %s, archive signatures will not be checked", DefaultKeyring)
		}
	} else if _, err := os.Stat(o.Keyring); err != nil {
		return fmt.Errorf("keyring %s: %v: %w", o.Keyring, err, ErrConfig)
	}

	return nil
}

// HostArch asks the host's installer for its first configured architecture
// and falls back to a GOARCH mapping on hosts without one.
func HostArch() string {
	if out, err := exec.Command("dpkg", "--print-architecture").Output(); err == nil {
		if arch := strings.TrimSpace(string(out)); arch != "" {
			return arch
		}
	}
	switch runtime.GOARCH {
	case "amd64":
		return "amd64"
	case "arm64":
		return "arm64"
	case "arm":
		return "armhf"
	case "386":
		return "i386"
	case "ppc64le":
		return "ppc64el"
	}
	return runtime.GOARCH
}

// Defaults is the optional YAML defaults file. Explicit flags always win;
// pointer fields distinguish "absent" from "false".
type Defaults struct {
	Mirror     string   `yaml:"mirror"`
	Arch       string   `yaml:"arch"`
	Keyring    string   `yaml:"keyring"`
	Components []string `yaml:"components"`
	Workers    int      `yaml:"workers"`
	Required   *bool    `yaml:"required"`
	Important  *bool    `yaml:"important"`
	Recommends *bool    `yaml:"recommends"`
}

// FindDefaultsFile returns the first defaults file present in the search
// path, or empty.
func FindDefaultsFile() string {
	for _, p := range []string{"apt-bootstrap.yaml", "/etc/apt-bootstrap/config.yaml"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// LoadDefaults reads and schema-validates a defaults file.
func LoadDefaults(path string) (*Defaults, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read defaults file: %w", err)
	}

	jsonData, err := sigsyaml.YAMLToJSON(data)
	if err != nil {
		return nil, fmt.Errorf("defaults file %s is not valid YAML: %v: %w", path, err, ErrConfig)
	}
	if err := validateDefaultsJSON(jsonData); err != nil {
		return nil, fmt.Errorf("defaults file %s: %v: %w", path, err, ErrConfig)
	}

	var d Defaults
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("defaults file %s: %v: %w", path, err, ErrConfig)
	}
	return &d, nil
}

// Apply folds file defaults into options that are still at their zero or
// built-in value.
func (o *Options) Apply(d *Defaults) {
	if d == nil {
		return
	}
	if d.Mirror != "" && o.Mirror == DefaultMirror {
		o.Mirror = d.Mirror
	}
	if d.Arch != "" && o.Arch == "" {
		o.Arch = d.Arch
	}
	if d.Keyring != "" && o.Keyring == "" {
		o.Keyring = d.Keyring
	}
	if len(d.Components) > 0 &&
		(len(o.Components) == 0 || (len(o.Components) == 1 && o.Components[0] == "main")) {
		o.Components = d.Components
	}
	if d.Workers > 0 && o.Workers == DefaultWorkers {
		o.Workers = d.Workers
	}
	// The toggles are built-in true; a false one was turned off by a flag.
	if d.Required != nil && o.Required {
		o.Required = *d.Required
	}
	if d.Important != nil && o.Important {
		o.Important = *d.Important
	}
	if d.Recommends != nil && o.Recommends {
		o.Recommends = *d.Recommends
	}
}

const configSchemaName = "apt-bootstrap-config.schema.json"

// validateDefaultsJSON compiles the embedded schema and runs it against the
// JSON form of the defaults file.
func validateDefaultsJSON(data []byte) error {
	comp := jsonschema.NewCompiler()
	if err := comp.AddResource(configSchemaName, bytes.NewReader(schema.ConfigSchema)); err != nil {
		return fmt.Errorf("loading schema %q: %w", configSchemaName, err)
	}
	sch, err := comp.Compile(configSchemaName)
	if err != nil {
		return fmt.Errorf("compiling schema %q: %w", configSchemaName, err)
	}

	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/open-edge-platform/apt-bootstrap/internal/config"
)

func writeDefaults(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "apt-bootstrap.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeDefaults(t, `
mirror: http://ports.ubuntu.com/ubuntu-ports
arch: armhf
components:
  - main
  - universe
workers: 8
recommends: false
`)
	d, err := config.LoadDefaults(path)
	if err != nil {
		t.Fatalf("LoadDefaults: %v", err)
	}
	if d.Mirror != "http://ports.ubuntu.com/ubuntu-ports" || d.Arch != "armhf" {
		t.Errorf("defaults = %+v", d)
	}
	if len(d.Components) != 2 || d.Workers != 8 {
		t.Errorf("defaults = %+v", d)
	}
	if d.Recommends == nil || *d.Recommends {
		t.Error("recommends should be explicitly false")
	}
	if d.Required != nil {
		t.Error("required should be absent")
	}
}

func TestLoadDefaultsRejectsUnknownKey(t *testing.T) {
	path := writeDefaults(t, "mirorr: http://example.com\n")
	_, err := config.LoadDefaults(path)
	if !errors.Is(err, config.ErrConfig) {
		t.Errorf("err = %v, want ErrConfig", err)
	}
}

func TestLoadDefaultsRejectsBadMirror(t *testing.T) {
	path := writeDefaults(t, "mirror: ftp://example.com\n")
	_, err := config.LoadDefaults(path)
	if !errors.Is(err, config.ErrConfig) {
		t.Errorf("err = %v, want ErrConfig", err)
	}
}

func TestApplyPrecedence(t *testing.T) {
	o := config.NewOptions()
	o.Mirror = "http://flagged.example.com" // explicit flag wins
	o.Arch = ""

	f := false
	o.Apply(&config.Defaults{
		Mirror:     "http://defaults.example.com",
		Arch:       "arm64",
		Recommends: &f,
	})

	if o.Mirror != "http://flagged.example.com" {
		t.Errorf("mirror = %s, explicit value should win", o.Mirror)
	}
	if o.Arch != "arm64" {
		t.Errorf("arch = %s, want arm64 from defaults", o.Arch)
	}
	if o.Recommends {
		t.Error("recommends should be off per defaults file")
	}
}

func TestFinishRequiresSuiteAndTarget(t *testing.T) {
	o := config.NewOptions()
	o.Target = "/tmp/t"
	if err := o.Finish(); !errors.Is(err, config.ErrConfig) {
		t.Errorf("missing suite: err = %v, want ErrConfig", err)
	}

	o = config.NewOptions()
	o.Suite = "xenial"
	if err := o.Finish(); !errors.Is(err, config.ErrConfig) {
		t.Errorf("missing target: err = %v, want ErrConfig", err)
	}
}

func TestFinishDefaultsArch(t *testing.T) {
	o := config.NewOptions()
	o.Suite = "xenial"
	o.Target = t.TempDir()
	if err := o.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if o.Arch == "" {
		t.Error("arch not defaulted to host architecture")
	}
	if len(o.Components) == 0 {
		t.Error("components not defaulted")
	}
}

func TestFinishRejectsMissingKeyring(t *testing.T) {
	o := config.NewOptions()
	o.Suite = "xenial"
	o.Target = t.TempDir()
	o.Keyring = filepath.Join(t.TempDir(), "nope.gpg")
	if err := o.Finish(); !errors.Is(err, config.ErrConfig) {
		t.Errorf("err = %v, want ErrConfig", err)
	}
}

func TestHostArch(t *testing.T) {
	if config.HostArch() == "" {
		t.Error("HostArch returned empty string")
	}
}

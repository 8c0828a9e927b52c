package main

import (
	"testing"
)

func TestResolveOptionsPositionals(t *testing.T) {
	flags := &rootFlags{required: true, important: true, recommends: true, workers: 4}
	opts, err := resolveOptions([]string{"xenial", t.TempDir(), "http://ports.ubuntu.com/ubuntu-ports"}, flags)
	if err != nil {
		t.Fatalf("resolveOptions: %v", err)
	}
	if opts.Suite != "xenial" {
		t.Errorf("suite = %s", opts.Suite)
	}
	if opts.Mirror != "http://ports.ubuntu.com/ubuntu-ports" {
		t.Errorf("mirror = %s", opts.Mirror)
	}
}

func TestResolveOptionsDefaultMirror(t *testing.T) {
	flags := &rootFlags{required: true, important: true, recommends: true, workers: 4}
	opts, err := resolveOptions([]string{"trixie", t.TempDir()}, flags)
	if err != nil {
		t.Fatalf("resolveOptions: %v", err)
	}
	if opts.Mirror == "" {
		t.Error("mirror not defaulted")
	}
}

func TestResolveOptionsNegativeToggles(t *testing.T) {
	flags := &rootFlags{
		required: true, noRequired: true,
		important: true, noImportant: true,
		recommends: true, noRecommend: true,
		workers: 4,
	}
	opts, err := resolveOptions([]string{"xenial", t.TempDir()}, flags)
	if err != nil {
		t.Fatalf("resolveOptions: %v", err)
	}
	if opts.Required || opts.Important || opts.Recommends {
		t.Errorf("negative toggles ignored: %+v", opts)
	}
}

func TestRootCommandFlagParsing(t *testing.T) {
	cmd := createRootCommand()
	if err := cmd.ParseFlags([]string{
		"-n", "-a", "armhf", "--components", "main,universe", "--packages", "systemd",
	}); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}

	dryRun, _ := cmd.Flags().GetBool("dry-run")
	if !dryRun {
		t.Error("-n did not set dry-run")
	}
	arch, _ := cmd.Flags().GetString("arch")
	if arch != "armhf" {
		t.Errorf("arch = %s", arch)
	}
	components, _ := cmd.Flags().GetStringSlice("components")
	if len(components) != 2 || components[1] != "universe" {
		t.Errorf("components = %v", components)
	}
}

package dpkg_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/open-edge-platform/apt-bootstrap/internal/dpkg"
)

func TestFakeInstall(t *testing.T) {
	root := t.TempDir()
	db := dpkg.NewDB(root)

	if err := db.FakeInstall("dpkg", "1.21.1ubuntu2"); err != nil {
		t.Fatalf("FakeInstall: %v", err)
	}

	status, err := os.ReadFile(db.StatusPath())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	want := "Package: dpkg\nVersion: 1.21.1ubuntu2\nMaintainer: unknown\nStatus: install ok installed\n\n"
	if string(status) != want {
		t.Errorf("status = %q, want %q", status, want)
	}
	if strings.Count(string(status), "Package:") != 1 {
		t.Error("status holds more than one stanza")
	}

	if _, err := os.Stat(filepath.Join(root, "var/lib/dpkg/info/dpkg.list")); err != nil {
		t.Errorf("file list missing: %v", err)
	}
}

func TestFakeInstallReplacesStatus(t *testing.T) {
	root := t.TempDir()
	db := dpkg.NewDB(root)

	if err := os.MkdirAll(filepath.Dir(db.StatusPath()), 0755); err != nil {
		t.Fatal(err)
	}
	stale := "Package: old\nVersion: 1\nStatus: install ok installed\n\n"
	if err := os.WriteFile(db.StatusPath(), []byte(stale), 0644); err != nil {
		t.Fatal(err)
	}

	if err := db.FakeInstall("dpkg", "1.0"); err != nil {
		t.Fatalf("FakeInstall: %v", err)
	}
	installed, err := db.Installed()
	if err != nil {
		t.Fatalf("Installed: %v", err)
	}
	if len(installed) != 1 || installed["dpkg"] != "1.0" {
		t.Errorf("installed = %v, want only dpkg 1.0", installed)
	}
}

func TestInstalled(t *testing.T) {
	root := t.TempDir()
	db := dpkg.NewDB(root)

	if err := os.MkdirAll(filepath.Dir(db.StatusPath()), 0755); err != nil {
		t.Fatal(err)
	}
	status := "Package: libc6\nVersion: 2.35-0ubuntu3\nStatus: install ok installed\n\n" +
		"Package: removed-tool\nVersion: 1.0\nStatus: deinstall ok config-files\n\n"
	if err := os.WriteFile(db.StatusPath(), []byte(status), 0644); err != nil {
		t.Fatal(err)
	}

	installed, err := db.Installed()
	if err != nil {
		t.Fatalf("Installed: %v", err)
	}
	if installed["libc6"] != "2.35-0ubuntu3" {
		t.Errorf("libc6 = %q", installed["libc6"])
	}
	if _, ok := installed["removed-tool"]; ok {
		t.Error("deinstalled package reported as installed")
	}
}

func TestInstalledEmptyStatus(t *testing.T) {
	root := t.TempDir()
	db := dpkg.NewDB(root)

	if err := os.MkdirAll(filepath.Dir(db.StatusPath()), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(db.StatusPath(), nil, 0644); err != nil {
		t.Fatal(err)
	}

	installed, err := db.Installed()
	if err != nil {
		t.Fatalf("Installed: %v", err)
	}
	if len(installed) != 0 {
		t.Errorf("installed = %v, want empty", installed)
	}
}

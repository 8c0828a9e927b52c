// Package dpkg maintains the installed-package database inside the target
// tree: the fake-installed record that lets the native installer run for the
// first time, and the authoritative view read back after real installs.
package dpkg

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/julien-sobczak/deb822"

	"github.com/open-edge-platform/apt-bootstrap/internal/utils/file"
)

const (
	statusPath = "var/lib/dpkg/status"
	infoDir    = "var/lib/dpkg/info"
)

// DB is the dpkg database of one target tree.
type DB struct {
	root string
}

func NewDB(root string) *DB {
	return &DB{root: root}
}

func (db *DB) StatusPath() string {
	return filepath.Join(db.root, statusPath)
}

// FakeInstall rewrites the status file with a single installed record for
// name, and creates its empty file list. This is what lets the freshly
// extracted installer believe it is already present and operate on
// everything else.
func (db *DB) FakeInstall(name, version string) error {
	list := filepath.Join(db.root, infoDir, name+".list")
	if err := os.MkdirAll(filepath.Dir(list), 0755); err != nil {
		return fmt.Errorf("failed to create dpkg info dir: %w", err)
	}

	stanza := fmt.Sprintf("Package: %s\nVersion: %s\nMaintainer: unknown\nStatus: install ok installed\n\n",
		name, version)
	if err := file.WriteAtomic(db.StatusPath(), []byte(stanza), 0644); err != nil {
		return err
	}
	if err := file.WriteAtomic(list, nil, 0644); err != nil {
		return err
	}
	return nil
}

// Installed re-reads the status file and returns the name -> version map of
// packages in an installed state. Call after any chrooted process has
// mutated the database.
func (db *DB) Installed() (map[string]string, error) {
	f, err := os.Open(db.StatusPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open dpkg status: %w", err)
	}
	defer f.Close()

	installed := make(map[string]string)

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat dpkg status: %w", err)
	}
	if fi.Size() == 0 {
		return installed, nil
	}

	parser, err := deb822.NewParser(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read dpkg status: %w", err)
	}
	doc, err := parser.Parse()
	if err != nil {
		return nil, fmt.Errorf("failed to parse dpkg status: %w", err)
	}

	for _, p := range doc.Paragraphs {
		// The last Status word is the package state; "not-installed" and
		// "half-installed" do not count.
		status := strings.Fields(p.Value("Status"))
		if len(status) == 0 || status[len(status)-1] != "installed" {
			continue
		}
		installed[p.Value("Package")] = p.Value("Version")
	}
	return installed, nil
}

// Package apt models the archive-metadata side of a bootstrap: package
// records, priority classes, dependency resolution and archive acquisition.
package apt

import "errors"

var (
	// ErrUnknownPackage reports a requested name absent from the index.
	ErrUnknownPackage = errors.New("unknown package")

	// ErrDependencyUnresolved reports a dependency no index entry can satisfy.
	ErrDependencyUnresolved = errors.New("dependency unresolved")

	// ErrFetchFailed reports a download that did not produce a verified file.
	ErrFetchFailed = errors.New("fetch failed")
)

// Priority classes, in growing order of inclusion. Each bootstrap stage
// selects a monotonically larger set.
const (
	PriorityEssential = "essential"
	PriorityRequired  = "required"
	PriorityImportant = "important"
	PriorityRequested = "requested"
)

// Package is one binary package known to the index.
type Package struct {
	Name         string
	Version      string
	Architecture string
	Priority     string
	MultiArch    string
	Essential    bool
	Filename     string // archive-relative path of the .deb
	SHA256       string
	Size         int64
	Depends      [][]string // alternative groups, outer AND, inner OR
	Recommends   [][]string
	Provides     []string
}

// ChrootID is the name the target's installer knows the package by:
// multi-arch "same" packages carry their architecture suffix.
func (p *Package) ChrootID() string {
	if p.MultiArch == "same" {
		return p.Name + ":" + p.Architecture
	}
	return p.Name
}

// Index is what the bootstrap engine requires of an archive-metadata
// implementation: list, resolve, fetch.
type Index interface {
	// Update refreshes metadata from the configured sources.
	Update() error

	// Open (re)builds in-memory resolution state. It must be callable
	// again after an external process has mutated the installed-package
	// database.
	Open() error

	// FilterByPriority returns the packages of one priority class,
	// sorted by name.
	FilterByPriority(class string) []*Package

	// MarkInstall schedules a package and its dependency closure for
	// installation.
	MarkInstall(name string) error

	// Changes returns the packages whose state will change on commit,
	// in mark order.
	Changes() []*Package

	// FetchArchives downloads every marked archive into the cache.
	FetchArchives() error

	// Commit executes the install transaction through the target's own
	// installer.
	Commit() error

	// ArchivePath returns where the .deb of a package resides on disk.
	ArchivePath(p *Package) string
}

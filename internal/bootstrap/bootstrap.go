// Package bootstrap drives the two-stage materialization of a Debian-style
// root filesystem: manual extraction of the essential set, then installation
// and configuration by the target's own installer inside a chroot.
package bootstrap

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/open-edge-platform/apt-bootstrap/internal/apt"
	"github.com/open-edge-platform/apt-bootstrap/internal/config"
	"github.com/open-edge-platform/apt-bootstrap/internal/deb"
	"github.com/open-edge-platform/apt-bootstrap/internal/dpkg"
	"github.com/open-edge-platform/apt-bootstrap/internal/utils/logger"
)

// ErrInstallerFailed reports a chrooted installer invocation that exited
// non-zero.
var ErrInstallerFailed = errors.New("installer failed")

// installerPackage is the package whose presence the fake-installed record
// asserts between extraction and the first real install.
const installerPackage = "dpkg"

// earlyPackages is the fixed order in which the lowest layer is really
// installed before anything else can be: each of these is configured with
// dependencies forced because its dependencies are not configured yet.
var earlyPackages = []string{
	"base-passwd", "base-files", "dpkg", "libc6", "perl-base",
	"mawk", "debconf", "debianutils", "passwd",
}

// Environment is the chroot-management surface the state machine drives.
// *chroot.Env implements it.
type Environment interface {
	Skeleton() error
	UsrMerge() error
	PrepareRuntime() error
	TeardownRuntime() error
	UmountAll() error
	RestoreDaemons() error
	RemoveKeyring() error
	Exec(prog string, args ...string) error
}

// Bootstrapper owns one bootstrap of one target directory. Concurrent
// bootstraps of the same target are undefined; callers serialize.
type Bootstrapper struct {
	cfg *config.Options
	env Environment
	db  *dpkg.DB
	idx apt.Index

	// Stdout receives the dry-run report. Defaults to os.Stdout.
	Stdout io.Writer
}

func New(cfg *config.Options, env Environment, db *dpkg.DB, idx apt.Index) *Bootstrapper {
	return &Bootstrapper{cfg: cfg, env: env, db: db, idx: idx, Stdout: os.Stdout}
}

// Run executes the whole bootstrap. Cleanup — draining the mount stack,
// restoring daemon controls and removing the temporary keyring — runs on
// every exit path, process termination included.
func (b *Bootstrapper) Run() error {
	log := logger.Logger()

	stop := b.cleanupOnSignal()
	defer stop()
	defer b.cleanup()

	if err := b.env.Skeleton(); err != nil {
		return err
	}
	if err := b.env.UsrMerge(); err != nil {
		return err
	}

	if err := b.idx.Update(); err != nil {
		return err
	}
	if err := b.idx.Open(); err != nil {
		return err
	}

	if b.cfg.DryRun {
		return b.dryRun()
	}

	// Stage 1: essentials are extracted by hand, no installer exists yet.
	if err := b.markEssential(); err != nil {
		return err
	}
	if err := b.idx.FetchArchives(); err != nil {
		return err
	}
	if err := b.extractChanges(); err != nil {
		return err
	}

	installer := b.findChange(installerPackage)
	if installer == nil {
		return fmt.Errorf("essential set does not include %s: %w",
			installerPackage, apt.ErrDependencyUnresolved)
	}
	if err := b.db.FakeInstall(installer.Name, installer.Version); err != nil {
		return err
	}

	// Stage 2: the target's own installer takes over inside the chroot.
	if err := b.env.PrepareRuntime(); err != nil {
		return err
	}
	if err := b.earlyInstall(); err != nil {
		return err
	}
	if err := b.unpackRemainder(); err != nil {
		return err
	}
	if err := b.configure(); err != nil {
		return err
	}

	if err := b.markRemainder(); err != nil {
		return err
	}
	if err := b.idx.Commit(); err != nil {
		return err
	}

	if err := b.env.RestoreDaemons(); err != nil {
		return err
	}
	if err := b.env.TeardownRuntime(); err != nil {
		return err
	}
	if err := b.env.RemoveKeyring(); err != nil {
		return err
	}

	log.Infof("Installation complete")
	return nil
}

// cleanup is the unconditional teardown: whatever state the run died in,
// no mount outlives the process and no temporary keyring stays behind.
func (b *Bootstrapper) cleanup() {
	log := logger.Logger()
	if err := b.env.RestoreDaemons(); err != nil {
		log.Warnf("cleanup: %v", err)
	}
	if err := b.env.UmountAll(); err != nil {
		log.Warnf("cleanup: %v", err)
	}
	if err := b.env.RemoveKeyring(); err != nil {
		log.Warnf("cleanup: %v", err)
	}
}

// cleanupOnSignal makes cleanup run on SIGINT/SIGTERM, the only supported
// cancellation. Returns a function that disarms the handler.
func (b *Bootstrapper) cleanupOnSignal() func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-ch:
			logger.Logger().Warnf("received %v, cleaning up", sig)
			b.cleanup()
			os.Exit(1)
		case <-done:
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}

// markEssential marks the essential set exactly once before stage 1.
// apt-utils rides along because debconf wants its frontends available
// before apt itself is configured.
func (b *Bootstrapper) markEssential() error {
	for _, p := range b.idx.FilterByPriority(apt.PriorityEssential) {
		if err := b.idx.MarkInstall(p.Name); err != nil {
			return err
		}
	}
	return b.idx.MarkInstall("apt-utils")
}

// markClasses marks the configured priority classes plus the user-requested
// names. A requested name missing from the index is an error; a missing
// priority member is not.
func (b *Bootstrapper) markClasses() error {
	classes := []string{apt.PriorityEssential}
	if b.cfg.Required {
		classes = append(classes, apt.PriorityRequired)
	}
	if b.cfg.Important {
		classes = append(classes, apt.PriorityImportant)
	}
	for _, class := range classes {
		for _, p := range b.idx.FilterByPriority(class) {
			if err := b.idx.MarkInstall(p.Name); err != nil {
				return err
			}
		}
	}
	for _, name := range b.cfg.Packages {
		if err := b.idx.MarkInstall(name); err != nil {
			return err
		}
	}
	return nil
}

// markRemainder re-reads the database the chrooted installer has been
// writing, then marks what stage 2 still owes: required, important and the
// user-requested names.
func (b *Bootstrapper) markRemainder() error {
	if err := b.idx.Open(); err != nil {
		return err
	}

	if b.cfg.Required {
		for _, p := range b.idx.FilterByPriority(apt.PriorityRequired) {
			if err := b.idx.MarkInstall(p.Name); err != nil {
				return err
			}
		}
	}
	if b.cfg.Important {
		for _, p := range b.idx.FilterByPriority(apt.PriorityImportant) {
			if err := b.idx.MarkInstall(p.Name); err != nil {
				return err
			}
		}
	}
	for _, name := range b.cfg.Packages {
		if err := b.idx.MarkInstall(name); err != nil {
			return err
		}
	}
	return nil
}

// dryRun resolves the full selection and reports it as name<TAB>version
// lines sorted by name, without touching the target beyond the skeleton.
func (b *Bootstrapper) dryRun() error {
	if err := b.markClasses(); err != nil {
		return err
	}

	changes := b.idx.Changes()
	lines := make([]string, 0, len(changes))
	seen := make(map[string]bool, len(changes))
	for _, p := range changes {
		id := p.ChrootID()
		if seen[id] {
			continue
		}
		seen[id] = true
		lines = append(lines, fmt.Sprintf("%s\t%s", id, p.Version))
	}
	sort.Strings(lines)

	for _, line := range lines {
		fmt.Fprintln(b.Stdout, line)
	}
	return nil
}

// extractChanges unpacks every fetched archive straight into the target
// tree. No chroot, no installer: just the archives' own contents.
func (b *Bootstrapper) extractChanges() error {
	log := logger.Logger()
	for _, p := range b.idx.Changes() {
		path := b.idx.ArchivePath(p)
		log.Debugf("extracting %s", path)

		archive, err := deb.Open(path)
		if err != nil {
			return err
		}
		err = archive.EachMember(func(m *deb.Member, data []byte) error {
			return deb.Extract(m, data, b.cfg.Target)
		})
		archive.Close()
		if err != nil {
			return fmt.Errorf("extracting %s: %w", p.Name, err)
		}
	}
	return nil
}

// earlyInstall really installs the fixed low-level ordering, one installer
// invocation each.
func (b *Bootstrapper) earlyInstall() error {
	for _, name := range earlyPackages {
		p := b.findChange(name)
		if p == nil {
			continue
		}
		if err := b.installerExec("--install", "--force-depends", "--force-unsafe-io",
			b.chrootArchive(p)); err != nil {
			return err
		}
	}
	return nil
}

// unpackRemainder unpacks everything else in the change set; configuration
// happens afterwards in one pass.
func (b *Bootstrapper) unpackRemainder() error {
	early := make(map[string]bool, len(earlyPackages))
	for _, name := range earlyPackages {
		early[name] = true
	}
	for _, p := range b.idx.Changes() {
		if early[p.Name] {
			continue
		}
		if err := b.installerExec("--unpack", "--force-depends", "--force-unsafe-io",
			b.chrootArchive(p)); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bootstrapper) configure() error {
	return b.installerExec("--configure", "--pending",
		"--force-configure-any", "--force-depends", "--force-unsafe-io")
}

func (b *Bootstrapper) installerExec(args ...string) error {
	if err := b.env.Exec("/usr/bin/dpkg", args...); err != nil {
		return fmt.Errorf("%v: %w", err, ErrInstallerFailed)
	}
	return nil
}

func (b *Bootstrapper) findChange(name string) *apt.Package {
	for _, p := range b.idx.Changes() {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// chrootArchive is the archive's path as seen from inside the chroot.
func (b *Bootstrapper) chrootArchive(p *apt.Package) string {
	return "/var/cache/apt/archives/" + filepath.Base(b.idx.ArchivePath(p))
}

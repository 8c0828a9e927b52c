package chroot

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/open-edge-platform/apt-bootstrap/internal/utils/file"
	"github.com/open-edge-platform/apt-bootstrap/internal/utils/logger"
)

// ErrUsrMergeConflict reports a target whose /bin, /sbin, /lib or /lib64
// already exists as a real directory and cannot become a usr symlink.
var ErrUsrMergeConflict = errors.New("usrmerge conflict")

// KeyringPath is where the configured archive keyring is installed inside
// the target, relative to the target root. It is removed again on success.
const KeyringPath = "etc/apt/trusted.gpg.d/apt-bootstrap.gpg"

const policyRC = "usr/sbin/policy-rc.d"

// Options carries everything the environment writes into the target.
type Options struct {
	Mirror     string
	Suite      string
	Components []string
	Keyring    string // host path of the archive keyring, empty for none
	Debug      bool
}

// Env manages the layout and runtime plumbing of the directory tree being
// bootstrapped: skeleton directories, usr merge, device nodes, the mount
// stack and daemon-start suppression.
type Env struct {
	target string
	opts   Options
	Mounts *MountStack
}

func NewEnv(target string, opts Options) *Env {
	return &Env{
		target: target,
		opts:   opts,
		Mounts: NewMountStack(),
	}
}

func (e *Env) Target() string {
	return e.target
}

func (e *Env) path(rel string) string {
	return filepath.Join(e.target, rel)
}

var skeletonDirs = []string{
	"etc/apt/apt.conf.d",
	"etc/apt/preferences.d",
	"etc/apt/trusted.gpg.d",
	"var/lib/apt/lists/partial",
	"var/cache/apt/archives/partial",
	"var/log/apt",
	"var/lib/dpkg/updates",
	"var/lib/dpkg/info",
}

// Skeleton creates the directory layout and seed files a package tree needs
// before anything is unpacked into it. Re-running on a prepared target
// changes nothing.
func (e *Env) Skeleton() error {
	for _, d := range skeletonDirs {
		if err := os.MkdirAll(e.path(d), 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", e.path(d), err)
		}
	}

	sources := fmt.Sprintf("deb %s %s %s\n",
		e.opts.Mirror, e.opts.Suite, strings.Join(e.opts.Components, " "))
	if err := writeIfChanged(e.path("etc/apt/sources.list"), []byte(sources), 0644); err != nil {
		return err
	}

	for _, f := range []string{"var/lib/dpkg/status", "var/lib/dpkg/available"} {
		if !file.Exists(e.path(f)) {
			if err := file.WriteAtomic(e.path(f), nil, 0644); err != nil {
				return err
			}
		}
	}

	if e.opts.Keyring != "" && !file.Exists(e.path(KeyringPath)) {
		if err := file.Copy(e.opts.Keyring, e.path(KeyringPath), 0644); err != nil {
			return fmt.Errorf("failed to install keyring: %w", err)
		}
	}
	return nil
}

// RemoveKeyring deletes the keyring installed by Skeleton, if any.
func (e *Env) RemoveKeyring() error {
	if !file.Exists(e.path(KeyringPath)) {
		return nil
	}
	if err := os.Remove(e.path(KeyringPath)); err != nil {
		return fmt.Errorf("failed to remove keyring: %w", err)
	}
	return nil
}

var usrMergeDirs = []string{"bin", "sbin", "lib", "lib64"}

// UsrMerge points bin, sbin, lib and lib64 at their usr counterparts and
// mirrors the merge under usr/lib/debug. A pre-existing real directory in
// any of those places is a conflict the caller must resolve.
func (e *Env) UsrMerge() error {
	if err := e.mergeUnder(""); err != nil {
		return err
	}
	return e.mergeUnder("usr/lib/debug")
}

func (e *Env) mergeUnder(prefix string) error {
	for _, d := range usrMergeDirs {
		usrDir := filepath.Join(prefix, "usr", d)
		if err := os.MkdirAll(e.path(usrDir), 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", e.path(usrDir), err)
		}

		link := e.path(filepath.Join(prefix, d))
		fi, err := os.Lstat(link)
		if err == nil {
			if fi.Mode()&os.ModeSymlink != 0 {
				continue
			}
			return fmt.Errorf("%s exists and is not a symlink: %w", link, ErrUsrMergeConflict)
		}
		if err := os.Symlink(filepath.Join("usr", d), link); err != nil {
			return fmt.Errorf("failed to symlink %s: %w", link, err)
		}
	}
	return nil
}

type deviceNode struct {
	name  string
	major uint32
	minor uint32
	gid   int
}

var deviceNodes = []deviceNode{
	{"full", 1, 7, 0},
	{"null", 1, 3, 0},
	{"random", 1, 8, 0},
	{"tty", 5, 0, 5},
	{"urandom", 1, 9, 0},
	{"zero", 1, 5, 0},
}

var deviceLinks = map[string]string{
	"fd":     "/proc/self/fd",
	"stderr": "fd/2",
	"stdin":  "fd/0",
	"stdout": "fd/1",
}

// MakeDev populates <target>/dev with the static nodes, symlinks and
// directories maintainer scripts expect. When the kernel denies a ptmx node
// the devpts-provided one is linked instead and the caller is warned.
func (e *Env) MakeDev() error {
	log := logger.Logger()

	if err := os.MkdirAll(e.path("dev"), 0755); err != nil {
		return fmt.Errorf("failed to create dev: %w", err)
	}

	for _, n := range deviceNodes {
		p := e.path(filepath.Join("dev", n.name))
		if file.Exists(p) {
			continue
		}
		if err := unix.Mknod(p, unix.S_IFCHR|0666, int(unix.Mkdev(n.major, n.minor))); err != nil {
			return fmt.Errorf("failed to mknod dev/%s: %w", n.name, err)
		}
		// mknod masks the mode with the umask; restore the full bits.
		if err := unix.Chmod(p, 0666); err != nil {
			return fmt.Errorf("failed to chmod dev/%s: %w", n.name, err)
		}
		if err := unix.Chown(p, 0, n.gid); err != nil {
			return fmt.Errorf("failed to chown dev/%s: %w", n.name, err)
		}
	}

	for name, linkTarget := range deviceLinks {
		p := e.path(filepath.Join("dev", name))
		if file.Exists(p) {
			continue
		}
		if err := os.Symlink(linkTarget, p); err != nil {
			return fmt.Errorf("failed to symlink dev/%s: %w", name, err)
		}
	}

	for _, d := range []string{"dev/shm", "dev/pts"} {
		if err := os.MkdirAll(e.path(d), 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", d, err)
		}
	}

	ptmx := e.path("dev/ptmx")
	if !file.Exists(ptmx) {
		if err := unix.Mknod(ptmx, unix.S_IFCHR|0666, int(unix.Mkdev(5, 2))); err != nil {
			log.Warnf("mknod dev/ptmx denied (%v); linking to pts/ptmx instead, "+
				"mount devpts with ptmxmode=666", err)
			if err := os.Symlink("pts/ptmx", ptmx); err != nil {
				return fmt.Errorf("failed to symlink dev/ptmx: %w", err)
			}
		} else if err := unix.Chmod(ptmx, 0666); err != nil {
			return fmt.Errorf("failed to chmod dev/ptmx: %w", err)
		}
	}
	return nil
}

// MountRuntime attaches the pseudo filesystems stage 2 needs: proc, sysfs
// and the host /tmp.
func (e *Env) MountRuntime() error {
	if err := e.Mounts.Mount("proc", e.path("proc"), "proc", 0, ""); err != nil {
		return err
	}
	if err := e.Mounts.Mount("sysfs", e.path("sys"), "sysfs", 0, ""); err != nil {
		return err
	}
	return e.Mounts.Mount("/tmp", e.path("tmp"), "", unix.MS_BIND, "")
}

// UmountAll drains the whole mount stack, newest first.
func (e *Env) UmountAll() error {
	return e.Mounts.UmountAll()
}

// TeardownRuntime detaches sys, proc and tmp, in that order.
func (e *Env) TeardownRuntime() error {
	for _, d := range []string{"sys", "proc", "tmp"} {
		if err := e.Mounts.Umount(e.path(d)); err != nil {
			return err
		}
	}
	return nil
}

// SuppressDaemons keeps package configuration from starting services inside
// the chroot: start-stop-daemon is parked as .REAL behind a /bin/true
// symlink, and policy-rc.d answers 101 to every init request.
func (e *Env) SuppressDaemons() error {
	ssd := e.path("sbin/start-stop-daemon")
	if file.Exists(ssd) {
		fi, err := os.Lstat(ssd)
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", ssd, err)
		}
		if fi.Mode()&os.ModeSymlink == 0 {
			if err := os.Rename(ssd, ssd+".REAL"); err != nil {
				return fmt.Errorf("failed to park start-stop-daemon: %w", err)
			}
			if err := os.Symlink("/bin/true", ssd); err != nil {
				return fmt.Errorf("failed to divert start-stop-daemon: %w", err)
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(e.path(policyRC)), 0755); err != nil {
		return fmt.Errorf("failed to create usr/sbin: %w", err)
	}
	script := []byte("#!/bin/sh\nexit 101\n")
	if err := file.WriteAtomic(e.path(policyRC), script, 0755); err != nil {
		return err
	}
	return nil
}

// RestoreDaemons undoes SuppressDaemons.
func (e *Env) RestoreDaemons() error {
	ssd := e.path("sbin/start-stop-daemon")
	if file.Exists(ssd + ".REAL") {
		if err := os.Remove(ssd); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove diverted start-stop-daemon: %w", err)
		}
		if err := os.Rename(ssd+".REAL", ssd); err != nil {
			return fmt.Errorf("failed to restore start-stop-daemon: %w", err)
		}
	}
	if file.Exists(e.path(policyRC)) {
		if err := os.Remove(e.path(policyRC)); err != nil {
			return fmt.Errorf("failed to remove policy-rc.d: %w", err)
		}
	}
	return nil
}

// HealDaemonControls repairs the leftovers of a run that died between
// suppression and restoration, so a fresh bootstrap starts clean.
func (e *Env) HealDaemonControls() error {
	log := logger.Logger()
	if file.Exists(e.path("sbin/start-stop-daemon.REAL")) {
		log.Warnf("found parked start-stop-daemon from an earlier run, restoring")
	}
	if file.Exists(e.path(policyRC)) {
		log.Warnf("found stale policy-rc.d from an earlier run, removing")
	}
	return e.RestoreDaemons()
}

// Exec runs prog inside the target via chroot with the locale and frontend
// pinned for unattended package tooling.
func (e *Env) Exec(prog string, args ...string) error {
	log := logger.Logger()

	argv := append([]string{e.target, prog}, args...)
	cmd := exec.Command("chroot", argv...)
	cmd.Env = append(os.Environ(), "LC_ALL=C", "DEBIAN_FRONTEND=noninteractive")

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	log.Debugf("chroot %s: %s %s", e.target, prog, strings.Join(args, " "))
	err := cmd.Run()
	if out.Len() > 0 {
		if err != nil {
			log.Infof("%s", out.String())
		} else {
			log.Debugf("%s", out.String())
		}
	}
	if err != nil {
		if e.opts.Debug {
			return fmt.Errorf("chroot %s %s %s: %w",
				e.target, prog, strings.Join(args, " "), err)
		}
		return fmt.Errorf("%s failed in chroot: %w", prog, err)
	}
	return nil
}

// PrepareRuntime brings the target from "tree of files" to "package manager
// can run in here": device nodes, pseudo filesystems, a working dynamic
// linker cache, the awk and localtime links early packages expect, a
// resolv.conf for maintainer scripts, and daemon suppression.
func (e *Env) PrepareRuntime() error {
	if err := e.MakeDev(); err != nil {
		return err
	}
	if err := e.MountRuntime(); err != nil {
		return err
	}
	if err := e.Exec("/sbin/ldconfig"); err != nil {
		return err
	}

	awk := e.path("usr/bin/awk")
	if !file.Exists(awk) {
		if err := os.Symlink("mawk", awk); err != nil {
			return fmt.Errorf("failed to symlink awk: %w", err)
		}
	}
	localtime := e.path("etc/localtime")
	if !file.Exists(localtime) {
		if err := os.Symlink("/usr/share/zoneinfo/UTC", localtime); err != nil {
			return fmt.Errorf("failed to symlink localtime: %w", err)
		}
	}

	// Best effort: maintainer scripts occasionally resolve names.
	if file.Exists("/etc/resolv.conf") && !file.Exists(e.path("etc/resolv.conf")) {
		if err := file.Copy("/etc/resolv.conf", e.path("etc/resolv.conf"), 0644); err != nil {
			logger.Logger().Warnf("could not seed resolv.conf: %v", err)
		}
	}
	if !file.Exists(e.path("etc/hostname")) {
		if err := file.WriteAtomic(e.path("etc/hostname"), []byte("localhost\n"), 0644); err != nil {
			logger.Logger().Warnf("could not seed hostname: %v", err)
		}
	}

	if err := e.HealDaemonControls(); err != nil {
		return err
	}
	return e.SuppressDaemons()
}

func writeIfChanged(path string, data []byte, perm os.FileMode) error {
	current, err := os.ReadFile(path)
	if err == nil && bytes.Equal(current, data) {
		return nil
	}
	return file.WriteAtomic(path, data, perm)
}

package chroot_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/open-edge-platform/apt-bootstrap/internal/chroot"
)

func testEnv(t *testing.T) (*chroot.Env, string) {
	t.Helper()
	target := t.TempDir()
	env := chroot.NewEnv(target, chroot.Options{
		Mirror:     "http://ports.ubuntu.com/ubuntu-ports",
		Suite:      "xenial",
		Components: []string{"main", "universe"},
	})
	return env, target
}

func TestSkeletonLayout(t *testing.T) {
	env, target := testEnv(t)
	if err := env.Skeleton(); err != nil {
		t.Fatalf("Skeleton: %v", err)
	}

	for _, d := range []string{
		"etc/apt/apt.conf.d",
		"etc/apt/preferences.d",
		"etc/apt/trusted.gpg.d",
		"var/lib/apt/lists/partial",
		"var/cache/apt/archives/partial",
		"var/log/apt",
		"var/lib/dpkg/updates",
		"var/lib/dpkg/info",
	} {
		fi, err := os.Stat(filepath.Join(target, d))
		if err != nil || !fi.IsDir() {
			t.Errorf("missing skeleton directory %s: %v", d, err)
		}
	}

	sources, err := os.ReadFile(filepath.Join(target, "etc/apt/sources.list"))
	if err != nil {
		t.Fatalf("sources.list: %v", err)
	}
	want := "deb http://ports.ubuntu.com/ubuntu-ports xenial main universe\n"
	if string(sources) != want {
		t.Errorf("sources.list = %q, want %q", sources, want)
	}

	for _, f := range []string{"var/lib/dpkg/status", "var/lib/dpkg/available"} {
		if _, err := os.Stat(filepath.Join(target, f)); err != nil {
			t.Errorf("missing %s: %v", f, err)
		}
	}
}

func TestSkeletonIdempotent(t *testing.T) {
	env, target := testEnv(t)
	if err := env.Skeleton(); err != nil {
		t.Fatalf("Skeleton: %v", err)
	}

	sources := filepath.Join(target, "etc/apt/sources.list")
	before, err := os.Stat(sources)
	if err != nil {
		t.Fatal(err)
	}

	if err := env.Skeleton(); err != nil {
		t.Fatalf("second Skeleton: %v", err)
	}
	after, err := os.Stat(sources)
	if err != nil {
		t.Fatal(err)
	}
	if !before.ModTime().Equal(after.ModTime()) {
		t.Error("re-running Skeleton rewrote sources.list")
	}
}

func TestSkeletonInstallsKeyring(t *testing.T) {
	target := t.TempDir()
	keyring := filepath.Join(t.TempDir(), "archive.gpg")
	blob := []byte{0x99, 0x01, 0x0d, 0x04} // opaque binary content
	if err := os.WriteFile(keyring, blob, 0644); err != nil {
		t.Fatal(err)
	}

	env := chroot.NewEnv(target, chroot.Options{
		Mirror: "http://deb.debian.org/debian", Suite: "trixie",
		Components: []string{"main"}, Keyring: keyring,
	})
	if err := env.Skeleton(); err != nil {
		t.Fatalf("Skeleton: %v", err)
	}

	installed, err := os.ReadFile(filepath.Join(target, chroot.KeyringPath))
	if err != nil {
		t.Fatalf("keyring not installed: %v", err)
	}
	if string(installed) != string(blob) {
		t.Error("keyring is not a byte-for-byte copy")
	}

	if err := env.RemoveKeyring(); err != nil {
		t.Fatalf("RemoveKeyring: %v", err)
	}
	if _, err := os.Stat(filepath.Join(target, chroot.KeyringPath)); !os.IsNotExist(err) {
		t.Error("keyring still present after RemoveKeyring")
	}
}

func TestUsrMerge(t *testing.T) {
	env, target := testEnv(t)
	if err := env.UsrMerge(); err != nil {
		t.Fatalf("UsrMerge: %v", err)
	}

	for _, d := range []string{"bin", "sbin", "lib", "lib64"} {
		link, err := os.Readlink(filepath.Join(target, d))
		if err != nil {
			t.Fatalf("%s is not a symlink: %v", d, err)
		}
		if link != filepath.Join("usr", d) {
			t.Errorf("%s -> %s, want usr/%s", d, link, d)
		}
		if _, err := os.Readlink(filepath.Join(target, "usr/lib/debug", d)); err != nil {
			t.Errorf("usr/lib/debug/%s is not a symlink: %v", d, err)
		}
	}

	// A second pass over an already merged tree changes nothing.
	if err := env.UsrMerge(); err != nil {
		t.Fatalf("second UsrMerge: %v", err)
	}
}

func TestUsrMergeConflict(t *testing.T) {
	env, target := testEnv(t)
	if err := os.MkdirAll(filepath.Join(target, "bin"), 0755); err != nil {
		t.Fatal(err)
	}

	err := env.UsrMerge()
	if !errors.Is(err, chroot.ErrUsrMergeConflict) {
		t.Errorf("err = %v, want ErrUsrMergeConflict", err)
	}
}

func TestMakeDevModes(t *testing.T) {
	env, target := testEnv(t)

	err := env.MakeDev()
	if errors.Is(err, unix.EPERM) {
		t.Skip("mknod denied, needs privileges")
	}
	if err != nil {
		t.Fatalf("MakeDev: %v", err)
	}

	// mknod narrows the mode by the umask; the nodes must still be 0666.
	for _, n := range []string{"full", "null", "random", "tty", "urandom", "zero", "ptmx"} {
		var st unix.Stat_t
		if err := unix.Stat(filepath.Join(target, "dev", n), &st); err != nil {
			t.Fatalf("stat dev/%s: %v", n, err)
		}
		if st.Mode&unix.S_IFMT != unix.S_IFCHR {
			t.Errorf("dev/%s: not a char device: mode %o", n, st.Mode)
		}
		if st.Mode&07777 != 0666 {
			t.Errorf("dev/%s: mode = %o, want 0666", n, st.Mode&07777)
		}
	}

	var tty unix.Stat_t
	if err := unix.Stat(filepath.Join(target, "dev/tty"), &tty); err != nil {
		t.Fatal(err)
	}
	if tty.Gid != 5 {
		t.Errorf("dev/tty gid = %d, want 5", tty.Gid)
	}

	for _, d := range []string{"dev/shm", "dev/pts"} {
		fi, err := os.Stat(filepath.Join(target, d))
		if err != nil || !fi.IsDir() {
			t.Errorf("missing %s: %v", d, err)
		}
	}
	if link, err := os.Readlink(filepath.Join(target, "dev/fd")); err != nil || link != "/proc/self/fd" {
		t.Errorf("dev/fd -> %q (%v), want /proc/self/fd", link, err)
	}
}

func TestSuppressAndRestoreDaemons(t *testing.T) {
	env, target := testEnv(t)
	if err := env.UsrMerge(); err != nil {
		t.Fatal(err)
	}

	ssd := filepath.Join(target, "sbin/start-stop-daemon")
	if err := os.WriteFile(ssd, []byte("real daemon tool"), 0755); err != nil {
		t.Fatal(err)
	}

	if err := env.SuppressDaemons(); err != nil {
		t.Fatalf("SuppressDaemons: %v", err)
	}

	if link, err := os.Readlink(ssd); err != nil || link != "/bin/true" {
		t.Errorf("start-stop-daemon = %q (%v), want symlink to /bin/true", link, err)
	}
	saved, err := os.ReadFile(ssd + ".REAL")
	if err != nil || string(saved) != "real daemon tool" {
		t.Errorf("original not parked as .REAL: %v", err)
	}

	policy := filepath.Join(target, "usr/sbin/policy-rc.d")
	fi, err := os.Stat(policy)
	if err != nil {
		t.Fatalf("policy-rc.d: %v", err)
	}
	if fi.Mode().Perm() != 0755 {
		t.Errorf("policy-rc.d mode = %o, want 0755", fi.Mode().Perm())
	}
	content, _ := os.ReadFile(policy)
	if string(content) != "#!/bin/sh\nexit 101\n" {
		t.Errorf("policy-rc.d = %q", content)
	}

	if err := env.RestoreDaemons(); err != nil {
		t.Fatalf("RestoreDaemons: %v", err)
	}
	restored, err := os.ReadFile(ssd)
	if err != nil || string(restored) != "real daemon tool" {
		t.Errorf("start-stop-daemon not restored: %v", err)
	}
	if _, err := os.Stat(policy); !os.IsNotExist(err) {
		t.Error("policy-rc.d still present after restore")
	}
}

func TestHealDaemonControls(t *testing.T) {
	env, target := testEnv(t)
	if err := env.UsrMerge(); err != nil {
		t.Fatal(err)
	}

	// Leftovers of a run that died mid-configuration.
	policy := filepath.Join(target, "usr/sbin/policy-rc.d")
	if err := os.WriteFile(policy, []byte("#!/bin/sh\nexit 101\n"), 0755); err != nil {
		t.Fatal(err)
	}
	ssd := filepath.Join(target, "sbin/start-stop-daemon")
	if err := os.WriteFile(ssd+".REAL", []byte("real"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("/bin/true", ssd); err != nil {
		t.Fatal(err)
	}

	if err := env.HealDaemonControls(); err != nil {
		t.Fatalf("HealDaemonControls: %v", err)
	}
	if _, err := os.Stat(policy); !os.IsNotExist(err) {
		t.Error("stale policy-rc.d survived healing")
	}
	restored, err := os.ReadFile(ssd)
	if err != nil || string(restored) != "real" {
		t.Errorf("start-stop-daemon not healed: %v", err)
	}
}

package chroot

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/open-edge-platform/apt-bootstrap/internal/utils/logger"
)

// ErrMountFailed reports a mount syscall that the kernel rejected.
var ErrMountFailed = errors.New("mount failed")

// MountStack tracks every path mounted by this process, last mounted first.
// UmountAll drains it in LIFO order and is the shutdown guarantee: whatever
// else goes wrong, the stack is empty when the process exits.
type MountStack struct {
	mu      sync.Mutex
	targets []string

	mountFn    func(source, target, fstype string, flags uintptr, data string) error
	unmountFn  func(target string, flags int) error
	mountsFile string
}

func NewMountStack() *MountStack {
	return &MountStack{
		mountFn:    unix.Mount,
		unmountFn:  unix.Unmount,
		mountsFile: "/proc/self/mounts",
	}
}

// Mount mounts source on target and pushes target on the stack. Mounting a
// target that is already mounted is a warning no-op and is not pushed.
func (s *MountStack) Mount(source, target, fstype string, flags uintptr, data string) error {
	log := logger.Logger()

	mounted, err := s.isMounted(target)
	if err != nil {
		return fmt.Errorf("failed to check mount state of %s: %w", target, err)
	}
	if mounted {
		log.Warnf("already mounted, skipping: %s", target)
		return nil
	}

	if err := os.MkdirAll(target, 0755); err != nil {
		return fmt.Errorf("failed to create mount point %s: %w", target, err)
	}
	if err := s.mountFn(source, target, fstype, flags, data); err != nil {
		return fmt.Errorf("failed to mount %s on %s: %v: %w", source, target, err, ErrMountFailed)
	}
	log.Debugf("mounted %s on %s", source, target)

	s.mu.Lock()
	s.targets = append(s.targets, target)
	s.mu.Unlock()
	return nil
}

// Umount unmounts target and removes it from the stack.
func (s *MountStack) Umount(target string) error {
	if err := s.unmount(target); err != nil {
		return err
	}
	s.mu.Lock()
	for i := len(s.targets) - 1; i >= 0; i-- {
		if s.targets[i] == target {
			s.targets = append(s.targets[:i], s.targets[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	return nil
}

// UmountAll drains the stack in LIFO order. It keeps going past individual
// failures and reports the first one.
func (s *MountStack) UmountAll() error {
	s.mu.Lock()
	targets := make([]string, len(s.targets))
	copy(targets, s.targets)
	s.targets = s.targets[:0]
	s.mu.Unlock()

	var firstErr error
	for i := len(targets) - 1; i >= 0; i-- {
		if err := s.unmount(targets[i]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Empty reports whether no mounts remain on the stack.
func (s *MountStack) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.targets) == 0
}

func (s *MountStack) unmount(target string) error {
	log := logger.Logger()

	mounted, err := s.isMounted(target)
	if err != nil {
		return fmt.Errorf("failed to check mount state of %s: %w", target, err)
	}
	if !mounted {
		log.Debugf("not mounted, skipping: %s", target)
		return nil
	}

	if err := s.unmountFn(target, 0); err != nil {
		// A busy mount point gets a lazy detach before giving up.
		log.Debugf("umount %s: %v, retrying detached", target, err)
		if err := s.unmountFn(target, unix.MNT_DETACH); err != nil {
			return fmt.Errorf("failed to unmount %s: %v: %w", target, err, ErrMountFailed)
		}
	}
	log.Debugf("unmounted %s", target)
	return nil
}

func (s *MountStack) isMounted(target string) (bool, error) {
	f, err := os.Open(s.mountsFile)
	if err != nil {
		return false, err
	}
	defer f.Close()

	for _, mp := range parseMountTargets(f) {
		if mp == target {
			return true, nil
		}
	}
	return false, nil
}

// parseMountTargets extracts the mount-point column of an fstab-format
// mount table.
func parseMountTargets(r io.Reader) []string {
	var targets []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) > 2 {
			targets = append(targets, unescapeMountPath(fields[1]))
		}
	}
	return targets
}

// unescapeMountPath reverses the octal escaping the kernel applies to
// whitespace in /proc mount tables.
func unescapeMountPath(s string) string {
	replacer := strings.NewReplacer(`\040`, " ", `\011`, "\t", `\012`, "\n", `\134`, `\`)
	return replacer.Replace(s)
}

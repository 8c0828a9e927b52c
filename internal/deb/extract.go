package deb

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/open-edge-platform/apt-bootstrap/internal/utils/file"
)

// Extract materializes member under root, preserving mode, ownership,
// timestamps and device/link semantics. Callers must feed members in archive
// order so directories exist before their children.
func Extract(m *Member, data []byte, root string) error {
	dest, err := destPath(m.Name, root)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create parent of %s: %w", dest, err)
	}

	switch m.Type {
	case TypeFile:
		if err := file.WriteAtomic(dest, data, 0600); err != nil {
			return err
		}
		return applyMeta(m, dest)
	case TypeDir:
		if err := os.MkdirAll(dest, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dest, err)
		}
		return applyMeta(m, dest)
	case TypeSymlink:
		if err := replaceWithSymlink(m.Linkname, dest); err != nil {
			return err
		}
		// Permissions and times live on the link target, not the link.
		if err := unix.Lchown(dest, m.UID, m.GID); err != nil {
			return fmt.Errorf("failed to chown symlink %s: %w", dest, err)
		}
		return nil
	case TypeHardlink:
		linkTarget, err := destPath(m.Linkname, root)
		if err != nil {
			return err
		}
		if file.Exists(dest) {
			if err := os.Remove(dest); err != nil {
				return fmt.Errorf("failed to replace %s: %w", dest, err)
			}
		}
		if err := os.Link(linkTarget, dest); err != nil {
			return fmt.Errorf("failed to hardlink %s -> %s: %w", dest, linkTarget, err)
		}
		return nil
	case TypeCharDev:
		return makeNode(m, dest, unix.S_IFCHR)
	case TypeBlockDev:
		return makeNode(m, dest, unix.S_IFBLK)
	case TypeFifo:
		if err := unix.Mknod(dest, unix.S_IFIFO|m.Mode, 0); err != nil {
			return fmt.Errorf("failed to mknod fifo %s: %w", dest, err)
		}
		return applyMeta(m, dest)
	}
	return fmt.Errorf("%s: member type %d: %w", m.Name, m.Type, ErrUnsupportedMember)
}

// destPath joins a member name with root, rejecting absolute names and any
// name that climbs out of root.
func destPath(name, root string) (string, error) {
	if name == "" || filepath.IsAbs(name) {
		return "", fmt.Errorf("%q: %w", name, ErrPathEscape)
	}
	dest := filepath.Join(root, name)
	inside, err := file.IsSubPath(root, dest)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %q under %s: %w", name, root, err)
	}
	if !inside {
		return "", fmt.Errorf("%q: %w", name, ErrPathEscape)
	}
	return dest, nil
}

func replaceWithSymlink(linkname, dest string) error {
	if file.Exists(dest) {
		if err := os.Remove(dest); err != nil {
			return fmt.Errorf("failed to replace %s: %w", dest, err)
		}
	}
	if err := os.Symlink(linkname, dest); err != nil {
		return fmt.Errorf("failed to symlink %s -> %s: %w", dest, linkname, err)
	}
	return nil
}

func makeNode(m *Member, dest string, ifmt uint32) error {
	dev := unix.Mkdev(m.Major, m.Minor)
	if err := unix.Mknod(dest, ifmt|m.Mode, int(dev)); err != nil {
		return fmt.Errorf("failed to mknod %s (%d,%d): %w", dest, m.Major, m.Minor, err)
	}
	return applyMeta(m, dest)
}

// applyMeta restores permission bits, ownership and timestamps on a
// non-symlink entry. Mode is applied after creation so the umask never
// narrows it.
func applyMeta(m *Member, dest string) error {
	if err := unix.Chmod(dest, m.Mode); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", dest, err)
	}
	if err := unix.Lchown(dest, m.UID, m.GID); err != nil {
		return fmt.Errorf("failed to chown %s: %w", dest, err)
	}
	if err := os.Chtimes(dest, m.ModTime, m.ModTime); err != nil {
		return fmt.Errorf("failed to set times on %s: %w", dest, err)
	}
	return nil
}

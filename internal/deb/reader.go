package deb

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/blakesmith/ar"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Archive is an opened binary package. A .deb is an ar container holding a
// debian-binary marker, a control.tar.* and a data.tar.*; only the data
// payload matters for extraction.
type Archive struct {
	path string
	f    *os.File
}

// Open opens the binary package at path.
func Open(path string) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open package %s: %w", path, err)
	}
	return &Archive{path: path, f: f}, nil
}

func (a *Archive) Close() error {
	return a.f.Close()
}

// EachMember locates the data.tar payload, decompresses it transparently and
// calls visit for every entry in archive order with its metadata and payload
// bytes. Iteration stops at the first error.
func (a *Archive) EachMember(visit func(*Member, []byte) error) error {
	if _, err := a.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind %s: %w", a.path, err)
	}

	rdr := ar.NewReader(a.f)
	for {
		hdr, err := rdr.Next()
		if err == io.EOF {
			return fmt.Errorf("%s: no data.tar member: %w", a.path, ErrMalformedArchive)
		}
		if err != nil {
			return fmt.Errorf("%s: %v: %w", a.path, err, ErrMalformedArchive)
		}

		name := strings.TrimRight(strings.TrimSpace(hdr.Name), "/")
		if !strings.HasPrefix(name, "data.tar") {
			continue
		}

		data, err := decompress(rdr, name)
		if err != nil {
			return fmt.Errorf("%s: %w", a.path, err)
		}
		defer data.close()

		return a.eachTarMember(data.r, visit)
	}
}

func (a *Archive) eachTarMember(r io.Reader, visit func(*Member, []byte) error) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: data.tar: %v: %w", a.path, err, ErrMalformedArchive)
		}

		m, err := memberFromTar(hdr)
		if err != nil {
			return fmt.Errorf("%s: %s: %w", a.path, hdr.Name, err)
		}
		if m.Name == "" {
			// The leading "./" root entry carries nothing to materialize.
			continue
		}

		payload, err := io.ReadAll(tr)
		if err != nil {
			return fmt.Errorf("%s: reading %s: %v: %w", a.path, m.Name, err, ErrMalformedArchive)
		}
		if int64(len(payload)) != m.Size {
			return fmt.Errorf("%s: %s: payload is %d bytes, header declares %d: %w",
				a.path, m.Name, len(payload), m.Size, ErrMalformedArchive)
		}

		if err := visit(m, payload); err != nil {
			return err
		}
	}
}

func memberFromTar(hdr *tar.Header) (*Member, error) {
	m := &Member{
		Name:     strings.TrimPrefix(strings.TrimPrefix(hdr.Name, "./"), "/"),
		Size:     hdr.Size,
		Mode:     uint32(hdr.Mode) & 07777,
		UID:      hdr.Uid,
		GID:      hdr.Gid,
		ModTime:  hdr.ModTime,
		Linkname: hdr.Linkname,
		Major:    uint32(hdr.Devmajor),
		Minor:    uint32(hdr.Devminor),
	}

	switch hdr.Typeflag {
	case tar.TypeReg:
		m.Type = TypeFile
	case tar.TypeDir:
		m.Type = TypeDir
		m.Name = strings.TrimRight(m.Name, "/")
	case tar.TypeSymlink:
		m.Type = TypeSymlink
	case tar.TypeLink:
		m.Type = TypeHardlink
		m.Linkname = strings.TrimPrefix(strings.TrimPrefix(hdr.Linkname, "./"), "/")
	case tar.TypeChar:
		m.Type = TypeCharDev
	case tar.TypeBlock:
		m.Type = TypeBlockDev
	case tar.TypeFifo:
		m.Type = TypeFifo
	default:
		return nil, fmt.Errorf("tar type %q: %w", hdr.Typeflag, ErrUnsupportedMember)
	}
	return m, nil
}

type payloadReader struct {
	r     io.Reader
	close func()
}

// decompress wraps r according to the data.tar member's extension. Plain,
// gzip, xz and zstd payloads all occur in the wild.
func decompress(r io.Reader, name string) (*payloadReader, error) {
	switch {
	case strings.HasSuffix(name, ".tar"):
		return &payloadReader{r: r, close: func() {}}, nil
	case strings.HasSuffix(name, ".gz"):
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("%s: %v: %w", name, err, ErrMalformedArchive)
		}
		return &payloadReader{r: gr, close: func() { gr.Close() }}, nil
	case strings.HasSuffix(name, ".xz"):
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("%s: %v: %w", name, err, ErrMalformedArchive)
		}
		return &payloadReader{r: xr, close: func() {}}, nil
	case strings.HasSuffix(name, ".zst"):
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("%s: %v: %w", name, err, ErrMalformedArchive)
		}
		return &payloadReader{r: zr, close: zr.Close}, nil
	}
	return nil, fmt.Errorf("%s: unknown compression: %w", name, ErrMalformedArchive)
}

package apt

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/julien-sobczak/deb822"
	"github.com/klauspost/compress/gzip"

	"github.com/open-edge-platform/apt-bootstrap/internal/chroot"
	"github.com/open-edge-platform/apt-bootstrap/internal/dpkg"
	"github.com/open-edge-platform/apt-bootstrap/internal/utils/file"
	"github.com/open-edge-platform/apt-bootstrap/internal/utils/logger"
)

// IndexConfig selects the archive a FileIndex resolves against.
type IndexConfig struct {
	Mirror     string
	Suite      string
	Components []string
	Arch       string
	Keyring    string // host path, empty permits unauthenticated fetches
	Recommends bool
	Workers    int
}

// FileIndex is an Index backed by the archive's own metadata files,
// downloaded into the target's apt lists directory and parsed in memory.
// It owns that on-disk state exclusively for the duration of one bootstrap.
type FileIndex struct {
	cfg    IndexConfig
	target string
	env    *chroot.Env
	db     *dpkg.DB

	packages  map[string][]*Package // name -> all candidate versions
	provides  map[string][]*Package
	installed map[string]string
	marked    map[string]*Package
	order     []string
}

func NewFileIndex(cfg IndexConfig, env *chroot.Env, db *dpkg.DB) *FileIndex {
	if len(cfg.Components) == 0 {
		cfg.Components = []string{"main"}
	}
	return &FileIndex{
		cfg:    cfg,
		target: env.Target(),
		env:    env,
		db:     db,
	}
}

func (x *FileIndex) listsDir() string {
	return filepath.Join(x.target, "var/lib/apt/lists")
}

func (x *FileIndex) cacheDir() string {
	return filepath.Join(x.target, "var/cache/apt/archives")
}

// escapedMirror is the lists-directory filename prefix for the configured
// mirror, scheme stripped and slashes flattened.
func (x *FileIndex) escapedMirror() string {
	m := strings.TrimSuffix(x.cfg.Mirror, "/")
	m = strings.TrimPrefix(m, "http://")
	m = strings.TrimPrefix(m, "https://")
	return strings.ReplaceAll(m, "/", "_")
}

func (x *FileIndex) packagesFile(component string) string {
	name := fmt.Sprintf("%s_dists_%s_%s_binary-%s_Packages",
		x.escapedMirror(), x.cfg.Suite, component, x.cfg.Arch)
	return filepath.Join(x.listsDir(), name)
}

// Update downloads InRelease and the per-component Packages indices,
// verifying the former against the keyring and the latter against the
// former's checksum table.
func (x *FileIndex) Update() error {
	log := logger.Logger()

	base := strings.TrimSuffix(x.cfg.Mirror, "/")
	dist := base + "/dists/" + x.cfg.Suite

	inReleasePath := filepath.Join(x.listsDir(), x.escapedMirror()+"_dists_"+x.cfg.Suite+"_InRelease")
	if err := fetchAll([]fetchItem{{URL: dist + "/InRelease", Dest: inReleasePath}}, 1); err != nil {
		return err
	}
	raw, err := os.ReadFile(inReleasePath)
	if err != nil {
		return fmt.Errorf("failed to read InRelease: %w", err)
	}

	var release []byte
	if x.cfg.Keyring != "" {
		keyring, err := os.ReadFile(x.cfg.Keyring)
		if err != nil {
			return fmt.Errorf("failed to read keyring %s: %w", x.cfg.Keyring, err)
		}
		release, err = verifyInRelease(raw, keyring)
		if err != nil {
			return fmt.Errorf("InRelease for %s: %w", x.cfg.Suite, err)
		}
	} else {
		log.Warnf("no keyring configured, fetching %s unauthenticated", x.cfg.Suite)
		release = stripClearsign(raw)
	}

	checksums, err := parseChecksums(release)
	if err != nil {
		return fmt.Errorf("InRelease for %s: %w", x.cfg.Suite, err)
	}

	var items []fetchItem
	for _, comp := range x.cfg.Components {
		rel := fmt.Sprintf("%s/binary-%s/Packages.gz", comp, x.cfg.Arch)
		entry, ok := checksums[rel]
		if !ok {
			return fmt.Errorf("%s not listed in Release for %s", rel, x.cfg.Suite)
		}
		items = append(items, fetchItem{
			URL:    dist + "/" + rel,
			Dest:   x.packagesFile(comp) + ".gz",
			SHA256: entry.sha256,
			Size:   entry.size,
		})
	}
	if err := fetchAll(items, x.cfg.Workers); err != nil {
		return err
	}

	for _, comp := range x.cfg.Components {
		if err := gunzipFile(x.packagesFile(comp)+".gz", x.packagesFile(comp)); err != nil {
			return err
		}
	}
	return nil
}

// Open rebuilds the in-memory resolution state from the downloaded indices
// and the target's installed-package database, discarding any marks.
func (x *FileIndex) Open() error {
	x.packages = make(map[string][]*Package)
	x.provides = make(map[string][]*Package)
	x.marked = make(map[string]*Package)
	x.order = nil

	for _, comp := range x.cfg.Components {
		if err := x.loadPackagesFile(x.packagesFile(comp)); err != nil {
			return err
		}
	}

	installed, err := x.db.Installed()
	if err != nil {
		return err
	}
	x.installed = installed
	return nil
}

func (x *FileIndex) loadPackagesFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open package index %s: %w", path, err)
	}
	defer f.Close()

	parser, err := deb822.NewParser(f)
	if err != nil {
		return fmt.Errorf("failed to read package index %s: %w", path, err)
	}
	doc, err := parser.Parse()
	if err != nil {
		return fmt.Errorf("failed to parse package index %s: %w", path, err)
	}

	for _, stanza := range doc.Paragraphs {
		p := packageFromStanza(stanza)
		if p.Name == "" {
			continue
		}
		x.add(p)
	}
	return nil
}

// add registers one candidate record in the lookup maps.
func (x *FileIndex) add(p *Package) {
	x.packages[p.Name] = append(x.packages[p.Name], p)
	for _, prov := range p.Provides {
		x.provides[prov] = append(x.provides[prov], p)
	}
}

func packageFromStanza(s deb822.Paragraph) *Package {
	size, _ := strconv.ParseInt(s.Value("Size"), 10, 64)

	depends := parseDepField(s.Value("Pre-Depends"))
	depends = append(depends, parseDepField(s.Value("Depends"))...)

	return &Package{
		Name:         s.Value("Package"),
		Version:      s.Value("Version"),
		Architecture: s.Value("Architecture"),
		Priority:     s.Value("Priority"),
		MultiArch:    s.Value("Multi-Arch"),
		Essential:    s.Value("Essential") == "yes",
		Filename:     s.Value("Filename"),
		SHA256:       s.Value("SHA256"),
		Size:         size,
		Depends:      depends,
		Recommends:   parseDepField(s.Value("Recommends")),
		Provides:     parseProvides(s.Value("Provides")),
	}
}

// candidate returns the highest version of name, or nil.
func (x *FileIndex) candidate(name string) *Package {
	var best *Package
	for _, p := range x.packages[name] {
		if best == nil || CompareVersions(p.Version, best.Version) > 0 {
			best = p
		}
	}
	return best
}

// FilterByPriority returns the packages of one class sorted by name. The
// essential class selects on the Essential attribute, the others on the
// Priority field.
func (x *FileIndex) FilterByPriority(class string) []*Package {
	var out []*Package
	for name := range x.packages {
		p := x.candidate(name)
		if p == nil {
			continue
		}
		switch class {
		case PriorityEssential:
			if p.Essential {
				out = append(out, p)
			}
		default:
			if p.Priority == class {
				out = append(out, p)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// MarkInstall schedules name and its dependency closure. Marking is
// idempotent; packages already installed in the target are not re-marked.
func (x *FileIndex) MarkInstall(name string) error {
	p := x.candidate(name)
	if p == nil {
		provs := x.provides[name]
		if len(provs) == 0 {
			return fmt.Errorf("%q: %w", name, ErrUnknownPackage)
		}
		p = provs[0]
	}
	return x.mark(p)
}

func (x *FileIndex) mark(p *Package) error {
	if _, ok := x.installed[p.Name]; ok {
		return nil
	}
	if _, ok := x.marked[p.Name]; ok {
		return nil
	}
	x.marked[p.Name] = p
	x.order = append(x.order, p.Name)

	for _, alts := range p.Depends {
		if err := x.markOneOf(p, alts); err != nil {
			return err
		}
	}
	if x.cfg.Recommends {
		// Recommends are best effort: one pointing outside the enabled
		// components must not abort the resolution.
		log := logger.Logger()
		for _, alts := range p.Recommends {
			if err := x.markOneOf(p, alts); err != nil {
				if errors.Is(err, ErrDependencyUnresolved) {
					log.Debugf("skipping recommend %v of %s: no candidate", alts, p.Name)
					continue
				}
				return err
			}
		}
	}
	return nil
}

// markOneOf satisfies one alternative group: an already installed or marked
// alternative wins, then the first resolvable one.
func (x *FileIndex) markOneOf(owner *Package, alts []string) error {
	for _, alt := range alts {
		if _, ok := x.installed[alt]; ok {
			return nil
		}
		if _, ok := x.marked[alt]; ok {
			return nil
		}
	}
	for _, alt := range alts {
		if dep := x.candidate(alt); dep != nil {
			return x.mark(dep)
		}
		if provs := x.provides[alt]; len(provs) > 0 {
			return x.mark(provs[0])
		}
	}
	return fmt.Errorf("%s needs one of %v: %w", owner.Name, alts, ErrDependencyUnresolved)
}

// Changes returns the marked packages in mark order.
func (x *FileIndex) Changes() []*Package {
	out := make([]*Package, 0, len(x.order))
	for _, name := range x.order {
		out = append(out, x.marked[name])
	}
	return out
}

// FetchArchives downloads every marked archive into the target's cache.
func (x *FileIndex) FetchArchives() error {
	base := strings.TrimSuffix(x.cfg.Mirror, "/")

	var items []fetchItem
	for _, p := range x.Changes() {
		items = append(items, fetchItem{
			URL:    base + "/" + p.Filename,
			Dest:   x.ArchivePath(p),
			SHA256: p.SHA256,
			Size:   p.Size,
		})
	}
	return fetchAll(items, x.cfg.Workers)
}

// ArchivePath is where a package's .deb lives in the cache. The version is
// URL-quoted because ':' (an epoch separator) is reserved in filenames.
func (x *FileIndex) ArchivePath(p *Package) string {
	version := strings.ReplaceAll(p.Version, ":", "%3a")
	return filepath.Join(x.cacheDir(),
		fmt.Sprintf("%s_%s_%s.deb", p.Name, version, p.Architecture))
}

// Commit executes the pending transaction with the target's own installer:
// fetch, unpack and configure everything still marked.
func (x *FileIndex) Commit() error {
	changes := x.Changes()
	if len(changes) == 0 {
		return nil
	}

	if err := x.FetchArchives(); err != nil {
		return err
	}

	args := []string{"--install", "--force-depends", "--force-unsafe-io"}
	for _, p := range changes {
		args = append(args, "/var/cache/apt/archives/"+filepath.Base(x.ArchivePath(p)))
	}
	if err := x.env.Exec("/usr/bin/dpkg", args...); err != nil {
		return fmt.Errorf("install transaction: %w", err)
	}

	if err := x.env.Exec("/usr/bin/dpkg", "--configure", "--pending",
		"--force-configure-any", "--force-depends", "--force-unsafe-io"); err != nil {
		return fmt.Errorf("install transaction: %w", err)
	}
	return nil
}

func gunzipFile(src, dst string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to decompress %s: %w", src, err)
	}
	defer gz.Close()

	buf, err := io.ReadAll(gz)
	if err != nil {
		return fmt.Errorf("failed to decompress %s: %w", src, err)
	}
	return file.WriteAtomic(dst, buf, 0644)
}

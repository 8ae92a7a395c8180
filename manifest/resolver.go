package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/hybrid/metadata"
)

// ErrNotFound is returned when an assembly is not on the search path.
var ErrNotFound = errors.New("assembly not found")

// ResolvedAssembly is an assembly located on disk.
type ResolvedAssembly struct {
	Name       string    // assembly name from the image
	Path       string    // absolute file path
	MVID       uuid.UUID // module version id
	Version    [4]uint16
	References []string // names of referenced assemblies, core library excluded
}

// Resolver locates the assemblies a manifest needs.
type Resolver struct {
	manifest *Manifest
	log      commonlog.Logger
	cache    map[string]*ResolvedAssembly // lower-case name -> assembly
}

// NewResolver creates a new assembly resolver.
func NewResolver(m *Manifest) *Resolver {
	return &Resolver{
		manifest: m,
		log:      commonlog.GetLogger("hybrid.manifest"),
		cache:    make(map[string]*ResolvedAssembly),
	}
}

// Locate returns the file holding assembly name. Each search path is
// probed for name.dll, name.exe and name.
func (r *Resolver) Locate(name string) (string, error) {
	for _, dir := range r.manifest.SearchDirPaths() {
		for _, ext := range []string{".dll", ".exe", ""} {
			path := filepath.Join(dir, name+ext)
			if st, err := os.Stat(path); err == nil && !st.IsDir() {
				return path, nil
			}
		}
	}
	return "", fmt.Errorf("%w: %s in %v", ErrNotFound, name, r.manifest.Assemblies.SearchPaths)
}

// Resolve locates the preloaded assemblies, the entry assembly and
// everything they reference, and returns them in load order
// (topologically sorted: references before referrers).
func (r *Resolver) Resolve() ([]ResolvedAssembly, error) {
	var roots []string
	for _, p := range r.manifest.Assemblies.Preload {
		roots = append(roots, r.manifest.abs(p))
	}
	if p := r.manifest.EntryAssemblyPath(); p != "" {
		roots = append(roots, p)
	}

	visiting := make(map[string]bool)
	var order []ResolvedAssembly
	for _, path := range roots {
		ra, err := r.inspect(path)
		if err != nil {
			return nil, err
		}
		if err := r.resolveAll(ra, visiting, &order); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// resolveAll appends ra's references and then ra to order. A reference
// cycle is reported as an error.
func (r *Resolver) resolveAll(ra *ResolvedAssembly, visiting map[string]bool, order *[]ResolvedAssembly) error {
	key := strings.ToLower(ra.Name)
	if done, seen := visiting[key]; seen {
		if !done {
			return fmt.Errorf("assembly reference cycle through %s", ra.Name)
		}
		return nil
	}
	visiting[key] = false

	for _, ref := range ra.References {
		dep, err := r.byName(ref)
		if err != nil {
			return fmt.Errorf("resolving %s (referenced by %s): %w", ref, ra.Name, err)
		}
		if err := r.resolveAll(dep, visiting, order); err != nil {
			return err
		}
	}

	visiting[key] = true
	*order = append(*order, *ra)
	return nil
}

func (r *Resolver) byName(name string) (*ResolvedAssembly, error) {
	if ra, ok := r.cache[strings.ToLower(name)]; ok {
		return ra, nil
	}
	path, err := r.Locate(name)
	if err != nil {
		return nil, err
	}
	return r.inspect(path)
}

// inspect reads the identity and references of the image at path.
func (r *Resolver) inspect(path string) (*ResolvedAssembly, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	raw, err := metadata.LoadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	ra := &ResolvedAssembly{Path: abs}
	if raw.RowCount(metadata.TableAssembly) > 0 {
		a := raw.Assembly(1)
		ra.Name, ra.Version = a.Name, a.Version
	}
	if ra.Name == "" {
		ra.Name = strings.TrimSuffix(filepath.Base(abs), filepath.Ext(abs))
	}
	if raw.RowCount(metadata.TableModule) > 0 {
		ra.MVID = raw.GUID(raw.Module(1).Mvid)
	}
	for row := uint32(1); row <= raw.RowCount(metadata.TableAssemblyRef); row++ {
		name := raw.AssemblyRef(row).Name
		if !IsCorlibAssembly(name) {
			ra.References = append(ra.References, name)
		}
	}
	if prev, ok := r.cache[strings.ToLower(ra.Name)]; ok && prev.Path != abs {
		r.log.Warningf("assembly %s found at %s and %s; using the first", ra.Name, prev.Path, abs)
		return prev, nil
	}
	r.cache[strings.ToLower(ra.Name)] = ra
	r.log.Debugf("resolved %s %s at %s", ra.Name, ra.MVID, abs)
	return ra, nil
}

// ---------------------------------------------------------------------------
// Lock file
// ---------------------------------------------------------------------------

// LockFile pins the assemblies a manifest resolved to.
type LockFile struct {
	Assemblies []LockedAssembly `toml:"assembly"`
}

// LockedAssembly is one pinned assembly.
type LockedAssembly struct {
	Name    string `toml:"name"`
	Path    string `toml:"path"`
	MVID    string `toml:"mvid"`
	Version string `toml:"version"`
}

// Find returns the entry for name, or nil.
func (lf *LockFile) Find(name string) *LockedAssembly {
	for i := range lf.Assemblies {
		if strings.EqualFold(lf.Assemblies[i].Name, name) {
			return &lf.Assemblies[i]
		}
	}
	return nil
}

// ReadLock reads a lock file. A missing file yields an empty lock.
func ReadLock(path string) (*LockFile, error) {
	lf := &LockFile{}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return lf, nil
	}
	if err != nil {
		return nil, err
	}
	if err := toml.Unmarshal(data, lf); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	return lf, nil
}

// WriteLock writes lf to path with entries sorted by name.
func WriteLock(path string, lf *LockFile) error {
	sort.Slice(lf.Assemblies, func(i, j int) bool {
		return strings.ToLower(lf.Assemblies[i].Name) < strings.ToLower(lf.Assemblies[j].Name)
	})
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := toml.NewEncoder(f).Encode(lf); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// NewLock builds the lock file of a resolution. Paths are stored relative
// to the manifest directory when possible.
func (r *Resolver) NewLock(resolved []ResolvedAssembly) *LockFile {
	lf := &LockFile{}
	for _, ra := range resolved {
		path := ra.Path
		if rel, err := filepath.Rel(r.manifest.Dir, path); err == nil && !strings.HasPrefix(rel, "..") {
			path = filepath.ToSlash(rel)
		}
		v := ra.Version
		lf.Assemblies = append(lf.Assemblies, LockedAssembly{
			Name:    ra.Name,
			Path:    path,
			MVID:    ra.MVID.String(),
			Version: fmt.Sprintf("%d.%d.%d.%d", v[0], v[1], v[2], v[3]),
		})
	}
	return lf
}

// Drift describes an assembly that no longer matches the lock file.
type Drift struct {
	Name   string
	Reason string
}

func (d Drift) String() string { return d.Name + ": " + d.Reason }

// Verify compares a resolution with the lock file.
func (r *Resolver) Verify(lf *LockFile, resolved []ResolvedAssembly) []Drift {
	var drift []Drift
	seen := make(map[string]bool)
	for _, ra := range resolved {
		seen[strings.ToLower(ra.Name)] = true
		locked := lf.Find(ra.Name)
		switch {
		case locked == nil:
			drift = append(drift, Drift{ra.Name, "not in lock file"})
		case locked.MVID != ra.MVID.String():
			drift = append(drift, Drift{ra.Name, fmt.Sprintf("mvid %s, locked %s", ra.MVID, locked.MVID)})
		}
	}
	for _, la := range lf.Assemblies {
		if !seen[strings.ToLower(la.Name)] {
			drift = append(drift, Drift{la.Name, "locked but no longer referenced"})
		}
	}
	return drift
}

package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// File name suffixes. The canonical file is <tenant><CanonicalExt>; the
// others append to it.
const (
	CanonicalExt = ".json"
	BackupExt    = ".bak"
	ScratchExt   = ".tmp"
	LockExt      = ".lock"
)

// Paths holds every file name a tenant may own.
type Paths struct {
	TenantID  string
	Canonical string
	Backup    string
	Scratch   string
	Lock      string
}

// Layout maps tenant ids to files in a single data directory.
type Layout struct {
	dir string
}

// New creates a layout rooted at dir
func New(dir string) *Layout {
	return &Layout{dir: filepath.Clean(dir)}
}

// Dir returns the data directory
func (l *Layout) Dir() string {
	return l.dir
}

// EnsureDir creates the data directory if needed
func (l *Layout) EnsureDir() error {
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	return nil
}

// Paths returns the file names for a tenant. The id must already be
// validated; Paths does not sanitise it.
func (l *Layout) Paths(tenantID string) Paths {
	canonical := filepath.Join(l.dir, tenantID+CanonicalExt)
	return Paths{
		TenantID:  tenantID,
		Canonical: canonical,
		Backup:    canonical + BackupExt,
		Scratch:   canonical + ScratchExt,
		Lock:      canonical + LockExt,
	}
}

// TenantFromPath returns the tenant whose canonical file is path.
func (l *Layout) TenantFromPath(path string) (string, bool) {
	if filepath.Dir(filepath.Clean(path)) != l.dir {
		return "", false
	}
	base := filepath.Base(path)
	if !strings.HasSuffix(base, CanonicalExt) {
		return "", false
	}
	id := strings.TrimSuffix(base, CanonicalExt)
	if id == "" {
		return "", false
	}
	return id, true
}

// ListTenants returns every tenant with a canonical or backup file, sorted.
// A tenant whose canonical file was lost but whose backup survived is
// still listed so it can be repaired.
func (l *Layout) ListTenants() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list data directory: %w", err)
	}

	seen := make(map[string]struct{})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		var id string
		switch {
		case strings.HasSuffix(name, CanonicalExt):
			id = strings.TrimSuffix(name, CanonicalExt)
		case strings.HasSuffix(name, CanonicalExt+BackupExt):
			id = strings.TrimSuffix(name, CanonicalExt+BackupExt)
		default:
			continue
		}
		if id == "" || strings.HasPrefix(id, ".") {
			continue
		}
		seen[id] = struct{}{}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

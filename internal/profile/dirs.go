package profile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// ErrInvalidName reports a profile name that would escape the user-data root.
var ErrInvalidName = errors.New("profile: invalid profile directory name")

// Dirs manages the per-profile user-data directories below a root.
type Dirs struct {
	root string
}

// NewDirs returns a Dirs rooted at root.
func NewDirs(root string) *Dirs {
	return &Dirs{root: root}
}

// Root returns the user-data root.
func (d *Dirs) Root() string { return d.root }

// Path returns the user-data directory of a profile.
func (d *Dirs) Path(name string) string {
	return filepath.Join(d.root, name)
}

// Exists reports whether the profile already has a user-data directory.
func (d *Dirs) Exists(name string) bool {
	if ValidName(name) != nil {
		return false
	}
	info, err := os.Stat(d.Path(name))
	return err == nil && info.IsDir()
}

// List returns the existing profile directories sorted by name. A missing
// root yields an empty list.
func (d *Dirs) List() ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("profile: failed to list %s: %w", d.root, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Ordered lists the existing directories with the ones named in profiles
// first, in data order, followed by the remaining directories.
func (d *Dirs) Ordered(profiles []Profile) ([]string, error) {
	existing, err := d.List()
	if err != nil {
		return nil, err
	}
	present := make(map[string]bool, len(existing))
	for _, name := range existing {
		present[name] = true
	}

	ordered := make([]string, 0, len(existing))
	seen := make(map[string]bool, len(existing))
	for _, p := range profiles {
		if present[p.Name] && !seen[p.Name] {
			ordered = append(ordered, p.Name)
			seen[p.Name] = true
		}
	}
	for _, name := range existing {
		if !seen[name] {
			ordered = append(ordered, name)
		}
	}
	return ordered, nil
}

// Delete removes the named profile directories. Every name is attempted; the
// returned error joins the failures.
func (d *Dirs) Delete(names ...string) ([]string, error) {
	var (
		deleted []string
		errs    []error
	)
	for _, name := range names {
		if err := ValidName(name); err != nil {
			errs = append(errs, fmt.Errorf("%q: %w", name, err))
			continue
		}
		path := d.Path(name)
		if _, err := os.Stat(path); err != nil {
			errs = append(errs, fmt.Errorf("%q: %w", name, err))
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			errs = append(errs, fmt.Errorf("%q: %w", name, err))
			continue
		}
		deleted = append(deleted, name)
	}
	return deleted, errors.Join(errs...)
}

// ValidName rejects names that are empty, dot entries or contain a path
// separator.
func ValidName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || filepath.Base(name) != name {
		return ErrInvalidName
	}
	return nil
}

// ErrEmptySelection means a menu answer selected nothing valid.
var ErrEmptySelection = errors.New("profile: no valid profile selected")

// Select parses a menu answer of space separated 1 based indices into 0 based
// indices over n items. "0" anywhere selects everything. Tokens that are not
// valid indices are returned in skipped. Duplicates are dropped.
func Select(input string, n int) (indices []int, skipped []string, err error) {
	tokens := strings.Fields(input)
	for _, tok := range tokens {
		if tok == "0" {
			all := make([]int, n)
			for i := range all {
				all[i] = i
			}
			if n == 0 {
				return nil, nil, ErrEmptySelection
			}
			return all, nil, nil
		}
	}

	seen := make(map[int]bool)
	for _, tok := range tokens {
		v, convErr := strconv.Atoi(tok)
		if convErr != nil || v < 1 || v > n {
			skipped = append(skipped, tok)
			continue
		}
		if !seen[v-1] {
			seen[v-1] = true
			indices = append(indices, v-1)
		}
	}
	if len(indices) == 0 {
		return nil, skipped, ErrEmptySelection
	}
	return indices, skipped, nil
}

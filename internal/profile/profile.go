// Package profile loads the per-profile records from the data file and manages
// the browser user-data directories that belong to them.
package profile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// DefaultNameField is the field that names a profile.
const DefaultNameField = "profile_name"

var (
	// ErrNoData is returned by Load when the data file does not exist.
	ErrNoData = errors.New("profile: data file not found")
	// ErrEmptyName reports a record without a profile name.
	ErrEmptyName = errors.New("profile: record has an empty profile name")

	proxyRe = regexp.MustCompile(`^(?:\w+:\w+@)?\d{1,3}(?:\.\d{1,3}){3}:\d{1,5}$`)
)

// Profile is one line of the data file.
type Profile struct {
	Name   string
	Fields map[string]string
	// Extra holds the values beyond the named fields, in order.
	Extra []string
	// Proxy is "ip:port" or "user:pass@ip:port", empty when the line has none.
	Proxy string
	// Line is the 1 based line number in the source, 0 for generated profiles.
	Line int

	present map[string]bool
}

// Get returns the value of a named field, empty when the line was too short.
func (p Profile) Get(field string) string {
	return p.Fields[field]
}

// Has reports whether the line actually carried a value for the field.
func (p Profile) Has(field string) bool {
	return p.present[field]
}

// HasProxy reports whether the profile routes through a proxy.
func (p Profile) HasProxy() bool { return p.Proxy != "" }

// IsProxy reports whether s has the proxy shape accepted at the end of a line.
func IsProxy(s string) bool {
	return proxyRe.MatchString(s)
}

// ParseLine parses one "|" separated record. The first field name is the
// profile name; when no field names are given it defaults to profile_name.
func ParseLine(line string, fields ...string) (Profile, error) {
	if len(fields) == 0 {
		fields = []string{DefaultNameField}
	}

	raw := strings.Split(strings.TrimSpace(line), "|")
	parts := make([]string, len(raw))
	for i, part := range raw {
		parts[i] = strings.TrimSpace(part)
	}

	p := Profile{
		Fields:  make(map[string]string, len(fields)),
		present: make(map[string]bool, len(fields)),
	}
	if last := parts[len(parts)-1]; IsProxy(last) {
		p.Proxy = last
		parts = parts[:len(parts)-1]
	}

	for i, name := range fields {
		if i < len(parts) {
			p.Fields[name] = parts[i]
			p.present[name] = true
		} else {
			p.Fields[name] = ""
		}
	}
	if len(parts) > len(fields) {
		p.Extra = append([]string(nil), parts[len(fields):]...)
	}

	p.Name = p.Fields[fields[0]]
	if p.Name == "" {
		return Profile{}, ErrEmptyName
	}
	return p, nil
}

// Parse reads every record from r. Blank lines and lines starting with "#"
// are skipped.
func Parse(r io.Reader, fields ...string) ([]Profile, error) {
	var profiles []Profile
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		p, err := ParseLine(text, fields...)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		p.Line = lineNo
		profiles = append(profiles, p)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("profile: failed to read data: %w", err)
	}
	return profiles, nil
}

// Load parses the data file at path.
func Load(path string, fields ...string) ([]Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoData, path)
		}
		return nil, fmt.Errorf("profile: failed to open %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f, fields...)
}

// Fake generates n profiles named "1".."n". The name is stored under field,
// or profile_name when field is empty.
func Fake(n int, field string) []Profile {
	if field == "" {
		field = DefaultNameField
	}
	profiles := make([]Profile, 0, n)
	for i := 1; i <= n; i++ {
		name := strconv.Itoa(i)
		profiles = append(profiles, Profile{
			Name:    name,
			Fields:  map[string]string{field: name},
			present: map[string]bool{field: true},
		})
	}
	return profiles
}

// Names returns the profile names in order.
func Names(profiles []Profile) []string {
	names := make([]string, len(profiles))
	for i, p := range profiles {
		names[i] = p.Name
	}
	return names
}

// Unique keeps the first profile of each name. The names of the dropped
// repeats are returned in order.
func Unique(profiles []Profile) (unique []Profile, repeated []string) {
	seen := make(map[string]bool, len(profiles))
	unique = make([]Profile, 0, len(profiles))
	for _, p := range profiles {
		if seen[p.Name] {
			repeated = append(repeated, p.Name)
			continue
		}
		seen[p.Name] = true
		unique = append(unique, p)
	}
	return unique, repeated
}

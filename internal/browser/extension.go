// internal/browser/extension.go
package browser

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrExtensionMissing is returned when a configured extension file does not exist.
var ErrExtensionMissing = errors.New("extension not found")

// ErrInvalidCRX reports a file that is neither a CRX package nor a zip archive.
var ErrInvalidCRX = errors.New("invalid crx package")

// ResolveExtensions maps configured extension names to paths inside dir.
// A pattern containing "*" picks the most recently modified match. A missing
// directory means no extensions are installed and is not an error.
func ResolveExtensions(dir string, patterns []string) ([]string, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, nil
	}

	paths := make([]string, 0, len(patterns))
	for _, pattern := range patterns {
		full := filepath.Join(dir, pattern)
		if !strings.Contains(pattern, "*") {
			if _, err := os.Stat(full); err != nil {
				return nil, fmt.Errorf("%w: %s", ErrExtensionMissing, full)
			}
			paths = append(paths, full)
			continue
		}

		matches, err := filepath.Glob(full)
		if err != nil {
			return nil, fmt.Errorf("bad extension pattern %q: %w", pattern, err)
		}
		newest, newestTime := "", int64(0)
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil {
				continue
			}
			if t := info.ModTime().UnixNano(); newest == "" || t > newestTime {
				newest, newestTime = m, t
			}
		}
		if newest == "" {
			return nil, fmt.Errorf("%w: %s", ErrExtensionMissing, full)
		}
		paths = append(paths, newest)
	}
	return paths, nil
}

// PrepareExtensions turns resolved extension paths into directories Chrome can
// load with --load-extension. Directories pass through; packages are unpacked
// below cacheDir and reused while newer than their source.
func PrepareExtensions(paths []string, cacheDir string) ([]string, error) {
	dirs := make([]string, 0, len(paths))
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrExtensionMissing, p)
		}
		if info.IsDir() {
			dirs = append(dirs, p)
			continue
		}

		name := strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
		dst := filepath.Join(cacheDir, name)
		if cached, err := os.Stat(filepath.Join(dst, "manifest.json")); err == nil && cached.ModTime().After(info.ModTime()) {
			dirs = append(dirs, dst)
			continue
		}
		if err := UnpackCRX(p, dst); err != nil {
			return nil, err
		}
		dirs = append(dirs, dst)
	}
	return dirs, nil
}

// UnpackCRX extracts a CRX2/CRX3 package (or a plain zip) into dst.
func UnpackCRX(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read extension %s: %w", src, err)
	}
	payload, err := crxPayload(data)
	if err != nil {
		return fmt.Errorf("%s: %w", src, err)
	}

	zr, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return fmt.Errorf("%s: %w: %v", src, ErrInvalidCRX, err)
	}
	if err := os.RemoveAll(dst); err != nil {
		return fmt.Errorf("failed to clear %s: %w", dst, err)
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	for _, f := range zr.File {
		if err := extractFile(f, dst); err != nil {
			return err
		}
	}
	return nil
}

// crxPayload strips the CRX header and returns the embedded zip archive.
func crxPayload(data []byte) ([]byte, error) {
	if bytes.HasPrefix(data, []byte("PK\x03\x04")) {
		return data, nil
	}
	if len(data) < 12 || string(data[:4]) != "Cr24" {
		return nil, ErrInvalidCRX
	}
	version := binary.LittleEndian.Uint32(data[4:8])
	var offset uint64
	switch version {
	case 2:
		if len(data) < 16 {
			return nil, ErrInvalidCRX
		}
		keyLen := uint64(binary.LittleEndian.Uint32(data[8:12]))
		sigLen := uint64(binary.LittleEndian.Uint32(data[12:16]))
		offset = 16 + keyLen + sigLen
	case 3:
		headerLen := uint64(binary.LittleEndian.Uint32(data[8:12]))
		offset = 12 + headerLen
	default:
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidCRX, version)
	}
	if offset > uint64(len(data)) {
		return nil, fmt.Errorf("%w: truncated header", ErrInvalidCRX)
	}
	return data[offset:], nil
}

func extractFile(f *zip.File, dst string) error {
	target := filepath.Join(dst, filepath.FromSlash(f.Name))
	if !strings.HasPrefix(target, filepath.Clean(dst)+string(os.PathSeparator)) {
		return fmt.Errorf("%w: entry %q escapes the target directory", ErrInvalidCRX, f.Name)
	}
	if f.FileInfo().IsDir() {
		return os.MkdirAll(target, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fmt.Errorf("failed to extract %s: %w", f.Name, err)
	}
	return out.Close()
}

// Package filestore lists and fetches drop files from a local directory or
// an S3-compatible bucket.
package filestore

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// FileInfo describes one drop file.
type FileInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Store lists drop files and makes them readable from the local disk.
type Store interface {
	// List returns the drop files under dir, oldest first.
	List(ctx context.Context, dir string) ([]FileInfo, error)
	// Local returns a local path for a file returned by List.
	Local(ctx context.Context, path string) (string, error)
}

var dropExtensions = map[string]bool{
	".csv": true,
	".tsv": true,
	".txt": true,
	".efa": true,
}

// IsDropFile reports whether name has a drop-file extension.
func IsDropFile(name string) bool {
	return dropExtensions[strings.ToLower(filepath.Ext(name))]
}

func sortFiles(files []FileInfo) {
	sort.SliceStable(files, func(i, j int) bool {
		if !files[i].ModTime.Equal(files[j].ModTime) {
			return files[i].ModTime.Before(files[j].ModTime)
		}
		return files[i].Path < files[j].Path
	})
}

// Since filters files modified at or after t.
func Since(files []FileInfo, t time.Time) []FileInfo {
	var out []FileInfo
	for _, f := range files {
		if !f.ModTime.Before(t) {
			out = append(out, f)
		}
	}
	return out
}

// Mux dispatches s3:// paths to the bucket store and everything else to
// the local store.
type Mux struct {
	LocalFS Store
	S3    Store
}

func (m *Mux) pick(path string) (Store, error) {
	if strings.HasPrefix(path, "s3://") {
		if m.S3 == nil {
			return nil, fmt.Errorf("s3 drop bucket is not configured for %q", path)
		}
		return m.S3, nil
	}
	return m.LocalFS, nil
}

// List implements Store.
func (m *Mux) List(ctx context.Context, dir string) ([]FileInfo, error) {
	s, err := m.pick(dir)
	if err != nil {
		return nil, err
	}
	return s.List(ctx, dir)
}

// Local implements Store.
func (m *Mux) Local(ctx context.Context, path string) (string, error) {
	s, err := m.pick(path)
	if err != nil {
		return "", err
	}
	return s.Local(ctx, path)
}

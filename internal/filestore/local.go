package filestore

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
)

// LocalStore reads drop files from a mounted directory tree.
type LocalStore struct{}

// List walks dir recursively.
func (LocalStore) List(ctx context.Context, dir string) ([]FileInfo, error) {
	var files []FileInfo
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !IsDropFile(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, FileInfo{Path: path, Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	sortFiles(files)
	return files, nil
}

// Local returns path unchanged.
func (LocalStore) Local(_ context.Context, path string) (string, error) {
	return path, nil
}

// Package artifact lists the build output that a deployment uploads.
package artifact

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"time"

	"webdeploy/pkg/exclusion"
)

// FileMetadata describes one build output file.
type FileMetadata struct {
	// RelativePath is relative to the publish root, slash separated.
	RelativePath string    `json:"relative_path"`
	AbsolutePath string    `json:"absolute_path"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// TotalSize sums the size of files.
func TotalSize(files []FileMetadata) int64 {
	var total int64
	for _, f := range files {
		total += f.Size
	}
	return total
}

// Scanner walks a publish directory and returns the files to deploy.
type Scanner struct {
	matcher *exclusion.Matcher
}

func NewScanner(matcher *exclusion.Matcher) *Scanner {
	return &Scanner{matcher: matcher}
}

// Scan returns the regular files under root that the scanner's matcher does
// not exclude, sorted by relative path. The result is never nil.
func (s *Scanner) Scan(ctx context.Context, root string) ([]FileMetadata, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve publish root: %w", err)
	}

	files := make([]FileMetadata, 0)
	err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !d.IsDir() && !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(absRoot, path)
		if err != nil {
			return fmt.Errorf("relative path for %s: %w", path, err)
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if path != absRoot && s.matcher.ExcludesDir(rel) {
				return fs.SkipDir
			}
			return nil
		}
		if s.matcher.IsExcluded(rel) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}

		files = append(files, FileMetadata{
			RelativePath: rel,
			AbsolutePath: path,
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].RelativePath < files[j].RelativePath
	})
	return files, nil
}

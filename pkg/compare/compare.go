// Package compare diffs the local artifact set against a remote listing to
// find files and directories that are safe to delete.
package compare

import (
	"errors"
	"path"
	"sort"
	"strings"

	"webdeploy/pkg/artifact"
	"webdeploy/pkg/exclusion"
)

var ErrNilInput = errors.New("compare: local and remote file sets are required")

type FileMetadata = artifact.FileMetadata

type Result struct {
	ObsoleteFiles   []string `json:"obsolete_files"`
	ExcludedFiles   []string `json:"excluded_files"`
	LocalFileCount  int      `json:"local_file_count"`
	RemoteFileCount int      `json:"remote_file_count"`
}

// Compare classifies every remote path that has no local counterpart as
// either excluded (protected by matcher) or obsolete. Paths are compared
// case-insensitively after slash normalization. Output order follows remote.
func Compare(local []FileMetadata, remote []string, matcher *exclusion.Matcher) (*Result, error) {
	if local == nil || remote == nil {
		return nil, ErrNilInput
	}

	deployed := make(map[string]struct{}, len(local))
	for _, f := range local {
		deployed[key(f.RelativePath)] = struct{}{}
	}

	res := &Result{
		ObsoleteFiles:   make([]string, 0),
		ExcludedFiles:   make([]string, 0),
		LocalFileCount:  len(local),
		RemoteFileCount: len(remote),
	}

	for _, raw := range remote {
		p := exclusion.Normalize(raw)
		if p == "" {
			continue
		}
		if _, ok := deployed[strings.ToLower(p)]; ok {
			continue
		}
		if matcher.IsExcluded(p) {
			res.ExcludedFiles = append(res.ExcludedFiles, p)
			continue
		}
		res.ObsoleteFiles = append(res.ObsoleteFiles, p)
	}

	return res, nil
}

// IdentifyEmptyDirectories returns the directories whose every remote file
// is obsolete, i.e. directories left with no files once the obsolete files
// are removed. Only files directly inside a directory are considered, so a
// parent that holds nothing but such a directory is not reported. The root is
// never reported. Results are ordered deepest first.
func IdentifyEmptyDirectories(obsoleteFiles, allRemoteFiles []string) []string {
	obsolete := make(map[string]struct{}, len(obsoleteFiles))
	for _, f := range obsoleteFiles {
		obsolete[key(f)] = struct{}{}
	}

	type dirState struct {
		name     string
		allGone  bool
		anyFiles bool
	}
	dirs := make(map[string]*dirState)
	order := make([]string, 0)

	for _, raw := range allRemoteFiles {
		p := exclusion.Normalize(raw)
		if p == "" {
			continue
		}
		dir := path.Dir(p)
		if dir == "." || dir == "/" {
			continue
		}

		k := strings.ToLower(dir)
		st, ok := dirs[k]
		if !ok {
			st = &dirState{name: dir, allGone: true}
			dirs[k] = st
			order = append(order, k)
		}
		st.anyFiles = true
		if _, gone := obsolete[strings.ToLower(p)]; !gone {
			st.allGone = false
		}
	}

	empty := make([]string, 0)
	for _, k := range order {
		if st := dirs[k]; st.anyFiles && st.allGone {
			empty = append(empty, st.name)
		}
	}

	sort.SliceStable(empty, func(i, j int) bool {
		di, dj := strings.Count(empty[i], "/"), strings.Count(empty[j], "/")
		if di != dj {
			return di > dj
		}
		return empty[i] < empty[j]
	})
	return empty
}

func key(p string) string {
	return strings.ToLower(exclusion.Normalize(p))
}

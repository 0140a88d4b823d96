package compare

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webdeploy/pkg/artifact"
	"webdeploy/pkg/exclusion"
)

func localSet(paths ...string) []artifact.FileMetadata {
	files := make([]artifact.FileMetadata, 0, len(paths))
	for _, p := range paths {
		files = append(files, artifact.FileMetadata{RelativePath: p})
	}
	return files
}

func TestCompareClassifiesRemoteFiles(t *testing.T) {
	matcher, err := exclusion.Compile([]string{"logs/**", "web.config"})
	require.NoError(t, err)

	local := localSet("index.html", "bin/App.dll", "css/site.css")
	remote := []string{
		"index.html",
		"BIN/app.dll",
		"css\\site.css",
		"old.html",
		"bin/removed.dll",
		"logs/2024/app.log",
		"Web.Config",
	}

	res, err := Compare(local, remote, matcher)
	require.NoError(t, err)

	assert.Equal(t, []string{"old.html", "bin/removed.dll"}, res.ObsoleteFiles)
	assert.Equal(t, []string{"logs/2024/app.log", "Web.Config"}, res.ExcludedFiles)
	assert.Equal(t, 3, res.LocalFileCount)
	assert.Equal(t, 7, res.RemoteFileCount)
}

func TestCompareRemoteSubsetOfLocal(t *testing.T) {
	local := localSet("a.txt", "b/c.txt", "d.txt")
	res, err := Compare(local, []string{"a.txt", "b/c.txt"}, nil)
	require.NoError(t, err)
	assert.Empty(t, res.ObsoleteFiles)
	assert.Empty(t, res.ExcludedFiles)
}

func TestCompareObsoleteAndExcludedDisjoint(t *testing.T) {
	matcher, err := exclusion.Compile([]string{"*.keep"})
	require.NoError(t, err)

	local := localSet("a.txt")
	remote := []string{"a.txt", "b.keep", "c.txt", "d.keep", "e/f.txt"}

	res, err := Compare(local, remote, matcher)
	require.NoError(t, err)

	excluded := map[string]bool{}
	for _, e := range res.ExcludedFiles {
		excluded[e] = true
	}
	for _, o := range res.ObsoleteFiles {
		assert.False(t, excluded[o], "path %s is both obsolete and excluded", o)
	}
	assert.Len(t, res.ObsoleteFiles, 2)
	assert.Len(t, res.ExcludedFiles, 2)
}

func TestCompareNilInputs(t *testing.T) {
	_, err := Compare(nil, []string{}, nil)
	assert.ErrorIs(t, err, ErrNilInput)

	_, err = Compare([]artifact.FileMetadata{}, nil, nil)
	assert.ErrorIs(t, err, ErrNilInput)

	res, err := Compare([]artifact.FileMetadata{}, []string{}, nil)
	require.NoError(t, err)
	assert.Empty(t, res.ObsoleteFiles)
}

func TestIdentifyEmptyDirectories(t *testing.T) {
	remote := []string{
		"index.html",
		"old/a.js",
		"old/b.js",
		"mixed/keep.js",
		"mixed/gone.js",
		"deep/nested/x.css",
		"stale.txt",
	}
	obsolete := []string{"old/a.js", "old/b.js", "mixed/gone.js", "deep/nested/x.css", "stale.txt"}

	dirs := IdentifyEmptyDirectories(obsolete, remote)
	assert.Equal(t, []string{"deep/nested", "old"}, dirs)
}

func TestIdentifyEmptyDirectoriesKeepsDirWithSurvivor(t *testing.T) {
	remote := []string{"old/a.js", "old/b.js"}

	assert.Equal(t, []string{"old"}, IdentifyEmptyDirectories([]string{"old/a.js", "old/b.js"}, remote))
	assert.Empty(t, IdentifyEmptyDirectories([]string{"old/a.js"}, remote))
}

func TestIdentifyEmptyDirectoriesSinglePass(t *testing.T) {
	// "parent" holds only the "parent/child" directory; it becomes empty only
	// after the child is deleted, which a single pass does not detect.
	remote := []string{"parent/child/a.txt"}
	dirs := IdentifyEmptyDirectories(remote, remote)
	assert.Equal(t, []string{"parent/child"}, dirs)
}

func TestIdentifyEmptyDirectoriesCaseInsensitive(t *testing.T) {
	remote := []string{"Assets/Logo.PNG", "assets/old.png"}
	dirs := IdentifyEmptyDirectories([]string{"assets/logo.png", "ASSETS/OLD.png"}, remote)
	assert.Equal(t, []string{"Assets"}, dirs)
}

func TestCompareLargeSet(t *testing.T) {
	var local []artifact.FileMetadata
	var remote []string
	for i := 0; i < 500; i++ {
		p := fmt.Sprintf("dir%d/file%d.txt", i%10, i)
		local = append(local, artifact.FileMetadata{RelativePath: p})
		remote = append(remote, p)
	}
	remote = append(remote, "dir3/extra.txt")

	res, err := Compare(local, remote, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"dir3/extra.txt"}, res.ObsoleteFiles)
	assert.Empty(t, IdentifyEmptyDirectories(res.ObsoleteFiles, remote))
}

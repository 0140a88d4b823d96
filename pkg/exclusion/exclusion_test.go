package exclusion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsExcluded(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"temp/**", "temp/a", true},
		{"temp/**", "temp/a/b/c", true},
		{"temp/**", "other/temp/a", false},
		{"temp/**", "temporary/a", false},
		{"*.log", "error.log", true},
		{"*.log", "error.LOGX", false},
		{"*.log", "logs/error.log", false},
		{"**/*.log", "logs/error.log", true},
		{"**/*.log", "error.log", true},
		{"logs/**/*.txt", "logs/a.txt", true},
		{"logs/**/*.txt", "logs/x/y/a.txt", true},
		{"logs/**/*.txt", "logs/x/y/a.txt.bak", false},
		{"file?.txt", "file1.txt", true},
		{"file?.txt", "file12.txt", false},
		{"a?b", "a/b", false},
		{"a*b", "a/b", false},
		{"web.config", "WEB.CONFIG", true},
		{"Uploads/", "uploads/avatar.png", true},
		{"/wwwroot/*.map", "wwwroot/site.js.map", true},
		{"data[0-9].bin", "data7.bin", true},
		{"data[!0-9].bin", "datax.bin", true},
		{"data[!0-9].bin", "data7.bin", false},
		{"a+b(c).txt", "a+b(c).txt", true},
		{"**", "anything/at/all", true},
		{"données/**", "données/a.txt", true},
		{"données/**", "donnees/a.txt", false},
		{"café.txt", "café.txt", true},
		{"CAFÉ.txt", "café.txt", true},
		{"[é]x", "éx", true},
		{"[é]x", "ex", false},
		{"[!é]x", "éx", false},
		{"日志/*.log", "日志/app.log", true},
		{"?.txt", "é.txt", true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"|"+tt.path, func(t *testing.T) {
			m, err := Compile([]string{tt.pattern})
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.IsExcluded(tt.path))
		})
	}
}

func TestIsExcludedNormalizesSeparators(t *testing.T) {
	m, err := Compile([]string{`bin\Debug\**`})
	require.NoError(t, err)

	assert.True(t, m.IsExcluded(`bin\debug\app.dll`))
	assert.True(t, m.IsExcluded("bin/DEBUG/sub/app.dll"))
	assert.True(t, m.IsExcluded("./bin/debug/app.dll"))
}

func TestIsExcludedEmptyPath(t *testing.T) {
	m, err := Compile([]string{"**"})
	require.NoError(t, err)

	assert.False(t, m.IsExcluded(""))
	assert.False(t, m.IsExcluded("   "))
}

func TestNilMatcherExcludesNothing(t *testing.T) {
	var m *Matcher
	assert.False(t, m.IsExcluded("a.log"))
	assert.Nil(t, m.Patterns())
}

func TestCompileInvalidPatterns(t *testing.T) {
	for _, p := range []string{"", "   ", "a**", "**b", "logs/**x", "data[0-9.bin", "x[]"} {
		t.Run(p, func(t *testing.T) {
			_, err := Compile([]string{p})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "compile exclusion pattern")
		})
	}
}

func TestWithDefaultsIsUnion(t *testing.T) {
	patterns := WithDefaults([]string{"uploads/**"})

	m, err := Compile(patterns)
	require.NoError(t, err)

	assert.True(t, m.IsExcluded("uploads/a.png"))
	assert.True(t, m.IsExcluded(".git/HEAD"))
	assert.True(t, m.IsExcluded("src/.git/config"))
	assert.True(t, m.IsExcluded("bin/app.pdb"))
	assert.True(t, m.IsExcluded("appsettings.Development.json"))
	assert.False(t, m.IsExcluded("appsettings.json"))
	assert.False(t, m.IsExcluded("index.html"))
}

func TestCompileDeduplicates(t *testing.T) {
	m, err := Compile([]string{"*.log", "*.LOG", "/*.log"})
	require.NoError(t, err)
	assert.Equal(t, []string{"*.log"}, m.Patterns())
}

func TestMatchingPattern(t *testing.T) {
	m, err := Compile([]string{"*.tmp", "cache/**"})
	require.NoError(t, err)

	p, ok := m.MatchingPattern("cache/x/y")
	assert.True(t, ok)
	assert.Equal(t, "cache/**", p)

	_, ok = m.MatchingPattern("index.html")
	assert.False(t, ok)
}

func TestExcludesDir(t *testing.T) {
	m, err := Compile([]string{"**/node_modules/**", "obj/**", "Uploads/", "*.log"})
	require.NoError(t, err)

	tests := []struct {
		dir  string
		want bool
	}{
		{"node_modules", true},
		{"src/web/node_modules", true},
		{"obj", true},
		{"OBJ", true},
		{"src/obj", false},
		{"uploads", true},
		{"uploads/2024", false},
		{"logs", false},
		{".", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.dir, func(t *testing.T) {
			assert.Equal(t, tt.want, m.ExcludesDir(tt.dir))
		})
	}
}

// Package exclusion compiles glob-style ignore patterns into path predicates.
//
// Patterns use forward slashes and are matched case-insensitively against the
// whole root-relative path:
//
//   - "*" matches any run of characters except "/"
//   - "?" matches exactly one character except "/"
//   - "[abc]", "[a-z]", "[!abc]" match one character from (or not from) a class
//   - "**/" matches zero or more whole directory segments
//   - a trailing "/**" (or a trailing "/") matches everything below a directory
//
// So "logs/**" matches "logs/x" and "logs/a/b/x" but not "other/logs/x", and
// "**/*.pdb" matches "app.pdb" as well as "bin/release/app.pdb".
package exclusion

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultPatterns covers VCS metadata, editor and tooling state, build
// intermediates and environment-specific configuration that should never be
// deployed or deleted.
var DefaultPatterns = []string{
	"**/.git/**",
	"**/.svn/**",
	"**/.hg/**",
	"**/.vs/**",
	"**/.vscode/**",
	"**/.idea/**",
	"**/node_modules/**",
	"obj/**",
	"**/*.pdb",
	"**/*.user",
	"**/*.suo",
	"**/.DS_Store",
	"**/Thumbs.db",
	"**/.env",
	"**/.env.*",
	"appsettings.Development.json",
	"appsettings.*.local.json",
	"web.Debug.config",
}

type pattern struct {
	raw string
	re  *regexp.Regexp
	// dir matches directories whose whole subtree re excludes. Nil unless
	// the pattern ends in "/**".
	dir *regexp.Regexp
}

// Matcher reports whether a relative path is excluded. A nil *Matcher
// excludes nothing. Matchers are immutable and safe for concurrent use.
type Matcher struct {
	patterns []pattern
}

// Compile builds a matcher from patterns. Blank entries are rejected so that
// a typo in a config list surfaces instead of silently matching nothing.
func Compile(patterns []string) (*Matcher, error) {
	m := &Matcher{patterns: make([]pattern, 0, len(patterns))}
	seen := make(map[string]struct{}, len(patterns))

	for _, raw := range patterns {
		pat, err := compilePattern(raw)
		if err != nil {
			return nil, fmt.Errorf("compile exclusion pattern %q: %w", raw, err)
		}
		key := strings.ToLower(pat.re.String())
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		m.patterns = append(m.patterns, pat)
	}

	return m, nil
}

// WithDefaults returns DefaultPatterns followed by custom.
func WithDefaults(custom []string) []string {
	out := make([]string, 0, len(DefaultPatterns)+len(custom))
	out = append(out, DefaultPatterns...)
	out = append(out, custom...)
	return out
}

// IsExcluded reports whether relativePath matches any pattern.
func (m *Matcher) IsExcluded(relativePath string) bool {
	if m == nil {
		return false
	}
	p := Normalize(relativePath)
	if p == "" {
		return false
	}
	for _, pat := range m.patterns {
		if pat.re.MatchString(p) {
			return true
		}
	}
	return false
}

// ExcludesDir reports whether every path below dir is excluded, so a walker
// can skip the directory without visiting its contents.
func (m *Matcher) ExcludesDir(dir string) bool {
	if m == nil {
		return false
	}
	p := strings.TrimSuffix(Normalize(dir), "/")
	if p == "" || p == "." {
		return false
	}
	for _, pat := range m.patterns {
		if pat.dir != nil && pat.dir.MatchString(p) {
			return true
		}
	}
	return false
}

// MatchingPattern returns the first pattern that excludes relativePath.
func (m *Matcher) MatchingPattern(relativePath string) (string, bool) {
	if m == nil {
		return "", false
	}
	p := Normalize(relativePath)
	if p == "" {
		return "", false
	}
	for _, pat := range m.patterns {
		if pat.re.MatchString(p) {
			return pat.raw, true
		}
	}
	return "", false
}

// Patterns returns the source patterns in compile order.
func (m *Matcher) Patterns() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.patterns))
	for i, p := range m.patterns {
		out[i] = p.raw
	}
	return out
}

// Normalize converts a path to the form patterns are matched against:
// forward slashes, no leading "./" or "/".
func Normalize(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	for {
		switch {
		case strings.HasPrefix(p, "./"):
			p = p[2:]
		case strings.HasPrefix(p, "/"):
			p = p[1:]
		default:
			return p
		}
	}
}

func compilePattern(raw string) (pattern, error) {
	p := Normalize(raw)
	if p == "" {
		return pattern{}, fmt.Errorf("empty pattern")
	}
	if strings.HasSuffix(p, "/") {
		p += "**"
	}

	expr, err := translate(p)
	if err != nil {
		return pattern{}, err
	}
	re, err := regexp.Compile(`(?i)^` + expr + `$`)
	if err != nil {
		return pattern{}, err
	}
	pat := pattern{raw: raw, re: re}

	if prefix, ok := strings.CutSuffix(p, "/**"); ok && prefix != "" {
		dirExpr, err := translate(prefix)
		if err != nil {
			return pattern{}, err
		}
		if pat.dir, err = regexp.Compile(`(?i)^` + dirExpr + `$`); err != nil {
			return pattern{}, err
		}
	}
	return pat, nil
}

// translate converts a normalized glob into an unanchored regexp body.
func translate(p string) (string, error) {
	var b strings.Builder

	for i := 0; i < len(p); {
		c := p[i]
		switch {
		case c == '*' && i+1 < len(p) && p[i+1] == '*':
			if i > 0 && p[i-1] != '/' {
				return "", fmt.Errorf("'**' must be a whole path segment")
			}
			end := i + 2
			switch {
			case end == len(p):
				b.WriteString(`.+`)
				i = end
			case p[end] == '/':
				b.WriteString(`(?:[^/]+/)*`)
				i = end + 1
			default:
				return "", fmt.Errorf("'**' must be a whole path segment")
			}
		case c == '*':
			b.WriteString(`[^/]*`)
			i++
		case c == '?':
			b.WriteString(`[^/]`)
			i++
		case c == '[':
			class, next, err := translateClass(p, i)
			if err != nil {
				return "", err
			}
			b.WriteString(class)
			i = next
		default:
			r, size := utf8.DecodeRuneInString(p[i:])
			b.WriteString(regexp.QuoteMeta(string(r)))
			i += size
		}
	}

	return b.String(), nil
}

// translateClass converts the bracket expression starting at p[start] into a
// regexp class that never matches "/".
func translateClass(p string, start int) (string, int, error) {
	i := start + 1
	negate := false
	if i < len(p) && (p[i] == '!' || p[i] == '^') {
		negate = true
		i++
	}

	closing := strings.IndexByte(p[i:], ']')
	if closing < 0 {
		return "", 0, fmt.Errorf("unterminated character class")
	}
	body := p[i : i+closing]
	if body == "" {
		return "", 0, fmt.Errorf("empty character class")
	}
	if strings.Contains(body, "/") {
		return "", 0, fmt.Errorf("character class cannot contain '/'")
	}

	var b strings.Builder
	b.WriteByte('[')
	if negate {
		b.WriteString(`^/`)
	}
	runes := []rune(body)
	for j, r := range runes {
		if r == '-' && j > 0 && j < len(runes)-1 {
			b.WriteByte('-')
			continue
		}
		b.WriteString(regexp.QuoteMeta(string(r)))
	}
	b.WriteByte(']')

	return b.String(), i + closing + 1, nil
}

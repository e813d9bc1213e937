package service

import (
	"os"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
	log "github.com/sirupsen/logrus"

	"chanfs/internal/common"
)

// DefaultExcludes are junk files desktop clients drop on network shares.
var DefaultExcludes = []string{
	".DS_Store",
	"._*",
	".Spotlight-V100",
	".Trashes",
	".fseventsd",
	"Thumbs.db",
	"desktop.ini",
}

// WriteFilter decides which paths may be written. Patterns use gitignore
// syntax and are matched against the full path, so a bare name matches at
// any depth.
type WriteFilter struct {
	matcher  *ignore.GitIgnore
	includes []string
}

// NewWriteFilter compiles exclude patterns. includes force-allow paths (and
// everything below them) that an exclude would otherwise reject.
func NewWriteFilter(excludes, includes []string) *WriteFilter {
	f := &WriteFilter{}
	if len(excludes) > 0 {
		f.matcher = ignore.CompileIgnoreLines(excludes...)
	}
	for _, inc := range includes {
		if inc = common.NormalizePath(inc); inc != "" {
			f.includes = append(f.includes, inc)
		}
	}
	return f
}

// LoadWriteFilter combines patterns with the lines of an ignore file. A
// missing file is not an error.
func LoadWriteFilter(excludes, includes []string, ignoreFile string) (*WriteFilter, error) {
	if ignoreFile == "" {
		return NewWriteFilter(excludes, includes), nil
	}
	data, err := os.ReadFile(ignoreFile)
	if os.IsNotExist(err) {
		log.WithField("file", ignoreFile).Debug("filter: ignore file not found")
		return NewWriteFilter(excludes, includes), nil
	}
	if err != nil {
		return nil, err
	}
	lines := append(append([]string(nil), excludes...), strings.Split(string(data), "\n")...)
	return NewWriteFilter(lines, includes), nil
}

// Excluded reports whether writes to p must be rejected.
func (f *WriteFilter) Excluded(p string, isDir bool) bool {
	if f == nil || f.matcher == nil {
		return false
	}
	p = common.NormalizePath(p)
	if p == "" {
		return false
	}
	for _, inc := range f.includes {
		if common.IsWithin(p, inc) {
			return false
		}
	}
	check := p
	if isDir {
		check += "/"
	}
	return f.matcher.MatchesPath(check)
}
